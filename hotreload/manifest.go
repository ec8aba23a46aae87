package hotreload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/template"

	"github.com/ggoodman/mcp-livesync/mcp"
	"github.com/ggoodman/mcp-livesync/registry"
	"gopkg.in/yaml.v3"
)

// Snapshot is one complete capability set.
type Snapshot struct {
	Tools     *registry.Table
	Resources *registry.Table
	Prompts   *registry.Table
}

// Table returns the table for kind, never nil.
func (s Snapshot) Table(kind registry.Kind) *registry.Table {
	var t *registry.Table
	switch kind {
	case registry.KindTool:
		t = s.Tools
	case registry.KindResource:
		t = s.Resources
	case registry.KindPrompt:
		t = s.Prompts
	}
	if t == nil {
		return registry.NewTable()
	}
	return t
}

// Manifest is the YAML description of a capability set.
//
//	tools:
//	  - name: greet
//	    description: Say hello
//	    input:
//	      name: {type: string, required: true}
//	    template: "Hello, {{ .name }}!"
//	resources:
//	  - name: readme
//	    uri: docs://readme
//	    text: "..."
//	prompts:
//	  - name: review
//	    arguments: [{name: code, required: true}]
//	    template: "Review this: {{ .code }}"
type Manifest struct {
	Tools     []ManifestTool     `yaml:"tools"`
	Resources []ManifestResource `yaml:"resources"`
	Prompts   []ManifestPrompt   `yaml:"prompts"`
}

// ManifestProperty declares one tool input field.
type ManifestProperty struct {
	Type        string `yaml:"type"`
	Description string `yaml:"description,omitempty"`
	Required    bool   `yaml:"required,omitempty"`
}

// ManifestTool declares a tool whose output is a rendered template.
type ManifestTool struct {
	Name        string                      `yaml:"name"`
	Title       string                      `yaml:"title,omitempty"`
	Description string                      `yaml:"description,omitempty"`
	Input       map[string]ManifestProperty `yaml:"input,omitempty"`
	Annotations map[string]string           `yaml:"annotations,omitempty"`
	Template    string                      `yaml:"template"`
}

// ManifestResource declares a static text resource.
type ManifestResource struct {
	Name        string `yaml:"name"`
	URI         string `yaml:"uri"`
	Description string `yaml:"description,omitempty"`
	MimeType    string `yaml:"mime_type,omitempty"`
	Text        string `yaml:"text"`
}

// ManifestPrompt declares a prompt rendered from a template.
type ManifestPrompt struct {
	Name        string               `yaml:"name"`
	Description string               `yaml:"description,omitempty"`
	Arguments   []mcp.PromptArgument `yaml:"arguments,omitempty"`
	Template    string               `yaml:"template"`
}

// LoadManifest reads and compiles the manifest at path.
func LoadManifest(path string) (Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read manifest: %w", err)
	}
	return ParseManifest(raw)
}

// ParseManifest decodes and compiles a manifest document. Unknown fields,
// duplicate names and templates that fail to parse are errors.
func ParseManifest(raw []byte) (Snapshot, error) {
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
		return Snapshot{}, fmt.Errorf("decode manifest: %w", err)
	}
	return m.Compile()
}

// Compile turns the manifest into registration tables.
func (m Manifest) Compile() (Snapshot, error) {
	snap := Snapshot{Tools: registry.NewTable(), Resources: registry.NewTable(), Prompts: registry.NewTable()}

	for _, t := range m.Tools {
		if err := checkName(snap.Tools, registry.KindTool, t.Name); err != nil {
			return Snapshot{}, err
		}
		fn, err := compileTemplate(t.Name, t.Template)
		if err != nil {
			return Snapshot{}, err
		}
		schema := inputSchema(t.Input)
		snap.Tools.Set(t.Name, registry.Registration{
			Config: registry.Config{
				Name:        t.Name,
				Title:       t.Title,
				Description: t.Description,
				InputSchema: &schema,
				Annotations: t.Annotations,
			},
			Handler: registry.Handler{Fn: fn, Source: t.Template},
		})
	}

	for _, r := range m.Resources {
		if err := checkName(snap.Resources, registry.KindResource, r.Name); err != nil {
			return Snapshot{}, err
		}
		if r.URI == "" {
			return Snapshot{}, fmt.Errorf("resource %q: uri is required", r.Name)
		}
		reg := registry.NewTextResource(r.Name, r.URI, r.MimeType, r.Text)
		reg.Config.Description = r.Description
		snap.Resources.Set(r.Name, reg)
	}

	for _, p := range m.Prompts {
		if err := checkName(snap.Prompts, registry.KindPrompt, p.Name); err != nil {
			return Snapshot{}, err
		}
		fn, err := compileTemplate(p.Name, p.Template)
		if err != nil {
			return Snapshot{}, err
		}
		reg := registry.NewPrompt(p.Name, p.Description, p.Arguments, fn)
		reg.Handler.Source = p.Template
		snap.Prompts.Set(p.Name, reg)
	}
	return snap, nil
}

func checkName(t *registry.Table, kind registry.Kind, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%s: name is required", kind)
	}
	if t.Has(name) {
		return fmt.Errorf("%s %q: duplicate name", kind, name)
	}
	return nil
}

func compileTemplate(name, body string) (registry.HandlerFunc, error) {
	tmpl, err := template.New(name).Option("missingkey=zero").Parse(body)
	if err != nil {
		return nil, fmt.Errorf("%s: parse template: %w", name, err)
	}
	return func(ctx context.Context, req registry.Request) (registry.Result, error) {
		args := map[string]any{}
		if len(req.Arguments) > 0 {
			if err := json.Unmarshal(req.Arguments, &args); err != nil {
				return registry.Result{Text: fmt.Sprintf("invalid arguments: %v", err), IsError: true}, nil
			}
		}
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, args); err != nil {
			return registry.Result{}, fmt.Errorf("%s: render: %w", name, err)
		}
		return registry.Result{Text: buf.String(), MimeType: "text/plain"}, nil
	}, nil
}

func inputSchema(props map[string]ManifestProperty) mcp.ToolInputSchema {
	s := mcp.ToolInputSchema{Type: "object", Properties: make(map[string]mcp.SchemaProperty, len(props))}
	for name, p := range props {
		typ := p.Type
		if typ == "" {
			typ = "string"
		}
		s.Properties[name] = mcp.SchemaProperty{Type: typ, Description: p.Description}
		if p.Required {
			s.Required = append(s.Required, name)
		}
	}
	sort.Strings(s.Required)
	return s
}
