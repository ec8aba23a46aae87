package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/ggoodman/mcp-livesync/mcp"
	"github.com/invopop/jsonschema"
)

// ToolOption configures NewTool.
type ToolOption func(*toolConfig)

type toolConfig struct {
	title                     string
	description               string
	source                    string
	allowAdditionalProperties bool
}

// WithToolTitle sets the human readable title.
func WithToolTitle(title string) ToolOption {
	return func(c *toolConfig) { c.title = title }
}

// WithToolDescription sets the tool description used in listings.
func WithToolDescription(desc string) ToolOption {
	return func(c *toolConfig) { c.description = desc }
}

// WithToolSource overrides the identity text of the handler. By default the
// symbol name of the typed function is used.
func WithToolSource(src string) ToolOption {
	return func(c *toolConfig) { c.source = src }
}

// WithToolAllowAdditionalProperties controls whether unknown fields are allowed.
// When false (default), the generated schema sets additionalProperties=false and
// runtime decoding rejects unknown fields.
func WithToolAllowAdditionalProperties(allow bool) ToolOption {
	return func(c *toolConfig) { c.allowAdditionalProperties = allow }
}

// NewTool builds a tool registration from a typed argument struct A. The
// input schema is reflected from A and arguments are decoded into A before
// fn runs.
func NewTool[A any](name string, fn func(ctx context.Context, req Request, args A) (Result, error), opts ...ToolOption) Registration {
	cfg := toolConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	schema := reflectInputSchema[A](cfg.allowAdditionalProperties)
	source := cfg.source
	if source == "" {
		source = FuncName(fn)
	}

	handler := func(ctx context.Context, req Request) (Result, error) {
		var a A
		if len(req.Arguments) > 0 {
			dec := json.NewDecoder(bytes.NewReader(req.Arguments))
			if !cfg.allowAdditionalProperties {
				dec.DisallowUnknownFields()
			}
			if err := dec.Decode(&a); err != nil {
				return Result{Text: fmt.Sprintf("invalid arguments: %v", err), IsError: true}, nil
			}
		}
		return fn(ctx, req, a)
	}

	return Registration{
		Config: Config{
			Name:        name,
			Title:       cfg.title,
			Description: cfg.description,
			InputSchema: &schema,
		},
		Handler: Handler{Fn: handler, Source: source},
	}
}

// reflectInputSchema reflects a Go type A into a jsonschema.Schema, and
// converts it to the simplified mcp.ToolInputSchema.
func reflectInputSchema[A any](allowAdditional bool) mcp.ToolInputSchema {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: allowAdditional,
	}
	s := r.Reflect(new(A))

	// Only object schemas map cleanly to a tool input schema.
	if s == nil || s.Type != "object" {
		return mcp.ToolInputSchema{
			Type:                 "object",
			Properties:           map[string]mcp.SchemaProperty{},
			AdditionalProperties: allowAdditional,
		}
	}

	props := make(map[string]mcp.SchemaProperty)
	if s.Properties != nil {
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			props[el.Key] = toProperty(el.Value)
		}
	}
	var required []string
	if len(s.Required) > 0 {
		required = append(required, s.Required...)
	}
	return mcp.ToolInputSchema{
		Type:                 "object",
		Properties:           props,
		Required:             required,
		AdditionalProperties: allowAdditional,
	}
}

func toProperty(s *jsonschema.Schema) mcp.SchemaProperty {
	if s == nil {
		return mcp.SchemaProperty{}
	}
	p := mcp.SchemaProperty{Type: s.Type, Description: s.Description}
	if len(s.Enum) > 0 {
		p.Enum = s.Enum
	}
	if s.Type == "array" && s.Items != nil {
		item := toProperty(s.Items)
		p.Items = &item
	}
	if s.Type == "object" && s.Properties != nil {
		m := make(map[string]mcp.SchemaProperty, s.Properties.Len())
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			m[el.Key] = toProperty(el.Value)
		}
		p.Properties = m
	}
	return p
}
