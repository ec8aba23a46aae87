// Package registry holds the named capability registrations a server
// exposes (tools, resources and prompts) in a stable, ordered table.
package registry

import (
	"context"
	"encoding/json"
	"reflect"
	"runtime"

	"github.com/ggoodman/mcp-livesync/mcp"
)

// Kind distinguishes the three registration tables.
type Kind string

const (
	KindTool     Kind = "tool"
	KindResource Kind = "resource"
	KindPrompt   Kind = "prompt"
)

// Kinds lists every kind in the order reloads process them.
var Kinds = []Kind{KindTool, KindResource, KindPrompt}

// ListChangedMethod returns the list_changed notification for the kind.
func (k Kind) ListChangedMethod() mcp.Method {
	switch k {
	case KindTool:
		return mcp.ToolsListChangedNotificationMethod
	case KindResource:
		return mcp.ResourcesListChangedNotificationMethod
	case KindPrompt:
		return mcp.PromptsListChangedNotificationMethod
	default:
		return ""
	}
}

// Config is the declarative half of a registration. Two configs are the
// same when they are deeply equal.
type Config struct {
	Name        string               `json:"name" yaml:"name"`
	Title       string               `json:"title,omitempty" yaml:"title,omitempty"`
	Description string               `json:"description,omitempty" yaml:"description,omitempty"`
	InputSchema *mcp.ToolInputSchema `json:"inputSchema,omitempty" yaml:"-"`
	URI         string               `json:"uri,omitempty" yaml:"uri,omitempty"`
	MimeType    string               `json:"mimeType,omitempty" yaml:"mime_type,omitempty"`
	Arguments   []mcp.PromptArgument `json:"arguments,omitempty" yaml:"-"`
	Annotations map[string]string    `json:"annotations,omitempty" yaml:"annotations,omitempty"`
}

// Request is what a handler receives when its registration is invoked.
type Request struct {
	SessionID string
	Name      string
	URI       string
	Arguments json.RawMessage
}

// Result is a handler's textual output.
type Result struct {
	Text     string
	MimeType string
	IsError  bool
}

// HandlerFunc executes a registration.
type HandlerFunc func(ctx context.Context, req Request) (Result, error)

// Handler is the executable half of a registration.
type Handler struct {
	Fn HandlerFunc
	// Source is the text the handler was built from, such as a template body.
	// It determines the handler's identity across reloads.
	Source string
}

// Identity returns the text that identifies the handler across reloads:
// Source when set, otherwise the Go symbol name of Fn.
func (h Handler) Identity() string {
	if h.Source != "" {
		return h.Source
	}
	return FuncName(h.Fn)
}

// FuncName returns the fully qualified symbol name of fn, or "" for nil.
func FuncName(fn any) string {
	if fn == nil {
		return ""
	}
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return ""
	}
	if f := runtime.FuncForPC(v.Pointer()); f != nil {
		return f.Name()
	}
	return ""
}

// Registration is one named entry of a table.
type Registration struct {
	Config  Config
	Handler Handler
}

// Describe renders the registration's listing entry for kind.
func (r Registration) Describe(kind Kind) any {
	switch kind {
	case KindTool:
		t := mcp.Tool{Name: r.Config.Name, Title: r.Config.Title, Description: r.Config.Description}
		if r.Config.InputSchema != nil {
			t.InputSchema = *r.Config.InputSchema
		} else {
			t.InputSchema = mcp.ToolInputSchema{Type: "object"}
		}
		return t
	case KindResource:
		return mcp.Resource{URI: r.Config.URI, Name: r.Config.Name, Description: r.Config.Description, MimeType: r.Config.MimeType}
	case KindPrompt:
		return mcp.Prompt{Name: r.Config.Name, Description: r.Config.Description, Arguments: r.Config.Arguments}
	default:
		return nil
	}
}
