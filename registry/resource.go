package registry

import (
	"context"

	"github.com/ggoodman/mcp-livesync/mcp"
)

// NewTextResource registers a static text resource. The text is both the
// content and the handler identity, so editing it counts as a handler change.
func NewTextResource(name, uri, mimeType, text string) Registration {
	if mimeType == "" {
		mimeType = "text/plain"
	}
	return Registration{
		Config: Config{Name: name, URI: uri, MimeType: mimeType},
		Handler: Handler{
			Fn: func(context.Context, Request) (Result, error) {
				return Result{Text: text, MimeType: mimeType}, nil
			},
			Source: text,
		},
	}
}

// NewPrompt registers a prompt backed by fn.
func NewPrompt(name, description string, args []mcp.PromptArgument, fn HandlerFunc) Registration {
	return Registration{
		Config:  Config{Name: name, Description: description, Arguments: args},
		Handler: Handler{Fn: fn},
	}
}
