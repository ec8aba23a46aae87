package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ggoodman/mcp-livesync/mcp"
	"github.com/ggoodman/mcp-livesync/registry"
	"github.com/ggoodman/mcp-livesync/sessions"
)

// LiveSession is one session's in-process view: its metadata plus its own
// copy of each registration table. Reloads mutate these copies through the
// hotreload interfaces, so a session only ever sees complete entries.
type LiveSession struct {
	id  string
	srv *Server

	mu     sync.RWMutex
	meta   *sessions.SessionMetadata
	tables map[registry.Kind]*registry.Table
}

func newLiveSession(srv *Server, meta *sessions.SessionMetadata, tables map[registry.Kind]*registry.Table) *LiveSession {
	ls := &LiveSession{
		id:     meta.SessionID,
		srv:    srv,
		meta:   meta.Clone(),
		tables: make(map[registry.Kind]*registry.Table, len(tables)),
	}
	for kind, t := range tables {
		ls.tables[kind] = t.Clone()
	}
	return ls
}

func (ls *LiveSession) SessionID() string { return ls.id }

// Metadata returns a copy of the session's metadata as last seen by this
// process.
func (ls *LiveSession) Metadata() *sessions.SessionMetadata {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return ls.meta.Clone()
}

func (ls *LiveSession) setMetadata(meta *sessions.SessionMetadata) {
	ls.mu.Lock()
	ls.meta = meta.Clone()
	ls.mu.Unlock()
}

// LogLevel is the session's notification threshold, empty when unset.
func (ls *LiveSession) LogLevel() mcp.LoggingLevel {
	return mcp.LoggingLevel(ls.Metadata().LogLevel)
}

// Table returns the session's table for kind.
func (ls *LiveSession) Table(kind registry.Kind) registry.View {
	return ls.table(kind)
}

func (ls *LiveSession) table(kind registry.Kind) *registry.Table {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	t, ok := ls.tables[kind]
	if !ok {
		return registry.NewTable()
	}
	return t
}

func (ls *LiveSession) Register(ctx context.Context, kind registry.Kind, reg registry.Registration) error {
	t, err := ls.mutable(kind)
	if err != nil {
		return err
	}
	t.Set(reg.Config.Name, reg)
	return nil
}

// Remove deletes name from the session's table. Subscriptions are left
// alone here because a config update removes and re-registers the same URI;
// the server prunes subscriptions to vanished URIs once the whole step is
// applied.
func (ls *LiveSession) Remove(ctx context.Context, kind registry.Kind, name string) error {
	t, err := ls.mutable(kind)
	if err != nil {
		return err
	}
	t.Delete(name)
	return nil
}

// pruneSubscriptions drops this session's subscriptions to URIs its
// resource table no longer lists.
func (ls *LiveSession) pruneSubscriptions() []string {
	var dropped []string
	for _, uri := range ls.srv.subs.SessionURIs(ls.id) {
		if _, ok := ls.resourceByURI(uri); ok {
			continue
		}
		if ls.srv.subs.Unsubscribe(uri, ls.id) {
			dropped = append(dropped, uri)
		}
	}
	return dropped
}

// Rename moves oldName to reg's name in place and installs reg there.
func (ls *LiveSession) Rename(ctx context.Context, kind registry.Kind, oldName string, reg registry.Registration) error {
	t, err := ls.mutable(kind)
	if err != nil {
		return err
	}
	if !t.Rename(oldName, reg.Config.Name) {
		return fmt.Errorf("rename %s %q to %q: not possible", kind, oldName, reg.Config.Name)
	}
	t.Set(reg.Config.Name, reg)
	return nil
}

// UpdateHandler swaps the handler of name, keeping its config and position.
func (ls *LiveSession) UpdateHandler(ctx context.Context, kind registry.Kind, name string, h registry.Handler) error {
	t, err := ls.mutable(kind)
	if err != nil {
		return err
	}
	reg, ok := t.Get(name)
	if !ok {
		return fmt.Errorf("update %s %q: not registered", kind, name)
	}
	reg.Handler = h
	t.Set(name, reg)
	return nil
}

func (ls *LiveSession) mutable(kind registry.Kind) (*registry.Table, error) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	t, ok := ls.tables[kind]
	if !ok {
		return nil, fmt.Errorf("unknown registration kind %q", kind)
	}
	return t, nil
}

// ListTools lists the session's tools in registration order.
func (ls *LiveSession) ListTools(cursor *string) Page[mcp.Tool] {
	return paginate(describe[mcp.Tool](ls.table(registry.KindTool), registry.KindTool), cursor, ls.srv.pageSize)
}

// ListResources lists the session's resources in registration order.
func (ls *LiveSession) ListResources(cursor *string) Page[mcp.Resource] {
	return paginate(describe[mcp.Resource](ls.table(registry.KindResource), registry.KindResource), cursor, ls.srv.pageSize)
}

// ListPrompts lists the session's prompts in registration order.
func (ls *LiveSession) ListPrompts(cursor *string) Page[mcp.Prompt] {
	return paginate(describe[mcp.Prompt](ls.table(registry.KindPrompt), registry.KindPrompt), cursor, ls.srv.pageSize)
}

func describe[T any](t *registry.Table, kind registry.Kind) []T {
	out := make([]T, 0, t.Len())
	t.Each(func(_ string, reg registry.Registration) bool {
		if d, ok := reg.Describe(kind).(T); ok {
			out = append(out, d)
		}
		return true
	})
	return out
}

// CallTool invokes a tool. Handler failures become error results so the
// client sees them as tool output.
func (ls *LiveSession) CallTool(ctx context.Context, name string, args json.RawMessage) (*mcp.CallToolResult, error) {
	reg, ok := ls.table(registry.KindTool).Get(name)
	if !ok || reg.Handler.Fn == nil {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	res, err := reg.Handler.Fn(ctx, registry.Request{SessionID: ls.id, Name: name, Arguments: args})
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: err.Error()}},
			IsError: true,
		}, nil
	}
	return &mcp.CallToolResult{
		Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: res.Text, MimeType: res.MimeType}},
		IsError: res.IsError,
	}, nil
}

func (ls *LiveSession) resourceByURI(uri string) (registry.Registration, bool) {
	var found registry.Registration
	var ok bool
	ls.table(registry.KindResource).Each(func(_ string, reg registry.Registration) bool {
		if reg.Config.URI == uri {
			found, ok = reg, true
			return false
		}
		return true
	})
	return found, ok
}

// ReadResource reads a resource by URI.
func (ls *LiveSession) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	reg, ok := ls.resourceByURI(uri)
	if !ok || reg.Handler.Fn == nil {
		return nil, fmt.Errorf("%w: %s", ErrResourceNotFound, uri)
	}
	res, err := reg.Handler.Fn(ctx, registry.Request{SessionID: ls.id, Name: reg.Config.Name, URI: uri})
	if err != nil {
		return nil, fmt.Errorf("read resource %s: %w", uri, err)
	}
	mimeType := res.MimeType
	if mimeType == "" {
		mimeType = reg.Config.MimeType
	}
	return &mcp.ReadResourceResult{
		Contents: []mcp.ResourceContents{{URI: uri, MimeType: mimeType, Text: res.Text}},
	}, nil
}

// GetPrompt renders a prompt as a single user message.
func (ls *LiveSession) GetPrompt(ctx context.Context, name string, args json.RawMessage) (*mcp.GetPromptResult, error) {
	reg, ok := ls.table(registry.KindPrompt).Get(name)
	if !ok || reg.Handler.Fn == nil {
		return nil, fmt.Errorf("%w: %s", ErrPromptNotFound, name)
	}
	res, err := reg.Handler.Fn(ctx, registry.Request{SessionID: ls.id, Name: name, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("get prompt %s: %w", name, err)
	}
	return &mcp.GetPromptResult{
		Description: reg.Config.Description,
		Messages: []mcp.PromptMessage{{
			Role:    mcp.RoleUser,
			Content: mcp.ContentBlock{Type: mcp.ContentTypeText, Text: res.Text},
		}},
	}, nil
}
