package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/ggoodman/mcp-livesync/internal/jsonrpc"
	"github.com/ggoodman/mcp-livesync/mcp"
	"github.com/ggoodman/mcp-livesync/sessions"
)

func invalidParams(err error) *jsonrpc.Error {
	return &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: err.Error()}
}

func decodeParams(raw json.RawMessage, v any) *jsonrpc.Error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return invalidParams(err)
	}
	return nil
}

// Dispatch runs one client request other than initialize against a live
// session and returns its result or JSON-RPC error. Transports own framing
// and the initialize handshake.
func (s *Server) Dispatch(ctx context.Context, ls *LiveSession, req *jsonrpc.Request) (any, *jsonrpc.Error) {
	switch mcp.Method(req.Method) {
	case mcp.PingMethod:
		return mcp.EmptyResult{}, nil

	case mcp.LoggingSetLevelMethod:
		var p mcp.SetLevelRequest
		if e := decodeParams(req.Params, &p); e != nil {
			return nil, e
		}
		if err := s.SetLogLevel(ctx, ls.SessionID(), p.Level); err != nil {
			if errors.Is(err, sessions.ErrInvalidLoggingLevel) {
				return nil, invalidParams(err)
			}
			return nil, s.internal(ctx, err)
		}
		return mcp.EmptyResult{}, nil

	case mcp.ResourcesSubscribeMethod:
		var p mcp.SubscribeRequest
		if e := decodeParams(req.Params, &p); e != nil {
			return nil, e
		}
		if err := s.Subscribe(ctx, ls.SessionID(), p.URI); err != nil {
			if errors.Is(err, ErrResourceNotFound) {
				return nil, invalidParams(err)
			}
			return nil, s.internal(ctx, err)
		}
		return mcp.EmptyResult{}, nil

	case mcp.ResourcesUnsubscribeMethod:
		var p mcp.UnsubscribeRequest
		if e := decodeParams(req.Params, &p); e != nil {
			return nil, e
		}
		_ = s.Unsubscribe(ctx, ls.SessionID(), p.URI)
		return mcp.EmptyResult{}, nil

	case mcp.ToolsListMethod:
		var p mcp.PaginatedRequest
		if e := decodeParams(req.Params, &p); e != nil {
			return nil, e
		}
		page := ls.ListTools(p.Cursor)
		return mcp.ListToolsResult{Tools: page.Items, NextCursor: page.Cursor()}, nil

	case mcp.ResourcesListMethod:
		var p mcp.PaginatedRequest
		if e := decodeParams(req.Params, &p); e != nil {
			return nil, e
		}
		page := ls.ListResources(p.Cursor)
		return mcp.ListResourcesResult{Resources: page.Items, NextCursor: page.Cursor()}, nil

	case mcp.PromptsListMethod:
		var p mcp.PaginatedRequest
		if e := decodeParams(req.Params, &p); e != nil {
			return nil, e
		}
		page := ls.ListPrompts(p.Cursor)
		return mcp.ListPromptsResult{Prompts: page.Items, NextCursor: page.Cursor()}, nil

	case mcp.ToolsCallMethod:
		var p mcp.CallToolRequest
		if e := decodeParams(req.Params, &p); e != nil {
			return nil, e
		}
		res, err := ls.CallTool(ctx, p.Name, p.Arguments)
		if err != nil {
			if errors.Is(err, ErrToolNotFound) {
				return nil, invalidParams(err)
			}
			return nil, s.internal(ctx, err)
		}
		return res, nil

	case mcp.ResourcesReadMethod:
		var p mcp.ReadResourceRequest
		if e := decodeParams(req.Params, &p); e != nil {
			return nil, e
		}
		res, err := ls.ReadResource(ctx, p.URI)
		if err != nil {
			if errors.Is(err, ErrResourceNotFound) {
				return nil, invalidParams(err)
			}
			return nil, s.internal(ctx, err)
		}
		return res, nil

	case mcp.PromptsGetMethod:
		var p mcp.GetPromptRequest
		if e := decodeParams(req.Params, &p); e != nil {
			return nil, e
		}
		res, err := ls.GetPrompt(ctx, p.Name, p.Arguments)
		if err != nil {
			if errors.Is(err, ErrPromptNotFound) {
				return nil, invalidParams(err)
			}
			return nil, s.internal(ctx, err)
		}
		return res, nil

	default:
		return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeMethodNotFound, Message: "method not found: " + req.Method}
	}
}

func (s *Server) internal(ctx context.Context, err error) *jsonrpc.Error {
	s.log.ErrorContext(ctx, "rpc.handle.fail", slog.String("err", err.Error()))
	return &jsonrpc.Error{Code: jsonrpc.ErrorCodeInternalError, Message: "internal server error"}
}
