package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/ggoodman/mcp-livesync/internal/jsonrpc"
	"github.com/ggoodman/mcp-livesync/internal/logctx"
	"github.com/ggoodman/mcp-livesync/mcp"
	"github.com/ggoodman/mcp-livesync/mcpserver"
)

// maxLineBytes bounds a single inbound JSON-RPC line.
const maxLineBytes = 4 << 20

// Handler is a single-connection transport that reads newline-delimited
// JSON-RPC from an io.Reader and writes responses and notifications to an
// io.Writer. By default it uses os.Stdin and os.Stdout and identifies the
// peer as the current OS user.
type Handler struct {
	srv          *mcpserver.Server
	r            io.Reader
	w            io.Writer
	l            *slog.Logger
	userProvider UserProvider

	wmu  sync.Mutex
	sess *mcpserver.LiveSession
}

// NewHandler constructs a stdio Handler with defaults and applies options.
func NewHandler(srv *mcpserver.Server, opts ...Option) *Handler {
	h := &Handler{
		srv:          srv,
		r:            os.Stdin,
		w:            os.Stdout,
		l:            slog.Default(),
		userProvider: OSUserProvider{},
	}
	for _, opt := range opts {
		opt(h)
	}
	h.l = logctx.Wrap(h.l)
	return h
}

// Serve runs the event loop until EOF on the reader or ctx is canceled. The
// session created by initialize is closed when Serve returns.
func (h *Handler) Serve(ctx context.Context) error {
	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(h.r)
		sc.Buffer(make([]byte, 0, 64<<10), maxLineBytes)
		for sc.Scan() {
			line := append([]byte(nil), sc.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	defer h.closeSession(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			if err != nil {
				return fmt.Errorf("read: %w", err)
			}
			return nil
		case line := <-lines:
			if len(line) == 0 {
				continue
			}
			h.handleLine(ctx, line)
		}
	}
}

func (h *Handler) handleLine(ctx context.Context, line []byte) {
	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		h.l.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		_ = h.writeJSONRPC(jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, "invalid JSON-RPC message", nil))
		return
	}
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: msg.Method, ID: msg.ID.String(), Type: msg.Type()})

	req := msg.AsRequest()
	if req == nil || req.ID.IsNil() {
		// Notifications and responses need no reply.
		return
	}

	if h.sess != nil {
		ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: h.sess.SessionID()})
	}

	var (
		result any
		rpcErr *jsonrpc.Error
	)
	switch {
	case req.Method == string(mcp.InitializeMethod):
		result, rpcErr = h.initialize(ctx, req)
	case req.Method == string(mcp.PingMethod):
		result = mcp.EmptyResult{}
	case h.sess == nil:
		rpcErr = &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidRequest, Message: "session not initialized"}
	default:
		if err := h.srv.TouchSession(ctx, h.sess.SessionID()); err != nil {
			h.l.WarnContext(ctx, "session.touch.fail", slog.String("err", err.Error()))
		}
		result, rpcErr = h.srv.Dispatch(ctx, h.sess, req)
	}

	var resp *jsonrpc.Response
	if rpcErr != nil {
		resp = jsonrpc.NewErrorResponse(req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
	} else {
		var err error
		if resp, err = jsonrpc.NewResultResponse(req.ID, result); err != nil {
			h.l.ErrorContext(ctx, "rpc.response.marshal.fail", slog.String("err", err.Error()))
			resp = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal server error", nil)
		}
	}
	if err := h.writeJSONRPC(resp); err != nil {
		h.l.ErrorContext(ctx, "stdio.write.fail", slog.String("err", err.Error()))
	}
}

func (h *Handler) initialize(ctx context.Context, req *jsonrpc.Request) (any, *jsonrpc.Error) {
	if h.sess != nil {
		return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidRequest, Message: "session already initialized"}
	}
	var initReq mcp.InitializeRequest
	if err := json.Unmarshal(req.Params, &initReq); err != nil {
		return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: "invalid initialize params"}
	}
	userID, err := h.userProvider.CurrentUserID()
	if err != nil {
		h.l.WarnContext(ctx, "stdio.user.fail", slog.String("err", err.Error()))
	}
	ls, err := h.srv.CreateSession(ctx, userID, initReq)
	if err != nil {
		h.l.ErrorContext(ctx, "session.initialize.fail", slog.String("err", err.Error()))
		return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeInternalError, Message: "failed to initialize session"}
	}
	if err := h.srv.AttachStream(ctx, ls.SessionID(), writerSink{h}); err != nil {
		h.l.ErrorContext(ctx, "stdio.attach.fail", slog.String("err", err.Error()))
		_ = h.srv.CloseSession(ctx, ls.SessionID())
		return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeInternalError, Message: "failed to initialize session"}
	}
	h.sess = ls
	return h.srv.InitializeResult(ls), nil
}

func (h *Handler) closeSession(ctx context.Context) {
	if h.sess == nil {
		return
	}
	if err := h.srv.CloseSession(context.WithoutCancel(ctx), h.sess.SessionID()); err != nil {
		h.l.WarnContext(ctx, "session.close.fail", slog.String("err", err.Error()))
	}
	h.sess = nil
}

func (h *Handler) writeJSONRPC(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return h.writeLine(b)
}

func (h *Handler) writeLine(b []byte) error {
	h.wmu.Lock()
	defer h.wmu.Unlock()
	if _, err := h.w.Write(append(b, '\n')); err != nil {
		return err
	}
	return nil
}

// writerSink delivers session notifications inline on the output stream.
type writerSink struct{ h *Handler }

func (s writerSink) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.h.writeLine(frame)
}

func (s writerSink) Close() error { return nil }
