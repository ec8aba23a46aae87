package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-livesync/auth"
	"github.com/ggoodman/mcp-livesync/internal/jsonrpc"
	"github.com/ggoodman/mcp-livesync/internal/logctx"
	"github.com/ggoodman/mcp-livesync/mcp"
	"github.com/ggoodman/mcp-livesync/mcpserver"
	"github.com/ggoodman/mcp-livesync/sessions"
	"github.com/ggoodman/mcp-livesync/streams"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

var (
	_ http.Handler = (*StreamingHTTPHandler)(nil)
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"

	// DefaultSinkBuffer is the number of frames a GET stream queues before
	// senders block.
	DefaultSinkBuffer = 64
)

// writeJSONError emits a transport-level rejection, used before a JSON-RPC
// exchange is possible. Shape: {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// Option configures the StreamingHTTPHandler.
type Option func(*StreamingHTTPHandler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *StreamingHTTPHandler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithSinkBuffer sets how many frames a GET stream buffers.
func WithSinkBuffer(n int) Option {
	return func(h *StreamingHTTPHandler) {
		if n > 0 {
			h.sinkBuffer = n
		}
	}
}

// WithUserResolver derives the user id recorded on new sessions from the
// initialize request, typically from an upstream authentication layer.
func WithUserResolver(fn func(r *http.Request) string) Option {
	return func(h *StreamingHTTPHandler) { h.userID = fn }
}

// WithAuthenticator requires a bearer token on every request. The token's
// user becomes the owner of sessions it creates, and sessions owned by
// another user are reported as not found.
func WithAuthenticator(a auth.Authenticator, realm string) Option {
	return func(h *StreamingHTTPHandler) {
		h.auth = a
		h.realm = realm
	}
}

type userKey struct{}

// StreamingHTTPHandler exposes a mcpserver.Server over HTTP: POST carries
// client requests, GET holds an SSE stream that receives the session's
// notifications, and DELETE ends the session.
type StreamingHTTPHandler struct {
	srv        *mcpserver.Server
	log        *slog.Logger
	mux        *http.ServeMux
	sinkBuffer int
	userID     func(r *http.Request) string
	auth       auth.Authenticator
	realm      string
}

// New constructs a handler for srv.
func New(srv *mcpserver.Server, opts ...Option) *StreamingHTTPHandler {
	h := &StreamingHTTPHandler{
		srv:        srv,
		log:        slog.Default(),
		sinkBuffer: DefaultSinkBuffer,
		userID:     func(*http.Request) string { return "" },
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = logctx.Wrap(h.log)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /", h.handlePost)
	mux.HandleFunc("GET /", h.handleGet)
	mux.HandleFunc("DELETE /", h.handleDelete)
	h.mux = mux
	return h
}

func (h *StreamingHTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})
	if h.auth != nil {
		tok, err := auth.BearerToken(r)
		if err == nil && tok == "" {
			auth.ChallengeFor(h.realm, true, nil).Write(w)
			h.log.InfoContext(ctx, "auth.token.missing")
			return
		}
		var user auth.UserInfo
		if err == nil {
			user, err = h.auth.CheckAuthentication(ctx, tok)
		}
		if err != nil {
			auth.ChallengeFor(h.realm, false, err).Write(w)
			h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			return
		}
		ctx = context.WithValue(ctx, userKey{}, user.UserID())
	}
	h.mux.ServeHTTP(w, r.WithContext(ctx))
}

// resolveUser returns the authenticated user when an authenticator is
// configured, otherwise the user resolver's answer.
func (h *StreamingHTTPHandler) resolveUser(r *http.Request) string {
	if u, ok := r.Context().Value(userKey{}).(string); ok {
		return u
	}
	return h.userID(r)
}

// loadSession resolves the session named by the request header and writes
// the HTTP rejection when it cannot.
func (h *StreamingHTTPHandler) loadSession(w http.ResponseWriter, r *http.Request) (*mcpserver.LiveSession, context.Context, bool) {
	ctx := r.Context()
	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing mcp-session-id header")
		h.log.WarnContext(ctx, "session.id.missing")
		return nil, ctx, false
	}
	ls, err := h.srv.OpenSession(ctx, sessID)
	if err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			writeJSONError(w, http.StatusNotFound, "session not found")
			h.log.InfoContext(ctx, "session.load.miss")
			return nil, ctx, false
		}
		writeJSONError(w, http.StatusInternalServerError, "failed to load session")
		h.log.ErrorContext(ctx, "session.load.fail", slog.String("err", err.Error()))
		return nil, ctx, false
	}
	meta := ls.Metadata()
	if u, ok := ctx.Value(userKey{}).(string); ok && u != meta.UserID {
		writeJSONError(w, http.StatusNotFound, "session not found")
		h.log.WarnContext(ctx, "session.user.mismatch", slog.String("session_id", meta.SessionID))
		return nil, ctx, false
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       meta.SessionID,
		UserID:          meta.UserID,
		ProtocolVersion: meta.ProtocolVersion,
	})
	if pv := r.Header.Get(mcpProtocolVersionHeader); pv != "" && meta.ProtocolVersion != "" && pv != meta.ProtocolVersion {
		writeJSONError(w, http.StatusBadRequest, "protocol version mismatch")
		h.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", pv))
		return nil, ctx, false
	}
	if meta.ProtocolVersion != "" {
		w.Header().Set(mcpProtocolVersionHeader, meta.ProtocolVersion)
	}
	return ls, ctx, true
}

// handlePost accepts a single JSON-RPC message. Without a session header
// the message must be initialize.
func (h *StreamingHTTPHandler) handlePost(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		return
	}
	if len(raw) > 0 && raw[0] == '[' {
		writeJSONError(w, http.StatusBadRequest, "JSON-RPC batch arrays are not supported")
		h.log.WarnContext(ctx, "jsonrpc.batch.forbidden")
		return
	}
	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON-RPC message: "+err.Error())
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		return
	}
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: msg.Method, ID: msg.ID.String(), Type: msg.Type()})
	r = r.WithContext(ctx)

	if r.Header.Get(mcpSessionIDHeader) == "" {
		h.handleInitialize(w, r, msg.AsRequest(), start)
		return
	}

	ls, ctx, ok := h.loadSession(w, r)
	if !ok {
		return
	}
	if err := h.srv.TouchSession(ctx, ls.SessionID()); err != nil {
		h.log.WarnContext(ctx, "session.touch.fail", slog.String("err", err.Error()))
	}

	req := msg.AsRequest()
	if req == nil || req.ID.IsNil() {
		// Notifications and responses to server requests need no reply.
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "message.inbound.ok", slog.Duration("dur", time.Since(start)))
		return
	}
	if req.Method == string(mcp.InitializeMethod) {
		writeJSONError(w, http.StatusConflict, "session already initialized")
		h.log.WarnContext(ctx, "session.initialize.redundant")
		return
	}

	result, rpcErr := h.srv.Dispatch(ctx, ls, req)
	var resp *jsonrpc.Response
	if rpcErr != nil {
		resp = jsonrpc.NewErrorResponse(req.ID, rpcErr.Code, rpcErr.Message, nil)
	} else if resp, err = jsonrpc.NewResultResponse(req.ID, result); err != nil {
		h.log.ErrorContext(ctx, "rpc.response.marshal.fail", slog.String("err", err.Error()))
		resp = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal server error", nil)
	}
	writeResponse(w, resp)
	h.log.InfoContext(ctx, "rpc.inbound.ok", slog.Duration("dur", time.Since(start)))
}

func (h *StreamingHTTPHandler) handleInitialize(w http.ResponseWriter, r *http.Request, req *jsonrpc.Request, start time.Time) {
	ctx := r.Context()
	if req == nil || req.Method != string(mcp.InitializeMethod) {
		writeJSONError(w, http.StatusNotFound, "expected initialize request")
		h.log.InfoContext(ctx, "session.initialize.invalid")
		return
	}
	var initReq mcp.InitializeRequest
	if err := json.Unmarshal(req.Params, &initReq); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid initialize params")
		h.log.InfoContext(ctx, "session.initialize.params.fail", slog.String("err", err.Error()))
		return
	}
	ls, err := h.srv.CreateSession(ctx, h.resolveUser(r), initReq)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to initialize session")
		h.log.ErrorContext(ctx, "session.initialize.fail", slog.String("err", err.Error()))
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: ls.SessionID(), UserID: ls.Metadata().UserID})

	initRes := h.srv.InitializeResult(ls)
	resp, err := jsonrpc.NewResultResponse(req.ID, initRes)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode initialize response")
		h.log.ErrorContext(ctx, "session.initialize.encode.fail", slog.String("err", err.Error()))
		return
	}
	w.Header().Set(mcpSessionIDHeader, ls.SessionID())
	w.Header().Set(mcpProtocolVersionHeader, initRes.ProtocolVersion)
	writeResponse(w, resp)
	h.log.InfoContext(ctx, "session.initialize.ok", slog.Duration("dur", time.Since(start)))
}

func writeResponse(w http.ResponseWriter, resp *jsonrpc.Response) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// handleGet holds an SSE stream open and forwards every frame the stream
// manager routes to the session until the client goes away or the stream is
// replaced by a newer connection.
func (h *StreamingHTTPHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		w.WriteHeader(http.StatusNotAcceptable)
		h.log.WarnContext(r.Context(), "http.get.unsupported_media_type")
		return
	}
	ls, ctx, ok := h.loadSession(w, r)
	if !ok {
		return
	}

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to upgrade stream")
		h.log.ErrorContext(ctx, "sse.upgrade.fail", slog.String("err", err.Error()))
		return
	}

	sink := streams.NewChanSink(h.sinkBuffer)
	if err := h.srv.AttachStream(ctx, ls.SessionID(), sink); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to attach stream")
		h.log.ErrorContext(ctx, "sse.attach.fail", slog.String("err", err.Error()))
		return
	}
	defer func() {
		if err := h.srv.DetachStream(context.WithoutCancel(ctx), ls.SessionID(), sink); err != nil {
			h.log.WarnContext(ctx, "sse.detach.fail", slog.String("err", err.Error()))
		}
		_ = sink.Close()
	}()

	if err := sess.Flush(); err != nil {
		h.log.ErrorContext(ctx, "sse.flush.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "sse.stream.start")

	for {
		select {
		case <-ctx.Done():
			h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
			return
		case <-sink.Done():
			h.log.InfoContext(ctx, "sse.stream.replaced", slog.Duration("dur", time.Since(start)))
			return
		case frame := <-sink.Frames():
			msg := &sse.Message{}
			msg.AppendData(string(frame))
			if err := sess.Send(msg); err != nil {
				h.log.ErrorContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
				return
			}
			if err := sess.Flush(); err != nil {
				h.log.ErrorContext(ctx, "sse.flush.fail", slog.String("err", err.Error()))
				return
			}
		}
	}
}

// handleDelete terminates a session everywhere.
func (h *StreamingHTTPHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ls, ctx, ok := h.loadSession(w, r)
	if !ok {
		return
	}
	if err := h.srv.CloseSession(ctx, ls.SessionID()); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to delete session")
		h.log.ErrorContext(ctx, "session.delete.fail", slog.String("err", err.Error()))
		return
	}
	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "http.delete.ok", slog.Duration("dur", time.Since(start)))
}
