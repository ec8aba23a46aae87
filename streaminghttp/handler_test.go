package streaminghttp_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ggoodman/mcp-livesync/hotreload"
	"github.com/ggoodman/mcp-livesync/internal/jsonrpc"
	"github.com/ggoodman/mcp-livesync/mcp"
	"github.com/ggoodman/mcp-livesync/mcpserver"
	"github.com/ggoodman/mcp-livesync/registry"
	"github.com/ggoodman/mcp-livesync/sessions/memorystore"
	"github.com/ggoodman/mcp-livesync/sessions/redisstore"
	"github.com/ggoodman/mcp-livesync/streaminghttp"
	"github.com/ggoodman/mcp-livesync/streams"
	"github.com/ggoodman/mcp-livesync/streams/localstream"
	"github.com/ggoodman/mcp-livesync/streams/redisstream"
	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"
)

type echoArgs struct {
	Message string `json:"message"`
}

func echo(ctx context.Context, req registry.Request, a echoArgs) (registry.Result, error) {
	return registry.Result{Text: a.Message}, nil
}

func textTool(name, body string) registry.Registration {
	return registry.Registration{
		Config: registry.Config{Name: name},
		Handler: registry.Handler{
			Fn: func(context.Context, registry.Request) (registry.Result, error) {
				return registry.Result{Text: body}, nil
			},
			Source: body,
		},
	}
}

func TestSingleInstance(t *testing.T) {
	t.Run("Initialize returns session and capabilities", func(t *testing.T) {
		_, srv := mustServer(t)

		resp, body := mustPostMCP(t, srv, "", initializeRequest("1"))
		if want, got := http.StatusOK, resp.StatusCode; want != got {
			t.Fatalf("unexpected status: want %d got %d", want, got)
		}
		if resp.Header.Get("Mcp-Session-Id") == "" {
			t.Fatal("missing session id header")
		}
		if got := resp.Header.Get("Mcp-Protocol-Version"); got != mcp.LatestProtocolVersion {
			t.Fatalf("unexpected protocol header %q", got)
		}
		var res mcp.InitializeResult
		mustResult(t, body, &res)
		if res.ServerInfo.Name != "test-server" || res.Capabilities.Tools == nil || !res.Capabilities.Tools.ListChanged {
			t.Fatalf("unexpected initialize result %+v", res)
		}
	})

	t.Run("Request without session must be initialize", func(t *testing.T) {
		_, srv := mustServer(t)
		resp, _ := mustPostMCP(t, srv, "", rpcRequest("1", mcp.ToolsListMethod, nil))
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", resp.StatusCode)
		}
	})

	t.Run("Unknown session is not found", func(t *testing.T) {
		_, srv := mustServer(t)
		resp, _ := mustPostMCP(t, srv, "missing", rpcRequest("1", mcp.PingMethod, nil))
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", resp.StatusCode)
		}
	})

	t.Run("Wrong content type is rejected", func(t *testing.T) {
		_, srv := mustServer(t)
		resp, err := http.Post(srv.URL+"/", "text/plain", strings.NewReader("{}"))
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusUnsupportedMediaType {
			t.Fatalf("expected 415, got %d", resp.StatusCode)
		}
	})

	t.Run("Batches are rejected", func(t *testing.T) {
		_, srv := mustServer(t)
		resp, err := http.Post(srv.URL+"/", "application/json", strings.NewReader(`[{"jsonrpc":"2.0","method":"ping","id":1}]`))
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", resp.StatusCode)
		}
	})

	t.Run("Lists, calls and reads", func(t *testing.T) {
		_, srv := mustServer(t)
		sessID := mustInitialize(t, srv)

		_, body := mustPostMCP(t, srv, sessID, rpcRequest("2", mcp.ToolsListMethod, nil))
		var tools mcp.ListToolsResult
		mustResult(t, body, &tools)
		if diff := cmp.Diff([]string{"echo", "initial-tool"}, toolNames(tools)); diff != "" {
			t.Fatalf("tools (-want +got):\n%s", diff)
		}

		_, body = mustPostMCP(t, srv, sessID, rpcRequest("3", mcp.ToolsCallMethod, mcp.CallToolRequest{
			Name:      "echo",
			Arguments: json.RawMessage(`{"message":"hi"}`),
		}))
		var call mcp.CallToolResult
		mustResult(t, body, &call)
		if call.IsError || call.Content[0].Text != "hi" {
			t.Fatalf("unexpected call result %+v", call)
		}

		_, body = mustPostMCP(t, srv, sessID, rpcRequest("4", mcp.ResourcesReadMethod, mcp.ReadResourceRequest{URI: "docs://readme"}))
		var read mcp.ReadResourceResult
		mustResult(t, body, &read)
		if read.Contents[0].Text != "read me" {
			t.Fatalf("unexpected contents %+v", read)
		}

		_, body = mustPostMCP(t, srv, sessID, rpcRequest("5", mcp.PromptsListMethod, nil))
		var prompts mcp.ListPromptsResult
		mustResult(t, body, &prompts)
		if len(prompts.Prompts) != 0 {
			t.Fatalf("expected no prompts, got %+v", prompts)
		}
	})

	t.Run("Unknown method is method-not-found", func(t *testing.T) {
		_, srv := mustServer(t)
		sessID := mustInitialize(t, srv)
		_, body := mustPostMCP(t, srv, sessID, rpcRequest("2", "completion/complete", nil))
		rpcErr := mustRPCError(t, body)
		if rpcErr.Code != jsonrpc.ErrorCodeMethodNotFound {
			t.Fatalf("expected method not found, got %+v", rpcErr)
		}
	})

	t.Run("SetLevel and subscribe validate params", func(t *testing.T) {
		_, srv := mustServer(t)
		sessID := mustInitialize(t, srv)

		_, body := mustPostMCP(t, srv, sessID, rpcRequest("2", mcp.LoggingSetLevelMethod, map[string]string{"level": "loud"}))
		if rpcErr := mustRPCError(t, body); rpcErr.Code != jsonrpc.ErrorCodeInvalidParams {
			t.Fatalf("expected invalid params, got %+v", rpcErr)
		}
		_, body = mustPostMCP(t, srv, sessID, rpcRequest("3", mcp.LoggingSetLevelMethod, mcp.SetLevelRequest{Level: mcp.LoggingLevelWarning}))
		mustResult(t, body, &mcp.EmptyResult{})

		_, body = mustPostMCP(t, srv, sessID, rpcRequest("4", mcp.ResourcesSubscribeMethod, mcp.SubscribeRequest{URI: "docs://missing"}))
		if rpcErr := mustRPCError(t, body); rpcErr.Code != jsonrpc.ErrorCodeInvalidParams {
			t.Fatalf("expected invalid params, got %+v", rpcErr)
		}
		_, body = mustPostMCP(t, srv, sessID, rpcRequest("5", mcp.ResourcesUnsubscribeMethod, mcp.UnsubscribeRequest{URI: "docs://missing"}))
		mustResult(t, body, &mcp.EmptyResult{})
	})

	t.Run("Notifications are accepted", func(t *testing.T) {
		_, srv := mustServer(t)
		sessID := mustInitialize(t, srv)
		resp, _ := mustPostMCP(t, srv, sessID, &jsonrpc.Request{
			JSONRPCVersion: jsonrpc.ProtocolVersion,
			Method:         string(mcp.InitializedNotificationMethod),
		})
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("expected 202, got %d", resp.StatusCode)
		}
	})

	t.Run("Reload is pushed over the GET stream", func(t *testing.T) {
		app, srv := mustServer(t)
		sessID := mustInitialize(t, srv)
		events := startGetStream(t, srv, sessID)
		waitAttached(t, app.sm, sessID)

		reports, err := app.srv.Reload(t.Context(), hotreload.Snapshot{
			Tools:     registry.NewTable(textTool("initial-tool", "initial"), textTool("new-tool", "new")),
			Resources: registry.NewTable(registry.NewTextResource("readme", "docs://readme", "", "read me")),
		})
		if err != nil {
			t.Fatalf("reload: %v", err)
		}
		if diff := cmp.Diff([]string{"echo"}, reports[0].Removed); diff != "" {
			t.Fatalf("removed (-want +got):\n%s", diff)
		}

		evt := nextEvent(t, events)
		var note jsonrpc.Request
		mustUnmarshalJSON(t, evt.data, &note)
		if note.Method != string(mcp.ToolsListChangedNotificationMethod) {
			t.Fatalf("unexpected notification %s", evt.data)
		}

		_, body := mustPostMCP(t, srv, sessID, rpcRequest("9", mcp.ToolsListMethod, nil))
		var tools mcp.ListToolsResult
		mustResult(t, body, &tools)
		if diff := cmp.Diff([]string{"initial-tool", "new-tool"}, toolNames(tools)); diff != "" {
			t.Fatalf("tools (-want +got):\n%s", diff)
		}
	})

	t.Run("Subscribed resource update is pushed", func(t *testing.T) {
		app, srv := mustServer(t)
		sessID := mustInitialize(t, srv)
		_, body := mustPostMCP(t, srv, sessID, rpcRequest("2", mcp.ResourcesSubscribeMethod, mcp.SubscribeRequest{URI: "docs://readme"}))
		mustResult(t, body, &mcp.EmptyResult{})

		events := startGetStream(t, srv, sessID)
		waitAttached(t, app.sm, sessID)

		if n := app.srv.NotifyResourceUpdated(t.Context(), "docs://readme"); n != 1 {
			t.Fatalf("expected 1 delivery, got %d", n)
		}
		evt := nextEvent(t, events)
		var note struct {
			Method string                          `json:"method"`
			Params mcp.ResourceUpdatedNotification `json:"params"`
		}
		mustUnmarshalJSON(t, evt.data, &note)
		if note.Method != string(mcp.ResourcesUpdatedNotificationMethod) || note.Params.URI != "docs://readme" {
			t.Fatalf("unexpected notification %s", evt.data)
		}
	})

	t.Run("GET requires event-stream", func(t *testing.T) {
		_, srv := mustServer(t)
		sessID := mustInitialize(t, srv)
		req, _ := http.NewRequest(http.MethodGet, srv.URL+"/", nil)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Mcp-Session-Id", sessID)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusNotAcceptable {
			t.Fatalf("expected 406, got %d", resp.StatusCode)
		}
	})

	t.Run("DELETE ends the session", func(t *testing.T) {
		app, srv := mustServer(t)
		sessID := mustInitialize(t, srv)

		if resp := mustDelete(t, srv, sessID); resp.StatusCode != http.StatusNoContent {
			t.Fatalf("expected 204, got %d", resp.StatusCode)
		}
		if has, _ := app.store.Has(t.Context(), sessID); has {
			t.Fatal("record should be gone")
		}
		if resp := mustDelete(t, srv, sessID); resp.StatusCode != http.StatusNotFound {
			t.Fatalf("expected 404 on second delete, got %d", resp.StatusCode)
		}
		resp, _ := mustPostMCP(t, srv, sessID, rpcRequest("2", mcp.PingMethod, nil))
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("expected 404 after delete, got %d", resp.StatusCode)
		}
	})

	t.Run("Protocol version mismatch is rejected", func(t *testing.T) {
		_, srv := mustServer(t)
		sessID := mustInitialize(t, srv)
		body, _ := json.Marshal(rpcRequest("2", mcp.PingMethod, nil))
		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Mcp-Session-Id", sessID)
		req.Header.Set("Mcp-Protocol-Version", "2024-11-05")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", resp.StatusCode)
		}
	})
}

// TestMultiInstance runs two handlers over one Redis: a session created on
// one instance streams from the other.
func TestMultiInstance(t *testing.T) {
	mr := miniredis.RunT(t)
	newInstance := func(name string) (*mcpserver.Server, *httptest.Server) {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		store := redisstore.NewWithClient(client)
		sm, err := redisstream.NewWithClient(context.Background(), client, redisstream.WithInstanceID(name))
		if err != nil {
			t.Fatalf("stream manager: %v", err)
		}
		t.Cleanup(func() { _ = sm.Close() })
		srv := mcpserver.New(store, sm,
			mcpserver.WithLogger(slog.New(testLogHandler(t))),
			mcpserver.WithRegistrations(registry.KindTool, textTool("initial-tool", "initial")),
		)
		ts := httptest.NewServer(streaminghttp.New(srv, streaminghttp.WithLogger(slog.New(testLogHandler(t)))))
		t.Cleanup(ts.Close)
		return srv, ts
	}
	srvA, tsA := newInstance("instance-a")
	_, tsB := newInstance("instance-b")

	sessID := mustInitialize(t, tsA)

	// B has never seen the session; it loads it from the shared store.
	_, body := mustPostMCP(t, tsB, sessID, rpcRequest("2", mcp.ToolsListMethod, nil))
	var tools mcp.ListToolsResult
	mustResult(t, body, &tools)
	if diff := cmp.Diff([]string{"initial-tool"}, toolNames(tools)); diff != "" {
		t.Fatalf("tools on b (-want +got):\n%s", diff)
	}

	events := startGetStream(t, tsB, sessID)
	deadline := time.Now().Add(2 * time.Second)
	for {
		live := false
		for _, ls := range srvA.LiveSessions() {
			live = live || ls.SessionID() == sessID
		}
		if mr.Exists(redisstore.LivenessKey("mcp:sessions:", sessID)) && live {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("stream on b never became visible")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := srvA.Reload(t.Context(), hotreload.Snapshot{
		Tools: registry.NewTable(textTool("initial-tool", "initial"), textTool("new-tool", "new")),
	}); err != nil {
		t.Fatalf("reload: %v", err)
	}
	evt := nextEvent(t, events)
	var note jsonrpc.Request
	mustUnmarshalJSON(t, evt.data, &note)
	if note.Method != string(mcp.ToolsListChangedNotificationMethod) {
		t.Fatalf("unexpected notification %s", evt.data)
	}
}

// ============================================================================
// Test Server Utility
// ============================================================================

type app struct {
	store *memorystore.Store
	sm    *localstream.Manager
	srv   *mcpserver.Server
}

func mustServer(t *testing.T, opts ...mcpserver.Option) (*app, *httptest.Server) {
	t.Helper()
	a := &app{store: memorystore.New(), sm: localstream.New()}
	log := slog.New(testLogHandler(t))
	opts = append([]mcpserver.Option{
		mcpserver.WithServerInfo(mcp.ImplementationInfo{Name: "test-server", Version: "1.0.0"}),
		mcpserver.WithLogger(log),
		mcpserver.WithRegistrations(registry.KindTool,
			registry.NewTool("echo", echo),
			textTool("initial-tool", "initial"),
		),
		mcpserver.WithRegistrations(registry.KindResource,
			registry.NewTextResource("readme", "docs://readme", "", "read me"),
		),
	}, opts...)
	a.srv = mcpserver.New(a.store, a.sm, opts...)

	srv := httptest.NewServer(streaminghttp.New(a.srv, streaminghttp.WithLogger(log)))
	t.Cleanup(func() {
		srv.Close()
		a.srv.Close()
		_ = a.sm.Close()
		_ = a.store.Close()
	})
	return a, srv
}

func initializeRequest(id string) *jsonrpc.Request {
	return rpcRequest(id, mcp.InitializeMethod, mcp.InitializeRequest{
		ProtocolVersion: mcp.LatestProtocolVersion,
		ClientInfo:      mcp.ImplementationInfo{Name: "test-client", Version: "1.0.0"},
	})
}

func rpcRequest(id string, method mcp.Method, params any) *jsonrpc.Request {
	req := &jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         string(method),
		ID:             jsonrpc.NewRequestID(id),
	}
	if params != nil {
		req.Params = mustJSON(params)
	}
	return req
}

func mustInitialize(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	resp, _ := mustPostMCP(t, srv, "", initializeRequest("1"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("initialize: status %d", resp.StatusCode)
	}
	return resp.Header.Get("Mcp-Session-Id")
}

func mustPostMCP(t *testing.T, srv *httptest.Server, sessionID string, req *jsonrpc.Request) (*http.Response, []byte) {
	t.Helper()
	return mustPostMCPAs(t, srv, "", sessionID, req)
}

func mustPostMCPAs(t *testing.T, srv *httptest.Server, token, sessionID string, req *jsonrpc.Request) (*http.Response, []byte) {
	t.Helper()
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	httpReq, err := http.NewRequest(http.MethodPost, srv.URL+"/", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		httpReq.Header.Set("Mcp-Session-Id", sessionID)
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, out
}

func mustDelete(t *testing.T, srv *httptest.Server, sessionID string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/", nil)
	req.Header.Set("Mcp-Session-Id", sessionID)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	resp.Body.Close()
	return resp
}

func mustResult[T any](t *testing.T, body []byte, v *T) {
	t.Helper()
	var resp jsonrpc.Response
	mustUnmarshalJSON(t, body, &resp)
	if resp.Error != nil {
		t.Fatalf("unexpected rpc error %+v", resp.Error)
	}
	mustUnmarshalJSON(t, resp.Result, v)
}

func mustRPCError(t *testing.T, body []byte) *jsonrpc.Error {
	t.Helper()
	var resp jsonrpc.Response
	mustUnmarshalJSON(t, body, &resp)
	if resp.Error == nil {
		t.Fatalf("expected rpc error, got %s", body)
	}
	return resp.Error
}

func toolNames(res mcp.ListToolsResult) []string {
	names := make([]string, 0, len(res.Tools))
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	return names
}

func waitAttached(t *testing.T, sm streams.Manager, sessionID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if has, _ := sm.Has(t.Context(), sessionID); has {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("stream never attached")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type sseEvent struct {
	event string
	id    string
	data  []byte
}

// startGetStream opens a GET stream and returns a channel of its events.
func startGetStream(t *testing.T, srv *httptest.Server, sessionID string) <-chan sseEvent {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/", nil)
	if err != nil {
		t.Fatalf("new get req: %v", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Mcp-Session-Id", sessionID)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		t.Fatalf("do get: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		cancel()
		t.Fatalf("get stream: status %d", resp.StatusCode)
	}
	t.Cleanup(func() {
		cancel()
		resp.Body.Close()
	})

	ch := make(chan sseEvent, 8)
	go func() {
		defer close(ch)
		br := bufio.NewReader(resp.Body)
		for {
			evt, err := readOneSSE(br)
			if err != nil {
				return
			}
			if evt.data == nil {
				continue
			}
			ch <- evt
		}
	}()
	return ch
}

func nextEvent(t *testing.T, events <-chan sseEvent) sseEvent {
	t.Helper()
	select {
	case evt, ok := <-events:
		if !ok {
			t.Fatal("stream closed")
		}
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return sseEvent{}
}

func readOneSSE(br *bufio.Reader) (sseEvent, error) {
	var (
		event   sseEvent
		dataBuf bytes.Buffer
	)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return sseEvent{}, io.ErrUnexpectedEOF
			}
			return sseEvent{}, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if dataBuf.Len() > 0 {
				event.data = append([]byte(nil), dataBuf.Bytes()...)
			}
			return event, nil
		}
		switch {
		case strings.HasPrefix(line, "event:"):
			event.event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "id:"):
			event.id = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		case strings.HasPrefix(line, "data:"):
			if dataBuf.Len() > 0 {
				dataBuf.WriteByte('\n')
			}
			dataBuf.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
}

func mustUnmarshalJSON[T any](t *testing.T, data []byte, v *T) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("unmarshal json: %v\ninput: %s", err, string(data))
	}
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

// logBridge routes slog output through t.Log.
type logBridge struct {
	slog.Handler
	t   testing.TB
	buf *bytes.Buffer
	mu  *sync.Mutex
}

func (b *logBridge) Handle(ctx context.Context, rec slog.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.Handler.Handle(ctx, rec); err != nil {
		return err
	}
	output, err := io.ReadAll(b.buf)
	if err != nil {
		return err
	}
	b.t.Helper()
	b.t.Log(string(bytes.TrimSuffix(output, []byte("\n"))))
	return nil
}

func (b *logBridge) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &logBridge{t: b.t, buf: b.buf, mu: b.mu, Handler: b.Handler.WithAttrs(attrs)}
}

func (b *logBridge) WithGroup(name string) slog.Handler {
	return &logBridge{t: b.t, buf: b.buf, mu: b.mu, Handler: b.Handler.WithGroup(name)}
}

func testLogHandler(t *testing.T) *logBridge {
	b := &logBridge{t: t, buf: &bytes.Buffer{}, mu: &sync.Mutex{}}
	b.Handler = slog.NewTextHandler(b.buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return b
}
