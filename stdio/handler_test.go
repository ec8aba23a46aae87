package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-livesync/hotreload"
	"github.com/ggoodman/mcp-livesync/internal/jsonrpc"
	"github.com/ggoodman/mcp-livesync/mcp"
	"github.com/ggoodman/mcp-livesync/mcpserver"
	"github.com/ggoodman/mcp-livesync/registry"
	"github.com/ggoodman/mcp-livesync/sessions/memorystore"
	"github.com/ggoodman/mcp-livesync/streams/localstream"
)

type fixedUser string

func (u fixedUser) CurrentUserID() (string, error) { return string(u), nil }

// testHarness encapsulates pipes and collected output for stdio handler tests.
type testHarness struct {
	t      *testing.T
	srv    *mcpserver.Server
	store  *memorystore.Store
	stdinW io.WriteCloser
	done   chan error
	outMu  sync.Mutex
	lines  []string
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

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	store := memorystore.New()
	sm := localstream.New()
	srv := mcpserver.New(store, sm,
		mcpserver.WithServerInfo(mcp.ImplementationInfo{Name: "stdio-test", Version: "0.0.1"}),
		mcpserver.WithRegistrations(registry.KindTool, textTool("initial-tool", "initial")),
	)

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	h := NewHandler(srv, WithIO(inR, outW), WithLogger(slog.Default()), WithUserProvider(fixedUser("tester")))

	ctx, cancel := context.WithCancel(context.Background())
	th := &testHarness{t: t, srv: srv, store: store, stdinW: inW, done: make(chan error, 1)}

	go func() { th.done <- h.Serve(ctx) }()

	go func() {
		sc := bufio.NewScanner(outR)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			th.outMu.Lock()
			th.lines = append(th.lines, line)
			th.outMu.Unlock()
		}
	}()

	t.Cleanup(func() {
		cancel()
		_ = inW.Close()
		_ = outW.Close()
		srv.Close()
		_ = sm.Close()
		_ = store.Close()
	})
	return th
}

func (th *testHarness) send(id string, method mcp.Method, params any) {
	th.t.Helper()
	req := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(method)}
	if id != "" {
		req.ID = jsonrpc.NewRequestID(id)
	}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			th.t.Fatalf("marshal params: %v", err)
		}
		req.Params = b
	}
	b, err := json.Marshal(req)
	if err != nil {
		th.t.Fatalf("marshal request: %v", err)
	}
	if _, err := th.stdinW.Write(append(b, '\n')); err != nil {
		th.t.Fatalf("write stdin: %v", err)
	}
}

func (th *testHarness) nextLine(timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		th.outMu.Lock()
		if len(th.lines) > 0 {
			s := th.lines[0]
			th.lines = th.lines[1:]
			th.outMu.Unlock()
			return s, nil
		}
		th.outMu.Unlock()
		time.Sleep(2 * time.Millisecond)
	}
	return "", fmt.Errorf("timeout waiting for output line")
}

func (th *testHarness) next() jsonrpc.AnyMessage {
	th.t.Helper()
	line, err := th.nextLine(time.Second)
	if err != nil {
		th.t.Fatal(err)
	}
	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		th.t.Fatalf("decode %s: %v", line, err)
	}
	return msg
}

func (th *testHarness) expectResult(v any) {
	th.t.Helper()
	msg := th.next()
	if msg.Type() != "response" {
		th.t.Fatalf("expected response, got %s", msg.Type())
	}
	if msg.Error != nil {
		th.t.Fatalf("unexpected error %+v", msg.Error)
	}
	if v != nil {
		if err := json.Unmarshal(msg.Result, v); err != nil {
			th.t.Fatalf("decode result: %v", err)
		}
	}
}

func (th *testHarness) initialize() mcp.InitializeResult {
	th.t.Helper()
	th.send("init", mcp.InitializeMethod, mcp.InitializeRequest{
		ProtocolVersion: mcp.LatestProtocolVersion,
		ClientInfo:      mcp.ImplementationInfo{Name: "client", Version: "0.0.1"},
	})
	var res mcp.InitializeResult
	th.expectResult(&res)
	return res
}

func TestInitializeAndList(t *testing.T) {
	th := newHarness(t)
	res := th.initialize()
	if res.ServerInfo.Name != "stdio-test" || res.ProtocolVersion != mcp.LatestProtocolVersion {
		t.Fatalf("unexpected initialize result %+v", res)
	}

	th.send("", mcp.InitializedNotificationMethod, nil)
	th.send("2", mcp.ToolsListMethod, nil)
	var tools mcp.ListToolsResult
	th.expectResult(&tools)
	if len(tools.Tools) != 1 || tools.Tools[0].Name != "initial-tool" {
		t.Fatalf("unexpected tools %+v", tools)
	}

	sessions := th.srv.LiveSessions()
	if len(sessions) != 1 || sessions[0].Metadata().UserID != "tester" {
		t.Fatalf("expected one session for tester, got %d", len(sessions))
	}
}

func TestRequestBeforeInitialize(t *testing.T) {
	th := newHarness(t)
	th.send("1", mcp.PingMethod, nil)
	th.expectResult(nil)

	th.send("2", mcp.ToolsListMethod, nil)
	msg := th.next()
	if msg.Error == nil || msg.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
		t.Fatalf("expected invalid request, got %+v", msg)
	}
}

func TestReloadNotificationIsWrittenInline(t *testing.T) {
	th := newHarness(t)
	th.initialize()

	reports, err := th.srv.Reload(context.Background(), hotreload.Snapshot{
		Tools: registry.NewTable(textTool("initial-tool", "initial"), textTool("new-tool", "new")),
	})
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(reports[0].Added) != 1 {
		t.Fatalf("unexpected report %+v", reports[0])
	}
	msg := th.next()
	if msg.Type() != "notification" || msg.Method != string(mcp.ToolsListChangedNotificationMethod) {
		t.Fatalf("expected list_changed, got %+v", msg)
	}

	th.send("3", mcp.ToolsListMethod, nil)
	var tools mcp.ListToolsResult
	th.expectResult(&tools)
	if len(tools.Tools) != 2 || tools.Tools[1].Name != "new-tool" {
		t.Fatalf("unexpected tools %+v", tools)
	}
}

func TestEOFClosesSession(t *testing.T) {
	th := newHarness(t)
	th.initialize()
	id := th.srv.LiveSessions()[0].SessionID()

	_ = th.stdinW.Close()
	select {
	case err := <-th.done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("serve did not return at EOF")
	}
	if has, _ := th.store.Has(context.Background(), id); has {
		t.Fatal("session record should be removed")
	}
}

func TestInvalidLineGetsParseError(t *testing.T) {
	th := newHarness(t)
	if _, err := th.stdinW.Write([]byte("{not json\n")); err != nil {
		t.Fatal(err)
	}
	msg := th.next()
	if msg.Error == nil || msg.Error.Code != jsonrpc.ErrorCodeParseError {
		t.Fatalf("expected parse error, got %+v", msg)
	}
}
