// Package streamtest holds the behavioral contract shared by every
// streams.Manager implementation. Delivery is observed asynchronously so the
// same suite covers in-process and pub/sub backed managers.
package streamtest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/mcp-livesync/streams"
)

// ManagerFactory creates a new, empty Manager for each subtest.
type ManagerFactory func(t *testing.T) streams.Manager

// RunManagerTests runs the complete Manager test suite against the provided factory.
func RunManagerTests(t *testing.T, factory ManagerFactory) {
	t.Run("Send_DeliversToExactlyTheListedSessions", func(t *testing.T) { testTargetedDelivery(t, factory) })
	t.Run("Send_PreservesOrderForOneSession", func(t *testing.T) { testOrdering(t, factory) })
	t.Run("Send_NilBroadcastsToAll", func(t *testing.T) { testBroadcast(t, factory) })
	t.Run("Send_UnknownSessionIsNoop", func(t *testing.T) { testUnknownSession(t, factory) })
	t.Run("Send_FailingSinkDoesNotBlockOthers", func(t *testing.T) { testFailureIsolation(t, factory) })
	t.Run("Delete_DetachesAndClosesSink", func(t *testing.T) { testDelete(t, factory) })
	t.Run("Create_ReplacesAndClosesPrevious", func(t *testing.T) { testReplace(t, factory) })
	t.Run("Has_ReflectsAttachment", func(t *testing.T) { testHas(t, factory) })
	t.Run("Close_ClosesAllSinks", func(t *testing.T) { testClose(t, factory) })
}

const (
	waitFor  = 2 * time.Second
	quietFor = 150 * time.Millisecond
)

func setup(t *testing.T, factory ManagerFactory) (streams.Manager, context.Context) {
	t.Helper()
	m := factory(t)
	t.Cleanup(func() { _ = m.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return m, ctx
}

func attach(t *testing.T, ctx context.Context, m streams.Manager, id string) *streams.ChanSink {
	t.Helper()
	sink := streams.NewChanSink(16)
	if err := m.Create(ctx, id, sink); err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
	return sink
}

func expectFrame(t *testing.T, sink *streams.ChanSink, want string) {
	t.Helper()
	select {
	case got := <-sink.Frames():
		if string(got) != want {
			t.Fatalf("expected frame %q, got %q", want, got)
		}
	case <-time.After(waitFor):
		t.Fatalf("timed out waiting for frame %q", want)
	}
}

func expectNone(t *testing.T, sink *streams.ChanSink) {
	t.Helper()
	select {
	case got := <-sink.Frames():
		t.Fatalf("unexpected frame %q", got)
	case <-time.After(quietFor):
	}
}

func expectClosed(t *testing.T, sink *streams.ChanSink) {
	t.Helper()
	select {
	case <-sink.Done():
	case <-time.After(waitFor):
		t.Fatal("sink was not closed")
	}
}

func testTargetedDelivery(t *testing.T, factory ManagerFactory) {
	m, ctx := setup(t, factory)
	a := attach(t, ctx, m, "a")
	b := attach(t, ctx, m, "b")
	c := attach(t, ctx, m, "c")

	if err := m.Send(ctx, []string{"a", "b"}, []byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}
	expectFrame(t, a, "hello")
	expectFrame(t, b, "hello")
	expectNone(t, c)
	expectNone(t, a)
}

func testOrdering(t *testing.T, factory ManagerFactory) {
	m, ctx := setup(t, factory)
	a := attach(t, ctx, m, "a")

	frames := []string{"1", "2", "3", "4", "5"}
	for _, f := range frames {
		if err := m.Send(ctx, []string{"a"}, []byte(f)); err != nil {
			t.Fatalf("send %s: %v", f, err)
		}
	}
	for _, f := range frames {
		expectFrame(t, a, f)
	}
}

func testBroadcast(t *testing.T, factory ManagerFactory) {
	m, ctx := setup(t, factory)
	a := attach(t, ctx, m, "a")
	b := attach(t, ctx, m, "b")

	if err := m.Send(ctx, nil, []byte("all")); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	expectFrame(t, a, "all")
	expectFrame(t, b, "all")
}

func testUnknownSession(t *testing.T, factory ManagerFactory) {
	m, ctx := setup(t, factory)
	a := attach(t, ctx, m, "a")

	if err := m.Send(ctx, []string{"ghost", "a"}, []byte("x")); err != nil {
		t.Fatalf("send with unknown id should not fail: %v", err)
	}
	expectFrame(t, a, "x")
}

type failingSink struct{}

func (f *failingSink) Send(ctx context.Context, frame []byte) error { return errors.New("boom") }
func (f *failingSink) Close() error                                 { return nil }

func testFailureIsolation(t *testing.T, factory ManagerFactory) {
	m, ctx := setup(t, factory)
	if err := m.Create(ctx, "bad", &failingSink{}); err != nil {
		t.Fatalf("create bad: %v", err)
	}
	good := attach(t, ctx, m, "good")

	// Backends may surface the failure or only log it; either way the
	// healthy session must still receive the frame.
	_ = m.Send(ctx, []string{"bad", "good"}, []byte("x"))
	expectFrame(t, good, "x")
}

func testDelete(t *testing.T, factory ManagerFactory) {
	m, ctx := setup(t, factory)
	a := attach(t, ctx, m, "a")

	if err := m.Delete(ctx, "a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	expectClosed(t, a)
	if ok, err := m.Has(ctx, "a"); err != nil || ok {
		t.Fatalf("expected Has=false after delete, got %v err=%v", ok, err)
	}
	if err := m.Delete(ctx, "a"); err != nil {
		t.Fatalf("second delete should be a no-op: %v", err)
	}
}

func testReplace(t *testing.T, factory ManagerFactory) {
	m, ctx := setup(t, factory)
	first := attach(t, ctx, m, "a")
	second := attach(t, ctx, m, "a")

	expectClosed(t, first)
	if err := m.Send(ctx, []string{"a"}, []byte("x")); err != nil {
		t.Fatalf("send: %v", err)
	}
	expectFrame(t, second, "x")
}

func testHas(t *testing.T, factory ManagerFactory) {
	m, ctx := setup(t, factory)
	if ok, err := m.Has(ctx, "a"); err != nil || ok {
		t.Fatalf("expected Has=false before create, got %v err=%v", ok, err)
	}
	attach(t, ctx, m, "a")
	if ok, err := m.Has(ctx, "a"); err != nil || !ok {
		t.Fatalf("expected Has=true after create, got %v err=%v", ok, err)
	}
}

func testClose(t *testing.T, factory ManagerFactory) {
	m := factory(t)
	ctx := context.Background()
	a := attach(t, ctx, m, "a")
	b := attach(t, ctx, m, "b")

	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	expectClosed(t, a)
	expectClosed(t, b)
	if err := m.Send(ctx, []string{"a"}, []byte("x")); !errors.Is(err, streams.ErrClosed) {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
}
