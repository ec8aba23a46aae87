package redisstream

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ggoodman/mcp-livesync/sessions/redisstore"
	"github.com/ggoodman/mcp-livesync/streams"
	"github.com/ggoodman/mcp-livesync/streams/streamtest"
	"github.com/redis/go-redis/v9"
)

func newClient(t *testing.T, mr *miniredis.Miniredis) *redis.Client {
	t.Helper()
	cl := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = cl.Close() })
	return cl
}

func newManager(t *testing.T, mr *miniredis.Miniredis, opts ...Option) *Manager {
	t.Helper()
	m, err := NewWithClient(context.Background(), newClient(t, mr), opts...)
	if err != nil {
		t.Fatalf("NewWithClient: %v", err)
	}
	return m
}

func TestRedisManager(t *testing.T) {
	streamtest.RunManagerTests(t, func(t *testing.T) streams.Manager {
		return newManager(t, miniredis.RunT(t))
	})
}

func TestCrossInstanceDelivery(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newManager(t, mr, WithInstanceID("instance-a"))
	defer a.Close()
	b := newManager(t, mr, WithInstanceID("instance-b"))
	defer b.Close()

	ctx := context.Background()
	sink := streams.NewChanSink(4)
	if err := b.Create(ctx, "remote", sink); err != nil {
		t.Fatalf("create on b: %v", err)
	}

	if ok, err := a.Has(ctx, "remote"); err != nil || !ok {
		t.Fatalf("instance a should see remote session via liveness key, got %v err=%v", ok, err)
	}
	if err := a.Send(ctx, []string{"remote"}, []byte("from-a")); err != nil {
		t.Fatalf("send from a: %v", err)
	}

	select {
	case got := <-sink.Frames():
		if string(got) != "from-a" {
			t.Fatalf("unexpected frame %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frame from instance a never reached instance b")
	}
}

func TestLivenessKeyHeldByHeartbeat(t *testing.T) {
	mr := miniredis.RunT(t)
	m := newManager(t, mr, WithLivenessTTL(300*time.Millisecond), WithInstanceID("inst"))
	defer m.Close()

	ctx := context.Background()
	if err := m.Create(ctx, "s1", streams.NewChanSink(1)); err != nil {
		t.Fatalf("create: %v", err)
	}
	key := redisstore.LivenessKey("mcp:sessions:", "s1")
	if v, err := mr.Get(key); err != nil || v != "inst" {
		t.Fatalf("expected liveness key owned by instance, got %q err=%v", v, err)
	}

	// Without a refresh the two jumps add up to more than the TTL.
	mr.FastForward(250 * time.Millisecond)
	time.Sleep(250 * time.Millisecond)
	mr.FastForward(250 * time.Millisecond)
	if !mr.Exists(key) {
		t.Fatal("heartbeat did not refresh the liveness key")
	}

	if err := m.Delete(ctx, "s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if mr.Exists(key) {
		t.Fatal("delete must remove the liveness key")
	}
}

func TestCloseRemovesLivenessKeys(t *testing.T) {
	mr := miniredis.RunT(t)
	m := newManager(t, mr)
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if err := m.Create(ctx, id, streams.NewChanSink(1)); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	for _, id := range []string{"a", "b"} {
		if mr.Exists(redisstore.LivenessKey("mcp:sessions:", id)) {
			t.Fatalf("liveness key for %s survived close", id)
		}
	}
}

func expectFrame(t *testing.T, sink *streams.ChanSink, want string) {
	t.Helper()
	select {
	case got := <-sink.Frames():
		if string(got) != want {
			t.Fatalf("got frame %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("frame %q never arrived", want)
	}
}

func TestDetachIgnoresReplacedSink(t *testing.T) {
	mr := miniredis.RunT(t)
	m := newManager(t, mr)
	defer m.Close()

	ctx := t.Context()
	old := streams.NewChanSink(4)
	if err := m.Create(ctx, "s1", old); err != nil {
		t.Fatalf("create old: %v", err)
	}
	fresh := streams.NewChanSink(4)
	if err := m.Create(ctx, "s1", fresh); err != nil {
		t.Fatalf("create fresh: %v", err)
	}

	if m.Detach("s1", old) {
		t.Fatal("detaching a replaced sink must report false")
	}
	key := redisstore.LivenessKey("mcp:sessions:", "s1")
	if !mr.Exists(key) {
		t.Fatal("detaching a replaced sink removed the liveness key")
	}
	if ok, err := m.Has(ctx, "s1"); err != nil || !ok {
		t.Fatalf("session should still be attached, got %v err=%v", ok, err)
	}
	if err := m.Send(ctx, []string{"s1"}, []byte("still-here")); err != nil {
		t.Fatalf("send: %v", err)
	}
	expectFrame(t, fresh, "still-here")

	if !m.Detach("s1", fresh) {
		t.Fatal("detaching the current sink must report true")
	}
	if mr.Exists(key) {
		t.Fatal("detaching the current sink must remove the liveness key")
	}
	if ok, _ := m.Has(ctx, "s1"); ok {
		t.Fatal("session still present after detaching its sink")
	}
}

func TestCreateRetryAfterRedisError(t *testing.T) {
	mr := miniredis.RunT(t)
	m := newManager(t, mr)
	defer m.Close()

	ctx := t.Context()
	mr.SetError("LOADING Redis is loading the dataset in memory")
	if err := m.Create(ctx, "s1", streams.NewChanSink(4)); err == nil {
		t.Fatal("create should fail while redis errors")
	}
	if ok, _ := m.local.Has(ctx, "s1"); ok {
		t.Fatal("failed create left a local sink behind")
	}
	mr.SetError("")

	sink := streams.NewChanSink(4)
	if err := m.Create(ctx, "s1", sink); err != nil {
		t.Fatalf("retry create: %v", err)
	}
	if err := m.Send(ctx, []string{"s1"}, []byte("after-retry")); err != nil {
		t.Fatalf("send: %v", err)
	}
	expectFrame(t, sink, "after-retry")
}

func TestStalledSinkDoesNotBlockOtherSessions(t *testing.T) {
	mr := miniredis.RunT(t)
	m := newManager(t, mr, WithQueueSize(2))
	defer m.Close()

	ctx := t.Context()
	stalled := streams.NewChanSink(1)
	if err := m.Create(ctx, "stalled", stalled); err != nil {
		t.Fatalf("create stalled: %v", err)
	}
	healthy := streams.NewChanSink(4)
	if err := m.Create(ctx, "healthy", healthy); err != nil {
		t.Fatalf("create healthy: %v", err)
	}

	for range 10 {
		if err := m.Send(ctx, []string{"stalled"}, []byte("backlog")); err != nil {
			t.Fatalf("send stalled: %v", err)
		}
	}
	if err := m.Send(ctx, []string{"healthy"}, []byte("ping")); err != nil {
		t.Fatalf("send healthy: %v", err)
	}
	expectFrame(t, healthy, "ping")

	if m.Dropped() == 0 {
		t.Fatal("expected frames for the stalled session to be dropped")
	}
}
