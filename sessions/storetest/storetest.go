// Package storetest holds the behavioral contract shared by every
// sessions.Store implementation.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-livesync/sessions"
	"github.com/google/go-cmp/cmp"
)

// Harness is what a factory hands to the suite.
type Harness struct {
	Store sessions.Store
	// Advance moves the store's notion of time forward by d. Implementations
	// backed by real timers simply sleep; a fake server can fast-forward.
	Advance func(d time.Duration)
}

// StoreFactory creates a fresh, empty store for each subtest.
type StoreFactory func(t *testing.T) Harness

// Sleep is an Advance implementation for stores driven by wall-clock timers.
func Sleep(d time.Duration) { time.Sleep(d) }

// RunStoreTests runs the complete Store test suite against the provided factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("Get_MissingReturnsNotFound", func(t *testing.T) { testGetMissing(t, factory) })
	t.Run("SetThenGet_RoundTrips", func(t *testing.T) { testSetThenGet(t, factory) })
	t.Run("Set_Overwrites", func(t *testing.T) { testSetOverwrites(t, factory) })
	t.Run("Get_ReturnsIsolatedCopy", func(t *testing.T) { testGetIsolation(t, factory) })
	t.Run("Delete_RemovesAndIsIdempotent", func(t *testing.T) { testDelete(t, factory) })
	t.Run("Has_ReflectsPresence", func(t *testing.T) { testHas(t, factory) })
	t.Run("Keys_ListsEverySession", func(t *testing.T) { testKeys(t, factory) })
	t.Run("Clear_RemovesEverything", func(t *testing.T) { testClear(t, factory) })
	t.Run("TTL_ExpiresOnlyThatRecord", func(t *testing.T) { testTTLExpiry(t, factory) })
	t.Run("TTL_SetAfterTTLCancelsExpiry", func(t *testing.T) { testTTLOverwrite(t, factory) })
	t.Run("Concurrent_DisjointWriters", func(t *testing.T) { testConcurrentWriters(t, factory) })
}

func newMeta(id string) *sessions.SessionMetadata {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &sessions.SessionMetadata{
		SessionID:       id,
		UserID:          "user-" + id,
		ProtocolVersion: "2025-06-18",
		Client:          sessions.ClientInfo{Name: "test-client", Version: "1.0.0"},
		Capabilities:    sessions.CapabilitySet{Roots: true, RootsListChanged: true, Sampling: true},
		LogLevel:        sessions.LoggingLevelInfo,
		CreatedAt:       now,
		LastAccessedAt:  now,
	}
}

func ctxFor(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func open(t *testing.T, factory StoreFactory) Harness {
	h := factory(t)
	t.Cleanup(func() { _ = h.Store.Close() })
	if h.Advance == nil {
		h.Advance = Sleep
	}
	return h
}

func testGetMissing(t *testing.T, factory StoreFactory) {
	h := open(t, factory)
	ctx := ctxFor(t)

	meta, err := h.Store.Get(ctx, "nope")
	if !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got meta=%v err=%v", meta, err)
	}
}

func testSetThenGet(t *testing.T, factory StoreFactory) {
	h := open(t, factory)
	ctx := ctxFor(t)

	want := newMeta("s1")
	if err := h.Store.Set(ctx, "s1", want); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := h.Store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("metadata mismatch (-want +got):\n%s", diff)
	}
}

func testSetOverwrites(t *testing.T, factory StoreFactory) {
	h := open(t, factory)
	ctx := ctxFor(t)

	meta := newMeta("s1")
	if err := h.Store.Set(ctx, "s1", meta); err != nil {
		t.Fatalf("set: %v", err)
	}
	meta.LogLevel = sessions.LoggingLevelError
	if err := h.Store.Set(ctx, "s1", meta); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, err := h.Store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.LogLevel != sessions.LoggingLevelError {
		t.Fatalf("expected overwritten log level, got %q", got.LogLevel)
	}
}

func testGetIsolation(t *testing.T, factory StoreFactory) {
	h := open(t, factory)
	ctx := ctxFor(t)

	meta := newMeta("s1")
	if err := h.Store.Set(ctx, "s1", meta); err != nil {
		t.Fatalf("set: %v", err)
	}
	meta.UserID = "mutated-after-set"

	got, err := h.Store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.UserID != "user-s1" {
		t.Fatalf("store shares memory with caller: %q", got.UserID)
	}
	got.UserID = "mutated-after-get"

	again, err := h.Store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if again.UserID != "user-s1" {
		t.Fatalf("store shares memory with reader: %q", again.UserID)
	}
}

func testDelete(t *testing.T, factory StoreFactory) {
	h := open(t, factory)
	ctx := ctxFor(t)

	if err := h.Store.Set(ctx, "s1", newMeta("s1")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := h.Store.Delete(ctx, "s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := h.Store.Get(ctx, "s1"); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if err := h.Store.Delete(ctx, "s1"); err != nil {
		t.Fatalf("second delete should be a no-op: %v", err)
	}
	if err := h.Store.Delete(ctx, "never-existed"); err != nil {
		t.Fatalf("delete of unknown id should be a no-op: %v", err)
	}
}

func testHas(t *testing.T, factory StoreFactory) {
	h := open(t, factory)
	ctx := ctxFor(t)

	ok, err := h.Store.Has(ctx, "s1")
	if err != nil || ok {
		t.Fatalf("expected Has=false before set, got %v err=%v", ok, err)
	}
	if err := h.Store.Set(ctx, "s1", newMeta("s1")); err != nil {
		t.Fatalf("set: %v", err)
	}
	ok, err = h.Store.Has(ctx, "s1")
	if err != nil || !ok {
		t.Fatalf("expected Has=true after set, got %v err=%v", ok, err)
	}
}

func testKeys(t *testing.T, factory StoreFactory) {
	h := open(t, factory)
	ctx := ctxFor(t)

	want := []string{"a", "b", "c"}
	for _, id := range want {
		if err := h.Store.Set(ctx, id, newMeta(id)); err != nil {
			t.Fatalf("set %s: %v", id, err)
		}
	}
	got, err := h.Store.Keys(ctx)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if diff := cmp.Diff(want, sorted(got)); diff != "" {
		t.Fatalf("keys mismatch (-want +got):\n%s", diff)
	}
}

func testClear(t *testing.T, factory StoreFactory) {
	h := open(t, factory)
	ctx := ctxFor(t)

	for _, id := range []string{"a", "b"} {
		if err := h.Store.Set(ctx, id, newMeta(id)); err != nil {
			t.Fatalf("set %s: %v", id, err)
		}
	}
	if err := h.Store.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	keys, err := h.Store.Keys(ctx)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("expected no keys after clear, got %v", keys)
	}
}

func testTTLExpiry(t *testing.T, factory StoreFactory) {
	h := open(t, factory)
	ctx := ctxFor(t)

	if err := h.Store.SetWithTTL(ctx, "short", newMeta("short"), 100*time.Millisecond); err != nil {
		t.Fatalf("set with ttl: %v", err)
	}
	if err := h.Store.Set(ctx, "sibling", newMeta("sibling")); err != nil {
		t.Fatalf("set sibling: %v", err)
	}
	if ok, _ := h.Store.Has(ctx, "short"); !ok {
		t.Fatalf("record should exist before its ttl elapses")
	}

	h.Advance(300 * time.Millisecond)

	if !eventually(func() bool {
		ok, _ := h.Store.Has(ctx, "short")
		return !ok
	}) {
		t.Fatalf("record with ttl did not expire")
	}
	if ok, err := h.Store.Has(ctx, "sibling"); err != nil || !ok {
		t.Fatalf("sibling must survive a neighbor's expiry, got %v err=%v", ok, err)
	}
}

func testTTLOverwrite(t *testing.T, factory StoreFactory) {
	h := open(t, factory)
	ctx := ctxFor(t)

	if err := h.Store.SetWithTTL(ctx, "s1", newMeta("s1"), 100*time.Millisecond); err != nil {
		t.Fatalf("set with ttl: %v", err)
	}
	if err := h.Store.SetWithTTL(ctx, "s1", newMeta("s1"), time.Hour); err != nil {
		t.Fatalf("extend ttl: %v", err)
	}

	h.Advance(300 * time.Millisecond)

	if ok, err := h.Store.Has(ctx, "s1"); err != nil || !ok {
		t.Fatalf("rewritten record must not expire on the old ttl, got %v err=%v", ok, err)
	}
}

func testConcurrentWriters(t *testing.T, factory StoreFactory) {
	h := open(t, factory)
	ctx := ctxFor(t)

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("w-%02d", i)
			if err := h.Store.Set(ctx, id, newMeta(id)); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent set: %v", err)
	}

	keys, err := h.Store.Keys(ctx)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != n {
		t.Fatalf("expected %d keys, got %d", n, len(keys))
	}
}

func eventually(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func sorted(in []string) []string {
	out := slices.Clone(in)
	slices.Sort(out)
	return out
}
