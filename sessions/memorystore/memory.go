package memorystore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ggoodman/mcp-livesync/sessions"
)

// Store is an in-memory implementation of sessions.Store.
type Store struct {
	mu      sync.Mutex
	records map[string]*record
	closed  bool

	onExpire func(sessionID string)
}

// Option configures a Store.
type Option func(*Store)

// WithExpireHook registers fn to be called, outside the store lock, after a
// TTL timer removes a record.
func WithExpireHook(fn func(sessionID string)) Option {
	return func(s *Store) { s.onExpire = fn }
}

type record struct {
	meta  *sessions.SessionMetadata
	timer *time.Timer
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{records: make(map[string]*record)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get implements sessions.Store.
func (s *Store) Get(ctx context.Context, sessionID string) (*sessions.SessionMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, sessions.ErrStoreClosed
	}
	rec, ok := s.records[sessionID]
	if !ok {
		return nil, sessions.ErrSessionNotFound
	}
	return rec.meta.Clone(), nil
}

// Set implements sessions.Store. Any pending expiry for the id is cancelled.
func (s *Store) Set(ctx context.Context, sessionID string, meta *sessions.SessionMetadata) error {
	return s.put(sessionID, meta, 0)
}

// SetWithTTL implements sessions.Store by scheduling a deferred delete.
func (s *Store) SetWithTTL(ctx context.Context, sessionID string, meta *sessions.SessionMetadata, ttl time.Duration) error {
	return s.put(sessionID, meta, ttl)
}

func (s *Store) put(sessionID string, meta *sessions.SessionMetadata, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return sessions.ErrStoreClosed
	}
	if prev, ok := s.records[sessionID]; ok && prev.timer != nil {
		prev.timer.Stop()
	}
	rec := &record{meta: meta.Clone()}
	if ttl > 0 {
		rec.timer = time.AfterFunc(ttl, func() { s.expire(sessionID, rec) })
	}
	s.records[sessionID] = rec
	return nil
}

// expire removes the record only if it is still the generation that
// scheduled the timer; a later Set replaces the record pointer.
func (s *Store) expire(sessionID string, rec *record) {
	s.mu.Lock()
	cur, ok := s.records[sessionID]
	removed := ok && cur == rec
	if removed {
		delete(s.records, sessionID)
	}
	hook := s.onExpire
	s.mu.Unlock()
	if removed && hook != nil {
		hook(sessionID)
	}
}

// Delete implements sessions.Store.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return sessions.ErrStoreClosed
	}
	if rec, ok := s.records[sessionID]; ok {
		if rec.timer != nil {
			rec.timer.Stop()
		}
		delete(s.records, sessionID)
	}
	return nil
}

// Has implements sessions.Store.
func (s *Store) Has(ctx context.Context, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, sessions.ErrStoreClosed
	}
	_, ok := s.records[sessionID]
	return ok, nil
}

// Keys implements sessions.Store. Ids are returned sorted.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, sessions.ErrStoreClosed
	}
	out := make([]string, 0, len(s.records))
	for id := range s.records {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// Clear implements sessions.Store.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return sessions.ErrStoreClosed
	}
	s.clearLocked()
	return nil
}

func (s *Store) clearLocked() {
	for _, rec := range s.records {
		if rec.timer != nil {
			rec.timer.Stop()
		}
	}
	s.records = make(map[string]*record)
}

// Close stops all expiry timers and drops every record.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.clearLocked()
	s.closed = true
	return nil
}

// Snapshot returns copies of every record keyed by id. It is used by the
// file backend as its write-through cache view.
func (s *Store) Snapshot() map[string]*sessions.SessionMetadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*sessions.SessionMetadata, len(s.records))
	for id, rec := range s.records {
		out[id] = rec.meta.Clone()
	}
	return out
}

var _ sessions.Store = (*Store)(nil)
