// Package localstream is the in-process streams.Manager.
package localstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/ggoodman/mcp-livesync/streams"
)

// Manager delivers frames directly to sinks attached in this process.
type Manager struct {
	mu     sync.RWMutex
	sinks  map[string]streams.Sink
	closed bool
	log    *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger used for delivery failures.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// New creates an empty Manager.
func New(opts ...Option) *Manager {
	m := &Manager{sinks: make(map[string]streams.Sink), log: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create implements streams.Manager.
func (m *Manager) Create(ctx context.Context, sessionID string, sink streams.Sink) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return streams.ErrClosed
	}
	prev := m.sinks[sessionID]
	m.sinks[sessionID] = sink
	m.mu.Unlock()

	if prev != nil && prev != sink {
		_ = prev.Close()
	}
	return nil
}

// Send implements streams.Manager. Delivery is synchronous and follows the
// order of sessionIDs; one failing sink does not stop delivery to the rest.
func (m *Manager) Send(ctx context.Context, sessionIDs []string, payload []byte) error {
	type target struct {
		id   string
		sink streams.Sink
	}

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return streams.ErrClosed
	}
	if sessionIDs == nil {
		sessionIDs = m.idsLocked()
	}
	targets := make([]target, 0, len(sessionIDs))
	for _, id := range sessionIDs {
		if sink, ok := m.sinks[id]; ok {
			targets = append(targets, target{id: id, sink: sink})
		}
	}
	m.mu.RUnlock()

	var errs []error
	for _, t := range targets {
		if err := t.sink.Send(ctx, payload); err != nil {
			m.log.WarnContext(ctx, "localstream.send.fail", slog.String("session_id", t.id), slog.String("err", err.Error()))
			errs = append(errs, fmt.Errorf("session %s: %w", t.id, err))
		}
	}
	return errors.Join(errs...)
}

// Delete implements streams.Manager.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	sink, ok := m.sinks[sessionID]
	delete(m.sinks, sessionID)
	m.mu.Unlock()

	if ok {
		return sink.Close()
	}
	return nil
}

// Detach removes sink for sessionID only if it is still the attached one.
// It does not close the sink. Transports use it when a connection ends on
// its own so that a newer attachment for the same session is left intact.
func (m *Manager) Detach(sessionID string, sink streams.Sink) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sinks[sessionID]; ok && cur == sink {
		delete(m.sinks, sessionID)
		return true
	}
	return false
}

// Has implements streams.Manager.
func (m *Manager) Has(ctx context.Context, sessionID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sinks[sessionID]
	return ok, nil
}

// IDs returns the attached session ids in sorted order.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.idsLocked()
}

func (m *Manager) idsLocked() []string {
	out := make([]string, 0, len(m.sinks))
	for id := range m.sinks {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Close implements streams.Manager.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sinks := m.sinks
	m.sinks = make(map[string]streams.Sink)
	m.mu.Unlock()

	var errs []error
	for id, sink := range sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

var _ streams.Manager = (*Manager)(nil)
