// Package subscriptions tracks which sessions watch which resource URIs and
// turns a resource change into targeted notifications.
//
// A URI is either absent (no subscribers) or present with at least one
// session id; the entry is pruned when its last subscriber leaves.
package subscriptions

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/ggoodman/mcp-livesync/mcp"
	"github.com/ggoodman/mcp-livesync/streams"
)

// Manager is the resource subscription registry for one server instance.
type Manager struct {
	streams streams.Manager
	log     *slog.Logger

	mu            sync.RWMutex
	subsByURI     map[string]map[string]struct{}
	subsBySession map[string]map[string]struct{}
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

// New returns a Manager that delivers through sm.
func New(sm streams.Manager, opts ...Option) *Manager {
	m := &Manager{
		streams:       sm,
		log:           slog.Default(),
		subsByURI:     make(map[string]map[string]struct{}),
		subsBySession: make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe records that sessionID watches uri. It reports whether the
// subscription is new.
func (m *Manager) Subscribe(uri, sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subsByURI[uri][sessionID]; ok {
		return false
	}
	if _, ok := m.subsByURI[uri]; !ok {
		m.subsByURI[uri] = make(map[string]struct{})
	}
	if _, ok := m.subsBySession[sessionID]; !ok {
		m.subsBySession[sessionID] = make(map[string]struct{})
	}
	m.subsByURI[uri][sessionID] = struct{}{}
	m.subsBySession[sessionID][uri] = struct{}{}
	return true
}

// Unsubscribe removes one subscription. It reports whether one existed.
func (m *Manager) Unsubscribe(uri, sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unsubscribeLocked(uri, sessionID)
}

func (m *Manager) unsubscribeLocked(uri, sessionID string) bool {
	found := false
	if set, ok := m.subsByURI[uri]; ok {
		if _, found = set[sessionID]; found {
			delete(set, sessionID)
		}
		if len(set) == 0 {
			delete(m.subsByURI, uri)
		}
	}
	if set, ok := m.subsBySession[sessionID]; ok {
		delete(set, uri)
		if len(set) == 0 {
			delete(m.subsBySession, sessionID)
		}
	}
	return found
}

// RemoveSession drops every subscription held by sessionID and returns how
// many were removed.
func (m *Manager) RemoveSession(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	uris := m.subsBySession[sessionID]
	n := 0
	for uri := range uris {
		if m.unsubscribeLocked(uri, sessionID) {
			n++
		}
	}
	delete(m.subsBySession, sessionID)
	return n
}

// Subscribers returns the sorted session ids watching uri.
func (m *Manager) Subscribers(uri string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedKeys(m.subsByURI[uri])
}

// URIs returns every URI with at least one subscriber, sorted.
func (m *Manager) URIs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedKeys(m.subsByURI)
}

// SessionURIs returns the URIs sessionID is subscribed to, sorted.
func (m *Manager) SessionURIs(sessionID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedKeys(m.subsBySession[sessionID])
}

// NotifyResourceUpdated sends notifications/resources/updated to every
// current subscriber of uri, one targeted send each. A failing subscriber is
// logged and skipped. It returns the number of successful sends.
func (m *Manager) NotifyResourceUpdated(ctx context.Context, uri string) int {
	subs := m.Subscribers(uri)
	if len(subs) == 0 {
		return 0
	}
	frame, err := streams.EncodeNotification(string(mcp.ResourcesUpdatedNotificationMethod), mcp.ResourceUpdatedNotification{URI: uri})
	if err != nil {
		m.log.ErrorContext(ctx, "subscriptions.notify.encode_fail", slog.String("uri", uri), slog.String("err", err.Error()))
		return 0
	}

	delivered := 0
	for _, sid := range subs {
		if err := m.streams.Send(ctx, []string{sid}, frame); err != nil {
			m.log.WarnContext(ctx, "subscriptions.notify.fail",
				slog.String("uri", uri),
				slog.String("session_id", sid),
				slog.String("err", err.Error()))
			continue
		}
		delivered++
	}
	m.log.DebugContext(ctx, "subscriptions.notify.ok", slog.String("uri", uri), slog.Int("delivered", delivered), slog.Int("subscribers", len(subs)))
	return delivered
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
