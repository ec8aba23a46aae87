package sessions

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrSessionNotFound is the authoritative "session unknown" signal. A
	// missing metadata record means the session is not alive.
	ErrSessionNotFound = errors.New("session not found")
	// ErrStoreClosed is returned by stores after Close.
	ErrStoreClosed = errors.New("session store closed")
)

// Store is the pluggable persistence contract for session metadata. The
// in-memory, file and Redis backends all satisfy it and are selected at
// construction time.
//
// Implementations MUST be safe for concurrent use and MUST NOT retain or hand
// out the caller's *SessionMetadata; records are copied on the way in and out.
type Store interface {
	// Get returns the stored metadata or ErrSessionNotFound.
	Get(ctx context.Context, sessionID string) (*SessionMetadata, error)
	// Set stores metadata with the backend's default lifetime.
	Set(ctx context.Context, sessionID string, meta *SessionMetadata) error
	// Delete removes the record. Deleting an unknown id is not an error.
	Delete(ctx context.Context, sessionID string) error
	// Has reports whether a record exists.
	Has(ctx context.Context, sessionID string) (bool, error)
	// Keys lists every stored session id. Remote backends implement this with
	// a key-space scan; treat it as a diagnostic, not a hot-path call.
	Keys(ctx context.Context) ([]string, error)
	// SetWithTTL stores metadata that expires after ttl.
	SetWithTTL(ctx context.Context, sessionID string, meta *SessionMetadata, ttl time.Duration) error
	// Clear removes every record owned by the store.
	Clear(ctx context.Context) error
	// Close releases backend resources. Durable backends flush first.
	Close() error
}
