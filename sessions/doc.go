// Package sessions defines the per-client session record and the pluggable
// Store contract that persists it.
//
// A session is one client's logical connection lifetime, identified by an
// opaque id and independent of any single transport connection. Its
// SessionMetadata is owned exclusively by a Store; transport delivery state
// lives in the streams package so a metadata backend can be paired with any
// delivery backend.
//
// Implementations
//
//	memorystore : process-local map, volatile, fastest
//	filestore   : JSON file with debounced atomic writes, survives restarts on one host
//	redisstore  : Redis keys with TTL, survives restarts and is shared by a fleet
//
// Failure semantics differ by backend. The file backend degrades to an empty
// store when its file is unreadable, logging a warning. The Redis backend logs
// and returns every backend error.
//
// Every backend is exercised by the shared suite in sessions/storetest.
package sessions
