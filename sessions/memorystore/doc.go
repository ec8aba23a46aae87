// Package memorystore provides an in-memory sessions.Store suitable for
// tests, development, and single-process servers. All state is discarded on
// process exit.
//
// Characteristics
//
//	Durability        : none (RAM only)
//	Horizontal scale  : no (process local)
//	Expiry            : per-record timers scheduled by SetWithTTL
//	Concurrency       : safe (mutex guarded)
//
// Example:
//
//	store := memorystore.New()
//	defer store.Close()
//
// For restart persistence use filestore; for fleets use redisstore.
package memorystore
