// Package redisstore implements sessions.Store on Redis so that several
// server instances can observe the same sessions.
//
// Characteristics
//   - Record: one string key per session, "<prefix><id>", holding the JSON
//     encoded sessions.SessionMetadata.
//   - Expiry: every write is SET ... EX, so the server owns expiry. Set uses
//     DefaultTTL and SetWithTTL uses the supplied TTL.
//   - Enumeration: Keys and Clear walk the keyspace with SCAN MATCH
//     "<prefix>*". This is intended for diagnostics and tests and is
//     expensive on large deployments.
//   - Failures: every backend error is logged and returned wrapped. A missing
//     key is reported as sessions.ErrSessionNotFound.
//
// LivenessKey exposes the "available:" key convention shared with the
// distributed stream manager.
package redisstore
