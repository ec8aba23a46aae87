// Package hotreload reconciles a reloaded capability set with the one a
// server is currently serving and pushes the difference into every live
// session without dropping connections.
//
// # Sync
//
// Synchronizer.Sync compares two ordered registration tables of one kind
// and applies the difference in a fixed order:
//
//  1. Renames. A name that disappeared and a name that appeared are the same
//     entry when their handlers normalize to the same text. The entry keeps
//     its position under the new name.
//  2. Removals of names that vanished and were not renamed.
//  3. Additions, appended in the order of the new table.
//  4. Updates of names present in both tables whose config or handler text
//     changed. A handler-only change is swapped in place when the session
//     supports it.
//
// Every step is applied to each live session. A failing session is logged
// with its id and skipped; it never aborts the remaining sessions or names.
//
// # Handler identity
//
// Identity is textual: registry.Handler.Identity with all whitespace removed.
// Two handlers whose source differs only in formatting are the same handler.
// This is a heuristic; a rename that also edits the handler body is reported
// as a removal plus an addition.
//
// # Triggers
//
// LoadManifest turns a YAML manifest into a Snapshot of all three tables and
// Watcher reloads it when the file changes. A manifest that fails to load or
// compile never reaches Sync, so the last good capability set stays active.
package hotreload
