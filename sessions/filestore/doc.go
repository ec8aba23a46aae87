// Package filestore implements sessions.Store on top of a single JSON file
// so sessions survive process restarts on one host.
//
// Design Notes
//   - Write-through cache: reads never touch the disk after construction.
//   - Debounced flush: mutations schedule a flush (default 100ms) so bursts
//     of writes collapse into one disk write.
//   - Serialized writes: a small state machine (idle, scheduled, flushing,
//     flushing+pending) keeps at most one flush in flight and turns requests
//     that arrive mid-flush into exactly one trailing flush.
//   - Atomic replace: each flush writes <path>.tmp, fsyncs it and renames it
//     over <path>, so a crash never leaves a partially written file under the
//     real name.
//   - Load-time GC: records whose last access is older than MaxAge are dropped
//     when the file is loaded. There is no background sweeper.
//   - Degradation: an unreadable or corrupt file is logged and the store
//     starts empty rather than failing construction.
//
// The on-disk layout is one JSON object mapping session id to
// sessions.SessionMetadata.
package filestore
