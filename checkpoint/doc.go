// Package checkpoint contains core.CheckpointStore implementations: an
// in-memory store for tests and single-process runs, and a SQLite store
// (pure Go, modernc.org/sqlite) for resumable runs across processes.
//
// Stores persist checkpoint state bytes verbatim and never reinterpret them;
// integrity checks belong to the caller (core.Checkpoint.Verify).
package checkpoint
