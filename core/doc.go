// Package core provides the shared domain types and contracts used across
// agentplan:
//
//   - Goal (the intent a plan run serves)
//   - Artifact and ArtifactStore (scope-local retrieved or derived data)
//   - MemoryStore (searchable knowledge backing retrieval tools)
//   - Checkpoint and CheckpointStore (persisted run snapshots)
//   - PolicyEngine (admission and per-task policy hooks)
//   - ToolContext (the execution surface handed to tools)
//   - ModelLimiter (per-run cap on model calls)
//
// Implementation concerns (persistence backends, execution, reasoning) live
// in their own packages; core only exposes small interfaces so custom
// backends can be plugged in.
package core
