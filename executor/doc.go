// Package executor implements the resumable plan executor.
//
// An Executor walks a plan's DAG in deterministic topological order. Every
// decision is appended to a per-run ledger: plan admission, guard
// evaluations, branch decisions, policy hooks, task lifecycle, verification,
// errors, compensation and every model inference made through a task's
// Nucleus. After each completed task (or every CheckpointInterval tasks) the
// full run state, ledger included, is encoded as canonical JSON and written
// to a core.CheckpointStore.
//
// Resume loads a checkpoint, verifies its version and digest, restores the
// ledger and continues with the tasks that were not yet decided. Completed
// tasks are never executed again, and within a run a task whose idempotency
// key has already completed reuses the recorded output instead of executing.
//
// Task failures are classified:
//
//	RETRYABLE_ERROR        retried per the task's RetryPolicy
//	FATAL_ERROR            halts the run unless an onError fatal|any edge exists
//	COMPENSATION_REQUIRED  routes to onError compensation|any edges
//
// Errors that are not *TaskError are treated as FATAL_ERROR.
package executor
