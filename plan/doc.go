// Package plan defines the task DAG executed by the executor: plans, task
// specs, guarded edges and retry policies, together with validation,
// deterministic topological ordering, guard evaluation and YAML loading.
//
// Guards are expr-lang expressions evaluated against recorded facts only:
//
//	outputs  task id -> recorded output
//	context  packet facts
//	policy   recorded policy decisions keyed by "<action>:<task id>"
//	status   task id -> task status
//
// An edge with onError set is an error route: its target runs only when the
// source fails with a matching failure class.
package plan
