package testutil

import (
	"github.com/hupe1980/agentplan/plan"
)

// PlanBuilder provides a fluent helper for constructing plans in tests.
// Example:
//
//	p := NewPlanBuilder("p1").Task("a", "echo").Task("b", "echo").Edge("a", "b").Build()
//
// Task options configure the most recently added task.
type PlanBuilder struct {
	p plan.Plan
}

// NewPlanBuilder creates a builder for a plan with the given id.
func NewPlanBuilder(id string) *PlanBuilder {
	return &PlanBuilder{p: plan.Plan{ID: id}}
}

// ContextRef binds the plan to a packet id (chainable).
func (b *PlanBuilder) ContextRef(ref string) *PlanBuilder { b.p.ContextRef = ref; return b }

// Task appends a task (chainable).
func (b *PlanBuilder) Task(id, capability string) *PlanBuilder {
	b.p.Tasks = append(b.p.Tasks, plan.TaskSpec{ID: id, CapabilityRef: capability})
	return b
}

// Input sets the input of the last task (chainable).
func (b *PlanBuilder) Input(in map[string]any) *PlanBuilder {
	b.last().Input = in
	return b
}

// Retry sets the retry policy of the last task (chainable).
func (b *PlanBuilder) Retry(maxAttempts int, backoffSeconds ...float64) *PlanBuilder {
	b.last().RetryPolicy = &plan.RetryPolicy{MaxAttempts: maxAttempts, BackoffSeconds: backoffSeconds}
	return b
}

// Verify sets the verification refs of the last task (chainable).
func (b *PlanBuilder) Verify(refs ...string) *PlanBuilder {
	b.last().VerificationRefs = refs
	return b
}

// Nucleus sets the nucleus profile of the last task (chainable).
func (b *PlanBuilder) Nucleus(ref string) *PlanBuilder {
	b.last().NucleusRef = ref
	return b
}

// Edge appends an unguarded edge (chainable).
func (b *PlanBuilder) Edge(from, to string) *PlanBuilder {
	b.p.Edges = append(b.p.Edges, plan.Edge{From: from, To: to})
	return b
}

// Guarded appends an edge with a guard (chainable).
func (b *PlanBuilder) Guarded(from, to, guard string) *PlanBuilder {
	b.p.Edges = append(b.p.Edges, plan.Edge{From: from, To: to, Guard: guard})
	return b
}

// OnError appends an error route (chainable).
func (b *PlanBuilder) OnError(from, to, class string) *PlanBuilder {
	b.p.Edges = append(b.p.Edges, plan.Edge{From: from, To: to, OnError: class})
	return b
}

// Chain appends a linear sequence of echo tasks linked by edges (chainable).
func (b *PlanBuilder) Chain(capability string, ids ...string) *PlanBuilder {
	for i, id := range ids {
		b.Task(id, capability)
		if i > 0 {
			b.Edge(ids[i-1], id)
		}
	}
	return b
}

// Build returns a copy of the plan.
func (b *PlanBuilder) Build() *plan.Plan {
	p := b.p
	p.Tasks = append([]plan.TaskSpec(nil), b.p.Tasks...)
	p.Edges = append([]plan.Edge(nil), b.p.Edges...)
	return &p
}

func (b *PlanBuilder) last() *plan.TaskSpec {
	if len(b.p.Tasks) == 0 {
		panic("testutil: no task added")
	}
	return &b.p.Tasks[len(b.p.Tasks)-1]
}
