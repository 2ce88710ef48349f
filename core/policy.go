package core

import "context"

// PolicyAction names the hook a policy is evaluated for.
type PolicyAction string

const (
	PolicyPlanAdmit PolicyAction = "plan.admit"
	PolicyTaskPre   PolicyAction = "task.pre"
	PolicyTaskPost  PolicyAction = "task.post"
)

// PolicyDecision is the outcome of a policy evaluation. Limits may carry
// overrides such as maxContextTokens or maxQueryRounds for the task.
type PolicyDecision struct {
	Allow  bool           `json:"allow"`
	Limits map[string]any `json:"limits,omitempty"`
	Reason string         `json:"reason,omitempty"`
}

// PolicyEngine evaluates admission and per-task policies.
type PolicyEngine interface {
	Evaluate(ctx context.Context, action PolicyAction, payload map[string]any) (PolicyDecision, error)
}
