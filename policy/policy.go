package policy

import (
	"context"

	"github.com/hupe1980/agentplan/core"
)

// AllowAll admits every action without limits.
type AllowAll struct{}

var _ core.PolicyEngine = AllowAll{}

// Evaluate implements core.PolicyEngine.
func (AllowAll) Evaluate(context.Context, core.PolicyAction, map[string]any) (core.PolicyDecision, error) {
	return core.PolicyDecision{Allow: true}, nil
}

// Func adapts a function to core.PolicyEngine.
type Func func(ctx context.Context, action core.PolicyAction, payload map[string]any) (core.PolicyDecision, error)

// Evaluate implements core.PolicyEngine.
func (f Func) Evaluate(ctx context.Context, action core.PolicyAction, payload map[string]any) (core.PolicyDecision, error) {
	return f(ctx, action, payload)
}
