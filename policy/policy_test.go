package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentplan/core"
)

const rulesYAML = `
default: allow
rules:
  - name: block-refunds
    action: task.pre
    when: task.capabilityRef == "refund" && task.input.amount > 100
    allow: false
    reason: refunds above 100 need approval
  - name: tight-budget
    action: task.pre
    when: task.nucleusRef == "support"
    allow: true
    limits:
      maxContextTokens: 2000
      maxQueryRounds: 2
  - action: plan.admit
    when: len(plan.tasks) > 10
    allow: false
    reason: plan too large
`

func TestRuleEngine(t *testing.T) {
	e, err := ParseRules([]byte(rulesYAML))
	require.NoError(t, err)

	ctx := context.Background()

	d, err := e.Evaluate(ctx, core.PolicyTaskPre, map[string]any{
		"task": map[string]any{"capabilityRef": "refund", "input": map[string]any{"amount": 250.0}},
	})
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Equal(t, "refunds above 100 need approval", d.Reason)

	d, err = e.Evaluate(ctx, core.PolicyTaskPre, map[string]any{
		"task": map[string]any{"capabilityRef": "nucleus.invoke", "nucleusRef": "support", "input": map[string]any{}},
	})
	require.NoError(t, err)
	assert.True(t, d.Allow)
	assert.Equal(t, map[string]any{"maxContextTokens": 2000, "maxQueryRounds": 2}, d.Limits)

	d, err = e.Evaluate(ctx, core.PolicyPlanAdmit, map[string]any{"plan": map[string]any{"tasks": []any{1, 2}}})
	require.NoError(t, err)
	assert.True(t, d.Allow)
	assert.Nil(t, d.Limits)
}

func TestRuleEngine_DefaultDeny(t *testing.T) {
	e, err := NewRuleEngine(RuleSet{Default: "deny", Rules: []Rule{{Action: "*", When: `action == "task.post"`, Allow: true}}})
	require.NoError(t, err)

	d, err := e.Evaluate(context.Background(), core.PolicyTaskPre, nil)
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.NotEmpty(t, d.Reason)

	d, err = e.Evaluate(context.Background(), core.PolicyTaskPost, nil)
	require.NoError(t, err)
	assert.True(t, d.Allow)
}

func TestRuleEngine_InvalidRules(t *testing.T) {
	_, err := NewRuleEngine(RuleSet{Rules: []Rule{{Action: "task.during"}}})
	assert.ErrorIs(t, err, ErrInvalidRule)

	_, err = NewRuleEngine(RuleSet{Rules: []Rule{{Action: "task.pre", When: "task.id =="}}})
	assert.ErrorIs(t, err, ErrInvalidRule)

	_, err = NewRuleEngine(RuleSet{Default: "maybe"})
	assert.ErrorIs(t, err, ErrInvalidRule)
}

func TestAllowAllAndFunc(t *testing.T) {
	d, err := AllowAll{}.Evaluate(context.Background(), core.PolicyPlanAdmit, nil)
	require.NoError(t, err)
	assert.True(t, d.Allow)

	deny := Func(func(context.Context, core.PolicyAction, map[string]any) (core.PolicyDecision, error) {
		return core.PolicyDecision{Reason: "closed"}, nil
	})

	d, err = deny.Evaluate(context.Background(), core.PolicyTaskPre, nil)
	require.NoError(t, err)
	assert.False(t, d.Allow)
}
