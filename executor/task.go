package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/agentplan/core"
	"github.com/hupe1980/agentplan/internal/util"
	"github.com/hupe1980/agentplan/ledger"
	"github.com/hupe1980/agentplan/logging"
	"github.com/hupe1980/agentplan/nucleus"
	"github.com/hupe1980/agentplan/plan"
	"github.com/hupe1980/agentplan/scope"
)

// attemptState tracks one task through its attempts.
type attemptState struct {
	task    plan.TaskSpec
	idemKey string
	scope   *scope.Scope
	nucleus *nucleus.Nucleus
	logger  logging.Logger
	out     *outcome
}

// runTask executes one task: policy pre-hook, preflight, body with retries,
// verification, postcheck and policy post-hook. It appends to the ledger but
// leaves the run state untouched.
func (r *run) runTask(ctx context.Context, t plan.TaskSpec) *outcome {
	o := &outcome{task: t, policy: map[string]any{}}
	logger := logging.With(r.logger, "taskId", t.ID)

	key, err := r.idemKey(t)
	if err != nil {
		o.err = Fatal(CodeUnclassified, err)
		return o
	}

	o.idemKey = key

	if err := r.record(ledger.TaskStart, map[string]any{
		"task":       t.ID,
		"capability": t.CapabilityRef,
		"idemKey":    key,
		"nucleusRef": t.NucleusRef,
	}); err != nil {
		o.err = Fatal(CodeUnclassified, err)
		return o
	}

	logger.Info("executor.task.start", "capability", t.CapabilityRef, "idemKey", key)

	if prev, ok := r.completedWith(key); ok {
		o.output = r.st.Outputs[prev]
		o.dedup = true

		logger.Info("executor.task.deduplicated", "from", prev)

		if err := r.record(ledger.TaskEnd, map[string]any{
			"task":         t.ID,
			"status":       string(StatusCompleted),
			"deduplicated": true,
			"from":         prev,
			"outputDigest": util.MustDigest(o.output),
		}); err != nil {
			o.err = Fatal(CodeUnclassified, err)
		}

		return o
	}

	as := &attemptState{task: t, idemKey: key, logger: logger, out: o}

	output, err := r.body(ctx, as)
	if err != nil {
		if isCancellation(err) && ctx.Err() != nil {
			o.cancel = err
			return o
		}

		o.err = Classify(err)

		logger.Warn("executor.task.failed", "class", o.err.Class, "code", o.err.Code, "attempts", o.attempts, "error", err)

		if rerr := r.recordFailure(t.ID, o.err, o.attempts); rerr != nil {
			o.err = Fatal(CodeUnclassified, rerr)
		}

		return o
	}

	o.output = output

	if err := r.record(ledger.TaskEnd, map[string]any{
		"task":         t.ID,
		"status":       string(StatusCompleted),
		"attempts":     o.attempts,
		"outputDigest": util.MustDigest(output),
	}); err != nil {
		o.err = Fatal(CodeUnclassified, err)
		return o
	}

	logger.Info("executor.task.end", "attempts", o.attempts, "promoted", len(o.promoted))

	return o
}

func (r *run) body(ctx context.Context, as *attemptState) (any, error) {
	t := as.task

	pre, err := r.evaluatePolicy(ctx, core.PolicyTaskPre, t, nil)
	if err != nil {
		return nil, err
	}

	as.out.policy["pre"] = decisionMap(pre)

	if !pre.Allow {
		return nil, &TaskError{Class: ClassFatal, Code: CodePolicyDenied, Message: firstNonEmpty(pre.Reason, "denied by task.pre")}
	}

	as.scope = scope.New(r.st.RunID+"/"+t.ID, func(o *scope.Options) {
		o.Ledger = r.ledger
		o.Logger = as.logger
		o.Clock = r.e.opts.Clock
	})

	if t.NucleusRef != "" {
		n, err := r.buildNucleus(as, pre.Limits)
		if err != nil {
			return nil, Fatal(CodeUnclassified, err)
		}

		as.nucleus = n

		if err := r.preflight(ctx, as); err != nil {
			return nil, err
		}
	}

	output, err := r.attempt(ctx, as)
	if err != nil {
		return nil, err
	}

	if as.nucleus != nil {
		report, err := as.nucleus.Postcheck(ctx, output)
		if err != nil {
			return nil, err
		}

		if report.Result != nil {
			as.out.tokens += report.Result.Metrics.EstimatedTokens
		}

		switch report.Outcome {
		case nucleus.OutcomeCompensate:
			return nil, &TaskError{Class: ClassCompensation, Code: CodeCompensation, Message: firstNonEmpty(report.Reason, "postcheck requested compensation")}
		case nucleus.OutcomeEscalate:
			return nil, &TaskError{Class: ClassFatal, Code: CodeEscalation, Message: firstNonEmpty(report.Reason, "postcheck requested escalation")}
		}
	}

	post, err := r.evaluatePolicy(ctx, core.PolicyTaskPost, t, output)
	if err != nil {
		return nil, err
	}

	as.out.policy["post"] = decisionMap(post)

	if !post.Allow {
		return nil, &TaskError{Class: ClassFatal, Code: CodePolicyDenied, Message: firstNonEmpty(post.Reason, "denied by task.post")}
	}

	promoted, err := as.scope.Promoted()
	if err != nil {
		return nil, Fatal(CodeUnclassified, err)
	}

	as.out.promoted = promoted

	return output, nil
}

func (r *run) evaluatePolicy(ctx context.Context, action core.PolicyAction, t plan.TaskSpec, output any) (core.PolicyDecision, error) {
	payload := map[string]any{
		"task": map[string]any{
			"id":            t.ID,
			"capabilityRef": t.CapabilityRef,
			"nucleusRef":    t.NucleusRef,
			"input":         t.Input,
		},
		"goal": map[string]any{"id": r.st.Goal.ID, "intent": r.st.Goal.Intent},
	}

	if action == core.PolicyTaskPost {
		payload["output"] = output
	}

	payload, err := util.NormalizeMap(payload)
	if err != nil {
		return core.PolicyDecision{}, Fatal(CodeUnclassified, err)
	}

	dec, err := r.e.opts.Policy.Evaluate(ctx, action, payload)
	if err != nil {
		return core.PolicyDecision{}, Fatal(CodePolicyDenied, fmt.Errorf("evaluate %s: %w", action, err))
	}

	typ := ledger.PolicyPre
	if action == core.PolicyTaskPost {
		typ = ledger.PolicyPost
	}

	if err := r.record(typ, map[string]any{
		"task":   t.ID,
		"allow":  dec.Allow,
		"reason": dec.Reason,
		"limits": dec.Limits,
	}); err != nil {
		return core.PolicyDecision{}, Fatal(CodeUnclassified, err)
	}

	return dec, nil
}

// buildNucleus creates the task's Nucleus from its profile, tightened by
// the limits of the task.pre decision.
func (r *run) buildNucleus(as *attemptState, limits map[string]any) (*nucleus.Nucleus, error) {
	t := as.task

	profile, ok := r.e.opts.Profiles[t.NucleusRef]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProfile, t.NucleusRef)
	}

	profile, err := profile.withLimits(limits)
	if err != nil {
		return nil, err
	}

	cfg := nucleus.Config{
		GoalID:             r.st.Goal.ID,
		Intent:             firstNonEmpty(profile.Intent, r.st.Goal.Intent),
		Snapshot:           r.st.Context,
		LLM:                profile.LLM,
		Hooks:              profile.Hooks,
		MaxQueryRounds:     profile.MaxQueryRounds,
		MaxRetrievalRounds: profile.MaxRetrievalRounds,
		MaxContextTokens:   profile.MaxContextTokens,
	}

	return nucleus.New(r.e.opts.Model, cfg, func(o *nucleus.Options) {
		o.Scope = as.scope
		o.Provider = r.e.opts.Provider
		o.Ledger = r.ledger
		o.Logger = as.logger
		o.Tools = profile.Tools
		o.Limiter = r.limiter
		o.RunID = r.st.RunID
		o.TaskID = t.ID
	})
}

// preflight runs the preflight hook and, on NEEDS_CONTEXT, asks the
// provider to fulfill the directives before checking once more.
func (r *run) preflight(ctx context.Context, as *attemptState) error {
	report, err := r.runPreflight(ctx, as)
	if err != nil {
		return err
	}

	if report.Status != nucleus.StatusNeedsContext {
		return nil
	}

	if r.e.opts.Provider == nil {
		return &TaskError{Class: ClassFatal, Code: CodeNeedsContext, Message: fmt.Sprintf("no provider for %v", report.Directives)}
	}

	as.logger.Info("executor.task.fulfill", "directives", report.Directives)

	if _, err := r.e.opts.Provider.Fulfill(ctx, nucleus.FulfillRequest{
		Directives: report.Directives,
		Scope:      as.scope,
		GoalID:     r.st.Goal.ID,
		RunID:      r.st.RunID,
		TaskID:     as.task.ID,
		Ledger:     r.ledger,
	}); err != nil {
		return Fatal(CodeNeedsContext, err)
	}

	report, err = r.runPreflight(ctx, as)
	if err != nil {
		return err
	}

	if report.Status == nucleus.StatusNeedsContext {
		return &TaskError{Class: ClassFatal, Code: CodeNeedsContext, Message: fmt.Sprintf("context still missing: %v", report.Directives)}
	}

	return nil
}

func (r *run) runPreflight(ctx context.Context, as *attemptState) (*nucleus.PreflightReport, error) {
	report, err := as.nucleus.Preflight(ctx)
	if err != nil {
		return nil, err
	}

	if report.Result != nil {
		as.out.tokens += report.Result.Metrics.EstimatedTokens
	}

	return report, nil
}

// attempt executes the capability and its verifiers until success, a
// non-retryable failure or the retry policy is spent.
func (r *run) attempt(ctx context.Context, as *attemptState) (any, error) {
	t := as.task
	policy := t.RetryPolicy
	limit := policy.Attempts()
	capability := r.e.opts.Capabilities[t.CapabilityRef]

	for n := 1; ; n++ {
		as.out.attempts = n

		output, err := r.executeOnce(ctx, as, capability, n)
		if err == nil {
			return output, nil
		}

		if ctx.Err() != nil {
			return nil, err
		}

		te := Classify(err)
		if te.Class != ClassRetryable || n >= limit || !policy.Allows(te.Code) {
			return nil, te
		}

		delay := policy.Backoff(n)
		if policy.Jitter && delay > 0 {
			delay += time.Duration(float64(delay) * 0.5 * r.e.opts.Rand())
		}

		as.out.retries++

		as.logger.Warn("executor.task.retry", "attempt", n, "code", te.Code, "delay", delay, "error", te)

		if err := r.e.opts.Sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func (r *run) executeOnce(ctx context.Context, as *attemptState, capability Capability, n int) (any, error) {
	t := as.task

	input, err := util.NormalizeMap(t.Input)
	if err != nil {
		return nil, Fatal(CodeUnclassified, err)
	}

	outputs, err := util.NormalizeMap(r.st.Outputs)
	if err != nil {
		return nil, Fatal(CodeUnclassified, err)
	}

	tc := &TaskContext{
		RunID:   r.st.RunID,
		Task:    t,
		Attempt: n,
		IdemKey: as.idemKey,
		Input:   input,
		Packet:  r.st.Context,
		Outputs: outputs,
		Nucleus: as.nucleus,
		Scope:   as.scope,
		Ledger:  r.ledger,
		Logger:  as.logger,
	}

	raw, err := capability.Execute(ctx, tc)
	as.out.tokens += tc.estimatedTokens()

	if err != nil {
		return nil, err
	}

	output, err := util.Normalize(raw)
	if err != nil {
		return nil, Fatal(CodeUnclassified, fmt.Errorf("normalize output: %w", err))
	}

	if err := r.verify(ctx, as, output, n); err != nil {
		return nil, err
	}

	return output, nil
}

func (r *run) verify(ctx context.Context, as *attemptState, output any, n int) error {
	for _, ref := range as.task.VerificationRefs {
		v := r.e.opts.Verifiers[ref]

		verr := v.Verify(ctx, as.task, output)

		details := map[string]any{
			"task":     as.task.ID,
			"verifier": ref,
			"attempt":  n,
			"passed":   verr == nil,
		}
		if verr != nil {
			details["error"] = verr.Error()
		}

		if err := r.record(ledger.Verification, details); err != nil {
			return Fatal(CodeUnclassified, err)
		}

		if verr != nil {
			var te *TaskError
			if errors.As(verr, &te) {
				return te
			}

			return Fatal(CodeVerificationFailed, fmt.Errorf("%s: %w", ref, verr))
		}
	}

	return nil
}

// idemKey returns the task's explicit key or a digest of the work it
// describes.
func (r *run) idemKey(t plan.TaskSpec) (string, error) {
	if t.IdemKey != "" {
		return t.IdemKey, nil
	}

	d, err := util.Digest(map[string]any{
		"goal":       r.st.Goal.ID,
		"contextRef": r.st.Plan.ContextRef,
		"task":       t.ID,
		"capability": t.CapabilityRef,
		"input":      t.Input,
	})
	if err != nil {
		return "", fmt.Errorf("idempotency key for %s: %w", t.ID, err)
	}

	return d, nil
}

// completedWith returns the id of a completed task that used key.
func (r *run) completedWith(key string) (string, bool) {
	for _, id := range r.st.ExecutedTaskIDs {
		if r.st.IdemKeys[id] == key {
			return id, true
		}
	}
	return "", false
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
