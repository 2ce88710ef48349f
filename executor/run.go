package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/agentplan/core"
	"github.com/hupe1980/agentplan/internal/util"
	"github.com/hupe1980/agentplan/ledger"
	"github.com/hupe1980/agentplan/logging"
	"github.com/hupe1980/agentplan/packet"
	"github.com/hupe1980/agentplan/plan"
)

// run holds the live handles of one execution. Everything that must
// survive a restart lives in st.
type run struct {
	e       *Executor
	st      *State
	ledger  *ledger.Ledger
	limiter *core.ModelLimiter
	logger  logging.Logger
	start   time.Time

	sinceCheckpoint int
	lastCheckpoint  string
}

// outcome is what one task execution produced. It is applied to the state
// after the batch finished so concurrent tasks never write shared state.
type outcome struct {
	task     plan.TaskSpec
	idemKey  string
	output   any
	err      *TaskError
	cancel   error
	attempts int
	retries  int
	dedup    bool
	tokens   int
	promoted []core.Artifact
	policy   map[string]any
}

func (e *Executor) newRun(st *State, l *ledger.Ledger) *run {
	limiter := core.NewModelLimiter(e.opts.MaxModelCalls)
	limiter.Restore(st.Metrics.ModelCalls)

	return &run{
		e:       e,
		st:      st,
		ledger:  l,
		limiter: limiter,
		logger:  logging.With(e.opts.Logger, "runId", st.RunID, "planId", st.Plan.ID),
		start:   e.opts.Clock(),
	}
}

func (r *run) record(t ledger.EntryType, details map[string]any) error {
	if _, err := r.ledger.Append(t, details); err != nil {
		return fmt.Errorf("record %s: %w", t, err)
	}
	return nil
}

// admit evaluates plan.admit and records the selected plan.
func (r *run) admit(ctx context.Context) error {
	p := r.st.Plan

	doc, err := util.Normalize(p)
	if err != nil {
		return err
	}

	payload := map[string]any{
		"plan":       doc,
		"goal":       map[string]any{"id": r.st.Goal.ID, "intent": r.st.Goal.Intent},
		"contextRef": p.ContextRef,
	}

	dec, err := r.e.opts.Policy.Evaluate(ctx, core.PolicyPlanAdmit, payload)
	if err != nil {
		return fmt.Errorf("evaluate %s: %w", core.PolicyPlanAdmit, err)
	}

	r.st.PolicyResults["admit"] = decisionMap(dec)

	if err := r.record(ledger.PolicyDecision, map[string]any{
		"action": string(core.PolicyPlanAdmit),
		"planId": p.ID,
		"allow":  dec.Allow,
		"reason": dec.Reason,
		"limits": dec.Limits,
	}); err != nil {
		return err
	}

	if !dec.Allow {
		r.st.Status = RunFailed
		r.st.Failure = &Failure{Class: ClassFatal, Code: CodePolicyDenied, Message: dec.Reason}

		r.logger.Warn("executor.plan.denied", "reason", dec.Reason)

		return fmt.Errorf("%w: %s", ErrPolicyDenied, dec.Reason)
	}

	order, err := p.Order()
	if err != nil {
		return err
	}

	if err := r.record(ledger.PlanSelected, map[string]any{
		"planId":     p.ID,
		"contextRef": p.ContextRef,
		"goalId":     r.st.Goal.ID,
		"tasks":      order,
	}); err != nil {
		return err
	}

	r.logger.Info("executor.run.start", "tasks", len(order), "contextRef", p.ContextRef)

	return r.checkpoint(ctx)
}

func (r *run) loop(ctx context.Context) (*Result, error) {
	order, err := r.st.Plan.Order()
	if err != nil {
		return r.result(), err
	}

	for {
		if err := ctx.Err(); err != nil {
			return r.interrupted(ctx, err)
		}

		batch, err := r.nextBatch(order)
		if err != nil {
			return r.result(), err
		}

		if r.st.Status == RunFailed {
			return r.halt(ctx)
		}

		if len(batch) == 0 {
			break
		}

		outcomes := r.execute(ctx, batch)

		var cancelled error

		// Finished siblings of a cancelled task already ran their side
		// effects, so they are committed before the run stops.
		for _, o := range outcomes {
			if o.cancel != nil {
				r.logger.Warn("executor.task.cancelled", "taskId", o.task.ID, "error", o.cancel)

				if cancelled == nil {
					cancelled = o.cancel
				}

				continue
			}

			if err := r.apply(o); err != nil {
				return r.result(), err
			}
		}

		if cancelled != nil {
			return r.interrupted(ctx, cancelled)
		}

		if r.st.Status == RunFailed {
			return r.halt(ctx)
		}

		if r.sinceCheckpoint >= r.e.opts.CheckpointInterval {
			if err := r.checkpoint(ctx); err != nil {
				return r.result(), err
			}
		}
	}

	r.st.Status = RunCompleted

	if err := r.checkpoint(ctx); err != nil {
		return r.result(), err
	}

	m := r.st.Metrics
	r.logger.Info("executor.run.end", "completed", m.TasksCompleted, "skipped", m.TasksSkipped,
		"failed", m.TasksFailed, "retries", m.Retries, "modelCalls", m.ModelCalls)

	return r.result(), nil
}

// interrupted stops a cancelled run. Decisions made since the last
// checkpoint are flushed so a resume does not execute them again.
func (r *run) interrupted(ctx context.Context, cause error) (*Result, error) {
	r.logger.Warn("executor.run.cancelled", "error", cause, "pending", r.sinceCheckpoint)

	if r.sinceCheckpoint > 0 {
		if err := r.checkpoint(context.WithoutCancel(ctx)); err != nil {
			return r.result(), errors.Join(cause, err)
		}
	}

	return r.result(), cause
}

func (r *run) halt(ctx context.Context) (*Result, error) {
	if err := r.checkpoint(ctx); err != nil {
		return r.result(), err
	}

	r.logger.Error("executor.run.halted", "taskId", r.st.Failure.TaskID, "code", r.st.Failure.Code)

	return r.result(), r.haltError()
}

// nextBatch decides skipped tasks and returns the tasks to execute next.
// Without parallelism only the first runnable task in plan order is
// returned.
func (r *run) nextBatch(order []string) ([]plan.TaskSpec, error) {
	var batch []plan.TaskSpec

	keys := map[string]bool{}

	for _, id := range order {
		if r.st.decided(id) || !r.ready(id) {
			continue
		}

		t, _ := r.st.Plan.Task(id)

		// A task sharing a key with a batch member waits for the next batch,
		// where it deduplicates against the completed one. Key errors fail
		// the task in runTask.
		key, keyErr := r.idemKey(t)
		if keyErr == nil && keys[key] {
			continue
		}

		runnable, err := r.admitTask(t)
		if err != nil {
			var te *TaskError
			if !errors.As(err, &te) {
				return nil, err
			}

			// A broken guard fails the task it protects.
			if err := r.recordFailure(t.ID, te, 0); err != nil {
				return nil, err
			}

			if err := r.apply(&outcome{task: t, err: te}); err != nil {
				return nil, err
			}

			if r.st.Status == RunFailed {
				return nil, nil
			}

			continue
		}

		if !runnable {
			continue
		}

		batch = append(batch, t)

		if keyErr == nil {
			keys[key] = true
		}

		if r.e.opts.MaxParallel < 2 {
			break
		}
	}

	return batch, nil
}

// ready reports whether every edge into id has a decided source.
func (r *run) ready(id string) bool {
	for _, e := range r.st.Plan.Incoming(id) {
		if !r.st.decided(e.From) {
			return false
		}
	}
	return true
}

// admitTask evaluates the incoming edges of a ready task. Tasks with normal
// incoming edges run when at least one edge is taken: its source completed
// and its guard holds. Error-route targets run only once activated.
func (r *run) admitTask(t plan.TaskSpec) (bool, error) {
	p := r.st.Plan

	if p.IsHandler(t.ID) {
		from, ok := r.st.Activated[t.ID]
		if !ok {
			return false, r.skip(t, "handler not activated")
		}

		return true, r.record(ledger.BranchTaken, map[string]any{
			"from":    from,
			"to":      t.ID,
			"onError": true,
			"taken":   true,
		})
	}

	edges := p.Incoming(t.ID)
	if len(edges) == 0 {
		return true, nil
	}

	env := r.st.guardEnv()
	taken := false

	for _, e := range edges {
		ok := r.st.TaskStatus[e.From] == StatusCompleted

		if ok && e.Guard != "" {
			res, err := plan.EvalGuard(e.Guard, env)

			details := map[string]any{"from": e.From, "to": e.To, "guard": e.Guard, "result": res}
			if err != nil {
				details["error"] = err.Error()
			}

			if rerr := r.record(ledger.GuardEval, details); rerr != nil {
				return false, rerr
			}

			if err != nil {
				return false, Fatal("GUARD_ERROR", err)
			}

			ok = res
		}

		if err := r.record(ledger.BranchTaken, map[string]any{
			"from":  e.From,
			"to":    e.To,
			"guard": e.Guard,
			"taken": ok,
		}); err != nil {
			return false, err
		}

		taken = taken || ok
	}

	if !taken {
		return false, r.skip(t, "no incoming edge taken")
	}

	return true, nil
}

func (r *run) skip(t plan.TaskSpec, reason string) error {
	r.st.TaskStatus[t.ID] = StatusSkipped
	r.st.Metrics.TasksSkipped++
	r.sinceCheckpoint++

	r.logger.Debug("executor.task.skip", "taskId", t.ID, "reason", reason)

	return r.record(ledger.TaskEnd, map[string]any{
		"task":   t.ID,
		"status": string(StatusSkipped),
		"reason": reason,
	})
}

// execute runs a batch. Batches of more than one task run concurrently,
// bounded by MaxParallel.
func (r *run) execute(ctx context.Context, batch []plan.TaskSpec) []*outcome {
	outcomes := make([]*outcome, len(batch))

	if len(batch) == 1 {
		outcomes[0] = r.runTask(ctx, batch[0])
		return outcomes
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.e.opts.MaxParallel)

	for i, t := range batch {
		g.Go(func() error {
			outcomes[i] = r.runTask(gctx, t)
			return nil
		})
	}

	_ = g.Wait()

	return outcomes
}

// apply commits an outcome to the run state.
func (r *run) apply(o *outcome) error {
	st := r.st
	id := o.task.ID

	for stage, dec := range o.policy {
		setPolicyResult(st.PolicyResults, stage, id, dec)
	}

	if o.attempts > 0 {
		st.Attempts[id] = o.attempts
	}

	st.Metrics.Retries += o.retries
	st.Metrics.EstimatedTokens += o.tokens
	st.Metrics.ModelCalls = r.limiter.Count()
	r.sinceCheckpoint++

	if o.err != nil {
		return r.fail(o)
	}

	st.TaskStatus[id] = StatusCompleted
	st.Outputs[id] = o.output
	st.ExecutedTaskIDs = append(st.ExecutedTaskIDs, id)
	st.IdemKeys[id] = o.idemKey
	st.Metrics.TasksCompleted++

	if o.dedup {
		st.Metrics.Deduplicated++
	}

	return r.internalize(o)
}

// internalize derives a new packet version from the task's promoted
// artifacts.
func (r *run) internalize(o *outcome) error {
	if len(o.promoted) == 0 {
		return nil
	}

	from := r.st.Context

	b := packet.Derive(from)
	for _, a := range o.promoted {
		b.AddAugmentation(a.Type, map[string]any{
			"id":         a.ID,
			"digest":     a.Digest,
			"content":    a.Content,
			"provenance": a.Provenance,
			"task":       o.task.ID,
		})
	}

	next, err := b.Build()
	if err != nil {
		return fmt.Errorf("derive packet after %s: %w", o.task.ID, err)
	}

	r.st.Context = next

	ids := make([]string, 0, len(o.promoted))
	for _, a := range o.promoted {
		ids = append(ids, a.ID)
	}

	r.logger.Info("executor.packet.derived", "taskId", o.task.ID, "from", from.ID(), "to", next.ID(), "version", next.Version())

	return r.record(ledger.ContextInternalized, map[string]any{
		"action":    "packet_derived",
		"task":      o.task.ID,
		"from":      from.ID(),
		"to":        next.ID(),
		"version":   next.Version(),
		"artifacts": ids,
	})
}

// fail marks the task failed and follows its error routes. Without a route
// the run halts.
func (r *run) fail(o *outcome) error {
	st := r.st
	id := o.task.ID
	te := o.err

	st.TaskStatus[id] = StatusFailed
	st.Metrics.TasksFailed++

	class := plan.OnErrorFatal
	if te.Class == ClassCompensation {
		class = plan.OnErrorCompensation
	}

	env := st.guardEnv()

	var activated []string

	for _, e := range st.Plan.ErrorRoutes(id, class) {
		ok := true

		if e.Guard != "" {
			res, err := plan.EvalGuard(e.Guard, env)

			details := map[string]any{"from": e.From, "to": e.To, "guard": e.Guard, "result": res, "onError": e.OnError}
			if err != nil {
				details["error"] = err.Error()
			}

			if rerr := r.record(ledger.GuardEval, details); rerr != nil {
				return rerr
			}

			ok = err == nil && res
		}

		if !ok {
			continue
		}

		if _, seen := st.Activated[e.To]; !seen && !st.decided(e.To) {
			st.Activated[e.To] = id
			activated = append(activated, e.To)
		}
	}

	if te.Class == ClassCompensation {
		st.Metrics.Compensations++

		if err := r.record(ledger.Compensation, map[string]any{
			"task":     id,
			"code":     te.Code,
			"reason":   te.Error(),
			"handlers": activated,
		}); err != nil {
			return err
		}
	}

	if len(activated) > 0 {
		r.logger.Warn("executor.task.routed", "taskId", id, "class", te.Class, "handlers", activated)
		return nil
	}

	st.Status = RunFailed
	st.Failure = &Failure{TaskID: id, Class: te.Class, Code: te.Code, Message: te.Error()}

	return nil
}

func (r *run) recordFailure(id string, te *TaskError, attempts int) error {
	if err := r.record(ledger.Error, map[string]any{
		"task":    id,
		"class":   string(te.Class),
		"code":    te.Code,
		"message": te.Error(),
	}); err != nil {
		return err
	}

	return r.record(ledger.TaskEnd, map[string]any{
		"task":     id,
		"status":   string(StatusFailed),
		"attempts": attempts,
		"class":    string(te.Class),
		"code":     te.Code,
	})
}

// checkpoint persists the state. The ledger snapshot is taken here.
func (r *run) checkpoint(ctx context.Context) error {
	st := r.st

	st.CheckpointSeq++
	st.Metrics.Checkpoints++
	st.Metrics.ModelCalls = r.limiter.Count()
	st.Ledger = r.ledger.Entries()

	b, err := st.encode()
	if err != nil {
		return err
	}

	cp := core.NewCheckpoint(st.RunID, st.CheckpointSeq, r.e.opts.Clock(), b)

	if err := r.e.opts.Store.Put(ctx, cp); err != nil {
		return fmt.Errorf("put checkpoint %s: %w", cp.ID, err)
	}

	r.lastCheckpoint = cp.ID
	r.sinceCheckpoint = 0

	r.logger.Debug("executor.checkpoint", "checkpointId", cp.ID, "bytes", len(b), "ledger", len(st.Ledger))

	return nil
}

func (r *run) haltError() error {
	f := r.st.Failure
	if f == nil {
		return nil
	}

	if f.Code == CodePolicyDenied && f.TaskID == "" {
		return fmt.Errorf("%w: %s", ErrPolicyDenied, f.Message)
	}

	return fmt.Errorf("%w: task %s: %w", ErrRunHalted, f.TaskID,
		&TaskError{Class: f.Class, Code: f.Code, Message: f.Message})
}

func (r *run) result() *Result {
	st := r.st

	status := make(map[string]TaskStatus, len(st.TaskStatus))
	for k, v := range st.TaskStatus {
		status[k] = v
	}

	outputs := make(map[string]any, len(st.Outputs))
	for k, v := range st.Outputs {
		outputs[k] = v
	}

	return &Result{
		RunID:        st.RunID,
		Status:       st.Status,
		Outputs:      outputs,
		TaskStatus:   status,
		Executed:     append([]string(nil), st.ExecutedTaskIDs...),
		Context:      st.Context,
		Ledger:       r.ledger.Entries(),
		Metrics:      st.Metrics,
		Failure:      st.Failure,
		CheckpointID: r.lastCheckpoint,
		Duration:     r.e.opts.Clock().Sub(r.start),
	}
}

func decisionMap(d core.PolicyDecision) map[string]any {
	m := map[string]any{"allow": d.Allow}
	if d.Reason != "" {
		m["reason"] = d.Reason
	}

	if len(d.Limits) > 0 {
		limits, err := util.NormalizeMap(d.Limits)
		if err == nil {
			m["limits"] = limits
		}
	}

	return m
}

// setPolicyResult stores a decision under results[stage][taskID], the shape
// guards read as policy.pre.<task>.allow.
func setPolicyResult(results map[string]any, stage, taskID string, dec any) {
	byTask, _ := results[stage].(map[string]any)
	if byTask == nil {
		byTask = map[string]any{}
		results[stage] = byTask
	}

	byTask[taskID] = dec
}
