package executor

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/hupe1980/agentplan/checkpoint"
	"github.com/hupe1980/agentplan/core"
	"github.com/hupe1980/agentplan/logging"
	"github.com/hupe1980/agentplan/model"
	"github.com/hupe1980/agentplan/nucleus"
	"github.com/hupe1980/agentplan/packet"
	"github.com/hupe1980/agentplan/plan"
	"github.com/hupe1980/agentplan/policy"
)

// Options configures an Executor.
type Options struct {
	// Model serves every Nucleus built for tasks with a nucleusRef.
	Model model.Model

	// Profiles maps nucleusRef values to Nucleus configurations.
	Profiles map[string]NucleusProfile

	// Provider resolves retrieval directives. Optional.
	Provider nucleus.ContextProvider

	// Capabilities extends the built-in echo and nucleus.invoke capabilities.
	Capabilities map[string]Capability

	// Verifiers extends the built-in non_empty and no_tool_errors verifiers.
	Verifiers map[string]Verifier

	Policy core.PolicyEngine
	Store  core.CheckpointStore
	Logger logging.Logger

	// Clock stamps ledger entries and checkpoints.
	Clock func() time.Time

	// Sleep waits between retry attempts.
	Sleep func(ctx context.Context, d time.Duration) error

	// Rand returns values in [0,1) for backoff jitter.
	Rand func() float64

	// MaxParallel bounds concurrently executing ready tasks. Values below 2
	// execute one task at a time.
	MaxParallel int

	// CheckpointInterval checkpoints after every n decided tasks. Defaults to 1.
	CheckpointInterval int

	// MaxModelCalls caps model calls per run. Zero is unlimited.
	MaxModelCalls int

	// Callbacks observe ledger entries as they are recorded.
	Callbacks []Callback
}

// Executor runs plans.
type Executor struct {
	opts Options
}

// New creates an Executor.
func New(optFns ...func(o *Options)) *Executor {
	opts := Options{
		Policy: policy.AllowAll{},
		Logger: logging.NoOpLogger{},
		Clock:  func() time.Time { return time.Now().UTC() },
		Sleep:  sleep,
		Rand:   rand.Float64,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Store == nil {
		opts.Store = checkpoint.NewInMemoryStore()
	}

	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	if opts.Policy == nil {
		opts.Policy = policy.AllowAll{}
	}

	if opts.CheckpointInterval < 1 {
		opts.CheckpointInterval = 1
	}

	caps := map[string]Capability{
		EchoCapability:    Echo(),
		NucleusCapability: Invoke(),
	}
	for k, v := range opts.Capabilities {
		caps[k] = v
	}

	opts.Capabilities = caps

	verifiers := map[string]Verifier{
		NonEmptyVerifier: NonEmpty(),
		NoErrorVerifier:  NoToolErrors(),
	}
	for k, v := range opts.Verifiers {
		verifiers[k] = v
	}

	opts.Verifiers = verifiers

	if opts.Profiles == nil {
		opts.Profiles = map[string]NucleusProfile{}
	}

	return &Executor{opts: opts}
}

// RunOptions configures a single run.
type RunOptions struct {
	// RunID defaults to a random id.
	RunID string
}

// Store returns the checkpoint store.
func (e *Executor) Store() core.CheckpointStore { return e.opts.Store }

// Run validates and admits p, then executes it against pkt.
func (e *Executor) Run(ctx context.Context, goal core.Goal, pkt *packet.Packet, p *plan.Plan, optFns ...func(o *RunOptions)) (*Result, error) {
	ro := RunOptions{}
	for _, fn := range optFns {
		fn(&ro)
	}

	if ro.RunID == "" {
		ro.RunID = core.NewID()
	}

	if p == nil {
		return nil, fmt.Errorf("%w: plan is required", plan.ErrInvalidPlan)
	}

	if pkt == nil {
		return nil, fmt.Errorf("%w: packet is required", ErrContextMismatch)
	}

	if err := packet.Verify(pkt); err != nil {
		return nil, err
	}

	pc := *p
	pc.Tasks = append([]plan.TaskSpec(nil), p.Tasks...)
	pc.Edges = append([]plan.Edge(nil), p.Edges...)

	if pc.ContextRef == "" {
		pc.ContextRef = pkt.ID()
	}

	if pc.ContextRef != pkt.ID() {
		return nil, fmt.Errorf("%w: plan %s expects %s, packet is %s", ErrContextMismatch, pc.ID, pc.ContextRef, pkt.ID())
	}

	if err := pc.Validate(); err != nil {
		return nil, err
	}

	if err := e.checkRefs(&pc); err != nil {
		return nil, err
	}

	st := newState(ro.RunID, goal, pkt, &pc)
	r := e.newRun(st, e.newLedger(st.RunID))

	if err := r.admit(ctx); err != nil {
		return r.result(), err
	}

	return r.loop(ctx)
}

// Resume continues a run from a checkpoint. An empty checkpointID selects
// the latest checkpoint of the run.
func (e *Executor) Resume(ctx context.Context, runID, checkpointID string) (*Result, error) {
	cp, err := e.opts.Store.Get(ctx, runID, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}

	if cp == nil {
		return nil, fmt.Errorf("%w: run %s checkpoint %q", ErrCheckpointNotFound, runID, checkpointID)
	}

	st, err := LoadState(cp)
	if err != nil {
		return nil, err
	}

	if st.RunID != runID {
		return nil, fmt.Errorf("%w: checkpoint belongs to run %s", core.ErrCheckpointCorrupt, st.RunID)
	}

	// Resuming from an older checkpoint continues after the newest one.
	if latest, err := e.opts.Store.Get(ctx, runID, ""); err == nil && latest != nil && latest.Seq > st.CheckpointSeq {
		st.CheckpointSeq = latest.Seq
	}

	l := e.newLedger(st.RunID)
	if err := l.Restore(st.Ledger); err != nil {
		return nil, fmt.Errorf("restore ledger: %w", err)
	}

	if err := e.checkRefs(st.Plan); err != nil {
		return nil, err
	}

	r := e.newRun(st, l)
	r.lastCheckpoint = cp.ID

	r.logger.Info("executor.run.resume", "checkpoint", cp.ID, "decided", len(st.TaskStatus))

	if st.Status != RunRunning {
		return r.result(), r.haltError()
	}

	return r.loop(ctx)
}

// checkRefs fails fast on capabilities, verifiers and profiles that are not
// registered.
func (e *Executor) checkRefs(p *plan.Plan) error {
	for _, t := range p.Tasks {
		if _, ok := e.opts.Capabilities[t.CapabilityRef]; !ok {
			return fmt.Errorf("%w: task %s: %s", ErrUnknownCapability, t.ID, t.CapabilityRef)
		}

		for _, v := range t.VerificationRefs {
			if _, ok := e.opts.Verifiers[v]; !ok {
				return fmt.Errorf("%w: task %s: %s", ErrUnknownVerifier, t.ID, v)
			}
		}

		if t.NucleusRef != "" {
			if _, ok := e.opts.Profiles[t.NucleusRef]; !ok {
				return fmt.Errorf("%w: task %s: %s", ErrUnknownProfile, t.ID, t.NucleusRef)
			}

			if e.opts.Model == nil {
				return fmt.Errorf("%w: task %s uses nucleus %s", ErrNoModel, t.ID, t.NucleusRef)
			}
		}
	}

	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
