package executor_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/hupe1980/agentplan/checkpoint"
	"github.com/hupe1980/agentplan/core"
	"github.com/hupe1980/agentplan/executor"
	"github.com/hupe1980/agentplan/internal/testutil"
	"github.com/hupe1980/agentplan/ledger"
	"github.com/hupe1980/agentplan/memory"
	"github.com/hupe1980/agentplan/model"
	"github.com/hupe1980/agentplan/nucleus"
	"github.com/hupe1980/agentplan/packet"
	"github.com/hupe1980/agentplan/plan"
	"github.com/hupe1980/agentplan/policy"
	"github.com/hupe1980/agentplan/provider"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var fixedNow = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

var goal = core.Goal{ID: "g1", Intent: "resolve the customer request"}

func orderPacket(t *testing.T) *packet.Packet {
	t.Helper()

	p, err := packet.NewBuilder().
		AddSource("crm").
		AddFact("orderId", "O123").
		AddFact("amount", 150).
		Build()
	require.NoError(t, err)

	return p
}

func newExecutor(optFns ...func(o *executor.Options)) *executor.Executor {
	base := func(o *executor.Options) {
		o.Clock = func() time.Time { return fixedNow }
		o.Sleep = func(context.Context, time.Duration) error { return nil }
	}

	return executor.New(append([]func(o *executor.Options){base}, optFns...)...)
}

// counter records executions per task.
type counter struct {
	mu sync.Mutex
	n  map[string]int
}

func newCounter() *counter { return &counter{n: map[string]int{}} }

func (c *counter) inc(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n[id]++
}

func (c *counter) get(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n[id]
}

type entryView struct {
	Type    ledger.EntryType
	Details map[string]any
}

func view(entries []ledger.Entry) []entryView {
	out := make([]entryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryView{Type: e.Type, Details: e.Details})
	}
	return out
}

func types(entries []ledger.Entry) []ledger.EntryType {
	out := make([]ledger.EntryType, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Type)
	}
	return out
}

func countType(entries []ledger.Entry, typ ledger.EntryType) int {
	n := 0
	for _, e := range entries {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func TestRun_LinearPlanCompletes(t *testing.T) {
	store := checkpoint.NewInMemoryStore()
	ex := newExecutor(func(o *executor.Options) { o.Store = store })

	p := testutil.NewPlanBuilder("p1").
		Task("a", executor.EchoCapability).Input(map[string]any{"n": 1}).
		Task("b", executor.EchoCapability).Input(map[string]any{"n": 2}).Verify(executor.NonEmptyVerifier).
		Edge("a", "b").
		Build()

	pkt := orderPacket(t)

	res, err := ex.Run(context.Background(), goal, pkt, p, func(o *executor.RunOptions) { o.RunID = "run-1" })
	require.NoError(t, err)

	assert.Equal(t, executor.RunCompleted, res.Status)
	assert.Equal(t, []string{"a", "b"}, res.Executed)
	assert.Equal(t, map[string]any{"n": 2.0}, res.Outputs["b"])
	assert.Equal(t, pkt.ID(), res.Context.ID())

	assert.Equal(t, []ledger.EntryType{
		ledger.PolicyDecision, ledger.PlanSelected,
		ledger.TaskStart, ledger.PolicyPre, ledger.PolicyPost, ledger.TaskEnd,
		ledger.BranchTaken,
		ledger.TaskStart, ledger.PolicyPre, ledger.Verification, ledger.PolicyPost, ledger.TaskEnd,
	}, types(res.Ledger))
	require.NoError(t, ledger.Validate(res.Ledger))

	cps, err := store.List(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Len(t, cps, 4) // admission, a, b, completion
	assert.Equal(t, res.CheckpointID, cps[len(cps)-1].ID)
	assert.Equal(t, 4, res.Metrics.Checkpoints)
}

func TestRun_Rejections(t *testing.T) {
	pkt := orderPacket(t)
	ex := newExecutor()
	ctx := context.Background()

	_, err := ex.Run(ctx, goal, pkt, testutil.NewPlanBuilder("p").ContextRef("other").Task("a", "echo").Build())
	assert.ErrorIs(t, err, executor.ErrContextMismatch)

	_, err = ex.Run(ctx, goal, pkt, testutil.NewPlanBuilder("p").Task("a", "missing").Build())
	assert.ErrorIs(t, err, executor.ErrUnknownCapability)

	_, err = ex.Run(ctx, goal, pkt, testutil.NewPlanBuilder("p").Task("a", "echo").Verify("nope").Build())
	assert.ErrorIs(t, err, executor.ErrUnknownVerifier)

	_, err = ex.Run(ctx, goal, pkt, testutil.NewPlanBuilder("p").Task("a", "echo").Nucleus("support").Build())
	assert.ErrorIs(t, err, executor.ErrUnknownProfile)

	_, err = ex.Run(ctx, goal, pkt, testutil.NewPlanBuilder("p").Task("a", "echo").Edge("a", "a").Build())
	assert.ErrorIs(t, err, plan.ErrInvalidPlan)
}

func TestResume_MatchesUninterruptedRun(t *testing.T) {
	pkt := orderPacket(t)
	p := testutil.NewPlanBuilder("p4").Chain("step", "a", "b", "c", "d").Build()

	step := func(c *counter) executor.Capability {
		return executor.CapabilityFunc(func(_ context.Context, tc *executor.TaskContext) (any, error) {
			c.inc(tc.Task.ID)
			return map[string]any{"task": tc.Task.ID, "seen": len(tc.Outputs), "idemKey": tc.IdemKey}, nil
		})
	}

	// Uninterrupted reference run.
	refCount := newCounter()
	ref := newExecutor(func(o *executor.Options) {
		o.Capabilities = map[string]executor.Capability{"step": step(refCount)}
	})

	want, err := ref.Run(context.Background(), goal, pkt, p, func(o *executor.RunOptions) { o.RunID = "run-a" })
	require.NoError(t, err)

	// Interrupted run: cancelled while task c executes, after b was checkpointed.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	count := newCounter()
	inner := step(count)

	var interrupted bool

	store := checkpoint.NewInMemoryStore()
	ex := newExecutor(func(o *executor.Options) {
		o.Store = store
		o.Capabilities = map[string]executor.Capability{
			"step": executor.CapabilityFunc(func(ctx context.Context, tc *executor.TaskContext) (any, error) {
				if tc.Task.ID == "c" && !interrupted {
					interrupted = true
					cancel()
					return nil, ctx.Err()
				}
				return inner.Execute(ctx, tc)
			}),
		}
	})

	partial, err := ex.Run(ctx, goal, pkt, p, func(o *executor.RunOptions) { o.RunID = "run-a" })
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"a", "b"}, partial.Executed)

	cps, err := store.List(context.Background(), "run-a")
	require.NoError(t, err)
	require.Len(t, cps, 3)

	got, err := ex.Resume(context.Background(), "run-a", "")
	require.NoError(t, err)

	assert.Equal(t, executor.RunCompleted, got.Status)
	assert.Equal(t, want.Executed, got.Executed)

	if diff := cmp.Diff(want.Outputs, got.Outputs); diff != "" {
		t.Errorf("outputs mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff(view(want.Ledger), view(got.Ledger)); diff != "" {
		t.Errorf("ledger mismatch (-want +got):\n%s", diff)
	}

	require.NoError(t, ledger.Validate(got.Ledger))

	for _, id := range []string{"a", "b", "c", "d"} {
		assert.Equal(t, 1, count.get(id), "task %s", id)
	}
}

func TestResume_CancelledBatchKeepsCompletedSibling(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newCounter()
	chargeDone := make(chan struct{})

	var (
		once      sync.Once
		cancelled atomic.Bool
	)

	store := checkpoint.NewInMemoryStore()
	ex := newExecutor(func(o *executor.Options) {
		o.Store = store
		o.MaxParallel = 2
		o.Capabilities = map[string]executor.Capability{
			"charge": executor.CapabilityFunc(func(_ context.Context, tc *executor.TaskContext) (any, error) {
				c.inc(tc.Task.ID)
				return map[string]any{"charged": 150}, nil
			}),
			"wait": executor.CapabilityFunc(func(ctx context.Context, tc *executor.TaskContext) (any, error) {
				if cancelled.CompareAndSwap(false, true) {
					select {
					case <-chargeDone:
					case <-time.After(5 * time.Second):
						return nil, errors.New("charge did not finish")
					}

					cancel()
					<-ctx.Done()

					return nil, ctx.Err()
				}

				c.inc(tc.Task.ID)

				return "waited", nil
			}),
		}
		o.Callbacks = []executor.Callback{
			executor.EntryFilter(func(_ string, e ledger.Entry) {
				if e.Details["task"] == "charge" {
					once.Do(func() { close(chargeDone) })
				}
			}, ledger.TaskEnd),
		}
	})

	p := testutil.NewPlanBuilder("p").Task("charge", "charge").Task("wait", "wait").Build()

	partial, err := ex.Run(ctx, goal, orderPacket(t), p, func(o *executor.RunOptions) { o.RunID = "sibling" })
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"charge"}, partial.Executed)

	got, err := ex.Resume(context.Background(), "sibling", "")
	require.NoError(t, err)

	assert.Equal(t, executor.RunCompleted, got.Status)
	assert.Equal(t, 1, c.get("charge"))
	assert.Equal(t, 1, c.get("wait"))
	require.NoError(t, ledger.Validate(got.Ledger))
}

func TestResume_CancelFlushesDecisionsSinceLastCheckpoint(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newCounter()

	var cancelled atomic.Bool

	ex := newExecutor(func(o *executor.Options) {
		o.Store = checkpoint.NewInMemoryStore()
		o.CheckpointInterval = 5
		o.Capabilities = map[string]executor.Capability{
			"step": executor.CapabilityFunc(func(ctx context.Context, tc *executor.TaskContext) (any, error) {
				if tc.Task.ID == "b" && cancelled.CompareAndSwap(false, true) {
					cancel()
					return nil, ctx.Err()
				}

				c.inc(tc.Task.ID)

				return tc.Task.ID, nil
			}),
		}
	})

	p := testutil.NewPlanBuilder("p").Chain("step", "a", "b").Build()

	_, err := ex.Run(ctx, goal, orderPacket(t), p, func(o *executor.RunOptions) { o.RunID = "interval" })
	require.ErrorIs(t, err, context.Canceled)

	got, err := ex.Resume(context.Background(), "interval", "")
	require.NoError(t, err)

	assert.Equal(t, executor.RunCompleted, got.Status)
	assert.Equal(t, []string{"a", "b"}, got.Executed)
	assert.Equal(t, 1, c.get("a"))
	assert.Equal(t, 1, c.get("b"))
}

func TestResume_FinishedRunIsNotExecutedAgain(t *testing.T) {
	c := newCounter()
	ex := newExecutor(func(o *executor.Options) {
		o.Capabilities = map[string]executor.Capability{
			"step": executor.CapabilityFunc(func(_ context.Context, tc *executor.TaskContext) (any, error) {
				c.inc(tc.Task.ID)
				return "done", nil
			}),
		}
	})

	p := testutil.NewPlanBuilder("p").Chain("step", "a", "b").Build()

	first, err := ex.Run(context.Background(), goal, orderPacket(t), p, func(o *executor.RunOptions) { o.RunID = "r" })
	require.NoError(t, err)

	again, err := ex.Resume(context.Background(), "r", "")
	require.NoError(t, err)

	assert.Equal(t, executor.RunCompleted, again.Status)
	assert.Equal(t, first.Outputs, again.Outputs)
	assert.Equal(t, 1, c.get("a"))
	assert.Equal(t, 1, c.get("b"))
}

func TestResume_CheckpointErrors(t *testing.T) {
	ctx := context.Background()
	store := checkpoint.NewInMemoryStore()
	ex := newExecutor(func(o *executor.Options) { o.Store = store })

	_, err := ex.Resume(ctx, "ghost", "")
	assert.ErrorIs(t, err, executor.ErrCheckpointNotFound)

	_, err = ex.Run(ctx, goal, orderPacket(t), testutil.NewPlanBuilder("p").Task("a", "echo").Build(),
		func(o *executor.RunOptions) { o.RunID = "ok" })
	require.NoError(t, err)

	good, err := store.Get(ctx, "ok", "")
	require.NoError(t, err)

	tampered := core.NewCheckpoint("bad", 1, fixedNow, good.State)
	tampered.State = []byte(strings.Replace(string(tampered.State), `"COMPLETED"`, `"FAILED"`, 1))
	require.NoError(t, store.Put(ctx, tampered))

	_, err = ex.Resume(ctx, "bad", "")
	assert.ErrorIs(t, err, core.ErrCheckpointCorrupt)

	future := core.NewCheckpoint("future", 1, fixedNow, good.State)
	future.Version = core.CheckpointVersion + 1
	require.NoError(t, store.Put(ctx, future))

	_, err = ex.Resume(ctx, "future", "")
	assert.ErrorIs(t, err, executor.ErrCheckpointVersion)
}

func TestRun_RetriesWithBackoffAndJitter(t *testing.T) {
	var delays []time.Duration

	calls := 0
	ex := newExecutor(func(o *executor.Options) {
		o.Sleep = func(_ context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		}
		o.Rand = func() float64 { return 0.5 }
		o.Capabilities = map[string]executor.Capability{
			"flaky": executor.CapabilityFunc(func(context.Context, *executor.TaskContext) (any, error) {
				calls++
				if calls < 3 {
					return nil, executor.Retryable("UPSTREAM_TIMEOUT", errors.New("timeout"))
				}
				return "ok", nil
			}),
		}
	})

	p := testutil.NewPlanBuilder("p").Task("a", "flaky").Retry(3, 1, 2).Build()
	p.Tasks[0].RetryPolicy.Jitter = true

	res, err := ex.Run(context.Background(), goal, orderPacket(t), p)
	require.NoError(t, err)

	assert.Equal(t, "ok", res.Outputs["a"])
	assert.Equal(t, 2, res.Metrics.Retries)
	assert.Equal(t, []time.Duration{1250 * time.Millisecond, 2500 * time.Millisecond}, delays)

	end := res.Ledger[len(res.Ledger)-1]
	assert.Equal(t, ledger.TaskEnd, end.Type)
	assert.Equal(t, 3.0, end.Details["attempts"])
}

func TestRun_RetryLimits(t *testing.T) {
	tests := []struct {
		name     string
		policy   *plan.RetryPolicy
		code     string
		attempts int
	}{
		{name: "exhausted", policy: &plan.RetryPolicy{MaxAttempts: 2}, code: "BUSY", attempts: 2},
		{name: "code not retryable", policy: &plan.RetryPolicy{MaxAttempts: 5, RetryOn: []string{"BUSY"}}, code: "BAD_INPUT", attempts: 1},
		{name: "no policy", code: "BUSY", attempts: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			ex := newExecutor(func(o *executor.Options) {
				o.Capabilities = map[string]executor.Capability{
					"fail": executor.CapabilityFunc(func(context.Context, *executor.TaskContext) (any, error) {
						calls++
						return nil, executor.Retryable(tt.code, errors.New("nope"))
					}),
				}
			})

			p := testutil.NewPlanBuilder("p").Task("a", "fail").Build()
			p.Tasks[0].RetryPolicy = tt.policy

			res, err := ex.Run(context.Background(), goal, orderPacket(t), p)
			require.ErrorIs(t, err, executor.ErrRunHalted)

			var te *executor.TaskError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, executor.ClassRetryable, te.Class)
			assert.Equal(t, tt.code, te.Code)

			assert.Equal(t, tt.attempts, calls)
			assert.Equal(t, executor.RunFailed, res.Status)
			assert.Equal(t, "a", res.Failure.TaskID)
		})
	}
}

func TestRun_GuardsSelectBranch(t *testing.T) {
	ex := newExecutor()

	p := testutil.NewPlanBuilder("branch").
		Task("check", "echo").Input(map[string]any{"amount": 150}).
		Task("approve", "echo").Input(map[string]any{"path": "manual"}).
		Task("auto", "echo").Input(map[string]any{"path": "auto"}).
		Task("notify", "echo").Input(map[string]any{"sent": true}).
		Guarded("check", "approve", "outputs.check.amount > 100").
		Guarded("check", "auto", "outputs.check.amount <= 100 && context.orderId == 'O123'").
		Edge("approve", "notify").
		Edge("auto", "notify").
		Build()

	res, err := ex.Run(context.Background(), goal, orderPacket(t), p)
	require.NoError(t, err)

	assert.Equal(t, map[string]executor.TaskStatus{
		"check":   executor.StatusCompleted,
		"approve": executor.StatusCompleted,
		"auto":    executor.StatusSkipped,
		"notify":  executor.StatusCompleted,
	}, res.TaskStatus)
	assert.Equal(t, 1, res.Metrics.TasksSkipped)
	assert.Equal(t, 2, countType(res.Ledger, ledger.GuardEval))

	var taken, notTaken int
	for _, e := range res.Ledger {
		if e.Type != ledger.BranchTaken {
			continue
		}
		if e.Details["taken"] == true {
			taken++
		} else {
			notTaken++
		}
	}

	assert.Equal(t, 2, taken)    // check->approve, approve->notify
	assert.Equal(t, 2, notTaken) // check->auto, auto->notify
}

func TestRun_FatalErrorRoutesToHandler(t *testing.T) {
	ex := newExecutor(func(o *executor.Options) {
		o.Capabilities = map[string]executor.Capability{
			"charge": executor.CapabilityFunc(func(context.Context, *executor.TaskContext) (any, error) {
				return nil, errors.New("card declined")
			}),
		}
	})

	p := testutil.NewPlanBuilder("p").
		Task("charge", "charge").
		Task("ship", "echo").Input(map[string]any{"ok": true}).
		Task("apologize", "echo").Input(map[string]any{"sorry": true}).
		Edge("charge", "ship").
		OnError("charge", "apologize", plan.OnErrorAny).
		Build()

	res, err := ex.Run(context.Background(), goal, orderPacket(t), p)
	require.NoError(t, err)

	assert.Equal(t, executor.RunCompleted, res.Status)
	assert.Equal(t, executor.StatusFailed, res.TaskStatus["charge"])
	assert.Equal(t, executor.StatusSkipped, res.TaskStatus["ship"])
	assert.Equal(t, executor.StatusCompleted, res.TaskStatus["apologize"])
	assert.Equal(t, 1, countType(res.Ledger, ledger.Error))
}

func TestRun_CompensationRoute(t *testing.T) {
	ex := newExecutor(func(o *executor.Options) {
		o.Capabilities = map[string]executor.Capability{
			"refund": executor.CapabilityFunc(func(context.Context, *executor.TaskContext) (any, error) {
				return nil, executor.NeedsCompensation("PARTIAL_REFUND", errors.New("ledger out of sync"))
			}),
		}
	})

	p := testutil.NewPlanBuilder("p").
		Task("refund", "refund").
		Task("fatal-handler", "echo").Input(map[string]any{"x": 1}).
		Task("reverse", "echo").Input(map[string]any{"reverse": true}).
		OnError("refund", "fatal-handler", plan.OnErrorFatal).
		OnError("refund", "reverse", plan.OnErrorCompensation).
		Build()

	res, err := ex.Run(context.Background(), goal, orderPacket(t), p)
	require.NoError(t, err)

	assert.Equal(t, executor.StatusCompleted, res.TaskStatus["reverse"])
	assert.Equal(t, executor.StatusSkipped, res.TaskStatus["fatal-handler"])
	assert.Equal(t, 1, res.Metrics.Compensations)

	var comp ledger.Entry
	for _, e := range res.Ledger {
		if e.Type == ledger.Compensation {
			comp = e
		}
	}
	assert.Equal(t, "PARTIAL_REFUND", comp.Details["code"])
	assert.Equal(t, []any{"reverse"}, comp.Details["handlers"])
}

func TestRun_UnroutedFailureHaltsAndStaysHalted(t *testing.T) {
	ex := newExecutor(func(o *executor.Options) {
		o.Capabilities = map[string]executor.Capability{
			"boom": executor.CapabilityFunc(func(context.Context, *executor.TaskContext) (any, error) {
				return nil, executor.Fatal("INVALID_ORDER", errors.New("order closed"))
			}),
		}
	})

	p := testutil.NewPlanBuilder("p").Task("a", "boom").Task("b", "echo").Edge("a", "b").Build()

	res, err := ex.Run(context.Background(), goal, orderPacket(t), p, func(o *executor.RunOptions) { o.RunID = "halt" })
	require.ErrorIs(t, err, executor.ErrRunHalted)
	assert.Equal(t, "INVALID_ORDER", res.Failure.Code)
	assert.NotContains(t, res.TaskStatus, "b")

	again, err := ex.Resume(context.Background(), "halt", "")
	require.ErrorIs(t, err, executor.ErrRunHalted)
	assert.Equal(t, executor.RunFailed, again.Status)
}

func TestRun_IdempotencyKeyDeduplicates(t *testing.T) {
	c := newCounter()
	ex := newExecutor(func(o *executor.Options) {
		o.Capabilities = map[string]executor.Capability{
			"charge": executor.CapabilityFunc(func(_ context.Context, tc *executor.TaskContext) (any, error) {
				c.inc(tc.IdemKey)
				return map[string]any{"charged": tc.Input["amount"]}, nil
			}),
		}
	})

	p := testutil.NewPlanBuilder("p").
		Task("charge", "charge").Input(map[string]any{"amount": 10}).
		Task("charge-again", "charge").Input(map[string]any{"amount": 10}).
		Edge("charge", "charge-again").
		Build()
	p.Tasks[0].IdemKey = "charge-O123"
	p.Tasks[1].IdemKey = "charge-O123"

	res, err := ex.Run(context.Background(), goal, orderPacket(t), p)
	require.NoError(t, err)

	assert.Equal(t, 1, c.get("charge-O123"))
	assert.Equal(t, 1, res.Metrics.Deduplicated)
	assert.Equal(t, res.Outputs["charge"], res.Outputs["charge-again"])
}

func TestRun_IdempotencyKeyDeduplicatesWithinParallelBatch(t *testing.T) {
	c := newCounter()
	ex := newExecutor(func(o *executor.Options) {
		o.MaxParallel = 2
		o.Capabilities = map[string]executor.Capability{
			"refund": executor.CapabilityFunc(func(_ context.Context, tc *executor.TaskContext) (any, error) {
				c.inc(tc.IdemKey)
				return map[string]any{"refunded": tc.Input["amount"]}, nil
			}),
		}
	})

	p := testutil.NewPlanBuilder("p").
		Task("a", "refund").Input(map[string]any{"amount": 10}).
		Task("b", "refund").Input(map[string]any{"amount": 10}).
		Build()
	p.Tasks[0].IdemKey = "refund-O123"
	p.Tasks[1].IdemKey = "refund-O123"

	res, err := ex.Run(context.Background(), goal, orderPacket(t), p)
	require.NoError(t, err)

	assert.Equal(t, executor.RunCompleted, res.Status)
	assert.Equal(t, 1, c.get("refund-O123"))
	assert.Equal(t, 1, res.Metrics.Deduplicated)
	assert.Equal(t, res.Outputs["a"], res.Outputs["b"])
}

func TestRun_Policy(t *testing.T) {
	t.Run("plan.admit deny", func(t *testing.T) {
		rules, err := policy.ParseRules([]byte(`
default: allow
rules:
  - action: plan.admit
    when: len(plan.tasks) > 1
    allow: false
    reason: plan too large
`))
		require.NoError(t, err)

		ex := newExecutor(func(o *executor.Options) { o.Policy = rules })

		p := testutil.NewPlanBuilder("p").Chain("echo", "a", "b").Build()

		res, err := ex.Run(context.Background(), goal, orderPacket(t), p)
		require.ErrorIs(t, err, executor.ErrPolicyDenied)
		assert.Empty(t, res.Executed)
		assert.Equal(t, []ledger.EntryType{ledger.PolicyDecision}, types(res.Ledger))
	})

	t.Run("task.pre deny", func(t *testing.T) {
		ex := newExecutor(func(o *executor.Options) {
			o.Policy = policy.Func(func(_ context.Context, action core.PolicyAction, payload map[string]any) (core.PolicyDecision, error) {
				task, _ := payload["task"].(map[string]any)
				if action == core.PolicyTaskPre && task["id"] == "b" {
					return core.PolicyDecision{Allow: false, Reason: "b is frozen"}, nil
				}
				return core.PolicyDecision{Allow: true}, nil
			})
		})

		p := testutil.NewPlanBuilder("p").Chain("echo", "a", "b").Build()

		res, err := ex.Run(context.Background(), goal, orderPacket(t), p)
		require.ErrorIs(t, err, executor.ErrRunHalted)
		assert.Equal(t, executor.CodePolicyDenied, res.Failure.Code)
		assert.Equal(t, []string{"a"}, res.Executed)
	})

	t.Run("policy results feed guards", func(t *testing.T) {
		ex := newExecutor()

		p := testutil.NewPlanBuilder("p").
			Task("a", "echo").Input(map[string]any{"v": 1}).
			Task("b", "echo").Input(map[string]any{"v": 2}).
			Guarded("a", "b", "policy.pre.a.allow && policy.admit.allow").
			Build()

		res, err := ex.Run(context.Background(), goal, orderPacket(t), p)
		require.NoError(t, err)
		assert.Equal(t, executor.StatusCompleted, res.TaskStatus["b"])
	})
}

func TestRun_ParallelReadyTasks(t *testing.T) {
	var started sync.WaitGroup
	started.Add(3)

	ex := newExecutor(func(o *executor.Options) {
		o.MaxParallel = 3
		o.Capabilities = map[string]executor.Capability{
			"fan": executor.CapabilityFunc(func(ctx context.Context, tc *executor.TaskContext) (any, error) {
				started.Done()

				done := make(chan struct{})
				go func() {
					started.Wait()
					close(done)
				}()

				select {
				case <-done:
					return tc.Task.ID, nil
				case <-time.After(5 * time.Second):
					return nil, errors.New("tasks did not run concurrently")
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}),
		}
	})

	p := testutil.NewPlanBuilder("fan").
		Task("x", "fan").Task("y", "fan").Task("z", "fan").
		Task("join", "echo").Input(map[string]any{"joined": true}).
		Edge("x", "join").Edge("y", "join").Edge("z", "join").
		Build()

	res, err := ex.Run(context.Background(), goal, orderPacket(t), p)
	require.NoError(t, err)

	assert.Equal(t, []string{"x", "y", "z", "join"}, res.Executed)
	require.NoError(t, ledger.Validate(res.Ledger))
}

func supportProfile(hooks nucleus.Hooks) map[string]executor.NucleusProfile {
	return map[string]executor.NucleusProfile{
		"support": {Intent: "answer the refund question", Hooks: hooks},
	}
}

func TestRun_NucleusTaskRetrievesAndDerivesPacket(t *testing.T) {
	mem := memory.NewInMemoryStore()
	require.NoError(t, mem.Store("kb", "Refunds are accepted within 30 days", nil))

	adapter, err := provider.New([]provider.Binding{{
		Tool:        memory.NewSearchTool(mem, func(o *memory.SearchOptions) { o.Namespace = "kb"; o.ArtifactType = "refund_policy" }),
		AutoPromote: true,
	}})
	require.NoError(t, err)

	llm := model.NewMockModel("mock", "mock").OnGenerate(func(req model.Request, _ int) (*model.Response, error) {
		switch {
		case strings.Contains(req.Prompt, "Stage: preflight") && req.HasTool(nucleus.RetrievalToolName):
			resp := testutil.NewResponseBuilder().Retrieve("memory_search: refund").Build()
			return &resp, nil
		case strings.Contains(req.Prompt, "Stage: preflight"):
			return &model.Response{Reasoning: "READY"}, nil
		default:
			return &model.Response{Reasoning: "Refund is within the 30 day window."}, nil
		}
	})

	ex := newExecutor(func(o *executor.Options) {
		o.Model = llm
		o.Provider = adapter
		o.Profiles = supportProfile(nucleus.Hooks{Preflight: true})
	})

	pkt := orderPacket(t)
	p := testutil.NewPlanBuilder("support").
		Task("answer", executor.NucleusCapability).Input(map[string]any{"instruction": "Can O123 be refunded?"}).Nucleus("support").
		Build()

	res, err := ex.Run(context.Background(), goal, pkt, p)
	require.NoError(t, err)

	out := res.Outputs["answer"].(map[string]any)
	assert.Equal(t, "Refund is within the 30 day window.", out["reasoning"])

	assert.Equal(t, 2, res.Context.Version())
	assert.Equal(t, pkt.ID(), res.Context.Parent())
	require.Len(t, res.Context.Augmentations(), 1)
	assert.Equal(t, "refund_policy", res.Context.Augmentations()[0].Type)

	assert.Equal(t, 3, res.Metrics.ModelCalls)
	assert.Positive(t, res.Metrics.EstimatedTokens)
	assert.Equal(t, 3, countType(res.Ledger, ledger.NucleusInference))

	var derived bool
	for _, e := range res.Ledger {
		if e.Type == ledger.ContextInternalized && e.Details["action"] == "packet_derived" {
			derived = true
			assert.Equal(t, res.Context.ID(), e.Details["to"])
		}
	}
	assert.True(t, derived)
}

func TestRun_NucleusTaskWithoutProviderNeedsContext(t *testing.T) {
	llm := model.NewMockModel("mock", "mock").OnGenerate(func(model.Request, int) (*model.Response, error) {
		resp := testutil.NewResponseBuilder().Retrieve("crm: payment history").Build()
		return &resp, nil
	})

	ex := newExecutor(func(o *executor.Options) {
		o.Model = llm
		o.Profiles = supportProfile(nucleus.Hooks{Preflight: true})
	})

	p := testutil.NewPlanBuilder("p").Task("answer", executor.NucleusCapability).Nucleus("support").Build()

	res, err := ex.Run(context.Background(), goal, orderPacket(t), p)
	require.ErrorIs(t, err, executor.ErrRunHalted)
	assert.Equal(t, executor.CodeNeedsContext, res.Failure.Code)
}

func TestRun_PostcheckRequestsCompensation(t *testing.T) {
	llm := model.NewMockModel("mock", "mock").OnGenerate(func(req model.Request, _ int) (*model.Response, error) {
		if strings.Contains(req.Prompt, "Stage: postcheck") {
			resp := testutil.NewResponseBuilder().Call(nucleus.CompensationSignal, map[string]any{"reason": "amount exceeds limit"}).Build()
			return &resp, nil
		}
		return &model.Response{Reasoning: "Refund issued."}, nil
	})

	ex := newExecutor(func(o *executor.Options) {
		o.Model = llm
		o.Profiles = supportProfile(nucleus.Hooks{Postcheck: true})
	})

	p := testutil.NewPlanBuilder("p").
		Task("refund", executor.NucleusCapability).Nucleus("support").
		Task("undo", "echo").Input(map[string]any{"undo": true}).
		OnError("refund", "undo", plan.OnErrorCompensation).
		Build()

	res, err := ex.Run(context.Background(), goal, orderPacket(t), p)
	require.NoError(t, err)

	assert.Equal(t, executor.StatusFailed, res.TaskStatus["refund"])
	assert.Equal(t, executor.StatusCompleted, res.TaskStatus["undo"])
	assert.Equal(t, 1, countType(res.Ledger, ledger.Compensation))
}

func TestRun_PolicyLimitsTightenQueryRounds(t *testing.T) {
	run := func(t *testing.T, limits map[string]any) int {
		llm := model.NewMockModel("mock", "mock").OnGenerate(func(req model.Request, _ int) (*model.Response, error) {
			if req.HasTool(nucleus.QueryContextToolName) {
				resp := testutil.NewResponseBuilder().Query("list").Build()
				return &resp, nil
			}
			return &model.Response{Reasoning: "done"}, nil
		})

		ex := newExecutor(func(o *executor.Options) {
			o.Model = llm
			o.Profiles = supportProfile(nucleus.Hooks{})
			o.Policy = policy.Func(func(_ context.Context, action core.PolicyAction, _ map[string]any) (core.PolicyDecision, error) {
				if action == core.PolicyTaskPre {
					return core.PolicyDecision{Allow: true, Limits: limits}, nil
				}
				return core.PolicyDecision{Allow: true}, nil
			})
		})

		p := testutil.NewPlanBuilder("p").Task("answer", executor.NucleusCapability).Nucleus("support").Build()

		_, err := ex.Run(context.Background(), goal, orderPacket(t), p)
		require.NoError(t, err)

		return llm.Calls()
	}

	assert.Equal(t, nucleus.DefaultMaxQueryRounds+1, run(t, nil))
	assert.Equal(t, 2, run(t, map[string]any{executor.LimitMaxQueryRounds: 1}))
}

func TestRun_ModelCallLimit(t *testing.T) {
	llm := model.NewMockModel("mock", "mock")

	ex := newExecutor(func(o *executor.Options) {
		o.Model = llm
		o.MaxModelCalls = 1
		o.Profiles = supportProfile(nucleus.Hooks{Preflight: true})
	})

	p := testutil.NewPlanBuilder("p").Task("answer", executor.NucleusCapability).Nucleus("support").Build()

	res, err := ex.Run(context.Background(), goal, orderPacket(t), p)
	require.ErrorIs(t, err, executor.ErrRunHalted)
	assert.Contains(t, res.Failure.Message, core.ErrModelCallLimit.Error())
	assert.Equal(t, 1, llm.Calls())
}

func TestRun_CallbacksObserveRecordedEntries(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []ledger.EntryType
		ends []string
	)

	ex := newExecutor(func(o *executor.Options) {
		o.Callbacks = []executor.Callback{
			func(runID string, e ledger.Entry) {
				assert.Equal(t, "cb", runID)

				mu.Lock()
				defer mu.Unlock()
				seen = append(seen, e.Type)
			},
			executor.EntryFilter(func(_ string, e ledger.Entry) {
				mu.Lock()
				defer mu.Unlock()
				ends = append(ends, e.Details["task"].(string))
			}, ledger.TaskEnd),
		}
	})

	p := testutil.NewPlanBuilder("p").Chain(executor.EchoCapability, "a", "b").Build()

	res, err := ex.Run(context.Background(), goal, orderPacket(t), p, func(o *executor.RunOptions) { o.RunID = "cb" })
	require.NoError(t, err)

	assert.Equal(t, types(res.Ledger), seen)
	assert.Equal(t, []string{"a", "b"}, ends)

	// Restored entries are not replayed on resume.
	seen = nil

	_, err = ex.Resume(context.Background(), "cb", "")
	require.NoError(t, err)
	assert.Empty(t, seen)
}
