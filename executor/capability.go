package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hupe1980/agentplan/internal/util"
	"github.com/hupe1980/agentplan/ledger"
	"github.com/hupe1980/agentplan/logging"
	"github.com/hupe1980/agentplan/nucleus"
	"github.com/hupe1980/agentplan/packet"
	"github.com/hupe1980/agentplan/plan"
	"github.com/hupe1980/agentplan/scope"
)

// Built-in capability names.
const (
	EchoCapability    = "echo"
	NucleusCapability = "nucleus.invoke"
)

// Capability executes the body of a task.
type Capability interface {
	Execute(ctx context.Context, tc *TaskContext) (any, error)
}

// CapabilityFunc adapts a function to Capability.
type CapabilityFunc func(ctx context.Context, tc *TaskContext) (any, error)

// Execute implements Capability.
func (f CapabilityFunc) Execute(ctx context.Context, tc *TaskContext) (any, error) { return f(ctx, tc) }

// TaskContext is handed to a capability for one attempt.
type TaskContext struct {
	RunID   string
	Task    plan.TaskSpec
	Attempt int

	// IdemKey is stable across retries and resumes; pass it to side-effecting
	// systems that support idempotency keys.
	IdemKey string

	Input   map[string]any
	Packet  *packet.Packet
	Outputs map[string]any

	// Nucleus is set when the task has a nucleusRef.
	Nucleus *nucleus.Nucleus
	Scope   *scope.Scope
	Ledger  ledger.Appender
	Logger  logging.Logger

	mu     sync.Mutex
	tokens int
}

// AddEstimatedTokens accounts prompt tokens spent by the capability.
func (tc *TaskContext) AddEstimatedTokens(n int) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	tc.tokens += n
}

func (tc *TaskContext) estimatedTokens() int {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	return tc.tokens
}

// Echo returns the task input unchanged.
func Echo() Capability {
	return CapabilityFunc(func(_ context.Context, tc *TaskContext) (any, error) {
		return tc.Input, nil
	})
}

// InvokeOptions configures the nucleus.invoke capability.
type InvokeOptions struct {
	// ExecuteToolCalls runs the user tool calls returned by the model.
	ExecuteToolCalls bool

	// MaxParallel bounds concurrent tool calls. Zero runs them all at once.
	MaxParallel int
}

// Invoke returns the nucleus.invoke capability: it runs Nucleus.Invoke with
// the task input and, optionally, executes the returned user tool calls.
// An input key "instruction" becomes the request instruction.
func Invoke(optFns ...func(o *InvokeOptions)) Capability {
	opts := InvokeOptions{ExecuteToolCalls: true}
	for _, fn := range optFns {
		fn(&opts)
	}

	return CapabilityFunc(func(ctx context.Context, tc *TaskContext) (any, error) {
		if tc.Nucleus == nil {
			return nil, Fatal(CodeUnclassified, fmt.Errorf("task %s: %s requires a nucleusRef", tc.Task.ID, NucleusCapability))
		}

		instruction, _ := tc.Input["instruction"].(string)

		res, err := tc.Nucleus.Invoke(ctx, nucleus.Request{Instruction: instruction, Input: tc.Input})
		if err != nil {
			if errors.Is(err, nucleus.ErrInvalidConfig) {
				return nil, Fatal(CodeUnclassified, err)
			}
			return nil, err
		}

		tc.AddEstimatedTokens(res.Metrics.EstimatedTokens)

		if res.NeedsContext {
			return nil, &TaskError{
				Class:   ClassFatal,
				Code:    CodeNeedsContext,
				Message: fmt.Sprintf("unresolved context: %v", res.Directives),
			}
		}

		calls := make([]any, 0, len(res.ToolCalls))

		if opts.ExecuteToolCalls && len(res.ToolCalls) > 0 {
			results, err := executeToolCalls(ctx, tc, tc.Nucleus.Tools(), res.ToolCalls, opts.MaxParallel)
			if err != nil {
				return nil, err
			}

			calls = results
		} else {
			for _, c := range res.ToolCalls {
				args, _ := c.Args()
				calls = append(calls, map[string]any{"name": c.Function.Name, "args": args})
			}
		}

		out := map[string]any{
			"reasoning": res.Reasoning,
			"toolCalls": calls,
			"metrics":   res.Metrics,
		}

		return util.Normalize(out)
	})
}
