package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/agentplan/core"
	"github.com/hupe1980/agentplan/internal/util"
	"github.com/hupe1980/agentplan/ledger"
	"github.com/hupe1980/agentplan/model"
	"github.com/hupe1980/agentplan/tool"
)

// toolCallResult is recorded per executed call.
type toolCallResult struct {
	Name   string         `json:"name"`
	Args   map[string]any `json:"args"`
	Result any            `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// executeToolCalls runs model-requested tool calls, at most maxParallel at a
// time, and returns their results in call order. Each call is recorded as a
// TOOL_CALL entry. Tool failures are reported in the result; a *TaskError
// returned by a tool aborts the batch.
func executeToolCalls(ctx context.Context, tc *TaskContext, tools []tool.Tool, calls []model.ToolCall, maxParallel int) ([]any, error) {
	registry := tool.NewRegistry(tools...)

	n := len(calls)

	if maxParallel <= 0 || maxParallel > n {
		maxParallel = n
	}

	results := make([]toolCallResult, n)
	errs := make([]error, n)

	var g errgroup.Group
	g.SetLimit(maxParallel)

	batchStart := time.Now()

	for i := range calls {
		if ctx.Err() != nil {
			break
		}

		g.Go(func() error {
			results[i], errs[i] = runToolCall(ctx, tc, registry, calls[i])
			return nil
		})
	}

	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tc.Logger.Debug("executor.toolcalls.batch.complete",
		"task", tc.Task.ID, "count", n, "parallelism", maxParallel, "duration_ms", time.Since(batchStart).Milliseconds())

	out := make([]any, 0, n)

	for i, r := range results {
		if errs[i] != nil {
			return nil, errs[i]
		}

		details := map[string]any{
			"tool":        r.Name,
			"taskId":      tc.Task.ID,
			"attempt":     tc.Attempt,
			"inputDigest": util.MustDigest(r.Args),
		}

		if r.Error != "" {
			details["error"] = r.Error
		} else if d, err := util.Digest(r.Result); err == nil {
			details["outputDigest"] = d
		}

		if _, err := tc.Ledger.Append(ledger.ToolCall, details); err != nil {
			return nil, err
		}

		out = append(out, r)
	}

	return out, nil
}

func runToolCall(ctx context.Context, tc *TaskContext, registry *tool.Registry, c model.ToolCall) (res toolCallResult, err error) {
	res.Name = c.Function.Name

	args, err := c.Args()
	if err != nil {
		res.Args = map[string]any{}
		res.Error = err.Error()
		return res, nil
	}

	if args == nil {
		args = map[string]any{}
	}

	res.Args = args

	toolCtx := core.NewToolContext(ctx, c.ID, tc.Logger).WithRun(tc.RunID, tc.Task.ID)

	var out any

	func() { // panic safety
		defer func() {
			if r := recover(); r != nil {
				tc.Logger.Error("executor.tool.panic", "tool", c.Function.Name, "recover", r, "stack", string(debug.Stack()))
				err = fmt.Errorf("tool %s panicked: %v", c.Function.Name, r)
			}
		}()

		out, err = registry.Call(toolCtx, c.Function.Name, args)
	}()

	if err != nil {
		var te *TaskError
		if errors.As(err, &te) {
			return res, te
		}

		res.Error = err.Error()

		return res, nil
	}

	norm, err := util.Normalize(out)
	if err != nil {
		res.Error = err.Error()
		return res, nil
	}

	res.Result = norm

	return res, nil
}
