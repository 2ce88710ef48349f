package core

import (
	"context"

	"github.com/hupe1980/agentplan/logging"
)

// ToolContext is the surface handed to tool implementations. It carries the
// cancellation context, correlation identifiers and a non-nil logger.
type ToolContext struct {
	ctx            context.Context
	functionCallID string
	runID          string
	taskID         string
	logger         logging.Logger
}

// NewToolContext constructs a tool context for one call.
func NewToolContext(ctx context.Context, functionCallID string, logger logging.Logger) *ToolContext {
	if ctx == nil {
		ctx = context.Background()
	}

	if logger == nil {
		logger = logging.NoOpLogger{}
	}

	return &ToolContext{
		ctx:            ctx,
		functionCallID: functionCallID,
		logger:         logger,
	}
}

// WithRun returns a copy bound to the given run and task.
func (tc *ToolContext) WithRun(runID, taskID string) *ToolContext {
	cp := *tc
	cp.runID = runID
	cp.taskID = taskID
	return &cp
}

// Context returns the context associated with the tool invocation.
func (tc *ToolContext) Context() context.Context { return tc.ctx }

// FunctionCallID correlates the model's call with the tool execution.
func (tc *ToolContext) FunctionCallID() string { return tc.functionCallID }

// RunID returns the plan run identifier, if any.
func (tc *ToolContext) RunID() string { return tc.runID }

// TaskID returns the task identifier, if any.
func (tc *ToolContext) TaskID() string { return tc.taskID }

// Logger returns the invocation logger, tagged with runId and taskId once the
// context is bound to a run.
func (tc *ToolContext) Logger() logging.Logger {
	if tc.runID == "" {
		return tc.logger
	}

	return logging.With(tc.logger, "runId", tc.runID, "taskId", tc.taskID)
}
