package executor

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/hupe1980/agentplan/plan"
)

// Verifier checks a task output. Returning a *TaskError selects the failure
// class; any other error is a fatal VERIFICATION_FAILED.
type Verifier interface {
	Verify(ctx context.Context, task plan.TaskSpec, output any) error
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, task plan.TaskSpec, output any) error

// Verify implements Verifier.
func (f VerifierFunc) Verify(ctx context.Context, task plan.TaskSpec, output any) error {
	return f(ctx, task, output)
}

// Built-in verifier names.
const (
	NonEmptyVerifier = "non_empty"
	NoErrorVerifier  = "no_tool_errors"
)

// ErrEmptyOutput is reported by the non_empty verifier.
var ErrEmptyOutput = errors.New("task output is empty")

// NonEmpty fails for nil, empty strings, empty maps and empty slices.
func NonEmpty() Verifier {
	return VerifierFunc(func(_ context.Context, _ plan.TaskSpec, output any) error {
		if output == nil {
			return ErrEmptyOutput
		}

		v := reflect.ValueOf(output)
		switch v.Kind() {
		case reflect.String, reflect.Map, reflect.Slice, reflect.Array:
			if v.Len() == 0 {
				return ErrEmptyOutput
			}
		}

		return nil
	})
}

// NoToolErrors fails when a nucleus.invoke output reports a failed tool call.
// The failure is retryable.
func NoToolErrors() Verifier {
	return VerifierFunc(func(_ context.Context, _ plan.TaskSpec, output any) error {
		m, ok := output.(map[string]any)
		if !ok {
			return nil
		}

		calls, _ := m["toolCalls"].([]any)
		for _, c := range calls {
			call, _ := c.(map[string]any)
			if msg, ok := call["error"].(string); ok && msg != "" {
				return Retryable("TOOL_ERROR", fmt.Errorf("tool %v: %s", call["name"], msg))
			}
		}

		return nil
	})
}
