package executor

import (
	"context"
	"errors"
	"fmt"
)

// ErrorClass classifies task failures.
type ErrorClass string

// Failure classes.
const (
	ClassRetryable    ErrorClass = "RETRYABLE_ERROR"
	ClassFatal        ErrorClass = "FATAL_ERROR"
	ClassCompensation ErrorClass = "COMPENSATION_REQUIRED"
)

// Failure codes raised by the executor itself.
const (
	CodePolicyDenied       = "POLICY_DENIED"
	CodeNeedsContext       = "NEEDS_CONTEXT"
	CodeVerificationFailed = "VERIFICATION_FAILED"
	CodeEscalation         = "ESCALATION_REQUIRED"
	CodeCompensation       = "COMPENSATION_REQUESTED"
	CodeUnclassified       = "UNCLASSIFIED"
)

var (
	// ErrRunHalted is returned when a fatal failure had no error route.
	ErrRunHalted = errors.New("run halted")

	// ErrPolicyDenied is returned when plan.admit denies the plan.
	ErrPolicyDenied = errors.New("plan denied by policy")

	// ErrUnknownCapability is returned for tasks referencing an unregistered capability.
	ErrUnknownCapability = errors.New("unknown capability")

	// ErrUnknownVerifier is returned for unregistered verification refs.
	ErrUnknownVerifier = errors.New("unknown verifier")

	// ErrUnknownProfile is returned for unregistered nucleus refs.
	ErrUnknownProfile = errors.New("unknown nucleus profile")

	// ErrContextMismatch is returned when a plan is bound to another packet.
	ErrContextMismatch = errors.New("plan context ref does not match packet")

	// ErrCheckpointNotFound is returned by Resume when no checkpoint exists.
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// ErrCheckpointVersion is returned by Resume for incompatible checkpoints.
	ErrCheckpointVersion = errors.New("unsupported checkpoint version")

	// ErrNoModel is returned when a task needs a Nucleus but no model is configured.
	ErrNoModel = errors.New("no model configured")
)

// TaskError is a classified task failure.
type TaskError struct {
	Class   ErrorClass
	Code    string
	Message string
	Err     error
}

func (e *TaskError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}

	return fmt.Sprintf("%s [%s]: %s", e.Class, e.Code, msg)
}

// Unwrap returns the underlying error.
func (e *TaskError) Unwrap() error { return e.Err }

// Retryable wraps err as a RETRYABLE_ERROR.
func Retryable(code string, err error) *TaskError {
	return &TaskError{Class: ClassRetryable, Code: code, Err: err}
}

// Fatal wraps err as a FATAL_ERROR.
func Fatal(code string, err error) *TaskError {
	return &TaskError{Class: ClassFatal, Code: code, Err: err}
}

// NeedsCompensation wraps err as COMPENSATION_REQUIRED.
func NeedsCompensation(code string, err error) *TaskError {
	return &TaskError{Class: ClassCompensation, Code: code, Err: err}
}

// Classify returns err as a *TaskError, treating unknown errors as fatal.
func Classify(err error) *TaskError {
	var te *TaskError
	if errors.As(err, &te) {
		return te
	}

	return Fatal(CodeUnclassified, err)
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
