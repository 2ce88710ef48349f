package provider

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnmatched is wrapped by *UnmatchedError.
	ErrUnmatched = errors.New("unmatched retrieval directive")

	// ErrTooManyArtifacts is returned when a binding yields more artifacts
	// than its MaxArtifacts cap.
	ErrTooManyArtifacts = errors.New("too many artifacts")

	// ErrNoScope is returned when Fulfill is called without a scope.
	ErrNoScope = errors.New("fulfill requires a scope")
)

// UnmatchedError lists every directive no binding accepted.
type UnmatchedError struct {
	Directives []string
}

func (e *UnmatchedError) Error() string {
	return fmt.Sprintf("%s: %s", ErrUnmatched, strings.Join(e.Directives, "; "))
}

// Unwrap returns ErrUnmatched.
func (e *UnmatchedError) Unwrap() error { return ErrUnmatched }
