package plan

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidPlan is wrapped by *ValidationError.
	ErrInvalidPlan = errors.New("invalid plan")

	// ErrCycle is reported when the task graph is not acyclic.
	ErrCycle = errors.New("plan contains a cycle")

	// ErrGuard is returned for guards that fail to compile or evaluate, or
	// do not yield a boolean.
	ErrGuard = errors.New("guard error")
)

// ValidationError collects every problem found in a plan.
type ValidationError struct {
	PlanID   string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %q: %s", ErrInvalidPlan, e.PlanID, strings.Join(e.Problems, "; "))
}

// Unwrap returns ErrInvalidPlan.
func (e *ValidationError) Unwrap() error { return ErrInvalidPlan }
