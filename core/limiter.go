package core

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// ErrModelCallLimit is returned once a ModelLimiter's budget is spent.
var ErrModelCallLimit = errors.New("model call limit exceeded")

// ModelLimiter counts model calls across every Nucleus of one run. Attempts
// beyond the budget are still counted so metrics show the rejected call.
type ModelLimiter struct {
	max   int64
	calls atomic.Int64
}

// NewModelLimiter returns a limiter allowing max calls. Zero means unlimited.
func NewModelLimiter(max int) *ModelLimiter {
	return &ModelLimiter{max: int64(max)}
}

// Increment records one call attempt.
func (ml *ModelLimiter) Increment() error {
	n := ml.calls.Add(1)
	if ml.max > 0 && n > ml.max {
		return fmt.Errorf("%w: max %d", ErrModelCallLimit, ml.max)
	}

	return nil
}

// Count reports the attempts recorded so far.
func (ml *ModelLimiter) Count() int { return int(ml.calls.Load()) }

// Restore seeds the counter from checkpointed metrics.
func (ml *ModelLimiter) Restore(count int) { ml.calls.Store(int64(count)) }

// Remaining is -1 for an unlimited limiter.
func (ml *ModelLimiter) Remaining() int {
	if ml.max == 0 {
		return -1
	}

	return int(ml.max - ml.calls.Load())
}
