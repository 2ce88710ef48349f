package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrIntegrity signals a digest or chain mismatch.
	ErrIntegrity = errors.New("ledger integrity violation")
	// ErrUnknownType is returned for entry types outside the known set.
	ErrUnknownType = errors.New("unknown ledger entry type")
)

// IntegrityError identifies the first entry that failed validation.
type IntegrityError struct {
	Seq    int64
	ID     string
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("ledger integrity violation at seq %d (%s): %s", e.Seq, e.ID, e.Reason)
}

// Unwrap lets errors.Is match ErrIntegrity.
func (e *IntegrityError) Unwrap() error { return ErrIntegrity }
