package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/agentplan/internal/util"
)

// CheckpointVersion is the state schema version written by this module.
const CheckpointVersion = 1

// ErrCheckpointCorrupt is returned when a checkpoint's state does not match its digest.
var ErrCheckpointCorrupt = errors.New("checkpoint corrupt")

// Checkpoint is a persisted snapshot of run state. State holds the canonical
// JSON encoding produced by the executor; stores persist it verbatim.
type Checkpoint struct {
	ID        string          `json:"id"`
	RunID     string          `json:"runId"`
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"ts"`
	Version   int             `json:"version"`
	Digest    string          `json:"digest"`
	State     json.RawMessage `json:"state"`
}

// NewCheckpoint seals state bytes into a checkpoint with a digest.
func NewCheckpoint(runID string, seq int64, ts time.Time, state []byte) *Checkpoint {
	return &Checkpoint{
		ID:        fmt.Sprintf("%s-%06d", runID, seq),
		RunID:     runID,
		Seq:       seq,
		Timestamp: ts.UTC(),
		Version:   CheckpointVersion,
		Digest:    util.HashBytes(state),
		State:     append(json.RawMessage(nil), state...),
	}
}

// Verify recomputes the state digest.
func (c *Checkpoint) Verify() error {
	if got := util.HashBytes(c.State); got != c.Digest {
		return fmt.Errorf("%w: %s digest %s, stored %s", ErrCheckpointCorrupt, c.ID, got, c.Digest)
	}
	return nil
}

// PrunePolicy selects checkpoints to delete. The newest KeepLast checkpoints
// always survive; of the rest, those older than MaxAge (or all, when MaxAge
// is zero) are removed.
type PrunePolicy struct {
	KeepLast int           `json:"keepLast" yaml:"keepLast"`
	MaxAge   time.Duration `json:"maxAge" yaml:"maxAge"`
}

// CheckpointStore persists checkpoints per run. Get with an empty id returns
// the latest checkpoint; a missing checkpoint yields (nil, nil).
type CheckpointStore interface {
	Put(ctx context.Context, cp *Checkpoint) error
	Get(ctx context.Context, runID, checkpointID string) (*Checkpoint, error)
	List(ctx context.Context, runID string) ([]*Checkpoint, error)
	Prune(ctx context.Context, runID string, policy PrunePolicy) (int, error)
}

// SelectPrunable applies a PrunePolicy to checkpoints sorted by ascending Seq
// and returns the ones to delete. Shared by store implementations.
func SelectPrunable(sorted []*Checkpoint, policy PrunePolicy, now time.Time) []*Checkpoint {
	keep := policy.KeepLast
	if keep < 0 {
		keep = 0
	}

	if len(sorted) <= keep {
		return nil
	}

	candidates := sorted[:len(sorted)-keep]

	var out []*Checkpoint

	for _, cp := range candidates {
		if policy.MaxAge > 0 && now.Sub(cp.Timestamp) < policy.MaxAge {
			continue
		}
		out = append(out, cp)
	}

	return out
}
