package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/agentplan/core"
)

// InMemoryStore keeps checkpoints in process memory.
type InMemoryStore struct {
	mu   sync.RWMutex
	runs map[string][]*core.Checkpoint
	now  func() time.Time
}

var _ core.CheckpointStore = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{runs: map[string][]*core.Checkpoint{}, now: time.Now}
}

// Put stores a copy of cp.
func (s *InMemoryStore) Put(ctx context.Context, cp *core.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.runs[cp.RunID]
	for _, c := range list {
		if c.ID == cp.ID {
			return fmt.Errorf("%w: %s", ErrDuplicate, cp.ID)
		}
	}

	list = append(list, clone(cp))
	sort.SliceStable(list, func(i, j int) bool { return list[i].Seq < list[j].Seq })
	s.runs[cp.RunID] = list

	return nil
}

// Get returns the checkpoint with id, or the latest when id is empty.
func (s *InMemoryStore) Get(ctx context.Context, runID, id string) (*core.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.runs[runID]
	if len(list) == 0 {
		return nil, nil
	}

	if id == "" {
		return clone(list[len(list)-1]), nil
	}

	for _, c := range list {
		if c.ID == id {
			return clone(c), nil
		}
	}

	return nil, nil
}

// List returns the run's checkpoints by ascending Seq.
func (s *InMemoryStore) List(ctx context.Context, runID string) ([]*core.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.runs[runID]
	out := make([]*core.Checkpoint, 0, len(list))

	for _, c := range list {
		out = append(out, clone(c))
	}

	return out, nil
}

// Prune deletes checkpoints selected by policy.
func (s *InMemoryStore) Prune(ctx context.Context, runID string, policy core.PrunePolicy) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.runs[runID]
	drop := core.SelectPrunable(list, policy, s.now())

	if len(drop) == 0 {
		return 0, nil
	}

	gone := make(map[string]struct{}, len(drop))
	for _, c := range drop {
		gone[c.ID] = struct{}{}
	}

	kept := list[:0:0]
	for _, c := range list {
		if _, ok := gone[c.ID]; !ok {
			kept = append(kept, c)
		}
	}

	s.runs[runID] = kept

	return len(drop), nil
}

func clone(cp *core.Checkpoint) *core.Checkpoint {
	c := *cp
	c.State = append(json.RawMessage(nil), cp.State...)
	return &c
}
