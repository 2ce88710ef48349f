package artifact

import (
	"sync"

	"github.com/hupe1980/agentplan/core"
)

type scopeBucket struct {
	order []string
	items map[string]core.Artifact
}

// InMemoryStore is a trivial in‑process ArtifactStore implementation useful
// for tests, examples and single‑process runs. Artifacts are copied on save
// and retrieval so callers cannot mutate stored provenance.
//
// Layout: scopeID -> artifactID -> artifact, plus insertion order per scope.
type InMemoryStore struct {
	mu     sync.RWMutex
	scopes map[string]*scopeBucket
}

var _ core.ArtifactStore = (*InMemoryStore)(nil)

// NewInMemoryStore returns an empty in‑memory artifact store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{scopes: make(map[string]*scopeBucket)}
}

// Save stores (or overwrites) the artifact for the given scope. Overwrites
// keep the original insertion position.
func (s *InMemoryStore) Save(scopeID string, a core.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.scopes[scopeID]
	if !ok {
		b = &scopeBucket{items: make(map[string]core.Artifact)}
		s.scopes[scopeID] = b
	}

	if _, exists := b.items[a.ID]; !exists {
		b.order = append(b.order, a.ID)
	}

	b.items[a.ID] = copyArtifact(a)

	return nil
}

// Get returns a copy of the stored artifact or ErrNotFound.
func (s *InMemoryStore) Get(scopeID, artifactID string) (core.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.scopes[scopeID]
	if !ok {
		return core.Artifact{}, ErrNotFound
	}

	a, ok := b.items[artifactID]
	if !ok {
		return core.Artifact{}, ErrNotFound
	}

	return copyArtifact(a), nil
}

// List returns the scope's artifacts in insertion order.
func (s *InMemoryStore) List(scopeID string) ([]core.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.scopes[scopeID]
	if !ok {
		return []core.Artifact{}, nil
	}

	out := make([]core.Artifact, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, copyArtifact(b.items[id]))
	}

	return out, nil
}

// Delete removes the artifact if present or returns ErrNotFound.
func (s *InMemoryStore) Delete(scopeID, artifactID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.scopes[scopeID]
	if !ok {
		return ErrNotFound
	}

	if _, ok := b.items[artifactID]; !ok {
		return ErrNotFound
	}

	delete(b.items, artifactID)

	for i, id := range b.order {
		if id == artifactID {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}

	return nil
}

func copyArtifact(a core.Artifact) core.Artifact {
	if a.Provenance != nil {
		prov := make(map[string]any, len(a.Provenance))
		for k, v := range a.Provenance {
			prov[k] = v
		}
		a.Provenance = prov
	}
	return a
}
