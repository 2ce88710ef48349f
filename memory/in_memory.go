package memory

import (
	"errors"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"

	"github.com/hupe1980/agentplan/core"
)

// ErrNotFound is returned by Delete for an unknown memory id.
var ErrNotFound = errors.New("memory not found")

type snippet struct {
	id       string
	content  string
	lower    string
	metadata map[string]any
}

// InMemoryStore is a process-local keyword index.
//
// Search lower-cases the query, splits it into terms and scores each snippet
// by the fraction of terms it contains. An empty query matches everything
// with score 1. Ties keep insertion order.
type InMemoryStore struct {
	mu      sync.RWMutex
	spaces  map[string][]snippet
	counter map[string]int
}

var _ core.MemoryStore = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		spaces:  map[string][]snippet{},
		counter: map[string]int{},
	}
}

// Store indexes content under the namespace. Ids are mem_<n>, unique per
// namespace and never reused.
func (m *InMemoryStore) Store(namespace string, content string, metadata map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := fmt.Sprintf("mem_%d", m.counter[namespace])
	m.counter[namespace]++

	m.spaces[namespace] = append(m.spaces[namespace], snippet{
		id:       id,
		content:  content,
		lower:    strings.ToLower(content),
		metadata: maps.Clone(metadata),
	})

	return nil
}

// Search ranks the namespace's snippets against the query terms.
func (m *InMemoryStore) Search(namespace string, query string, limit int) ([]core.SearchResult, error) {
	terms := strings.Fields(strings.ToLower(query))

	m.mu.RLock()
	defer m.mu.RUnlock()

	results := []core.SearchResult{}

	for _, s := range m.spaces[namespace] {
		score := match(s.lower, terms)
		if score == 0 {
			continue
		}

		results = append(results, core.SearchResult{
			ID:       s.id,
			Content:  s.content,
			Score:    score,
			Metadata: maps.Clone(s.metadata),
		})
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}

	return results, nil
}

// Delete drops a snippet from the namespace.
func (m *InMemoryStore) Delete(namespace string, memoryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snippets := m.spaces[namespace]

	for i := range snippets {
		if snippets[i].id == memoryID {
			m.spaces[namespace] = append(snippets[:i:i], snippets[i+1:]...)
			return nil
		}
	}

	return fmt.Errorf("%w: %s/%s", ErrNotFound, namespace, memoryID)
}

func match(content string, terms []string) float64 {
	if len(terms) == 0 {
		return 1
	}

	hits := 0

	for _, t := range terms {
		if strings.Contains(content, t) {
			hits++
		}
	}

	return float64(hits) / float64(len(terms))
}
