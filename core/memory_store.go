package core

// MemoryStore holds the knowledge snippets behind retrieval sources. Each
// source reads from its own namespace. Search ranking is implementation
// defined; results must be ordered best first and are capped at limit when
// limit > 0.
type MemoryStore interface {
	Store(namespace string, content string, metadata map[string]any) error
	Search(namespace string, query string, limit int) ([]SearchResult, error)
	Delete(namespace string, memoryID string) error
}

// SearchResult is one retrieved snippet. Score lies in (0, 1].
type SearchResult struct {
	ID       string         `json:"id"`
	Content  string         `json:"content"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}
