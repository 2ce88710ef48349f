package memory

import (
	"fmt"

	"github.com/hupe1980/agentplan/core"
	"github.com/hupe1980/agentplan/tool"
)

// SearchToolName is the default name of the memory search tool. Retrieval
// directives such as "memory_search: refund policy" match it by prefix.
const SearchToolName = "memory_search"

// SearchOptions configures NewSearchTool.
type SearchOptions struct {
	Name         string
	Namespace    string
	Limit        int
	ArtifactType string
}

// NewSearchTool exposes a MemoryStore as a retrieval tool. It returns one
// artifact spec per hit: {"type", "content", "provenance"}.
func NewSearchTool(store core.MemoryStore, optFns ...func(o *SearchOptions)) tool.Tool {
	opts := SearchOptions{
		Name:         SearchToolName,
		Namespace:    "default",
		Limit:        3,
		ArtifactType: "memory",
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return tool.NewFunctionTool(
		opts.Name,
		"Search stored knowledge and return the best matching snippets.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string", "description": "Search text"},
				"limit": map[string]any{"type": "integer", "description": "Maximum hits"},
			},
			"required": []string{"query"},
		},
		func(tc *core.ToolContext, args map[string]any) (any, error) {
			query, _ := args["query"].(string)

			limit := opts.Limit
			if l, ok := args["limit"].(float64); ok && l > 0 {
				limit = int(l)
			}

			hits, err := store.Search(opts.Namespace, query, limit)
			if err != nil {
				return nil, fmt.Errorf("memory search: %w", err)
			}

			tc.Logger().Debug("memory.search", "namespace", opts.Namespace, "query", query, "hits", len(hits))

			out := make([]any, 0, len(hits))
			for _, h := range hits {
				out = append(out, map[string]any{
					"type":    opts.ArtifactType,
					"content": h.Content,
					"provenance": map[string]any{
						"memoryId": h.ID,
						"score":    h.Score,
						"metadata": h.Metadata,
					},
				})
			}

			return out, nil
		},
	)
}
