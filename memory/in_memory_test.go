package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentplan/core"
)

func TestInMemoryStore_SearchScoring(t *testing.T) {
	svc := NewInMemoryStore()
	require.NoError(t, svc.Store("kb", "Refund policy: refunds within 30 days", nil))
	require.NoError(t, svc.Store("kb", "Shipping policy for EU orders", map[string]any{"region": "eu"}))
	require.NoError(t, svc.Store("kb", "Warranty terms", nil))

	res, err := svc.Search("kb", "refund POLICY", 10)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "mem_0", res[0].ID)
	assert.Equal(t, 1.0, res[0].Score)
	assert.Equal(t, 0.5, res[1].Score)

	all, _ := svc.Search("kb", "", 2)
	assert.Len(t, all, 2)

	none, _ := svc.Search("kb", "battery", 5)
	assert.Empty(t, none)
}

func TestInMemoryStore_Delete(t *testing.T) {
	svc := NewInMemoryStore()
	require.NoError(t, svc.Store("kb", "a", nil))
	require.NoError(t, svc.Store("kb", "b", nil))

	require.NoError(t, svc.Delete("kb", "mem_0"))
	assert.ErrorIs(t, svc.Delete("kb", "mem_0"), ErrNotFound)

	require.NoError(t, svc.Store("kb", "c", nil))
	res, _ := svc.Search("kb", "", 10)
	assert.Equal(t, []string{"mem_1", "mem_2"}, []string{res[0].ID, res[1].ID})
}

func TestInMemoryStore_ConcurrentAccess(t *testing.T) {
	svc := NewInMemoryStore()

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, svc.Store("ns", "content", nil))
			_, err := svc.Search("ns", "content", 5)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	all, err := svc.Search("ns", "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 25)

	ids := map[string]bool{}
	for _, r := range all {
		ids[r.ID] = true
	}
	assert.Len(t, ids, 25)
}

func TestInMemoryStore_MetadataIsCopied(t *testing.T) {
	svc := NewInMemoryStore()
	md := map[string]any{"source": "handbook"}
	require.NoError(t, svc.Store("kb", "refund policy", md))

	md["source"] = "changed"

	res, err := svc.Search("kb", "refund", 1)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "handbook", res[0].Metadata["source"])

	res[0].Metadata["source"] = "mutated"
	again, _ := svc.Search("kb", "refund", 1)
	assert.Equal(t, "handbook", again[0].Metadata["source"])
}

func TestSearchTool_ReturnsArtifactSpecs(t *testing.T) {
	svc := NewInMemoryStore()
	require.NoError(t, svc.Store("kb", "Order O123 shipped on Monday", map[string]any{"source": "crm"}))

	st := NewSearchTool(svc, func(o *SearchOptions) { o.Namespace = "kb"; o.ArtifactType = "order_note" })
	assert.Equal(t, SearchToolName, st.Name())

	out, err := st.Call(core.NewToolContext(context.Background(), "fc", nil), map[string]any{"query": "o123"})
	require.NoError(t, err)

	items := out.([]any)
	require.Len(t, items, 1)
	item := items[0].(map[string]any)
	assert.Equal(t, "order_note", item["type"])
	assert.Equal(t, "Order O123 shipped on Monday", item["content"])
	assert.Equal(t, "mem_0", item["provenance"].(map[string]any)["memoryId"])
}
