package artifact

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentplan/core"
)

func TestInMemoryStore_SaveGetIsolation(t *testing.T) {
	svc := NewInMemoryStore()
	a := core.Artifact{ID: "a1", Type: "doc", Content: "hello", Provenance: map[string]any{"tool": "search"}}
	require.NoError(t, svc.Save("s1", a))

	a.Provenance["tool"] = "mutated"

	out, err := svc.Get("s1", "a1")
	require.NoError(t, err)
	assert.Equal(t, "search", out.Provenance["tool"])

	out.Provenance["tool"] = "x"
	again, _ := svc.Get("s1", "a1")
	assert.Equal(t, "search", again.Provenance["tool"])
}

func TestInMemoryStore_ListOrderAndDelete(t *testing.T) {
	svc := NewInMemoryStore()
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, svc.Save("s1", core.Artifact{ID: id}))
	}
	require.NoError(t, svc.Save("s1", core.Artifact{ID: "a", Type: "updated"}))

	list, err := svc.List("s1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{"c", "a", "b"}, []string{list[0].ID, list[1].ID, list[2].ID})
	assert.Equal(t, "updated", list[1].Type)

	require.NoError(t, svc.Delete("s1", "a"))
	_, err = svc.Get("s1", "a")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, svc.Delete("s1", "a"), ErrNotFound)
	assert.ErrorIs(t, svc.Delete("nope", "a"), ErrNotFound)

	list, _ = svc.List("s1")
	assert.Len(t, list, 2)

	empty, err := svc.List("unknown")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestInMemoryStore_Concurrency(t *testing.T) {
	svc := NewInMemoryStore()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := svc.Save("s1", core.Artifact{ID: fmt.Sprintf("a%d", i%10)}); err != nil {
				t.Errorf("save err: %v", err)
			}
			_, _ = svc.List("s1")
		}(i)
	}
	wg.Wait()

	list, err := svc.List("s1")
	require.NoError(t, err)
	assert.Len(t, list, 10)
}
