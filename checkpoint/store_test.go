package checkpoint

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentplan/core"
)

func stores(t *testing.T) map[string]core.CheckpointStore {
	t.Helper()

	sq, err := OpenSQLite(filepath.Join(t.TempDir(), "checkpoints.db"))
	require.NoError(t, err)

	t.Cleanup(func() { _ = sq.Close() })

	return map[string]core.CheckpointStore{
		"memory": NewInMemoryStore(),
		"sqlite": sq,
	}
}

func TestStores_Contract(t *testing.T) {
	base := time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC)

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			missing, err := s.Get(ctx, "run", "")
			require.NoError(t, err)
			assert.Nil(t, missing)

			for i := int64(1); i <= 3; i++ {
				cp := core.NewCheckpoint("run", i, base.Add(time.Duration(i)*time.Minute), []byte(`{"n":`+string(rune('0'+i))+`}`))
				require.NoError(t, s.Put(ctx, cp))
			}

			require.NoError(t, s.Put(ctx, core.NewCheckpoint("other", 1, base, []byte(`{}`))))
			assert.ErrorIs(t, s.Put(ctx, core.NewCheckpoint("run", 2, base, []byte(`{}`))), ErrDuplicate)

			latest, err := s.Get(ctx, "run", "")
			require.NoError(t, err)
			require.NotNil(t, latest)
			assert.Equal(t, int64(3), latest.Seq)
			assert.Equal(t, `{"n":3}`, string(latest.State))
			assert.NoError(t, latest.Verify())
			assert.True(t, latest.Timestamp.Equal(base.Add(3*time.Minute)))

			second, err := s.Get(ctx, "run", "run-000002")
			require.NoError(t, err)
			require.NotNil(t, second)
			want := core.NewCheckpoint("run", 2, base.Add(2*time.Minute), []byte(`{"n":2}`))
			assert.Equal(t, want.ID, second.ID)
			assert.Equal(t, want.Digest, second.Digest)
			assert.Equal(t, core.CheckpointVersion, second.Version)
			assert.Equal(t, string(want.State), string(second.State))

			none, err := s.Get(ctx, "run", "run-000009")
			require.NoError(t, err)
			assert.Nil(t, none)

			list, err := s.List(ctx, "run")
			require.NoError(t, err)
			require.Len(t, list, 3)
			assert.Equal(t, []int64{1, 2, 3}, []int64{list[0].Seq, list[1].Seq, list[2].Seq})

			n, err := s.Prune(ctx, "run", core.PrunePolicy{KeepLast: 1})
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			list, err = s.List(ctx, "run")
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.Equal(t, int64(3), list[0].Seq)

			other, err := s.List(ctx, "other")
			require.NoError(t, err)
			assert.Len(t, other, 1)
		})
	}
}

func TestInMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	cp := core.NewCheckpoint("r", 1, time.Now(), []byte(`{"a":1}`))
	require.NoError(t, s.Put(ctx, cp))

	cp.State[2] = 'b'

	got, err := s.Get(ctx, "r", "")
	require.NoError(t, err)
	assert.NoError(t, got.Verify())

	got.State[2] = 'c'

	again, _ := s.Get(ctx, "r", "")
	assert.Equal(t, `{"a":1}`, string(again.State))
}

func TestPrune_MaxAge(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	s := NewInMemoryStore()
	s.now = func() time.Time { return now }

	ctx := context.Background()
	require.NoError(t, s.Put(ctx, core.NewCheckpoint("r", 1, now.Add(-48*time.Hour), []byte(`{}`))))
	require.NoError(t, s.Put(ctx, core.NewCheckpoint("r", 2, now.Add(-time.Hour), []byte(`{}`))))
	require.NoError(t, s.Put(ctx, core.NewCheckpoint("r", 3, now, []byte(`{}`))))

	n, err := s.Prune(ctx, "r", core.PrunePolicy{KeepLast: 1, MaxAge: 24 * time.Hour})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	list, _ := s.List(ctx, "r")
	assert.Len(t, list, 2)
}
