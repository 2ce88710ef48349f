package core

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModelLimiter(t *testing.T) {
	ml := NewModelLimiter(2)
	require.NoError(t, ml.Increment())
	require.NoError(t, ml.Increment())
	assert.Equal(t, 0, ml.Remaining())

	err := ml.Increment()
	assert.ErrorIs(t, err, ErrModelCallLimit)
	assert.Equal(t, 3, ml.Count())

	ml.Restore(1)
	assert.Equal(t, 1, ml.Remaining())

	assert.Equal(t, -1, NewModelLimiter(0).Remaining())
}

func TestToolContext_DefaultsAndWithRun(t *testing.T) {
	tc := NewToolContext(nil, "fc-1", nil) //nolint:staticcheck // nil ctx is defaulted
	assert.NotNil(t, tc.Context())
	assert.NotNil(t, tc.Logger())
	assert.Equal(t, "fc-1", tc.FunctionCallID())

	bound := tc.WithRun("run-1", "t1")
	assert.Equal(t, "run-1", bound.RunID())
	assert.Equal(t, "t1", bound.TaskID())
	assert.Empty(t, tc.RunID())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, NewToolContext(ctx, "fc-2", nil).Context().Err())
}

func TestCheckpoint_VerifyDetectsCorruption(t *testing.T) {
	state := json.RawMessage(`{"outputs":{"a":1}}`)
	cp := NewCheckpoint("run-1", 3, time.Now(), state)

	assert.Equal(t, "run-1-000003", cp.ID)
	assert.Equal(t, CheckpointVersion, cp.Version)
	require.NoError(t, cp.Verify())

	cp.State = json.RawMessage(`{"outputs":{"a":2}}`)
	assert.ErrorIs(t, cp.Verify(), ErrCheckpointCorrupt)
}

func TestSelectPrunable(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var cps []*Checkpoint
	for i := 1; i <= 5; i++ {
		cps = append(cps, NewCheckpoint("r", int64(i), now.Add(-time.Duration(6-i)*time.Hour), []byte("{}")))
	}

	keep2 := SelectPrunable(cps, PrunePolicy{KeepLast: 2}, now)
	require.Len(t, keep2, 3)
	assert.Equal(t, int64(1), keep2[0].Seq)

	aged := SelectPrunable(cps, PrunePolicy{KeepLast: 1, MaxAge: 3*time.Hour + time.Minute}, now)
	require.Len(t, aged, 2)
	assert.Equal(t, []int64{1, 2}, []int64{aged[0].Seq, aged[1].Seq})

	assert.Empty(t, SelectPrunable(cps, PrunePolicy{KeepLast: 10}, now))
}
