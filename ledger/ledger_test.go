package ledger

import (
	"bytes"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedLedger() *Ledger {
	n := 0
	return New(func(o *Options) {
		o.Clock = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
		o.IDGenerator = func() string { n++; return fmt.Sprintf("e%d", n) }
	})
}

func TestAppend_StampsAndDigests(t *testing.T) {
	l := fixedLedger()

	e1, err := l.Append(TaskStart, map[string]any{"task": "t1", "attempt": 1})
	require.NoError(t, err)
	e2, err := l.Append(TaskEnd, map[string]any{"task": "t1"})
	require.NoError(t, err)

	assert.Equal(t, "e1", e1.ID)
	assert.Equal(t, int64(1), e1.Seq)
	assert.Equal(t, int64(2), e2.Seq)
	assert.Len(t, e1.Digest, 64)
	assert.NotEqual(t, e1.Chain, e2.Chain)
	assert.Equal(t, float64(1), e1.Details["attempt"])
	assert.Equal(t, e2.Chain, l.Head())
	assert.NoError(t, l.Validate())
}

func TestAppend_RejectsUnknownType(t *testing.T) {
	l := New()
	_, err := l.Append(EntryType("SOMETHING"), nil)
	assert.ErrorIs(t, err, ErrUnknownType)
	assert.Equal(t, 0, l.Len())
}

func TestValidate_DetectsMutatedDetails(t *testing.T) {
	l := New()
	_, err := l.Append(PolicyPre, map[string]any{"allow": true})
	require.NoError(t, err)
	_, err = l.Append(TaskEnd, map[string]any{"status": "completed"})
	require.NoError(t, err)

	l.entries[0].Details["allow"] = false

	err = l.Validate()
	require.ErrorIs(t, err, ErrIntegrity)

	var ie *IntegrityError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, int64(1), ie.Seq)
}

func TestValidate_DetectsReorder(t *testing.T) {
	l := New()
	for i := 0; i < 3; i++ {
		_, err := l.Append(GuardEval, map[string]any{"i": i})
		require.NoError(t, err)
	}

	l.entries[0], l.entries[1] = l.entries[1], l.entries[0]
	l.entries[0].Seq, l.entries[1].Seq = 1, 2

	assert.ErrorIs(t, l.Validate(), ErrIntegrity)
}

func TestEntries_AreDeepCopies(t *testing.T) {
	l := New()
	_, err := l.Append(ToolCall, map[string]any{"args": map[string]any{"q": "x"}})
	require.NoError(t, err)

	got := l.Entries()
	got[0].Details["args"].(map[string]any)["q"] = "tampered"

	assert.NoError(t, l.Validate())
	assert.Equal(t, "x", l.Entries()[0].Details["args"].(map[string]any)["q"])
}

func TestFilter(t *testing.T) {
	l := New()
	for _, typ := range []EntryType{TaskStart, NucleusInference, TaskEnd, NucleusInference} {
		_, err := l.Append(typ, nil)
		require.NoError(t, err)
	}

	inf := l.Filter(NucleusInference)
	require.Len(t, inf, 2)
	assert.Equal(t, int64(2), inf[0].Seq)
	assert.Equal(t, int64(4), inf[1].Seq)
	assert.Len(t, l.Filter(TaskStart, TaskEnd), 2)
	assert.Empty(t, l.Filter(Compensation))
}

func TestConcurrentAppends_AreSerialized(t *testing.T) {
	l := New()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Append(ToolCall, map[string]any{"i": i})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, l.Len())
	assert.NoError(t, l.Validate())
}

func TestJSONL_RoundTripAndRestore(t *testing.T) {
	src := fixedLedger()
	_, err := src.Append(PlanSelected, map[string]any{"plan": "p1", "tasks": []string{"a", "b"}})
	require.NoError(t, err)
	_, err = src.Append(BranchTaken, map[string]any{"from": "a", "to": "b", "taken": true})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, src.WriteJSONL(&buf))
	assert.Equal(t, 2, bytes.Count(buf.Bytes(), []byte("\n")))

	entries, err := ReadJSONL(&buf)
	require.NoError(t, err)
	require.NoError(t, Validate(entries))

	dst := New()
	require.NoError(t, dst.Restore(entries))
	assert.Equal(t, src.Entries(), dst.Entries())

	next, err := dst.Append(TaskStart, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), next.Seq)
	assert.NoError(t, dst.Validate())
}

func TestRestore_RejectsTamperedEntries(t *testing.T) {
	src := New()
	_, err := src.Append(Verification, map[string]any{"passed": true})
	require.NoError(t, err)

	entries := src.Entries()
	entries[0].Details["passed"] = false

	dst := New()
	assert.ErrorIs(t, dst.Restore(entries), ErrIntegrity)
	assert.Equal(t, 0, dst.Len())
}

func TestOnAppend_ObservesStoredEntries(t *testing.T) {
	var observed []Entry

	l := New(func(o *Options) {
		o.OnAppend = func(e Entry) { observed = append(observed, e) }
	})

	_, err := l.Append(PlanSelected, map[string]any{"planId": "p"})
	require.NoError(t, err)

	_, err = l.Append(EntryType("BOGUS"), nil)
	require.Error(t, err)

	require.Len(t, observed, 1)
	assert.Equal(t, l.Entries(), observed)

	require.NoError(t, l.Restore(l.Entries()))
	assert.Len(t, observed, 1)
}

func TestOnAppend_DeliversInSeqOrderUnderConcurrency(t *testing.T) {
	var (
		mu   sync.Mutex
		seqs []int64
	)

	l := New(func(o *Options) {
		o.OnAppend = func(e Entry) {
			mu.Lock()
			defer mu.Unlock()
			seqs = append(seqs, e.Seq)
		}
	})

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			e, err := l.Append(ToolCall, map[string]any{"i": i})
			assert.NoError(t, err)

			mu.Lock()
			delivered := slices.Contains(seqs, e.Seq)
			mu.Unlock()
			assert.True(t, delivered, "entry %d not delivered before Append returned", e.Seq)
		}(i)
	}
	wg.Wait()

	require.Len(t, seqs, 64)
	assert.True(t, slices.IsSorted(seqs))
	assert.Equal(t, int64(1), seqs[0])
}
