package ledger

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hupe1980/agentplan/internal/util"
)

// Options configures a Ledger.
type Options struct {
	// Clock stamps entries; defaults to time.Now in UTC.
	Clock func() time.Time
	// IDGenerator defaults to uuid.NewString.
	IDGenerator func() string
	// OnAppend, when set, observes every appended entry in Seq order,
	// including under concurrent appends. Each entry is delivered before
	// the Append that stored it returns. Observers may read the ledger but
	// must not append to it.
	OnAppend func(e Entry)
}

// Ledger is an append-only, hash-chained sequence of entries.
type Ledger struct {
	mu      sync.RWMutex
	entries []Entry
	opts    Options

	// pending holds stored entries not yet handed to OnAppend; notify
	// serializes delivery.
	pending []Entry
	notify  sync.Mutex
}

var _ Appender = (*Ledger)(nil)

// New creates an empty ledger.
func New(optFns ...func(o *Options)) *Ledger {
	opts := Options{
		Clock:       func() time.Time { return time.Now().UTC() },
		IDGenerator: uuid.NewString,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Ledger{opts: opts}
}

// Append stamps and stores a new entry. Details are normalized to their JSON
// form so the digest can be recomputed from any decoded copy.
func (l *Ledger) Append(t EntryType, details map[string]any) (Entry, error) {
	if !t.Valid() {
		return Entry{}, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}

	norm, err := util.NormalizeMap(details)
	if err != nil {
		return Entry{}, fmt.Errorf("ledger append %s: %w", t, err)
	}

	digest, err := util.Digest(norm)
	if err != nil {
		return Entry{}, fmt.Errorf("ledger append %s: %w", t, err)
	}

	l.mu.Lock()

	prev := ""
	seq := int64(1)

	if n := len(l.entries); n > 0 {
		prev = l.entries[n-1].Chain
		seq = l.entries[n-1].Seq + 1
	}

	e := Entry{
		ID:        l.opts.IDGenerator(),
		Seq:       seq,
		Timestamp: l.opts.Clock(),
		Type:      t,
		Details:   norm,
		Digest:    digest,
		Chain:     chainHash(prev, seq, t, digest),
	}

	l.entries = append(l.entries, e)

	if l.opts.OnAppend != nil {
		l.pending = append(l.pending, cloneEntry(e))
	}

	l.mu.Unlock()

	if l.opts.OnAppend != nil {
		l.deliver()
	}

	return cloneEntry(e), nil
}

// deliver drains pending entries to OnAppend. Entries join the queue in Seq
// order under mu and drains are serialized, so observers see Seq order.
func (l *Ledger) deliver() {
	l.notify.Lock()
	defer l.notify.Unlock()

	l.mu.Lock()
	batch := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, e := range batch {
		l.opts.OnAppend(e)
	}
}

// Validate recomputes every digest and chain hash.
func (l *Ledger) Validate() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return validate(l.entries)
}

// Entries returns deep copies of all entries in order.
func (l *Ledger) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Entry, len(l.entries))
	for i, e := range l.entries {
		out[i] = cloneEntry(e)
	}

	return out
}

// Filter returns copies of the entries whose type is one of types, in order.
func (l *Ledger) Filter(types ...EntryType) []Entry {
	want := make(map[EntryType]struct{}, len(types))
	for _, t := range types {
		want[t] = struct{}{}
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	out := []Entry{}

	for _, e := range l.entries {
		if _, ok := want[e.Type]; ok {
			out = append(out, cloneEntry(e))
		}
	}

	return out
}

// Len returns the number of entries.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.entries)
}

// Head returns the chain hash of the last entry, or "" when empty.
func (l *Ledger) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if len(l.entries) == 0 {
		return ""
	}

	return l.entries[len(l.entries)-1].Chain
}

// Restore replaces the ledger contents with entries after validating them.
// Used when resuming from a checkpoint.
func (l *Ledger) Restore(entries []Entry) error {
	if err := validate(entries); err != nil {
		return err
	}

	cp := make([]Entry, len(entries))
	for i, e := range entries {
		cp[i] = cloneEntry(e)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = cp

	return nil
}

// Validate checks a detached entry sequence, e.g. one read from JSONL.
func Validate(entries []Entry) error {
	return validate(entries)
}

func validate(entries []Entry) error {
	prev := ""

	for i, e := range entries {
		if !e.Type.Valid() {
			return &IntegrityError{Seq: e.Seq, ID: e.ID, Reason: "unknown entry type " + string(e.Type)}
		}

		if want := int64(i + 1); e.Seq != want {
			return &IntegrityError{Seq: e.Seq, ID: e.ID, Reason: fmt.Sprintf("sequence gap, expected %d", want)}
		}

		digest, err := util.Digest(detailsOrEmpty(e.Details))
		if err != nil {
			return &IntegrityError{Seq: e.Seq, ID: e.ID, Reason: err.Error()}
		}

		if digest != e.Digest {
			return &IntegrityError{Seq: e.Seq, ID: e.ID, Reason: "details digest mismatch"}
		}

		if chain := chainHash(prev, e.Seq, e.Type, digest); chain != e.Chain {
			return &IntegrityError{Seq: e.Seq, ID: e.ID, Reason: "chain hash mismatch"}
		}

		prev = e.Chain
	}

	return nil
}

func chainHash(prev string, seq int64, t EntryType, digest string) string {
	return util.HashBytes([]byte(prev + "|" + strconv.FormatInt(seq, 10) + "|" + string(t) + "|" + digest))
}

func detailsOrEmpty(d map[string]any) map[string]any {
	if d == nil {
		return map[string]any{}
	}
	return d
}

func cloneEntry(e Entry) Entry {
	if e.Details != nil {
		e.Details, _ = cloneValue(e.Details).(map[string]any)
	}
	return e
}

// cloneValue deep-copies normalized JSON values.
func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = cloneValue(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = cloneValue(val)
		}
		return out
	default:
		return x
	}
}
