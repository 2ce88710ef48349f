package executor

import (
	"github.com/hupe1980/agentplan/ledger"
)

// Callback observes ledger entries of a run as they are recorded. Callbacks
// run synchronously on the recording goroutine; with MaxParallel above one
// they are invoked concurrently and must be safe for that. Entries restored
// from a checkpoint are not replayed.
type Callback func(runID string, e ledger.Entry)

// EntryFilter restricts a callback to the given entry types.
func EntryFilter(cb Callback, types ...ledger.EntryType) Callback {
	want := make(map[ledger.EntryType]bool, len(types))
	for _, t := range types {
		want[t] = true
	}

	return func(runID string, e ledger.Entry) {
		if want[e.Type] {
			cb(runID, e)
		}
	}
}

func (e *Executor) newLedger(runID string) *ledger.Ledger {
	return ledger.New(func(o *ledger.Options) {
		o.Clock = e.opts.Clock

		if len(e.opts.Callbacks) == 0 {
			return
		}

		callbacks := e.opts.Callbacks

		o.OnAppend = func(entry ledger.Entry) {
			for _, cb := range callbacks {
				cb(runID, entry)
			}
		}
	})
}
