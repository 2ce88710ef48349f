// Package ledger implements the append-only decision log written by every
// component during planning, reasoning and execution.
//
// Each Entry carries a digest over its canonical details and a chain hash
// linking it to its predecessor, so both content edits and reordering are
// detected by Validate. Appends are serialized; the Ledger is safe for
// concurrent use but has a single logical writer per run. Components receive
// the ledger through the Appender interface rather than a global.
//
// Entries export to JSON Lines (one entry per line) for line-oriented
// persistence and can be re-imported and restored, which is how checkpoints
// carry the ledger across process restarts.
package ledger
