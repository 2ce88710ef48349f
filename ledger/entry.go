package ledger

import (
	"fmt"
	"time"
)

// EntryType enumerates the decisions recorded in the ledger.
type EntryType string

const (
	PlanSelected        EntryType = "PLAN_SELECTED"
	BranchTaken         EntryType = "BRANCH_TAKEN"
	GuardEval           EntryType = "GUARD_EVAL"
	TaskStart           EntryType = "TASK_START"
	TaskEnd             EntryType = "TASK_END"
	PolicyPre           EntryType = "POLICY_PRE"
	PolicyPost          EntryType = "POLICY_POST"
	PolicyDecision      EntryType = "POLICY_DECISION"
	Verification        EntryType = "VERIFICATION"
	Error               EntryType = "ERROR"
	Compensation        EntryType = "COMPENSATION"
	NucleusInference    EntryType = "NUCLEUS_INFERENCE"
	ContextInternalized EntryType = "CONTEXT_INTERNALIZED"
	ToolCall            EntryType = "TOOL_CALL"
)

var knownTypes = map[EntryType]struct{}{
	PlanSelected: {}, BranchTaken: {}, GuardEval: {}, TaskStart: {}, TaskEnd: {},
	PolicyPre: {}, PolicyPost: {}, PolicyDecision: {}, Verification: {}, Error: {},
	Compensation: {}, NucleusInference: {}, ContextInternalized: {}, ToolCall: {},
}

// Valid reports whether t is one of the known entry types.
func (t EntryType) Valid() bool {
	_, ok := knownTypes[t]
	return ok
}

// ParseEntryType converts a string into an EntryType.
func ParseEntryType(s string) (EntryType, error) {
	t := EntryType(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownType, s)
	}
	return t, nil
}

// Entry is one immutable ledger record.
type Entry struct {
	ID        string         `json:"id"`
	Seq       int64          `json:"seq"`
	Timestamp time.Time      `json:"ts"`
	Type      EntryType      `json:"type"`
	Details   map[string]any `json:"details"`
	Digest    string         `json:"digest"`
	Chain     string         `json:"chain"`
}

// Appender is the handle components use to record decisions.
type Appender interface {
	Append(t EntryType, details map[string]any) (Entry, error)
}

// AppenderFunc adapts a function to the Appender interface.
type AppenderFunc func(t EntryType, details map[string]any) (Entry, error)

// Append implements Appender.
func (f AppenderFunc) Append(t EntryType, details map[string]any) (Entry, error) {
	return f(t, details)
}

// Discard is an Appender that records nothing.
var Discard Appender = AppenderFunc(func(t EntryType, _ map[string]any) (Entry, error) {
	return Entry{Type: t}, nil
})
