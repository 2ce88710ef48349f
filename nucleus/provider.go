package nucleus

import (
	"context"

	"github.com/hupe1980/agentplan/core"
	"github.com/hupe1980/agentplan/ledger"
	"github.com/hupe1980/agentplan/scope"
)

// FulfillRequest asks a provider to resolve retrieval directives into
// artifacts held by Scope.
type FulfillRequest struct {
	Directives []string
	Scope      *scope.Scope
	GoalID     string
	RunID      string
	TaskID     string

	// Ledger, when set, receives the provider's TOOL_CALL entries.
	Ledger ledger.Appender
}

// FulfillResult reports what a provider added to the scope.
type FulfillResult struct {
	Artifacts []core.Artifact
	Promoted  []string
}

// ContextProvider resolves free-text retrieval directives. Fulfill must
// resolve every directive or fail as a whole.
type ContextProvider interface {
	Fulfill(ctx context.Context, req FulfillRequest) (*FulfillResult, error)
}

// ContextProviderFunc adapts a function to ContextProvider.
type ContextProviderFunc func(ctx context.Context, req FulfillRequest) (*FulfillResult, error)

// Fulfill implements ContextProvider.
func (f ContextProviderFunc) Fulfill(ctx context.Context, req FulfillRequest) (*FulfillResult, error) {
	return f(ctx, req)
}

// toolNamer is implemented by providers that can list their retrieval tools
// so prompts can suggest directive prefixes.
type toolNamer interface {
	ToolNames() []string
}
