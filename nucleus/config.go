package nucleus

import (
	"fmt"

	"github.com/hupe1980/agentplan/core"
	"github.com/hupe1980/agentplan/ledger"
	"github.com/hupe1980/agentplan/logging"
	"github.com/hupe1980/agentplan/model"
	"github.com/hupe1980/agentplan/packet"
	"github.com/hupe1980/agentplan/scope"
	"github.com/hupe1980/agentplan/tool"
)

// Defaults applied when the corresponding Config field is zero.
const (
	DefaultMaxQueryRounds     = 3
	DefaultMaxRetrievalRounds = 1

	// budgetThreshold is the share of MaxContextTokens at which built-in
	// tools are withheld.
	budgetThreshold = 0.85
)

// Hooks toggles the optional Preflight and Postcheck stages.
type Hooks struct {
	Preflight bool `json:"preflight" yaml:"preflight"`
	Postcheck bool `json:"postcheck" yaml:"postcheck"`
}

// Config is the per-task reasoning configuration.
type Config struct {
	GoalID string
	Intent string

	// ContextRef must equal Snapshot.ID() when both are set. When only
	// Snapshot is set the ref is taken from it.
	ContextRef string
	Snapshot   *packet.Packet

	LLM   model.Config
	Hooks Hooks

	MaxQueryRounds     int
	MaxRetrievalRounds int
	// MaxContextTokens bounds the cumulative estimated prompt tokens of one
	// hook run. Zero means unbounded.
	MaxContextTokens int
}

// Options holds the collaborators of a Nucleus.
type Options struct {
	// Scope receives retrieved artifacts and backs read_artifact.
	Scope *scope.Scope

	// Provider fulfills retrieval directives. Without one, retrieval calls
	// are returned unresolved.
	Provider ContextProvider

	// Ledger receives NUCLEUS_INFERENCE and TOOL_CALL entries.
	Ledger ledger.Appender

	// Logger for diagnostics. Defaults to logging.NoOpLogger.
	Logger logging.Logger

	// Tools are offered to the model on every round of Invoke.
	Tools []tool.Tool

	// Limiter caps model calls across every Nucleus of a run.
	Limiter *core.ModelLimiter

	// Estimator approximates prompt token cost.
	Estimator TokenEstimator

	RunID  string
	TaskID string
}

func (c Config) withDefaults() Config {
	if c.MaxQueryRounds == 0 {
		c.MaxQueryRounds = DefaultMaxQueryRounds
	}

	if c.MaxRetrievalRounds == 0 {
		c.MaxRetrievalRounds = DefaultMaxRetrievalRounds
	}

	if c.ContextRef == "" && c.Snapshot != nil {
		c.ContextRef = c.Snapshot.ID()
	}

	return c
}

// Validate reports whether the configuration can drive a Nucleus.
func (c Config) Validate() error {
	if c.Intent == "" {
		return fmt.Errorf("%w: intent is required", ErrInvalidConfig)
	}

	if c.MaxQueryRounds < 0 {
		return fmt.Errorf("%w: maxQueryRounds must not be negative", ErrInvalidConfig)
	}

	if c.MaxRetrievalRounds < 0 {
		return fmt.Errorf("%w: maxRetrievalRounds must not be negative", ErrInvalidConfig)
	}

	if c.MaxContextTokens < 0 {
		return fmt.Errorf("%w: maxContextTokens must not be negative", ErrInvalidConfig)
	}

	if c.Snapshot != nil && c.ContextRef != "" && c.ContextRef != c.Snapshot.ID() {
		return fmt.Errorf("%w: context ref %s does not match snapshot %s", ErrInvalidConfig, c.ContextRef, c.Snapshot.ID())
	}

	return nil
}
