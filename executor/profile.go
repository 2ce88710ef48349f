package executor

import (
	"fmt"

	"github.com/hupe1980/agentplan/model"
	"github.com/hupe1980/agentplan/nucleus"
	"github.com/hupe1980/agentplan/tool"
)

// NucleusProfile is a named Nucleus configuration referenced by a task's
// nucleusRef.
type NucleusProfile struct {
	// Intent overrides the goal intent for tasks using this profile.
	Intent string

	LLM   model.Config
	Hooks nucleus.Hooks

	MaxQueryRounds     int
	MaxRetrievalRounds int
	MaxContextTokens   int

	// Tools are offered to the model during Invoke.
	Tools []tool.Tool
}

// Policy limit keys honoured when building a Nucleus.
const (
	LimitMaxContextTokens = "maxContextTokens"
	LimitMaxQueryRounds   = "maxQueryRounds"
)

// withLimits applies policy limits. A limit only ever tightens the profile.
func (p NucleusProfile) withLimits(limits map[string]any) (NucleusProfile, error) {
	for key, raw := range limits {
		n, ok := toInt(raw)
		if !ok || n < 0 {
			return p, fmt.Errorf("policy limit %s: invalid value %v", key, raw)
		}

		switch key {
		case LimitMaxContextTokens:
			if p.MaxContextTokens == 0 || n < p.MaxContextTokens {
				p.MaxContextTokens = n
			}
		case LimitMaxQueryRounds:
			current := p.MaxQueryRounds
			if current == 0 {
				current = nucleus.DefaultMaxQueryRounds
			}

			if n > 0 && n < current {
				p.MaxQueryRounds = n
			}
		}
	}

	return p, nil
}

func toInt(v any) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case int64:
		return int(x), true
	case float64:
		if x != float64(int(x)) {
			return 0, false
		}
		return int(x), true
	default:
		return 0, false
	}
}
