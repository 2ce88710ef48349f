package policy

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"gopkg.in/yaml.v3"

	"github.com/hupe1980/agentplan/core"
	"github.com/hupe1980/agentplan/logging"
)

// ErrInvalidRule is returned for rules that do not compile.
var ErrInvalidRule = errors.New("invalid policy rule")

// Rule matches an action and an optional condition over the payload.
//
// The condition sees the payload keys as variables plus "action".
type Rule struct {
	Name   string         `yaml:"name,omitempty"`
	Action string         `yaml:"action"`
	When   string         `yaml:"when,omitempty"`
	Allow  bool           `yaml:"allow"`
	Reason string         `yaml:"reason,omitempty"`
	Limits map[string]any `yaml:"limits,omitempty"`
}

// RuleSet is the YAML document accepted by ParseRules.
type RuleSet struct {
	// Default is "allow" (the default) or "deny".
	Default string `yaml:"default,omitempty"`
	Rules   []Rule `yaml:"rules"`
}

type compiledRule struct {
	Rule
	prog *vm.Program
}

// RuleEngine evaluates rules in order; the first match decides.
type RuleEngine struct {
	rules        []compiledRule
	defaultAllow bool
	logger       logging.Logger
}

var _ core.PolicyEngine = (*RuleEngine)(nil)

// RuleOptions configures a RuleEngine.
type RuleOptions struct {
	Logger logging.Logger
}

// NewRuleEngine compiles a rule set.
func NewRuleEngine(set RuleSet, optFns ...func(o *RuleOptions)) (*RuleEngine, error) {
	opts := RuleOptions{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	e := &RuleEngine{logger: opts.Logger}

	switch set.Default {
	case "", "allow":
		e.defaultAllow = true
	case "deny":
	default:
		return nil, fmt.Errorf("%w: default must be allow or deny, got %q", ErrInvalidRule, set.Default)
	}

	for i, r := range set.Rules {
		switch core.PolicyAction(r.Action) {
		case core.PolicyPlanAdmit, core.PolicyTaskPre, core.PolicyTaskPost, "*":
		default:
			return nil, fmt.Errorf("%w: rule %d: unknown action %q", ErrInvalidRule, i, r.Action)
		}

		cr := compiledRule{Rule: r}

		if r.When != "" {
			prog, err := expr.Compile(r.When, expr.AllowUndefinedVariables(), expr.AsBool())
			if err != nil {
				return nil, fmt.Errorf("%w: rule %d: %v", ErrInvalidRule, i, err)
			}

			cr.prog = prog
		}

		e.rules = append(e.rules, cr)
	}

	return e, nil
}

// ParseRules decodes and compiles a YAML rule set.
func ParseRules(data []byte, optFns ...func(o *RuleOptions)) (*RuleEngine, error) {
	var set RuleSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("decode policy rules: %w", err)
	}

	return NewRuleEngine(set, optFns...)
}

// LoadRules reads a YAML rule set from path.
func LoadRules(path string, optFns ...func(o *RuleOptions)) (*RuleEngine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return ParseRules(data, optFns...)
}

// Evaluate implements core.PolicyEngine.
func (e *RuleEngine) Evaluate(_ context.Context, action core.PolicyAction, payload map[string]any) (core.PolicyDecision, error) {
	env := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		env[k] = v
	}

	env["action"] = string(action)

	for _, r := range e.rules {
		if r.Action != "*" && core.PolicyAction(r.Action) != action {
			continue
		}

		if r.prog != nil {
			out, err := expr.Run(r.prog, env)
			if err != nil {
				return core.PolicyDecision{}, fmt.Errorf("policy rule %q: %w", r.label(), err)
			}

			if ok, _ := out.(bool); !ok {
				continue
			}
		}

		e.logger.Debug("policy.rule.matched", "rule", r.label(), "action", action, "allow", r.Allow)

		return core.PolicyDecision{Allow: r.Allow, Reason: r.Reason, Limits: copyLimits(r.Limits)}, nil
	}

	d := core.PolicyDecision{Allow: e.defaultAllow}
	if !e.defaultAllow {
		d.Reason = "no rule allowed " + string(action)
	}

	return d, nil
}

func (r compiledRule) label() string {
	if r.Name != "" {
		return r.Name
	}
	return r.Action + ":" + r.When
}

func copyLimits(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}

	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}

	return out
}
