package nucleus

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/agentplan/ledger"
	"github.com/hupe1980/agentplan/logging"
	"github.com/hupe1980/agentplan/model"
	"github.com/hupe1980/agentplan/packet"
	"github.com/hupe1980/agentplan/scope"
	"github.com/hupe1980/agentplan/tool"
)

// Status is the outcome of Preflight.
type Status string

// Preflight statuses.
const (
	StatusOK           Status = "OK"
	StatusNeedsContext Status = "NEEDS_CONTEXT"
)

// Outcome is the outcome of Postcheck.
type Outcome string

// Postcheck outcomes.
const (
	OutcomeComplete   Outcome = "COMPLETE"
	OutcomeCompensate Outcome = "COMPENSATE"
	OutcomeEscalate   Outcome = "ESCALATE"
)

// PreflightReport is returned by Preflight.
type PreflightReport struct {
	Status     Status   `json:"status"`
	Directives []string `json:"directives,omitempty"`
	Skipped    bool     `json:"skipped,omitempty"`
	Result     *Result  `json:"result,omitempty"`
}

// Request is the task-level input to Invoke.
type Request struct {
	Instruction string `json:"instruction,omitempty"`
	Input       any    `json:"input,omitempty"`
}

// PostcheckReport is returned by Postcheck.
type PostcheckReport struct {
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason,omitempty"`
	Skipped bool    `json:"skipped,omitempty"`
	Result  *Result `json:"result,omitempty"`
}

// Nucleus mediates every model call of one task.
type Nucleus struct {
	llm    model.Model
	cfg    Config
	opts   Options
	ledger ledger.Appender
	query  *QueryContext
	tools  []model.ToolDefinition

	mu sync.Mutex
}

// New validates cfg and binds a Nucleus to llm.
func New(llm model.Model, cfg Config, optFns ...func(o *Options)) (*Nucleus, error) {
	if llm == nil {
		return nil, fmt.Errorf("%w: model is required", ErrInvalidConfig)
	}

	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := Options{
		Logger:    logging.NoOpLogger{},
		Estimator: HeuristicEstimator{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	appender := opts.Ledger
	if appender == nil {
		appender = ledger.Discard
	}

	if opts.Estimator == nil {
		opts.Estimator = HeuristicEstimator{}
	}

	for _, t := range opts.Tools {
		if classify(t.Name()) != kindOther || isSignal(t.Name()) {
			return nil, fmt.Errorf("%w: tool name %q is reserved", ErrInvalidConfig, t.Name())
		}
	}

	opts.Logger = logging.With(opts.Logger, "goal", cfg.GoalID, "task", opts.TaskID)

	return &Nucleus{
		llm:    llm,
		cfg:    cfg,
		opts:   opts,
		ledger: appender,
		query:  NewQueryContext(cfg.Snapshot, opts.Scope),
		tools:  tool.Definitions(opts.Tools...),
	}, nil
}

// Config returns the effective configuration with defaults applied.
func (n *Nucleus) Config() Config { return n.cfg }

// ContextRef returns the id of the bound packet.
func (n *Nucleus) ContextRef() string { return n.cfg.ContextRef }

// Snapshot returns the bound packet.
func (n *Nucleus) Snapshot() *packet.Packet { return n.cfg.Snapshot }

// Scope returns the attached internal context scope, if any.
func (n *Nucleus) Scope() *scope.Scope { return n.opts.Scope }

// Tools returns the user tools offered during Invoke.
func (n *Nucleus) Tools() []tool.Tool { return append([]tool.Tool(nil), n.opts.Tools...) }

// Preflight checks whether the context suffices for the intent. Disabled
// preflight reports StatusOK without calling the model.
func (n *Nucleus) Preflight(ctx context.Context) (*PreflightReport, error) {
	if !n.cfg.Hooks.Preflight {
		return &PreflightReport{Status: StatusOK, Skipped: true}, nil
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	prompt, err := n.renderPrompt(StagePreflight, "", nil)
	if err != nil {
		return nil, err
	}

	res, err := n.run(ctx, StagePreflight, prompt, nil)
	if err != nil {
		return nil, err
	}

	report := &PreflightReport{Status: StatusOK, Result: res}
	if res.NeedsContext {
		report.Status = StatusNeedsContext
		report.Directives = res.Directives
	}

	n.opts.Logger.Info("nucleus.preflight", "status", report.Status, "directives", len(report.Directives))

	return report, nil
}

// Invoke runs the loop for task execution. The returned tool calls are not
// executed; the caller decides what to do with them.
func (n *Nucleus) Invoke(ctx context.Context, req Request) (*Result, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	prompt, err := n.renderPrompt(StageInvoke, req.Instruction, inputOrEmpty(req.Input))
	if err != nil {
		return nil, err
	}

	res, err := n.run(ctx, StageInvoke, prompt, n.tools)
	if err != nil {
		return nil, err
	}

	n.opts.Logger.Info("nucleus.invoke", "rounds", res.Metrics.Rounds, "toolCalls", len(res.ToolCalls),
		"needsContext", res.NeedsContext)

	return res, nil
}

// Postcheck reviews a task output. The first sentinel call decides the
// outcome. Disabled postcheck reports OutcomeComplete.
func (n *Nucleus) Postcheck(ctx context.Context, output any) (*PostcheckReport, error) {
	if !n.cfg.Hooks.Postcheck {
		return &PostcheckReport{Outcome: OutcomeComplete, Skipped: true}, nil
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	prompt, err := n.renderPrompt(StagePostcheck, "", inputOrEmpty(output))
	if err != nil {
		return nil, err
	}

	res, err := n.run(ctx, StagePostcheck, prompt, signalDefinitions())
	if err != nil {
		return nil, err
	}

	report := &PostcheckReport{Outcome: OutcomeComplete, Result: res}

	for _, c := range res.ToolCalls {
		var outcome Outcome

		switch c.Function.Name {
		case CompensationSignal:
			outcome = OutcomeCompensate
		case EscalationSignal:
			outcome = OutcomeEscalate
		default:
			continue
		}

		report.Outcome = outcome

		if args, err := c.Args(); err == nil {
			report.Reason, _ = args["reason"].(string)
		}

		break
	}

	n.opts.Logger.Info("nucleus.postcheck", "outcome", report.Outcome, "reason", report.Reason)

	return report, nil
}

func isSignal(name string) bool {
	return name == CompensationSignal || name == EscalationSignal
}

func inputOrEmpty(v any) any {
	if v == nil {
		return map[string]any{}
	}
	return v
}
