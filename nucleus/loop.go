package nucleus

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hupe1980/agentplan/internal/util"
	"github.com/hupe1980/agentplan/ledger"
	"github.com/hupe1980/agentplan/model"
	"github.com/hupe1980/agentplan/tool"
)

// ErrEmptyDirective is returned when a retrieval call carries no directive
// and a provider would have to resolve it.
var ErrEmptyDirective = errors.New("retrieval call without directive")

// Metrics summarises one hook run.
type Metrics struct {
	Rounds          int  `json:"rounds"`
	EstimatedTokens int  `json:"estimatedTokens"`
	BudgetExhausted bool `json:"budgetExhausted"`
	Fulfillments    int  `json:"fulfillments"`
}

// Result is the terminal outcome of a hook run.
type Result struct {
	Stage     Stage            `json:"stage"`
	Reasoning string           `json:"reasoning,omitempty"`
	ToolCalls []model.ToolCall `json:"toolCalls,omitempty"`

	// Prompt is the prompt that produced the final answer, including every
	// query_context result folded in along the way.
	Prompt string `json:"-"`

	// NeedsContext is set when the final calls contain unresolved retrieval
	// requests. Directives lists them in call order.
	NeedsContext bool     `json:"needsContext"`
	Directives   []string `json:"directives,omitempty"`

	Metrics Metrics `json:"metrics"`
	Raw     any     `json:"-"`
}

// loopState is the explicit state of the round loop.
type loopState struct {
	round            int
	calls            int
	estimatedTokens  int
	budgetExhausted  bool
	fulfillments     int
	retrievalRemoved bool
	prompt           string
}

func (st *loopState) metrics() Metrics {
	return Metrics{
		Rounds:          st.calls,
		EstimatedTokens: st.estimatedTokens,
		BudgetExhausted: st.budgetExhausted,
		Fulfillments:    st.fulfillments,
	}
}

type callKind int

const (
	kindOther callKind = iota
	kindQuery
	kindRetrieval
)

func classify(name string) callKind {
	switch name {
	case QueryContextToolName:
		return kindQuery
	case RetrievalToolName:
		return kindRetrieval
	default:
		return kindOther
	}
}

type partition struct {
	queries    []model.ToolCall
	retrievals []model.ToolCall
	others     []model.ToolCall
}

func partitionCalls(calls []model.ToolCall) partition {
	var p partition

	for _, c := range calls {
		switch classify(c.Function.Name) {
		case kindQuery:
			p.queries = append(p.queries, c)
		case kindRetrieval:
			p.retrievals = append(p.retrievals, c)
		default:
			p.others = append(p.others, c)
		}
	}

	return p
}

func (p partition) hasBuiltins() bool {
	return len(p.queries) > 0 || len(p.retrievals) > 0
}

// run drives the round loop for one hook.
func (n *Nucleus) run(ctx context.Context, stage Stage, prompt string, stageTools []model.ToolDefinition) (*Result, error) {
	st := &loopState{prompt: prompt}
	maxRounds := n.cfg.MaxQueryRounds

	for st.round = 0; st.round < maxRounds; st.round++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		st.estimatedTokens += n.opts.Estimator.Estimate(st.prompt)

		last := st.round == maxRounds-1
		suppress := last

		if !last && n.overBudget(st.estimatedTokens) {
			st.budgetExhausted = true
			suppress = true
		}

		n.opts.Logger.Debug("nucleus.round.start",
			"stage", stage, "round", st.round, "estimatedTokens", st.estimatedTokens, "suppressBuiltins", suppress)

		resp, err := n.generate(ctx, stage, st, n.toolSet(stageTools, st, suppress), suppress)
		if err != nil {
			return nil, err
		}

		p := partitionCalls(resp.ToolCalls)

		switch {
		case suppress:
			if p.hasBuiltins() {
				n.opts.Logger.Debug("nucleus.builtins.discarded", "stage", stage, "round", st.round,
					"queries", len(p.queries), "retrievals", len(p.retrievals))
			}

			return n.final(stage, st, resp, p), nil

		case !p.hasBuiltins():
			return n.final(stage, st, resp, p), nil

		case len(p.retrievals) > 0 && n.canFulfill(st):
			if err := n.fulfill(ctx, stage, st, p.retrievals); err != nil {
				return nil, err
			}

			if len(p.queries) > 0 {
				n.answerQueries(stage, st, p.queries)
			}

			if len(p.others) > 0 {
				return n.finalWith(stage, st, resp, p.others), nil
			}

		case len(p.retrievals) > 0:
			return n.finalWith(stage, st, resp, resp.ToolCalls), nil

		default:
			n.answerQueries(stage, st, p.queries)

			if len(p.others) > 0 {
				return n.finalWith(stage, st, resp, p.others), nil
			}
		}
	}

	// Every round produced built-in calls; one closing call without them.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	st.estimatedTokens += n.opts.Estimator.Estimate(st.prompt)

	resp, err := n.generate(ctx, stage, st, n.toolSet(stageTools, st, true), true)
	if err != nil {
		return nil, err
	}

	return n.final(stage, st, resp, partitionCalls(resp.ToolCalls)), nil
}

func (n *Nucleus) overBudget(tokens int) bool {
	limit := n.cfg.MaxContextTokens
	return limit > 0 && float64(tokens) >= budgetThreshold*float64(limit)
}

// canFulfill reports whether retrieval calls of this round can be resolved.
func (n *Nucleus) canFulfill(st *loopState) bool {
	return n.opts.Provider != nil && n.opts.Scope != nil && !st.retrievalRemoved
}

// toolSet assembles the tools offered for one round.
func (n *Nucleus) toolSet(stageTools []model.ToolDefinition, st *loopState, suppress bool) []model.ToolDefinition {
	out := append([]model.ToolDefinition(nil), stageTools...)

	if suppress {
		return out
	}

	if n.queryAvailable() {
		out = append(out, tool.Definition(n.query))
	}

	if !st.retrievalRemoved {
		out = append(out, retrievalDefinition())
	}

	return out
}

func (n *Nucleus) queryAvailable() bool {
	return (n.cfg.Snapshot != nil && n.cfg.Snapshot.HasFacts()) || n.opts.Scope != nil
}

// generate performs one model call and records it before returning.
func (n *Nucleus) generate(ctx context.Context, stage Stage, st *loopState, tools []model.ToolDefinition, suppressed bool) (*model.Response, error) {
	if n.opts.Limiter != nil {
		if err := n.opts.Limiter.Increment(); err != nil {
			return nil, err
		}
	}

	req := model.Request{Prompt: st.prompt, Tools: tools, Config: n.cfg.LLM}

	resp, err := n.llm.Generate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%s round %d: model call: %w", stage, st.round, err)
	}

	if resp == nil {
		resp = &model.Response{}
	}

	st.calls++

	if err := n.recordInference(stage, st, req, resp, suppressed); err != nil {
		return nil, err
	}

	return resp, nil
}

func (n *Nucleus) recordInference(stage Stage, st *loopState, req model.Request, resp *model.Response, suppressed bool) error {
	calls := make([]any, 0, len(resp.ToolCalls))
	for _, c := range resp.ToolCalls {
		calls = append(calls, map[string]any{"name": c.Function.Name, "inputDigest": callDigest(c)})
	}

	output := map[string]any{"reasoning": resp.Reasoning, "calls": calls}

	outputDigest, err := util.Digest(output)
	if err != nil {
		return err
	}

	info := n.llm.Info()

	details := map[string]any{
		"stage":              string(stage),
		"round":              st.round,
		"goalId":             n.cfg.GoalID,
		"contextRef":         n.cfg.ContextRef,
		"promptDigest":       util.HashBytes([]byte(st.prompt)),
		"toolsOffered":       req.ToolNames(),
		"builtinsSuppressed": suppressed,
		"calls":              calls,
		"outputDigest":       outputDigest,
		"reasoning":          resp.Reasoning,
		"model":              firstNonEmpty(n.cfg.LLM.Model, info.Name),
		"provider":           firstNonEmpty(n.cfg.LLM.Provider, info.Provider),
	}

	if n.opts.TaskID != "" {
		details["taskId"] = n.opts.TaskID
	}

	if _, err := n.ledger.Append(ledger.NucleusInference, details); err != nil {
		return fmt.Errorf("record inference: %w", err)
	}

	return nil
}

// answerQueries executes query_context calls and folds their results into
// the prompt.
func (n *Nucleus) answerQueries(stage Stage, st *loopState, calls []model.ToolCall) {
	results := make([]map[string]any, len(calls))

	for i, c := range calls {
		args, err := c.Args()
		if err != nil {
			results[i] = queryError(ErrCodeMissingArgument, err.Error())
		} else {
			results[i] = n.query.Execute(args)
		}

		n.recordToolCall(stage, st, c, results[i])
	}

	st.prompt = appendQueryResults(st.prompt, calls, results)
}

func (n *Nucleus) recordToolCall(stage Stage, st *loopState, c model.ToolCall, result any) {
	details := map[string]any{
		"tool":        c.Function.Name,
		"stage":       string(stage),
		"round":       st.round,
		"inputDigest": callDigest(c),
	}

	if d, err := util.Digest(result); err == nil {
		details["outputDigest"] = d
	}

	if code, ok := errorCode(result); ok {
		details["error"] = code
	}

	if n.opts.TaskID != "" {
		details["taskId"] = n.opts.TaskID
	}

	if _, err := n.ledger.Append(ledger.ToolCall, details); err != nil {
		n.opts.Logger.Warn("nucleus.ledger.append_failed", "tool", c.Function.Name, "error", err)
	}
}

// fulfill resolves retrieval directives through the provider in one call.
func (n *Nucleus) fulfill(ctx context.Context, stage Stage, st *loopState, calls []model.ToolCall) error {
	directives, err := directivesOf(calls)
	if err != nil {
		return err
	}

	n.opts.Logger.Info("nucleus.retrieval.fulfill", "stage", stage, "round", st.round, "directives", len(directives))

	res, err := n.opts.Provider.Fulfill(ctx, FulfillRequest{
		Directives: directives,
		Scope:      n.opts.Scope,
		GoalID:     n.cfg.GoalID,
		RunID:      n.opts.RunID,
		TaskID:     n.opts.TaskID,
		Ledger:     n.opts.Ledger,
	})
	if err != nil {
		return fmt.Errorf("%s round %d: fulfill retrieval: %w", stage, st.round, err)
	}

	st.fulfillments++
	if st.fulfillments >= n.cfg.MaxRetrievalRounds {
		st.retrievalRemoved = true
	}

	var added []string
	if res != nil {
		for _, a := range res.Artifacts {
			added = append(added, fmt.Sprintf("%s (%s)", a.ID, a.Type))
		}
	}

	st.prompt += contextUpdatedMarker(directives, added, !st.retrievalRemoved)

	return nil
}

func (n *Nucleus) final(stage Stage, st *loopState, resp *model.Response, p partition) *Result {
	calls := resp.ToolCalls
	if len(p.others) > 0 {
		calls = p.others
	}

	return n.finalWith(stage, st, resp, calls)
}

func (n *Nucleus) finalWith(stage Stage, st *loopState, resp *model.Response, calls []model.ToolCall) *Result {
	r := &Result{
		Stage:     stage,
		Reasoning: resp.Reasoning,
		ToolCalls: append([]model.ToolCall(nil), calls...),
		Prompt:    st.prompt,
		Metrics:   st.metrics(),
		Raw:       resp.Raw,
	}

	for _, c := range calls {
		if classify(c.Function.Name) != kindRetrieval {
			continue
		}

		r.NeedsContext = true

		if args, err := c.Args(); err == nil {
			if d, ok := args["directive"].(string); ok && strings.TrimSpace(d) != "" {
				r.Directives = append(r.Directives, strings.TrimSpace(d))
			}
		}
	}

	n.opts.Logger.Debug("nucleus.result",
		"stage", stage, "rounds", r.Metrics.Rounds, "toolCalls", len(r.ToolCalls),
		"needsContext", r.NeedsContext, "budgetExhausted", r.Metrics.BudgetExhausted)

	return r
}

func directivesOf(calls []model.ToolCall) ([]string, error) {
	out := make([]string, 0, len(calls))

	for _, c := range calls {
		args, err := c.Args()
		if err != nil {
			return nil, err
		}

		d, _ := args["directive"].(string)
		if d = strings.TrimSpace(d); d == "" {
			return nil, ErrEmptyDirective
		}

		out = append(out, d)
	}

	return out, nil
}

func callDigest(c model.ToolCall) string {
	args, err := c.Args()
	if err != nil {
		return util.HashBytes(c.Function.Arguments)
	}

	if args == nil {
		args = map[string]any{}
	}

	d, err := util.Digest(args)
	if err != nil {
		return util.HashBytes(c.Function.Arguments)
	}

	return d
}

func errorCode(result any) (string, bool) {
	m, ok := result.(map[string]any)
	if !ok {
		return "", false
	}

	code, ok := m["error"].(string)

	return code, ok
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
