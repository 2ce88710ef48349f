package provider

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/hupe1980/agentplan/core"
	"github.com/hupe1980/agentplan/internal/util"
	"github.com/hupe1980/agentplan/ledger"
	"github.com/hupe1980/agentplan/logging"
	"github.com/hupe1980/agentplan/nucleus"
	"github.com/hupe1980/agentplan/scope"
	"github.com/hupe1980/agentplan/tool"
)

// ArtifactSpec lets a bound tool return explicitly typed artifacts.
type ArtifactSpec struct {
	Type       string         `json:"type"`
	Content    any            `json:"content"`
	Provenance map[string]any `json:"provenance,omitempty"`
}

// Binding routes matching directives to a tool.
type Binding struct {
	Tool tool.Tool

	// Match reports whether the binding handles a directive. Defaults to a
	// case-insensitive prefix match on the tool name.
	Match func(directive string) bool

	// BuildInput turns a directive into tool arguments. Defaults to
	// {"query": <directive without prefix>, "directive": <directive>}.
	BuildInput func(directive string, req nucleus.FulfillRequest) (map[string]any, error)

	// AutoPromote promotes every produced artifact.
	AutoPromote bool

	// MaxArtifacts caps the artifacts one call may produce. Zero is unlimited.
	MaxArtifacts int

	// ArtifactType is used for results that carry no type. Defaults to the
	// tool name.
	ArtifactType string
}

// Options configures an Adapter.
type Options struct {
	Ledger ledger.Appender
	Logger logging.Logger
}

// Adapter implements nucleus.ContextProvider over ordered bindings.
type Adapter struct {
	bindings []Binding
	opts     Options
}

var _ nucleus.ContextProvider = (*Adapter)(nil)

// New creates an Adapter. Bindings are consulted in order.
func New(bindings []Binding, optFns ...func(o *Options)) (*Adapter, error) {
	opts := Options{
		Ledger: ledger.Discard,
		Logger: logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Ledger == nil {
		opts.Ledger = ledger.Discard
	}

	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	bs := make([]Binding, len(bindings))

	for i, b := range bindings {
		if b.Tool == nil {
			return nil, fmt.Errorf("binding %d: tool is required", i)
		}

		if b.MaxArtifacts < 0 {
			return nil, fmt.Errorf("binding %s: maxArtifacts must not be negative", b.Tool.Name())
		}

		name := b.Tool.Name()

		if b.Match == nil {
			b.Match = PrefixMatch(name)
		}

		if b.BuildInput == nil {
			b.BuildInput = func(directive string, _ nucleus.FulfillRequest) (map[string]any, error) {
				return map[string]any{"query": StripPrefix(directive, name), "directive": directive}, nil
			}
		}

		if b.ArtifactType == "" {
			b.ArtifactType = name
		}

		bs[i] = b
	}

	return &Adapter{bindings: bs, opts: opts}, nil
}

// ToolNames lists the bound tool names in binding order.
func (a *Adapter) ToolNames() []string {
	out := make([]string, 0, len(a.bindings))
	for _, b := range a.bindings {
		out = append(out, b.Tool.Name())
	}
	return out
}

// Fulfill resolves every directive or none. Unmatched directives are
// reported together before any tool runs.
func (a *Adapter) Fulfill(ctx context.Context, req nucleus.FulfillRequest) (*nucleus.FulfillResult, error) {
	if req.Scope == nil {
		return nil, ErrNoScope
	}

	routes := make([]int, len(req.Directives))

	var unmatched []string

	for i, d := range req.Directives {
		routes[i] = a.match(d)
		if routes[i] < 0 {
			unmatched = append(unmatched, d)
		}
	}

	if len(unmatched) > 0 {
		a.opts.Logger.Warn("provider.directives.unmatched", "count", len(unmatched))
		return nil, &UnmatchedError{Directives: unmatched}
	}

	res := &nucleus.FulfillResult{}

	for i, d := range req.Directives {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if err := a.resolve(ctx, a.bindings[routes[i]], d, req, res); err != nil {
			return nil, err
		}
	}

	return res, nil
}

func (a *Adapter) match(directive string) int {
	for i, b := range a.bindings {
		if b.Match(directive) {
			return i
		}
	}
	return -1
}

func (a *Adapter) resolve(ctx context.Context, b Binding, directive string, req nucleus.FulfillRequest, res *nucleus.FulfillResult) error {
	name := b.Tool.Name()

	input, err := b.BuildInput(directive, req)
	if err != nil {
		return fmt.Errorf("binding %s: build input: %w", name, err)
	}

	toolCtx := core.NewToolContext(ctx, core.NewID(), a.opts.Logger).WithRun(req.RunID, req.TaskID)

	out, err := callTool(b.Tool, toolCtx, input)
	if err != nil {
		return fmt.Errorf("binding %s: %w", name, err)
	}

	specs := normalize(out, b.ArtifactType)
	if b.MaxArtifacts > 0 && len(specs) > b.MaxArtifacts {
		return fmt.Errorf("%w: %s produced %d, max %d", ErrTooManyArtifacts, name, len(specs), b.MaxArtifacts)
	}

	ids := make([]any, 0, len(specs))

	for _, spec := range specs {
		id, err := a.store(req.Scope, b, directive, spec)
		if err != nil {
			return err
		}

		art, err := req.Scope.Artifact(id)
		if err != nil {
			return err
		}

		res.Artifacts = append(res.Artifacts, art)
		ids = append(ids, id)

		if b.AutoPromote {
			if _, err := req.Scope.Promote(id); err != nil {
				return err
			}

			res.Promoted = append(res.Promoted, id)
		}
	}

	details := map[string]any{
		"tool":        name,
		"directive":   directive,
		"inputDigest": util.MustDigest(input),
		"artifacts":   ids,
		"autoPromote": b.AutoPromote,
	}

	if req.TaskID != "" {
		details["taskId"] = req.TaskID
	}

	appender := a.opts.Ledger
	if req.Ledger != nil {
		appender = req.Ledger
	}

	if _, err := appender.Append(ledger.ToolCall, details); err != nil {
		return err
	}

	a.opts.Logger.Info("provider.directive.resolved", "tool", name, "artifacts", len(ids), "promoted", b.AutoPromote)

	return nil
}

func (a *Adapter) store(sc *scope.Scope, b Binding, directive string, spec ArtifactSpec) (string, error) {
	prov := make(map[string]any, len(spec.Provenance)+2)
	for k, v := range spec.Provenance {
		prov[k] = v
	}

	prov["tool"] = b.Tool.Name()
	prov["directive"] = directive

	return sc.AddArtifact(spec.Type, spec.Content, prov)
}

// callTool invokes t, converting panics into errors.
func callTool(t tool.Tool, toolCtx *core.ToolContext, input map[string]any) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			toolCtx.Logger().Error("provider.tool.panic", "tool", t.Name(), "recover", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("tool %s panicked: %v", t.Name(), r)
		}
	}()

	return t.Call(toolCtx, input)
}

// normalize turns a tool result into artifact specs.
func normalize(out any, defaultType string) []ArtifactSpec {
	switch v := out.(type) {
	case nil:
		return nil
	case ArtifactSpec:
		return []ArtifactSpec{withType(v, defaultType)}
	case *ArtifactSpec:
		if v == nil {
			return nil
		}
		return []ArtifactSpec{withType(*v, defaultType)}
	case []ArtifactSpec:
		specs := make([]ArtifactSpec, 0, len(v))
		for _, s := range v {
			specs = append(specs, withType(s, defaultType))
		}
		return specs
	case []any:
		specs := make([]ArtifactSpec, 0, len(v))
		for _, item := range v {
			specs = append(specs, normalize(item, defaultType)...)
		}
		return specs
	case map[string]any:
		if spec, ok := specFromMap(v); ok {
			return []ArtifactSpec{withType(spec, defaultType)}
		}
		return []ArtifactSpec{{Type: defaultType, Content: v}}
	default:
		return []ArtifactSpec{{Type: defaultType, Content: v}}
	}
}

// specFromMap recognises {"content": ..., "type"?: ..., "provenance"?: ...}.
func specFromMap(m map[string]any) (ArtifactSpec, bool) {
	content, ok := m["content"]
	if !ok {
		return ArtifactSpec{}, false
	}

	for k := range m {
		if k != "content" && k != "type" && k != "provenance" {
			return ArtifactSpec{}, false
		}
	}

	spec := ArtifactSpec{Content: content}
	spec.Type, _ = m["type"].(string)
	spec.Provenance, _ = m["provenance"].(map[string]any)

	return spec, true
}

func withType(s ArtifactSpec, defaultType string) ArtifactSpec {
	if s.Type == "" {
		s.Type = defaultType
	}
	return s
}

// PrefixMatch matches directives starting with prefix, ignoring case.
func PrefixMatch(prefix string) func(string) bool {
	p := strings.ToLower(prefix)
	return func(directive string) bool {
		return strings.HasPrefix(strings.ToLower(strings.TrimSpace(directive)), p)
	}
}

// StripPrefix removes prefix and any following separator from directive.
func StripPrefix(directive, prefix string) string {
	d := strings.TrimSpace(directive)
	if len(d) >= len(prefix) && strings.EqualFold(d[:len(prefix)], prefix) {
		d = d[len(prefix):]
	}
	return strings.TrimSpace(strings.TrimLeft(d, ":-> \t"))
}
