package nucleus

import (
	"encoding/json"
	"fmt"
	"sort"
	"unicode/utf8"

	"github.com/hupe1980/agentplan/core"
	"github.com/hupe1980/agentplan/model"
	"github.com/hupe1980/agentplan/packet"
	"github.com/hupe1980/agentplan/scope"
	"github.com/hupe1980/agentplan/tool"
)

// Built-in and sentinel tool names.
const (
	QueryContextToolName = "query_context"
	RetrievalToolName    = "request_context_retrieval"
	CompensationSignal   = "signal_compensation"
	EscalationSignal     = "signal_escalation"
)

// query_context actions.
const (
	ActionList             = "list"
	ActionReadFact         = "read_fact"
	ActionReadAugmentation = "read_augmentation"
	ActionReadAssumptions  = "read_assumptions"
	ActionReadArtifact     = "read_artifact"
)

// Structured error codes returned by query_context.
const (
	ErrCodeUnknownAction        = "unknown_action"
	ErrCodeMissingArgument      = "missing_argument"
	ErrCodeFactNotFound         = "fact_not_found"
	ErrCodeAugmentationNotFound = "augmentation_not_found"
	ErrCodeArtifactNotFound     = "artifact_not_found"
	ErrCodeNoScope              = "scope_unavailable"
)

// QueryContext answers catalog and read requests against a packet snapshot
// and an optional scope. It never returns a Go error; failures are reported
// as {"error": code, "message": ...} payloads the model can read.
type QueryContext struct {
	snapshot *packet.Packet
	scope    *scope.Scope
}

var _ tool.Tool = (*QueryContext)(nil)

// NewQueryContext creates the query_context tool. Either argument may be nil.
func NewQueryContext(snapshot *packet.Packet, sc *scope.Scope) *QueryContext {
	return &QueryContext{snapshot: snapshot, scope: sc}
}

// Name implements tool.Tool.
func (q *QueryContext) Name() string { return QueryContextToolName }

// Description implements tool.Tool.
func (q *QueryContext) Description() string {
	return "Inspect the available context. Use action \"list\" for the catalog of facts, assumptions, " +
		"augmentations and artifacts, then read entries explicitly with read_fact(key), " +
		"read_augmentation(index), read_assumptions() or read_artifact(artifactId)."
}

// Parameters implements tool.Tool.
func (q *QueryContext) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action": map[string]any{
				"type": "string",
				"enum": []string{ActionList, ActionReadFact, ActionReadAugmentation, ActionReadAssumptions, ActionReadArtifact},
			},
			"key":        map[string]any{"type": "string", "description": "Fact key for read_fact"},
			"index":      map[string]any{"type": "integer", "description": "Augmentation index for read_augmentation"},
			"artifactId": map[string]any{"type": "string", "description": "Artifact id for read_artifact"},
		},
		"required": []string{"action"},
	}
}

// Call implements tool.Tool.
func (q *QueryContext) Call(_ *core.ToolContext, args map[string]any) (any, error) {
	return q.Execute(args), nil
}

// Execute dispatches on the action argument.
func (q *QueryContext) Execute(args map[string]any) map[string]any {
	action, _ := args["action"].(string)

	switch action {
	case ActionList:
		return q.list()
	case ActionReadFact:
		return q.readFact(args)
	case ActionReadAugmentation:
		return q.readAugmentation(args)
	case ActionReadAssumptions:
		return q.readAssumptions()
	case ActionReadArtifact:
		return q.readArtifact(args)
	default:
		return queryError(ErrCodeUnknownAction, fmt.Sprintf("unknown action %q", action), "action", action)
	}
}

// FactDescriptor is one catalog line for a fact.
type FactDescriptor struct {
	Key  string `json:"key"`
	Type string `json:"type"`
	Size int    `json:"size"`
}

func (q *QueryContext) factCatalog() []FactDescriptor {
	if q.snapshot == nil {
		return []FactDescriptor{}
	}

	keys := q.snapshot.FactKeys()
	out := make([]FactDescriptor, 0, len(keys))

	for _, k := range keys {
		v, _ := q.snapshot.Fact(k)
		out = append(out, FactDescriptor{Key: k, Type: DescribeType(v), Size: charSize(v)})
	}

	return out
}

func (q *QueryContext) list() map[string]any {
	facts := make([]any, 0)
	for _, f := range q.factCatalog() {
		facts = append(facts, map[string]any{"key": f.Key, "type": f.Type, "size": f.Size})
	}

	assumptions := 0
	byType := map[string]any{}
	augCount := 0

	if q.snapshot != nil {
		assumptions = len(q.snapshot.Assumptions())

		augs := q.snapshot.Augmentations()
		augCount = len(augs)

		for _, a := range augs {
			n, _ := byType[a.Type].(int)
			byType[a.Type] = n + 1
		}
	}

	artifacts := make([]any, 0)

	if q.scope != nil {
		if cat, err := q.scope.Catalog(); err == nil {
			for _, a := range cat {
				artifacts = append(artifacts, map[string]any{"id": a.ID, "type": a.Type, "sizeBytes": a.SizeBytes})
			}
		}
	}

	return map[string]any{
		"action":          ActionList,
		"facts":           facts,
		"assumptionCount": assumptions,
		"augmentations":   map[string]any{"count": augCount, "byType": byType},
		"artifacts":       artifacts,
	}
}

func (q *QueryContext) readFact(args map[string]any) map[string]any {
	key, ok := args["key"].(string)
	if !ok || key == "" {
		return queryError(ErrCodeMissingArgument, "read_fact requires a string \"key\"", "argument", "key")
	}

	if q.snapshot == nil {
		return queryError(ErrCodeFactNotFound, fmt.Sprintf("no fact with key %q", key), "key", key)
	}

	v, found := q.snapshot.Fact(key)
	if !found {
		return queryError(ErrCodeFactNotFound, fmt.Sprintf("no fact with key %q", key), "key", key)
	}

	return map[string]any{"action": ActionReadFact, "key": key, "value": v}
}

func (q *QueryContext) readAugmentation(args map[string]any) map[string]any {
	index, ok := intArg(args["index"])
	if !ok {
		return queryError(ErrCodeMissingArgument, "read_augmentation requires an integer \"index\"", "argument", "index")
	}

	if q.snapshot == nil {
		return queryError(ErrCodeAugmentationNotFound, fmt.Sprintf("no augmentation at index %d", index), "index", index)
	}

	aug, found := q.snapshot.Augmentation(index)
	if !found {
		return queryError(ErrCodeAugmentationNotFound, fmt.Sprintf("no augmentation at index %d", index), "index", index)
	}

	return map[string]any{"action": ActionReadAugmentation, "index": index, "type": aug.Type, "artifact": aug.Artifact}
}

func (q *QueryContext) readAssumptions() map[string]any {
	assumptions := []string{}
	if q.snapshot != nil {
		assumptions = q.snapshot.Assumptions()
	}

	return map[string]any{"action": ActionReadAssumptions, "assumptions": assumptions, "count": len(assumptions)}
}

func (q *QueryContext) readArtifact(args map[string]any) map[string]any {
	id, ok := args["artifactId"].(string)
	if !ok || id == "" {
		return queryError(ErrCodeMissingArgument, "read_artifact requires a string \"artifactId\"", "argument", "artifactId")
	}

	if q.scope == nil {
		return queryError(ErrCodeNoScope, "no internal context scope is attached", "artifactId", id)
	}

	a, err := q.scope.Artifact(id)
	if err != nil {
		return queryError(ErrCodeArtifactNotFound, fmt.Sprintf("no artifact with id %q", id), "artifactId", id)
	}

	return map[string]any{"action": ActionReadArtifact, "id": a.ID, "type": a.Type, "sizeBytes": a.SizeBytes, "content": a.Content}
}

func queryError(code, msg string, kv ...any) map[string]any {
	out := map[string]any{"error": code, "message": msg}
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			out[k] = kv[i+1]
		}
	}
	return out
}

func intArg(v any) (int, bool) {
	switch x := v.(type) {
	case float64:
		if x != float64(int(x)) {
			return 0, false
		}
		return int(x), true
	case int:
		return x, true
	case int64:
		return int(x), true
	case json.Number:
		n, err := x.Int64()
		return int(n), err == nil
	default:
		return 0, false
	}
}

// DescribeType returns the catalog type descriptor of a JSON value:
// string, number, boolean, null, Array(n) or object(k keys).
func DescribeType(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, float32, int, int64, int32, uint, uint64, json.Number:
		return "number"
	case []any:
		return fmt.Sprintf("Array(%d)", len(x))
	case map[string]any:
		return fmt.Sprintf("object(%d keys)", len(x))
	default:
		return "object"
	}
}

// charSize is the character length of a value: rune count for strings,
// length of the JSON encoding otherwise.
func charSize(v any) int {
	if s, ok := v.(string); ok {
		return utf8.RuneCountInString(s)
	}

	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}

	return len(b)
}

func retrievalDefinition() model.ToolDefinition {
	return model.NewToolDefinition(
		RetrievalToolName,
		"Request information that is missing from the context. Describe exactly what is needed; "+
			"prefix the directive with a retrieval source name when one is known.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"directive": map[string]any{"type": "string", "description": "Free-text description of the missing information"},
			},
			"required": []string{"directive"},
		},
	)
}

func signalDefinitions() []model.ToolDefinition {
	params := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"reason": map[string]any{"type": "string"},
		},
		"required": []string{"reason"},
	}

	return []model.ToolDefinition{
		model.NewToolDefinition(CompensationSignal, "Signal that the task output must be compensated (undone or corrected).", params),
		model.NewToolDefinition(EscalationSignal, "Signal that the task output needs escalation to a human or higher authority.", params),
	}
}

// sortedTypes renders an augmentation type summary deterministically.
func sortedTypes(byType map[string]any) []string {
	out := make([]string, 0, len(byType))
	for t, n := range byType {
		out = append(out, fmt.Sprintf("%s x%v", t, n))
	}
	sort.Strings(out)
	return out
}
