package nucleus

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/hupe1980/agentplan/internal/util"
	"github.com/hupe1980/agentplan/model"
)

// Stage names a hook of the Nucleus.
type Stage string

// Hook stages.
const (
	StagePreflight Stage = "preflight"
	StageInvoke    Stage = "invoke"
	StagePostcheck Stage = "postcheck"
)

const antiFabrication = `Rules:
- Do not invent data. Use only what is listed in the context catalog or returned by query_context.
- Read values explicitly with query_context and cite the fact key, augmentation index or artifact id you consulted.
- If required information is missing, call request_context_retrieval with a precise directive instead of guessing.`

const headerTemplate = `Goal: {{.GoalID}}
Intent: {{.Intent}}
Context: {{default "none" .ContextRef}}

{{.Rules}}

Context catalog (values are not included; read them with query_context):
{{- if .Facts}}
Facts:
{{- range .Facts}}
  - {{.Key}} ({{.Type}}, size {{.Size}})
{{- end}}
{{- else}}
Facts: none
{{- end}}
Assumptions: {{.AssumptionCount}}
Augmentations: {{if .Augmentations}}{{join ", " .Augmentations}}{{else}}none{{end}}
{{- if .Artifacts}}
Artifacts:
{{- range .Artifacts}}
  - {{.ID}} ({{.Type}}, {{.SizeBytes}} bytes)
{{- end}}
{{- end}}
{{- if .Sources}}
Retrieval sources (prefix directives with one of these): {{join ", " .Sources}}
{{- end}}
`

var (
	preflightTmpl = util.MustParseTemplate("preflight", headerTemplate+`
Stage: preflight
Check whether the context is sufficient to fulfil the intent. Inspect the catalog with query_context as needed.
If something is missing, call request_context_retrieval once per missing item. Otherwise answer READY.
`)

	invokeTmpl = util.MustParseTemplate("invoke", headerTemplate+`
Stage: invoke
{{- if .Instruction}}
Instruction: {{.Instruction}}
{{- end}}
Task input:
{{.Payload}}
`)

	postcheckTmpl = util.MustParseTemplate("postcheck", headerTemplate+`
Stage: postcheck
Review the task output below against the intent and the context.
Call signal_compensation if the output must be undone or corrected, signal_escalation if it needs a human decision.
Otherwise answer COMPLETE.
Task output:
{{.Payload}}
`)
)

type promptData struct {
	GoalID          string
	Intent          string
	ContextRef      string
	Rules           string
	Facts           []FactDescriptor
	AssumptionCount int
	Augmentations   []string
	Artifacts       []artifactLine
	Sources         []string
	Instruction     string
	Payload         string
}

type artifactLine struct {
	ID        string
	Type      string
	SizeBytes int
}

func (n *Nucleus) renderPrompt(stage Stage, instruction string, payload any) (string, error) {
	data := promptData{
		GoalID:      n.cfg.GoalID,
		Intent:      n.cfg.Intent,
		ContextRef:  n.cfg.ContextRef,
		Rules:       antiFabrication,
		Facts:       n.query.factCatalog(),
		Instruction: instruction,
	}

	if snap := n.cfg.Snapshot; snap != nil {
		data.AssumptionCount = len(snap.Assumptions())

		counts := map[string]any{}
		for _, a := range snap.Augmentations() {
			c, _ := counts[a.Type].(int)
			counts[a.Type] = c + 1
		}

		data.Augmentations = sortedTypes(counts)
	}

	if n.opts.Scope != nil {
		cat, err := n.opts.Scope.Catalog()
		if err != nil {
			return "", err
		}

		for _, a := range cat {
			data.Artifacts = append(data.Artifacts, artifactLine{ID: a.ID, Type: a.Type, SizeBytes: a.SizeBytes})
		}
	}

	if tn, ok := n.opts.Provider.(toolNamer); ok {
		data.Sources = tn.ToolNames()
	}

	if payload != nil {
		b, err := util.CanonicalJSON(payload)
		if err != nil {
			return "", fmt.Errorf("encode %s payload: %w", stage, err)
		}

		data.Payload = string(b)
	}

	tmpl := invokeTmpl

	switch stage {
	case StagePreflight:
		tmpl = preflightTmpl
	case StagePostcheck:
		tmpl = postcheckTmpl
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", stage, err)
	}

	return buf.String(), nil
}

// appendQueryResults folds query_context answers into the prompt.
func appendQueryResults(prompt string, calls []model.ToolCall, results []map[string]any) string {
	var sb strings.Builder

	sb.WriteString(prompt)

	for i, call := range calls {
		args, _ := call.Args()

		argJSON, err := util.CanonicalJSON(args)
		if err != nil {
			argJSON = []byte(call.Function.Arguments)
		}

		resJSON, err := util.CanonicalJSON(results[i])
		if err != nil {
			resJSON = []byte(`{"error":"unencodable_result"}`)
		}

		fmt.Fprintf(&sb, "\n[query_context %s]\n%s\n", argJSON, resJSON)
	}

	return sb.String()
}

// contextUpdatedMarker tells the model what retrieval added.
func contextUpdatedMarker(directives []string, added []string, retrievalRemaining bool) string {
	var sb strings.Builder

	sb.WriteString("\n[context updated] Retrieval fulfilled: ")
	sb.WriteString(strings.Join(directives, "; "))

	if len(added) > 0 {
		sb.WriteString("\nNew artifacts: ")
		sb.WriteString(strings.Join(added, ", "))
	}

	sb.WriteString("\nRe-query the context with query_context before answering.")

	if !retrievalRemaining {
		sb.WriteString(" No further retrieval is available.")
	}

	sb.WriteString("\n")

	return sb.String()
}
