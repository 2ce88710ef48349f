package model

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// ToolCall represents a function call request surfaced by a model provider.
// Unified across vendors so downstream logic does not need per-provider branching.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"` // "function"
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction describes the concrete function target of a tool call.
type ToolCallFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Args decodes the call arguments into a generic map. Empty or null
// arguments yield an empty map.
func (tc ToolCall) Args() (map[string]any, error) {
	args := map[string]any{}
	if len(tc.Function.Arguments) == 0 || string(tc.Function.Arguments) == "null" {
		return args, nil
	}

	if err := json.Unmarshal(tc.Function.Arguments, &args); err != nil {
		return nil, fmt.Errorf("decode arguments for %s: %w", tc.Function.Name, err)
	}

	return args, nil
}

// NewToolCall builds a ToolCall with JSON encoded arguments.
func NewToolCall(id, name string, args map[string]any) ToolCall {
	raw, err := json.Marshal(args)
	if err != nil || args == nil {
		raw = json.RawMessage("{}")
	}

	return ToolCall{ID: id, Type: "function", Function: ToolCallFunction{Name: name, Arguments: raw}}
}

// ToolDefinition declaratively exposes a callable function to the model.
type ToolDefinition struct {
	Type     string             `json:"type"` // "function"
	Function FunctionDefinition `json:"function"`
}

// FunctionDefinition describes an individual function (tool) exposed to the model.
// Parameters is a JSON Schema object (draft agnostic, minimal subset expected).
type FunctionDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// NewToolDefinition builds a function tool definition.
func NewToolDefinition(name, description string, parameters map[string]any) ToolDefinition {
	return ToolDefinition{Type: "function", Function: FunctionDefinition{Name: name, Description: description, Parameters: parameters}}
}

// Config carries per-call model settings. Zero values defer to the
// provider adapter's defaults.
type Config struct {
	Provider    string   `json:"provider,omitempty" yaml:"provider"`
	Model       string   `json:"model,omitempty" yaml:"model"`
	Temperature *float64 `json:"temperature,omitempty" yaml:"temperature"`
	Seed        *int64   `json:"seed,omitempty" yaml:"seed"`
	MaxTokens   int64    `json:"maxTokens,omitempty" yaml:"maxTokens"`
}

// Request is a single model call.
type Request struct {
	Prompt string           `json:"prompt"`
	Tools  []ToolDefinition `json:"tools,omitempty"`
	Config Config           `json:"config"`
}

// ToolNames lists the names of the offered tools in order.
func (r Request) ToolNames() []string {
	names := make([]string, len(r.Tools))
	for i, t := range r.Tools {
		names[i] = t.Function.Name
	}
	return names
}

// HasTool reports whether a tool with name is offered.
func (r Request) HasTool(name string) bool {
	for _, t := range r.Tools {
		if t.Function.Name == name {
			return true
		}
	}
	return false
}

// TokenUsage captures token usage statistics for a response.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the model output for one call.
type Response struct {
	Reasoning    string      `json:"reasoning,omitempty"`
	ToolCalls    []ToolCall  `json:"toolCalls,omitempty"`
	FinishReason string      `json:"finishReason,omitempty"`
	Usage        *TokenUsage `json:"usage,omitempty"`
	Raw          any         `json:"-"`
}

// Info contains metadata about a model implementation.
type Info struct {
	Name          string `json:"name"`
	Provider      string `json:"provider"` // "openai", "anthropic", "mock", etc.
	SupportsTools bool   `json:"supports_tools"`
}

// Model is the injected model-call contract.
type Model interface {
	Generate(ctx context.Context, req Request) (*Response, error)

	// Info returns information about the model implementation.
	Info() Info
}

// Func adapts a plain function to the Model interface.
type Func func(ctx context.Context, req Request) (*Response, error)

// Generate implements Model.
func (f Func) Generate(ctx context.Context, req Request) (*Response, error) { return f(ctx, req) }

// Info implements Model.
func (f Func) Info() Info { return Info{Name: "func", Provider: "func", SupportsTools: true} }

// MockModel is a scripted in‑memory Model useful for tests & examples. It
// replays queued responses in order and records every request. When the
// script is exhausted the last response is repeated.
type MockModel struct {
	info Info

	mu        sync.Mutex
	responses []Response
	handler   func(req Request, call int) (*Response, error)
	requests  []Request
}

// NewMockModel constructs a MockModel with tool support enabled.
func NewMockModel(name, provider string) *MockModel {
	return &MockModel{info: Info{Name: name, Provider: provider, SupportsTools: true}}
}

// AddResponse queues a canned response.
func (m *MockModel) AddResponse(resp Response) *MockModel {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.responses = append(m.responses, resp)

	return m
}

// OnGenerate installs a dynamic handler that takes precedence over queued
// responses. call is zero based.
func (m *MockModel) OnGenerate(fn func(req Request, call int) (*Response, error)) *MockModel {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.handler = fn

	return m
}

// Generate implements Model.
func (m *MockModel) Generate(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	call := len(m.requests)
	m.requests = append(m.requests, cloneRequest(req))
	handler := m.handler

	var resp *Response
	if handler == nil {
		switch {
		case len(m.responses) == 0:
			resp = &Response{Reasoning: fmt.Sprintf("Mock response to: %.40s", req.Prompt), FinishReason: "stop"}
		case call < len(m.responses):
			r := m.responses[call]
			resp = &r
		default:
			r := m.responses[len(m.responses)-1]
			resp = &r
		}
	}
	m.mu.Unlock()

	if handler != nil {
		return handler(req, call)
	}

	return resp, nil
}

// Requests returns copies of every request received so far.
func (m *MockModel) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Request, len(m.requests))
	for i, r := range m.requests {
		out[i] = cloneRequest(r)
	}

	return out
}

// Calls returns the number of Generate invocations.
func (m *MockModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.requests)
}

// Info implements Model interface.
func (m *MockModel) Info() Info { return m.info }

func cloneRequest(r Request) Request {
	r.Tools = append([]ToolDefinition(nil), r.Tools...)
	return r
}
