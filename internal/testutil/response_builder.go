package testutil

import (
	"fmt"

	"github.com/hupe1980/agentplan/model"
)

// ResponseBuilder constructs scripted model responses.
// Example:
//
//	resp := NewResponseBuilder().Query("list").Build()
type ResponseBuilder struct {
	resp model.Response
}

// NewResponseBuilder creates an empty response builder.
func NewResponseBuilder() *ResponseBuilder { return &ResponseBuilder{} }

// Reasoning sets the reasoning text (chainable).
func (b *ResponseBuilder) Reasoning(text string) *ResponseBuilder {
	b.resp.Reasoning = text
	return b
}

// Call appends a tool call with a sequential id (chainable).
func (b *ResponseBuilder) Call(name string, args map[string]any) *ResponseBuilder {
	id := fmt.Sprintf("call_%d", len(b.resp.ToolCalls)+1)
	b.resp.ToolCalls = append(b.resp.ToolCalls, model.NewToolCall(id, name, args))
	return b
}

// Query appends a query_context call (chainable). kv pairs become arguments.
func (b *ResponseBuilder) Query(action string, kv ...any) *ResponseBuilder {
	args := map[string]any{"action": action}
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			args[k] = kv[i+1]
		}
	}
	return b.Call("query_context", args)
}

// Retrieve appends a request_context_retrieval call (chainable).
func (b *ResponseBuilder) Retrieve(directive string) *ResponseBuilder {
	return b.Call("request_context_retrieval", map[string]any{"directive": directive})
}

// Build returns the response.
func (b *ResponseBuilder) Build() model.Response {
	r := b.resp
	r.ToolCalls = append([]model.ToolCall(nil), b.resp.ToolCalls...)
	return r
}
