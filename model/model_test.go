package model

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToolCall_Args(t *testing.T) {
	tc := NewToolCall("c1", "query_context", map[string]any{"action": "read_fact", "key": "orderId"})
	args, err := tc.Args()
	require.NoError(t, err)
	assert.Equal(t, "read_fact", args["action"])

	empty, err := ToolCall{}.Args()
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = ToolCall{Function: ToolCallFunction{Name: "x", Arguments: []byte("{bad")}}.Args()
	assert.Error(t, err)
}

func TestMockModel_ScriptAndRecording(t *testing.T) {
	m := NewMockModel("mock", "mock").
		AddResponse(Response{ToolCalls: []ToolCall{NewToolCall("1", "query_context", map[string]any{"action": "list"})}}).
		AddResponse(Response{Reasoning: "done"})

	ctx := context.Background()
	tools := []ToolDefinition{NewToolDefinition("query_context", "", nil)}

	r1, err := m.Generate(ctx, Request{Prompt: "p1", Tools: tools})
	require.NoError(t, err)
	assert.Len(t, r1.ToolCalls, 1)

	r2, err := m.Generate(ctx, Request{Prompt: "p2"})
	require.NoError(t, err)
	assert.Equal(t, "done", r2.Reasoning)

	r3, err := m.Generate(ctx, Request{Prompt: "p3"})
	require.NoError(t, err)
	assert.Equal(t, "done", r3.Reasoning)

	reqs := m.Requests()
	require.Len(t, reqs, 3)
	assert.True(t, reqs[0].HasTool("query_context"))
	assert.Equal(t, []string{}, reqs[1].ToolNames())
	assert.Equal(t, 3, m.Calls())
}

func TestMockModel_HandlerAndCancellation(t *testing.T) {
	m := NewMockModel("mock", "mock").OnGenerate(func(req Request, call int) (*Response, error) {
		return &Response{Reasoning: req.Prompt}, nil
	})

	r, err := m.Generate(context.Background(), Request{Prompt: "echo"})
	require.NoError(t, err)
	assert.Equal(t, "echo", r.Reasoning)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Generate(ctx, Request{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFunc(t *testing.T) {
	var f Model = Func(func(_ context.Context, req Request) (*Response, error) {
		return &Response{Reasoning: "ok"}, nil
	})

	r, err := f.Generate(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "ok", r.Reasoning)
	assert.Equal(t, "func", f.Info().Provider)
}
