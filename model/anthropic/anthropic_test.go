package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentplan/model"
)

const message = `{
  "id": "msg_1",
  "type": "message",
  "role": "assistant",
  "model": "claude-3-5-sonnet-20241022",
  "content": [
    {"type": "text", "text": "checking policy"},
    {"type": "tool_use", "id": "toolu_1", "name": "memory_search", "input": {"query": "refund"}}
  ],
  "stop_reason": "tool_use",
  "usage": {"input_tokens": 20, "output_tokens": 4}
}`

func TestGenerate_MapsRequestAndResponse(t *testing.T) {
	var body map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(message))
	}))
	defer srv.Close()

	client := anthropic.NewClient(option.WithBaseURL(srv.URL), option.WithAPIKey("test"), option.WithMaxRetries(0))
	m := NewModelFromClient(&client, func(o *Options) { o.SystemPrompt = "be brief" })

	schema := map[string]any{
		"type":       "object",
		"properties": map[string]any{"query": map[string]any{"type": "string"}},
		"required":   []any{"query"},
	}

	resp, err := m.Generate(context.Background(), model.Request{
		Prompt: "Can O123 be refunded?",
		Tools:  []model.ToolDefinition{model.NewToolDefinition("memory_search", "Search policies", schema)},
		Config: model.Config{MaxTokens: 256},
	})
	require.NoError(t, err)

	assert.Equal(t, float64(256), body["max_tokens"])
	assert.NotNil(t, body["system"])

	tools, _ := body["tools"].([]any)
	require.Len(t, tools, 1)
	assert.Equal(t, "memory_search", tools[0].(map[string]any)["name"])

	assert.Equal(t, "checking policy", resp.Reasoning)
	assert.Equal(t, "tool_use", resp.FinishReason)
	assert.Equal(t, 24, resp.Usage.TotalTokens)
	require.Len(t, resp.ToolCalls, 1)

	args, err := resp.ToolCalls[0].Args()
	require.NoError(t, err)
	assert.Equal(t, "refund", args["query"])
}

func TestInfo(t *testing.T) {
	m := NewModel(func(o *Options) { o.Model = "claude-test"; o.APIKey = "k" })
	assert.Equal(t, model.Info{Name: "claude-test", Provider: "anthropic", SupportsTools: true}, m.Info())
}
