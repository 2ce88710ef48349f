package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentplan/model"
)

const completion = `{
  "id": "chatcmpl-1",
  "object": "chat.completion",
  "created": 1,
  "model": "gpt-4o-mini",
  "choices": [{
    "index": 0,
    "finish_reason": "tool_calls",
    "message": {
      "role": "assistant",
      "content": "need the order",
      "tool_calls": [{"id": "call_1", "type": "function", "function": {"name": "query_context", "arguments": "{\"action\":\"read_fact\",\"key\":\"orderId\"}"}}]
    }
  }],
  "usage": {"prompt_tokens": 12, "completion_tokens": 5, "total_tokens": 17}
}`

func TestGenerate_MapsRequestAndResponse(t *testing.T) {
	var body map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completion))
	}))
	defer srv.Close()

	client := openai.NewClient(option.WithBaseURL(srv.URL), option.WithAPIKey("test"), option.WithMaxRetries(0))
	m := NewModelFromClient(&client, func(o *Options) { o.SystemPrompt = "be brief" })

	temp := 0.0
	seed := int64(7)

	resp, err := m.Generate(context.Background(), model.Request{
		Prompt: "Where is order O123?",
		Tools:  []model.ToolDefinition{model.NewToolDefinition("query_context", "Read the packet", map[string]any{"type": "object"})},
		Config: model.Config{Model: "gpt-4.1", Temperature: &temp, Seed: &seed},
	})
	require.NoError(t, err)

	assert.Equal(t, "gpt-4.1", body["model"])
	assert.Equal(t, float64(7), body["seed"])
	assert.Len(t, body["messages"], 2)
	assert.Len(t, body["tools"], 1)

	assert.Equal(t, "need the order", resp.Reasoning)
	assert.Equal(t, "tool_calls", resp.FinishReason)
	assert.Equal(t, 17, resp.Usage.TotalTokens)
	require.Len(t, resp.ToolCalls, 1)

	args, err := resp.ToolCalls[0].Args()
	require.NoError(t, err)
	assert.Equal(t, "orderId", args["key"])
}

func TestGenerate_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad request","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	client := openai.NewClient(option.WithBaseURL(srv.URL), option.WithAPIKey("test"), option.WithMaxRetries(0))

	_, err := NewModelFromClient(&client).Generate(context.Background(), model.Request{Prompt: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "openai api error")
}
