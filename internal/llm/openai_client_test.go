package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deepresearch/internal/errors"
)

func chatCompletionsServer(t *testing.T, handler func(payload map[string]any) (int, string)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		status, body := handler(payload)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
}

func TestOpenAIClientGenerate(t *testing.T) {
	var captured map[string]any
	srv := chatCompletionsServer(t, func(payload map[string]any) (int, string) {
		captured = payload
		return http.StatusOK, `{
			"model": "gpt-4o-2024",
			"choices": [{"message": {"content": "hello"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15}
		}`
	})
	defer srv.Close()

	var usageModel string
	client := NewOpenAIClient(Config{
		BaseURL: srv.URL,
		APIKey:  "test-key",
		UsageCallback: func(usage TokenUsage, model string) {
			usageModel = model
		},
	})

	resp, err := client.Generate(context.Background(), GenerateRequest{
		System:      "You are terse.",
		Prompt:      "Say hello.",
		Model:       "gpt-4o",
		MaxTokens:   256,
		Temperature: 0.2,
	})
	require.NoError(t, err)

	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, "gpt-4o-2024", resp.Model)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
	assert.Equal(t, "gpt-4o", usageModel)

	assert.Equal(t, "gpt-4o", captured["model"])
	assert.Equal(t, float64(256), captured["max_tokens"])
	assert.Equal(t, 0.2, captured["temperature"])
	messages := captured["messages"].([]any)
	require.Len(t, messages, 2)
	assert.Equal(t, "system", messages[0].(map[string]any)["role"])
}

func TestOpenAIClientReasoningModelParams(t *testing.T) {
	var captured map[string]any
	srv := chatCompletionsServer(t, func(payload map[string]any) (int, string) {
		captured = payload
		return http.StatusOK, `{"choices": [{"message": {"content": "ok"}}], "usage": {}}`
	})
	defer srv.Close()

	client := NewOpenAIClient(Config{BaseURL: srv.URL})
	_, err := client.Generate(context.Background(), GenerateRequest{
		Prompt:      "think",
		Model:       "o1-preview",
		MaxTokens:   4096,
		Temperature: 0.7,
	})
	require.NoError(t, err)

	assert.Equal(t, float64(4096), captured["max_completion_tokens"])
	_, hasTemp := captured["temperature"]
	assert.False(t, hasTemp)
	_, hasMax := captured["max_tokens"]
	assert.False(t, hasMax)
}

func TestOpenAIClientGroundingTools(t *testing.T) {
	var captured map[string]any
	srv := chatCompletionsServer(t, func(payload map[string]any) (int, string) {
		captured = payload
		return http.StatusOK, `{"choices": [{"message": {"content": "ok"}}], "usage": {}}`
	})
	defer srv.Close()

	client := NewOpenAIClient(Config{BaseURL: srv.URL, GroundingTool: "web_search"})
	_, err := client.Generate(context.Background(), GenerateRequest{
		Prompt: "grounded", Model: "gpt-4o", Grounding: true,
	})
	require.NoError(t, err)

	tools := captured["tools"].([]any)
	require.Len(t, tools, 1)
	assert.Equal(t, "web_search", tools[0].(map[string]any)["type"])
}

func TestOpenAIClientErrorStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		kind   errors.Kind
	}{
		{http.StatusGatewayTimeout, errors.KindUpstreamTimeout},
		{http.StatusRequestTimeout, errors.KindUpstreamTimeout},
		{http.StatusInternalServerError, errors.KindUpstreamFailure},
		{http.StatusTooManyRequests, errors.KindUpstreamFailure},
	}
	for _, tc := range cases {
		srv := chatCompletionsServer(t, func(payload map[string]any) (int, string) {
			return tc.status, `{"error": "nope"}`
		})
		client := NewOpenAIClient(Config{BaseURL: srv.URL})
		_, err := client.Generate(context.Background(), GenerateRequest{Prompt: "x", Model: "gpt-4o"})
		require.Error(t, err)
		assert.Equal(t, tc.kind, errors.KindOf(err), "status %d", tc.status)
		srv.Close()
	}
}

func TestOpenAIClientEmptyChoices(t *testing.T) {
	srv := chatCompletionsServer(t, func(payload map[string]any) (int, string) {
		return http.StatusOK, `{"choices": [], "usage": {}}`
	})
	defer srv.Close()

	client := NewOpenAIClient(Config{BaseURL: srv.URL})
	_, err := client.Generate(context.Background(), GenerateRequest{Prompt: "x", Model: "gpt-4o"})
	require.Error(t, err)
	assert.Equal(t, errors.KindUpstreamFailure, errors.KindOf(err))
}

func TestOpenAIClientListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/models", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data": [
			{"id": "o1-preview"},
			{"id": "gpt-4o-mini"},
			{"id": "text-embedding-3-small"},
			{"id": "gpt-4o"}
		]}`))
	}))
	defer srv.Close()

	client := NewOpenAIClient(Config{BaseURL: srv.URL})
	models, err := client.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 4)

	byName := map[string]Capability{}
	for _, m := range models {
		byName[m.Name] = m.Capability
	}
	assert.Equal(t, CapabilityThinking, byName["o1-preview"])
	assert.Equal(t, CapabilityTask, byName["gpt-4o-mini"])
	assert.Equal(t, CapabilityEmbedding, byName["text-embedding-3-small"])
	assert.Equal(t, CapabilitySpecialist, byName["gpt-4o"])
}
