package llm

import (
	"context"
	"sync"
)

// MockClient implements Client for tests. Generate answers come from
// GenerateFunc when set, otherwise a canned response; every request is
// recorded for assertions.
type MockClient struct {
	GenerateFunc   func(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)
	ListModelsFunc func(ctx context.Context) ([]ModelInfo, error)

	mu    sync.Mutex
	calls []GenerateRequest
}

func (m *MockClient) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()

	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, req)
	}
	return &GenerateResponse{
		Content: "mock response",
		Model:   req.Model,
		Usage:   TokenUsage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150},
	}, nil
}

func (m *MockClient) ListModels(ctx context.Context) ([]ModelInfo, error) {
	if m.ListModelsFunc != nil {
		return m.ListModelsFunc(ctx)
	}
	return []ModelInfo{
		{Name: "mock-thinking", Capability: CapabilityThinking},
		{Name: "mock-task", Capability: CapabilityTask},
	}, nil
}

// Calls returns a copy of every recorded Generate request.
func (m *MockClient) Calls() []GenerateRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]GenerateRequest(nil), m.calls...)
}
