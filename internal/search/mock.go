package search

import (
	"context"
	"sync"
)

// MockAdapter implements Adapter for tests. SearchFunc answers queries when
// set; otherwise a canned single-result response is returned. Queries are
// recorded for assertions.
type MockAdapter struct {
	SearchFunc func(ctx context.Context, query string, maxResults int) (*Response, error)

	mu      sync.Mutex
	queries []string
}

func (m *MockAdapter) Search(ctx context.Context, query string, maxResults int) (*Response, error) {
	m.mu.Lock()
	m.queries = append(m.queries, query)
	m.mu.Unlock()

	if m.SearchFunc != nil {
		return m.SearchFunc(ctx, query, maxResults)
	}
	return &Response{
		Query: query,
		Results: []Result{{
			Title:   "Result for " + query,
			URL:     "https://example.com/result",
			Content: "Mock content for " + query,
			Score:   0.9,
		}},
	}, nil
}

// Queries returns a copy of every recorded query.
func (m *MockAdapter) Queries() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.queries...)
}
