// Package search provides the web-search adapter used during research
// execution. Adapters own their upstream courtesy: rate limiting and
// timeouts live here, not in callers.
package search

import "context"

// Result is one web search hit.
type Result struct {
	Title         string  `json:"title"`
	URL           string  `json:"url"`
	Content       string  `json:"content"`
	Score         float64 `json:"score"`
	PublishedDate string  `json:"published_date,omitempty"`
}

// Image is one image hit returned alongside results.
type Image struct {
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
}

// Response is the outcome of one search call.
type Response struct {
	Query   string
	Answer  string
	Results []Result
	Images  []Image
}

// Adapter executes web searches. Implementations enforce their own rate
// limits and return typed results in upstream relevance order.
type Adapter interface {
	Search(ctx context.Context, query string, maxResults int) (*Response, error)
}
