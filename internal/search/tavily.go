package search

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"deepresearch/internal/errors"
	"deepresearch/internal/logging"
)

const (
	defaultTavilyURL = "https://api.tavily.com"
	searchPath       = "/search"
)

// TavilyConfig configures the Tavily-style HTTP adapter.
type TavilyConfig struct {
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	RequestsPerMinute int
	SearchDepth       string
	IncludeImages     bool
	// FetchPageContent replaces result snippets with text extracted from
	// the result pages when the snippet is short.
	FetchPageContent bool
}

// tavilyAdapter speaks the Tavily search API.
type tavilyAdapter struct {
	endpoint      string
	apiKey        string
	searchDepth   string
	includeImages bool
	fetchPages    bool
	httpClient    *http.Client
	limiter       *rateLimiter
	fetcher       *pageFetcher
	logger        logging.Logger
}

// NewTavilyAdapter builds the production web-search adapter.
func NewTavilyAdapter(config TavilyConfig) Adapter {
	timeout := 30 * time.Second
	if config.Timeout > 0 {
		timeout = config.Timeout
	}
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = defaultTavilyURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasSuffix(baseURL, searchPath) {
		baseURL += searchPath
	}
	depth := config.SearchDepth
	if depth == "" {
		depth = "basic"
	}
	rpm := config.RequestsPerMinute
	if rpm <= 0 {
		rpm = 60
	}
	client := &http.Client{Timeout: timeout}
	return &tavilyAdapter{
		endpoint:      baseURL,
		apiKey:        config.APIKey,
		searchDepth:   depth,
		includeImages: config.IncludeImages,
		fetchPages:    config.FetchPageContent,
		httpClient:    client,
		limiter:       newRateLimiter(rpm),
		fetcher:       newPageFetcher(client),
		logger:        logging.NewComponentLogger("search-tavily"),
	}
}

func (a *tavilyAdapter) Search(ctx context.Context, query string, maxResults int) (*Response, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errors.New(errors.KindValidation, "search query is empty")
	}
	if a.apiKey == "" {
		return nil, errors.New(errors.KindValidation, "search api key not configured")
	}
	if maxResults < 1 {
		maxResults = 5
	}
	if maxResults > 20 {
		maxResults = 20
	}

	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	reqBody := map[string]any{
		"api_key":        a.apiKey,
		"query":          query,
		"max_results":    maxResults,
		"search_depth":   a.searchDepth,
		"include_answer": true,
	}
	if a.includeImages {
		reqBody["include_images"] = true
		reqBody["include_image_descriptions"] = true
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, err, "encode search request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, err, "build search request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrap(errors.KindCancelled, err, "search cancelled")
		}
		return nil, errors.Wrap(errors.KindUpstreamFailure, err, "search request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(errors.KindUpstreamFailure, err, "read search response")
	}

	if resp.StatusCode != http.StatusOK {
		a.logger.Warn("search api error status=%d query=%q", resp.StatusCode, query)
		kind := errors.KindUpstreamFailure
		if resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout {
			kind = errors.KindUpstreamTimeout
		}
		return nil, errors.New(kind, "search api returned status %d", resp.StatusCode)
	}

	var parsed struct {
		Query   string `json:"query"`
		Answer  string `json:"answer"`
		Results []struct {
			Title         string  `json:"title"`
			URL           string  `json:"url"`
			Content       string  `json:"content"`
			Score         float64 `json:"score"`
			PublishedDate string  `json:"published_date"`
		} `json:"results"`
		Images []struct {
			URL         string `json:"url"`
			Description string `json:"description"`
		} `json:"images"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, errors.Wrap(errors.KindUpstreamFailure, err, "decode search response")
	}

	out := &Response{Query: parsed.Query, Answer: parsed.Answer}
	for _, r := range parsed.Results {
		result := Result{
			Title:         r.Title,
			URL:           r.URL,
			Content:       r.Content,
			Score:         r.Score,
			PublishedDate: r.PublishedDate,
		}
		if a.fetchPages && len(result.Content) < minSnippetChars {
			if text, err := a.fetcher.Fetch(ctx, r.URL); err == nil && len(text) > len(result.Content) {
				result.Content = text
			}
		}
		out.Results = append(out.Results, result)
	}
	for _, img := range parsed.Images {
		out.Images = append(out.Images, Image{URL: img.URL, Description: img.Description})
	}

	a.logger.Debug("search query=%q results=%d images=%d", query, len(out.Results), len(out.Images))
	return out, nil
}

// minSnippetChars is the snippet length below which a full-page fetch is
// attempted to recover usable content.
const minSnippetChars = 200
