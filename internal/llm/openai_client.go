package llm

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"deepresearch/internal/errors"
	"deepresearch/internal/logging"
	id "deepresearch/internal/utils/id"
)

// openaiClient speaks the OpenAI-compatible chat completions API.
type openaiClient struct {
	baseURL       string
	apiKey        string
	httpClient    *http.Client
	headers       map[string]string
	groundingTool string
	usageCallback func(usage TokenUsage, model string)
	logger        logging.Logger
}

// NewOpenAIClient constructs a client for the OpenAI-compatible chat
// completions API using the provided configuration.
func NewOpenAIClient(config Config) Client {
	timeout := 120 * time.Second
	if config.Timeout > 0 {
		timeout = config.Timeout
	}
	return &openaiClient{
		baseURL:       strings.TrimRight(config.BaseURL, "/"),
		apiKey:        config.APIKey,
		httpClient:    &http.Client{Timeout: timeout},
		headers:       config.Headers,
		groundingTool: config.GroundingTool,
		usageCallback: config.UsageCallback,
		logger:        logging.NewComponentLogger("llm-openai"),
	}
}

func (c *openaiClient) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	requestID := id.RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = id.NewRequestID()
	}
	prefix := fmt.Sprintf("[req:%s] ", requestID)

	messages := []map[string]string{}
	if req.System != "" {
		messages = append(messages, map[string]string{"role": "system", "content": req.System})
	}
	messages = append(messages, map[string]string{"role": "user", "content": req.Prompt})

	payload := map[string]any{
		"model":    req.Model,
		"messages": messages,
		"stream":   false,
	}
	for k, v := range shapeParams(req) {
		payload[k] = v
	}
	if req.Grounding && c.groundingTool != "" {
		payload["tools"] = []map[string]any{{"type": c.groundingTool}}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, err, "marshal llm request")
	}

	c.logger.Debug("%sPOST %s/chat/completions model=%s prompt_chars=%d",
		prefix, c.baseURL, req.Model, len(req.System)+len(req.Prompt))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, err, "build llm request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, errors.Wrap(errors.KindUpstreamTimeout, err, "llm call timed out")
		}
		return nil, errors.Wrap(errors.KindUpstreamFailure, err, "llm call failed")
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(errors.KindUpstreamFailure, err, "read llm response")
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("%sLLM API error status=%d body=%s", prefix, resp.StatusCode, truncateForLog(respBody))
		kind := errors.KindUpstreamFailure
		if resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout {
			kind = errors.KindUpstreamTimeout
		}
		return nil, errors.New(kind, "llm api returned status %d", resp.StatusCode)
	}

	var parsed struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage TokenUsage `json:"usage"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, errors.Wrap(errors.KindUpstreamFailure, err, "decode llm response")
	}
	if len(parsed.Choices) == 0 {
		return nil, errors.New(errors.KindUpstreamFailure, "llm response contained no choices")
	}

	c.logger.Debug("%sresponse tokens=%d finish=%s",
		prefix, parsed.Usage.TotalTokens, parsed.Choices[0].FinishReason)

	if c.usageCallback != nil {
		c.usageCallback(parsed.Usage, req.Model)
	}

	model := parsed.Model
	if model == "" {
		model = req.Model
	}
	return &GenerateResponse{
		Content: parsed.Choices[0].Message.Content,
		Model:   model,
		Usage:   parsed.Usage,
	}, nil
}

// CreateAgent provisions a named assistant on the backend so grounded
// runs can reuse one deployment per agent name.
func (c *openaiClient) CreateAgent(ctx context.Context, name, model string, tools []string) (*Agent, error) {
	toolSpecs := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		toolSpecs = append(toolSpecs, map[string]any{"type": t})
	}
	payload := map[string]any{
		"model": model,
		"tools": toolSpecs,
	}
	if name != "" {
		payload["name"] = name
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, err, "marshal agent request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/assistants", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, err, "build agent request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("OpenAI-Beta", "assistants=v2")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, errors.Wrap(errors.KindUpstreamTimeout, err, "agent creation timed out")
		}
		return nil, errors.Wrap(errors.KindUpstreamFailure, err, "agent creation failed")
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(errors.KindUpstreamFailure, err, "read agent response")
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		c.logger.Warn("assistants API error status=%d body=%s", resp.StatusCode, truncateForLog(respBody))
		return nil, errors.New(errors.KindUpstreamFailure, "assistants api returned status %d", resp.StatusCode)
	}

	var parsed struct {
		ID    string `json:"id"`
		Name  string `json:"name"`
		Model string `json:"model"`
		Tools []struct {
			Type string `json:"type"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, errors.Wrap(errors.KindUpstreamFailure, err, "decode agent response")
	}
	if parsed.ID == "" {
		return nil, errors.New(errors.KindUpstreamFailure, "assistants api returned no agent id")
	}

	agent := &Agent{ID: parsed.ID, Name: parsed.Name, Model: parsed.Model}
	if agent.Model == "" {
		agent.Model = model
	}
	for _, t := range parsed.Tools {
		agent.Tools = append(agent.Tools, t.Type)
	}
	return agent, nil
}

func (c *openaiClient) ListModels(ctx context.Context) ([]ModelInfo, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, err, "build models request")
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(errors.KindUpstreamFailure, err, "list models")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.New(errors.KindUpstreamFailure, "models api returned status %d", resp.StatusCode)
	}

	var parsed struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, errors.Wrap(errors.KindUpstreamFailure, err, "decode models response")
	}

	models := make([]ModelInfo, 0, len(parsed.Data))
	for _, m := range parsed.Data {
		models = append(models, ModelInfo{
			Name:       m.ID,
			Capability: classifyCapability(m.ID),
		})
	}
	return models, nil
}

// classifyCapability tags a deployment by its likely role in the roster.
func classifyCapability(model string) Capability {
	lowered := strings.ToLower(model)
	switch {
	case strings.Contains(lowered, "embed"):
		return CapabilityEmbedding
	case reasoningFamily(lowered):
		return CapabilityThinking
	case strings.Contains(lowered, "mini") || strings.Contains(lowered, "nano"):
		return CapabilityTask
	default:
		return CapabilitySpecialist
	}
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	var te timeouter
	if stderrors.As(err, &te) {
		return te.Timeout()
	}
	return strings.Contains(err.Error(), "Client.Timeout exceeded")
}

func truncateForLog(body []byte) string {
	const limit = 512
	if len(body) <= limit {
		return string(body)
	}
	return string(body[:limit]) + "..."
}
