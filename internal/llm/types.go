// Package llm presents a single generate contract over heterogeneous model
// families. Family-specific parameter shaping (reasoning models take
// max_completion_tokens and no temperature) is internal to the adapter;
// callers never choose parameter names.
package llm

import (
	"context"
	"time"
)

// GenerateRequest is the uniform request accepted by every client.
type GenerateRequest struct {
	System      string
	Prompt      string
	Model       string
	AgentName   string
	MaxTokens   int
	Temperature float64
	// Grounding asks for the web-grounding tool to be attached. The flag is
	// silently demoted when the adapter has no grounding tool configured.
	Grounding bool
	Metadata  map[string]string
}

// TokenUsage reports token consumption for one call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// GenerateResponse carries the model output and its usage accounting.
type GenerateResponse struct {
	Content string
	Model   string
	Usage   TokenUsage
}

// Capability tags a catalog entry by role.
type Capability string

const (
	CapabilityThinking   Capability = "thinking"
	CapabilityTask       Capability = "task"
	CapabilityEmbedding  Capability = "embedding"
	CapabilitySpecialist Capability = "specialist"
)

// ModelInfo describes one available model deployment.
type ModelInfo struct {
	Name       string     `json:"name"`
	Family     string     `json:"family,omitempty"`
	Capability Capability `json:"capability"`
}

// Client is the adapter contract consumed by the pipeline.
type Client interface {
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)
	ListModels(ctx context.Context) ([]ModelInfo, error)
}

// Config configures the HTTP-backed client.
type Config struct {
	BaseURL       string
	APIKey        string
	Timeout       time.Duration
	MaxRetries    int
	Headers       map[string]string
	GroundingTool string
	UsageCallback func(usage TokenUsage, model string)
}
