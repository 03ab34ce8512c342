package llm

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"

	"deepresearch/internal/logging"
)

// Agent is a stateful assistant resource created on an agent-style backend.
type Agent struct {
	ID    string
	Name  string
	Model string
	Tools []string
}

// AgentAPI creates assistant resources. Implemented by agent-style backends.
type AgentAPI interface {
	CreateAgent(ctx context.Context, name, model string, tools []string) (*Agent, error)
}

// AgentCache caches one agent per name so repeated calls with the same agent
// name reuse the backend resource instead of creating a new one.
type AgentCache struct {
	api           AgentAPI
	cache         *lru.Cache[string, *Agent]
	groundingTool string
	logger        logging.Logger
}

const defaultAgentCacheSize = 64

// NewAgentCache builds an agent cache over the given backend API.
func NewAgentCache(api AgentAPI, size int, groundingTool string, logger logging.Logger) (*AgentCache, error) {
	if size <= 0 {
		size = defaultAgentCacheSize
	}
	cache, err := lru.New[string, *Agent](size)
	if err != nil {
		return nil, err
	}
	return &AgentCache{
		api:           api,
		cache:         cache,
		groundingTool: groundingTool,
		logger:        logging.OrNop(logger),
	}, nil
}

// Get returns the cached agent for name, creating it on first use. When
// grounding is requested and a grounding tool is configured, the agent is
// created with that tool attached; otherwise the flag is silently demoted.
// Creation failures fall back to a nameless, tool-less agent of the same
// model; the failure is logged, never surfaced.
func (c *AgentCache) Get(ctx context.Context, name, model string, grounding bool) (*Agent, error) {
	if name != "" {
		if agent, ok := c.cache.Get(name); ok {
			return agent, nil
		}
	}

	var tools []string
	if grounding && c.groundingTool != "" {
		tools = []string{c.groundingTool}
	}

	agent, err := c.api.CreateAgent(ctx, name, model, tools)
	if err != nil {
		c.logger.Warn("agent creation failed for %q (model=%s): %v; falling back to nameless agent", name, model, err)
		agent, err = c.api.CreateAgent(ctx, "", model, nil)
		if err != nil {
			return nil, err
		}
		return agent, nil
	}

	if name != "" {
		c.cache.Add(name, agent)
	}
	return agent, nil
}

// Invalidate drops the cached agent for name.
func (c *AgentCache) Invalidate(name string) {
	c.cache.Remove(name)
}
