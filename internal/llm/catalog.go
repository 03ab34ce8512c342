package llm

import (
	"context"
	"sync"
	"time"

	"deepresearch/internal/logging"
)

// Catalog is the cached listing of available model deployments, tagged by
// capability. The cache is refreshed lazily on expiry; an upstream failure
// falls back to the expired entries rather than returning nothing.
type Catalog struct {
	client Client
	ttl    time.Duration
	logger logging.Logger

	mu        sync.RWMutex
	models    []ModelInfo
	fetchedAt time.Time
}

const defaultCatalogTTL = 30 * time.Minute

// NewCatalog builds a model catalog over client with the given TTL.
func NewCatalog(client Client, ttl time.Duration, logger logging.Logger) *Catalog {
	if ttl <= 0 {
		ttl = defaultCatalogTTL
	}
	return &Catalog{
		client: client,
		ttl:    ttl,
		logger: logging.OrNop(logger),
	}
}

// Models returns the catalog, refreshing it when expired or when force is
// set. On upstream failure expired entries are returned best-effort.
func (c *Catalog) Models(ctx context.Context, force bool) ([]ModelInfo, error) {
	c.mu.RLock()
	fresh := c.models != nil && time.Since(c.fetchedAt) < c.ttl
	cached := c.models
	c.mu.RUnlock()

	if fresh && !force {
		return cached, nil
	}

	models, err := c.client.ListModels(ctx)
	if err != nil {
		if cached != nil {
			c.logger.Warn("model catalog refresh failed, serving %d expired entries: %v", len(cached), err)
			return cached, nil
		}
		return nil, err
	}

	c.mu.Lock()
	c.models = models
	c.fetchedAt = time.Now()
	c.mu.Unlock()
	return models, nil
}

// ByCapability filters the cached catalog.
func (c *Catalog) ByCapability(ctx context.Context, capability Capability) ([]ModelInfo, error) {
	models, err := c.Models(ctx, false)
	if err != nil {
		return nil, err
	}
	out := make([]ModelInfo, 0, len(models))
	for _, m := range models {
		if m.Capability == capability {
			out = append(out, m)
		}
	}
	return out, nil
}

// Invalidate clears the cache so the next call refetches.
func (c *Catalog) Invalidate() {
	c.mu.Lock()
	c.models = nil
	c.fetchedAt = time.Time{}
	c.mu.Unlock()
}
