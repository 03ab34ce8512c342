package llm

import (
	"context"
	"time"

	"deepresearch/internal/errors"
	"deepresearch/internal/logging"
)

// retryClient wraps a Client with transient-only retries. Phases do not
// retry by default; retries apply only when explicitly enabled through
// configuration and never to validation or parse failures.
type retryClient struct {
	underlying Client
	maxRetries int
	baseDelay  time.Duration
	logger     logging.Logger
}

// NewRetryClient wraps client with up to maxRetries transient retries.
// maxRetries <= 0 returns client unchanged.
func NewRetryClient(client Client, maxRetries int) Client {
	if maxRetries <= 0 {
		return client
	}
	return &retryClient{
		underlying: client,
		maxRetries: maxRetries,
		baseDelay:  500 * time.Millisecond,
		logger:     logging.NewComponentLogger("llm-retry"),
	}
}

func (c *retryClient) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.baseDelay * time.Duration(1<<(attempt-1))
			c.logger.Debug("retrying llm call (attempt %d/%d) after %v: %v",
				attempt, c.maxRetries, delay, lastErr)
			select {
			case <-ctx.Done():
				return nil, errors.Wrap(errors.KindCancelled, ctx.Err(), "llm retry interrupted")
			case <-time.After(delay):
			}
		}

		resp, err := c.underlying.Generate(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !errors.IsTransient(err) {
			return nil, err
		}
	}
	c.logger.Warn("llm call failed after %d retries: %v", c.maxRetries, lastErr)
	return nil, lastErr
}

func (c *retryClient) ListModels(ctx context.Context) ([]ModelInfo, error) {
	return c.underlying.ListModels(ctx)
}
