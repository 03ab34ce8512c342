package search

import (
	"context"
	"sync"
	"time"

	"deepresearch/internal/errors"
)

// rateLimiter is a sliding-window request cap. Wait blocks until a slot
// opens within the window instead of rejecting, so bursts degrade into
// delays rather than failures.
type rateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	sent   []time.Time
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

func newRateLimiter(requestsPerMinute int) *rateLimiter {
	return &rateLimiter{
		limit:  requestsPerMinute,
		window: time.Minute,
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return errors.Wrap(errors.KindCancelled, ctx.Err(), "rate limit wait interrupted")
	case <-timer.C:
		return nil
	}
}

// Wait blocks until a request slot is available, then records the send.
func (l *rateLimiter) Wait(ctx context.Context) error {
	if l.limit <= 0 {
		return nil
	}
	for {
		l.mu.Lock()
		now := l.now()
		cutoff := now.Add(-l.window)
		kept := l.sent[:0]
		for _, t := range l.sent {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		l.sent = kept

		if len(l.sent) < l.limit {
			l.sent = append(l.sent, now)
			l.mu.Unlock()
			return nil
		}
		wait := l.sent[0].Add(l.window).Sub(now)
		l.mu.Unlock()

		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}
