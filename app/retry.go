package app

import (
	"context"
	"math/rand"
	"time"

	"github.com/lazzyms/token-usage-metrics/domain/breaker"
	"github.com/lazzyms/token-usage-metrics/pkg/errclass"
)

const (
	DefaultMaxRetries     = 3
	DefaultRetryBaseDelay = 500 * time.Millisecond
	DefaultRetryMaxDelay  = 30 * time.Second
)

// RetryPolicy wraps a single backend operation with bounded retries using
// exponential backoff plus jitter, consulting the circuit breaker before
// each attempt. Permanent failures propagate immediately; breaker
// rejections never consume a retry slot.
type RetryPolicy struct {
	breaker    *breaker.Breaker
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration

	// sleep is swappable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetryPolicy creates a policy. Zero values fall back to defaults.
func NewRetryPolicy(b *breaker.Breaker, maxRetries int, baseDelay, maxDelay time.Duration) *RetryPolicy {
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	if baseDelay <= 0 {
		baseDelay = DefaultRetryBaseDelay
	}
	if maxDelay <= 0 {
		maxDelay = DefaultRetryMaxDelay
	}
	return &RetryPolicy{
		breaker:    b,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		sleep:      sleepCtx,
	}
}

// Do runs op, retrying transient failures up to maxRetries additional times.
// Every attempt's outcome is reported to the breaker. In-flight backoff is
// abandoned once ctx expires.
func (p *RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := p.breaker.Allow(); err != nil {
			return err
		}

		lastErr = op(ctx)
		p.breaker.Record(lastErr)
		if lastErr == nil {
			return nil
		}
		if !errclass.IsTransient(lastErr) {
			return lastErr
		}
		if attempt >= p.maxRetries {
			return lastErr
		}
		if err := p.sleep(ctx, p.delay(attempt)); err != nil {
			return lastErr
		}
	}
}

// delay computes base * 2^attempt capped at maxDelay, plus a random jitter
// in [0, base).
func (p *RetryPolicy) delay(attempt int) time.Duration {
	d := p.baseDelay << uint(attempt)
	if d <= 0 || d > p.maxDelay {
		d = p.maxDelay
	}
	return d + time.Duration(rand.Int63n(int64(p.baseDelay)))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
