package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lazzyms/token-usage-metrics/adapters/clock"
	"github.com/lazzyms/token-usage-metrics/domain/breaker"
	"github.com/lazzyms/token-usage-metrics/pkg/errclass"
)

func newTestPolicy(b *breaker.Breaker, maxRetries int) *RetryPolicy {
	p := NewRetryPolicy(b, maxRetries, 10*time.Millisecond, time.Second)
	p.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return p
}

func TestRetry_PermanentNotRetried(t *testing.T) {
	b := breaker.New(10, time.Minute, clock.NewFake(time.Now()))
	p := newTestPolicy(b, 3)

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errclass.Permanent(errors.New("malformed row"))
	})
	if err == nil {
		t.Fatal("permanent error should propagate")
	}
	if calls != 1 {
		t.Errorf("permanent error should not be retried, backend called %d times", calls)
	}
}

func TestRetry_TransientRetriedUpToBound(t *testing.T) {
	b := breaker.New(10, time.Minute, clock.NewFake(time.Now()))
	p := newTestPolicy(b, 3)

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errclass.Transient(errors.New("connection reset"))
	})
	if err == nil {
		t.Fatal("exhausted retries should report the last error")
	}
	if calls != 4 {
		t.Errorf("expected initial attempt + 3 retries, got %d calls", calls)
	}
}

func TestRetry_SucceedsMidway(t *testing.T) {
	b := breaker.New(10, time.Minute, clock.NewFake(time.Now()))
	p := newTestPolicy(b, 5)

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errclass.Transient(errors.New("timeout"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("should succeed on third attempt: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	if b.Failures() != 0 {
		t.Errorf("success should have reset breaker failures, got %d", b.Failures())
	}
}

func TestRetry_BreakerOpenShortCircuits(t *testing.T) {
	clk := clock.NewFake(time.Now())
	b := breaker.New(1, time.Minute, clk)
	b.Failure()

	p := newTestPolicy(b, 3)

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})
	if !errors.Is(err, breaker.ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if calls != 0 {
		t.Errorf("open breaker must not touch the backend, got %d calls", calls)
	}
}

func TestRetry_DelayGrowsExponentially(t *testing.T) {
	b := breaker.New(10, time.Minute, clock.NewFake(time.Now()))
	p := NewRetryPolicy(b, 5, 100*time.Millisecond, 10*time.Second)

	prev := time.Duration(0)
	for attempt := 0; attempt < 5; attempt++ {
		d := p.delay(attempt)
		// Pre-jitter floor doubles each attempt; jitter adds < baseDelay.
		floor := 100 * time.Millisecond << uint(attempt)
		if d < floor || d >= floor+100*time.Millisecond {
			t.Errorf("attempt %d delay %v outside [%v, %v)", attempt, d, floor, floor+100*time.Millisecond)
		}
		if d <= prev {
			t.Errorf("delay should strictly increase pre-jitter: %v after %v", d, prev)
		}
		prev = floor
	}
}

func TestRetry_DelayCapped(t *testing.T) {
	b := breaker.New(10, time.Minute, clock.NewFake(time.Now()))
	p := NewRetryPolicy(b, 10, time.Second, 5*time.Second)

	d := p.delay(9)
	if d >= 5*time.Second+time.Second {
		t.Errorf("delay should cap at maxDelay + jitter, got %v", d)
	}
}

func TestRetry_ContextCancelAbandonsBackoff(t *testing.T) {
	b := breaker.New(10, time.Minute, clock.NewFake(time.Now()))
	p := NewRetryPolicy(b, 5, 10*time.Second, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- p.Do(ctx, func(ctx context.Context) error {
			calls++
			return errclass.Transient(errors.New("down"))
		})
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected an error after cancellation")
		}
		if calls != 1 {
			t.Errorf("backoff should be abandoned, got %d calls", calls)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Do should return promptly after ctx cancellation")
	}
}
