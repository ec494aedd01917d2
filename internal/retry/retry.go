// Package retry runs operations with capped exponential backoff.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"
)

// Retryer runs fn until it succeeds, the attempts are exhausted or ctx ends.
type Retryer interface {
	Retry(ctx context.Context, fn func() error) error
}

// Backoff retries with exponential delays between attempts.
type Backoff struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	multiplier float64
	jitter     bool
	sleep      func(ctx context.Context, d time.Duration) error
}

// Option configures a Backoff.
type Option func(*Backoff)

// WithMaxRetries sets how many retries follow the first attempt. A negative
// value retries until the context is cancelled.
func WithMaxRetries(n int) Option {
	return func(b *Backoff) { b.maxRetries = n }
}

// WithBaseDelay sets the delay before the first retry.
func WithBaseDelay(d time.Duration) Option {
	return func(b *Backoff) { b.baseDelay = d }
}

// WithMaxDelay caps the delay between attempts.
func WithMaxDelay(d time.Duration) Option {
	return func(b *Backoff) { b.maxDelay = d }
}

// WithMultiplier sets the growth factor between attempts.
func WithMultiplier(m float64) Option {
	return func(b *Backoff) { b.multiplier = m }
}

// WithoutJitter disables the random extra delay.
func WithoutJitter() Option {
	return func(b *Backoff) { b.jitter = false }
}

// NewBackoff creates a retryer with sensible defaults: 5 retries starting at
// 100ms, doubling up to 30s, with up to 25% jitter.
func NewBackoff(opts ...Option) *Backoff {
	b := &Backoff{
		maxRetries: 5,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   30 * time.Second,
		multiplier: 2.0,
		jitter:     true,
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Retry executes fn with exponential backoff between failed attempts.
func (b *Backoff) Retry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; b.maxRetries < 0 || attempt <= b.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt == b.maxRetries {
			break
		}

		delay := b.Delay(attempt)
		slog.DebugContext(ctx, "Retry attempt failed, waiting before next attempt",
			"event", "retry_attempt", "version", "1.0",
			"attempt", attempt+1, "max_attempts", b.maxRetries+1,
			"delay_ms", delay.Milliseconds(), "error", err)

		if err := b.sleep(ctx, delay); err != nil {
			return err
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", b.maxRetries+1, lastErr)
}

// Delay returns the wait before retry number attempt+1.
func (b *Backoff) Delay(attempt int) time.Duration {
	delay := float64(b.baseDelay) * math.Pow(b.multiplier, float64(attempt))
	if delay > float64(b.maxDelay) {
		delay = float64(b.maxDelay)
	}
	if b.jitter {
		delay += rand.Float64() * delay * 0.25
	}
	return time.Duration(delay)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Immediate retries without waiting. Tests use it to drive resubscribe loops.
type Immediate struct {
	Attempts int
}

// Retry runs fn up to Attempts times, or until it succeeds when Attempts <= 0.
func (r Immediate) Retry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; r.Attempts <= 0 || attempt < r.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = fn(); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("operation failed after %d attempts: %w", r.Attempts, lastErr)
}
