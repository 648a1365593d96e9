package utils

import (
	"context"
	"fmt"
	"sync"
	"time"

	"kite-autotrader/internal/errors"
)

// Clock abstracts time so polling loops can be driven by a test clock.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// SystemClock is the wall clock.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time { return time.Now() }

// Sleep blocks for d or until ctx is done.
func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ManualClock is a Clock whose time only moves when Advance or Sleep is called.
type ManualClock struct {
	mu    sync.Mutex
	now   time.Time
	slept time.Duration
}

// NewManualClock creates a manual clock starting at t.
func NewManualClock(t time.Time) *ManualClock {
	return &ManualClock{now: t}
}

// Now returns the clock's current time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Sleep advances the clock by d without blocking.
func (c *ManualClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.slept += d
	c.mu.Unlock()
	return nil
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Set moves the clock to t.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Slept returns the total duration passed to Sleep.
func (c *ManualClock) Slept() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slept
}

// DefaultPollDelay is the delay between confirmation polls.
const DefaultPollDelay = time.Second

// RetryConfig holds retry configuration.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	// Retryable reports whether a failed attempt is worth repeating. Nil
	// repeats every failure.
	Retryable func(error) bool
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
	}
}

// FixedPolicy returns a policy with a constant delay between attempts.
func FixedPolicy(attempts int, delay time.Duration) RetryConfig {
	return RetryConfig{
		MaxAttempts:   attempts,
		InitialDelay:  delay,
		MaxDelay:      delay,
		BackoffFactor: 1,
	}
}

func (c RetryConfig) next(delay time.Duration) time.Duration {
	factor := c.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	delay = time.Duration(float64(delay) * factor)
	if c.MaxDelay > 0 && delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	return delay
}

// RetryWithResult executes a function with backoff retry and returns a result.
func RetryWithResult[T any](ctx context.Context, clock Clock, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var lastErr error
	var zero T
	delay := cfg.InitialDelay

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if cfg.Retryable != nil && !cfg.Retryable(err) {
			return zero, err
		}

		// Don't sleep after the last attempt
		if attempt < cfg.MaxAttempts-1 {
			if err := clock.Sleep(ctx, delay); err != nil {
				return zero, err
			}
			delay = cfg.next(delay)
		}
	}

	return zero, lastErr
}

// Poll calls check until it reports done, the attempt budget is exhausted, or
// ctx ends. Check errors count as a failed attempt. Exhaustion returns an
// error wrapping errors.ErrConfirmationTimeout.
func Poll(ctx context.Context, clock Clock, cfg RetryConfig, check func(attempt int) (bool, error)) error {
	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		done, err := check(attempt)
		if err == nil && done {
			return nil
		}
		if err != nil {
			lastErr = err
		}

		if attempt < cfg.MaxAttempts-1 {
			if err := clock.Sleep(ctx, delay); err != nil {
				return err
			}
			delay = cfg.next(delay)
		}
	}

	if lastErr != nil {
		return fmt.Errorf("%w after %d attempts: %v", errors.ErrConfirmationTimeout, cfg.MaxAttempts, lastErr)
	}
	return fmt.Errorf("%w after %d attempts", errors.ErrConfirmationTimeout, cfg.MaxAttempts)
}
