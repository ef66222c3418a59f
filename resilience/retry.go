// Package resilience provides retry with exponential backoff and the
// transient-failure classification shared by the process manager and the
// agent execution paths.
package resilience

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/slopmasterai/maestro/core"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterEnabled bool
}

// DefaultRetryConfig provides sensible defaults
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
}

// Delay returns the backoff before the given retry attempt (0-based):
// initial × factor^attempt plus up to 10% jitter, capped at MaxDelay.
func (c *RetryConfig) Delay(attempt int) time.Duration {
	delay := float64(c.InitialDelay)
	for i := 0; i < attempt; i++ {
		delay *= c.BackoffFactor
		if delay >= float64(c.MaxDelay) {
			delay = float64(c.MaxDelay)
			break
		}
	}
	d := time.Duration(delay)
	if d > c.MaxDelay {
		d = c.MaxDelay
	}
	if c.JitterEnabled {
		d += time.Duration(rand.Int63n(int64(d)/10 + 1))
	}
	return d
}

// Retry executes fn until it succeeds, the attempts are exhausted, or the
// context is cancelled. The shouldRetry predicate may be nil to retry every
// error.
func Retry(ctx context.Context, config *RetryConfig, shouldRetry func(error) bool, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error
	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
			if shouldRetry != nil && !shouldRetry(err) {
				return err
			}
		}

		if attempt == config.MaxAttempts-1 {
			break
		}

		timer := time.NewTimer(config.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("max retry attempts (%d) exceeded for %v: %w", config.MaxAttempts, lastErr, core.ErrMaxRetriesExceeded)
}
