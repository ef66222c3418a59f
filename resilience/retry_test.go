package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slopmasterai/maestro/core"
)

func TestDelayExponentialGrowth(t *testing.T) {
	config := &RetryConfig{
		MaxAttempts:   5,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
	}

	assert.Equal(t, 100*time.Millisecond, config.Delay(0))
	assert.Equal(t, 200*time.Millisecond, config.Delay(1))
	assert.Equal(t, 400*time.Millisecond, config.Delay(2))
	assert.Equal(t, 800*time.Millisecond, config.Delay(3))
}

func TestDelayCappedAtMax(t *testing.T) {
	config := &RetryConfig{
		MaxAttempts:   10,
		InitialDelay:  time.Second,
		MaxDelay:      3 * time.Second,
		BackoffFactor: 2.0,
	}
	assert.Equal(t, 3*time.Second, config.Delay(5))
	assert.Equal(t, 3*time.Second, config.Delay(50))
}

func TestDelayJitterBounds(t *testing.T) {
	config := &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  time.Second,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
	for i := 0; i < 100; i++ {
		d := config.Delay(0)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 1100*time.Millisecond)
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	config := &RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, BackoffFactor: 2.0}

	attempts := 0
	err := Retry(context.Background(), config, nil, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	config := &RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, BackoffFactor: 2.0}

	attempts := 0
	err := Retry(context.Background(), config, nil, func() error {
		attempts++
		return errors.New("always fails")
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrMaxRetriesExceeded))
	assert.Equal(t, 3, attempts)
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	config := &RetryConfig{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, BackoffFactor: 2.0}
	permanent := errors.New("bad input")

	attempts := 0
	err := Retry(context.Background(), config, func(err error) bool { return false }, func() error {
		attempts++
		return permanent
	})
	assert.Equal(t, permanent, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	config := &RetryConfig{MaxAttempts: 100, InitialDelay: 50 * time.Millisecond, MaxDelay: time.Second, BackoffFactor: 2.0}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := Retry(ctx, config, nil, func() error { return errors.New("keep going") })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTransientExitCodes(t *testing.T) {
	config := DefaultTransientConfig()

	for _, code := range []int{1, 75, 111, 124} {
		assert.True(t, config.IsTransientExitCode(code), "exit code %d", code)
	}
	for _, code := range []int{0, 2, 127} {
		assert.False(t, config.IsTransientExitCode(code), "exit code %d", code)
	}
}

func TestTransientStatusCodes(t *testing.T) {
	config := DefaultTransientConfig()

	assert.True(t, config.IsTransientStatus(429))
	assert.True(t, config.IsTransientStatus(503))
	assert.False(t, config.IsTransientStatus(404))
	assert.False(t, config.IsTransientStatus(200))
}

func TestIsTransientErrorClassification(t *testing.T) {
	config := DefaultTransientConfig()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"retryable_sentinel", core.ErrStoreUnavailable, true},
		{"cancelled_never_transient", core.ErrCancelled, false},
		{"connection_reset_text", errors.New("read tcp: Connection Reset by peer"), true},
		{"rate_limit_text", errors.New("upstream rate limit hit"), true},
		{"server_error_text", errors.New("request failed with 503"), true},
		{"plain_failure", errors.New("invalid argument"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, config.IsTransient(tt.err))
		})
	}
}
