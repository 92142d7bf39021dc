package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fareminion/fareminion/core"
)

func TestRetrySucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), &RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
	}, func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryRecoversFromTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), &RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
	}, func() error {
		calls++
		if calls < 3 {
			return errors.New("proxy connection refused")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), &RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
	}, func() error {
		calls++
		return errors.New("network timeout")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, core.ErrMaxRetriesExceeded)
}

func TestRetryStopsOnNonRetryableError(t *testing.T) {
	calls := 0
	permanent := errors.New("invalid credentials")
	err := Retry(context.Background(), &RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
	}, func() error {
		calls++
		return permanent
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, permanent)
}

func TestRetryBackoffDoubles(t *testing.T) {
	var gaps []time.Duration
	last := time.Now()
	calls := 0
	_ = Retry(context.Background(), &RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   20 * time.Millisecond,
	}, func() error {
		now := time.Now()
		if calls > 0 {
			gaps = append(gaps, now.Sub(last))
		}
		last = now
		calls++
		return errors.New("timeout")
	})
	require.Len(t, gaps, 2)
	// First gap ~20ms, second ~40ms.
	assert.GreaterOrEqual(t, gaps[0], 20*time.Millisecond)
	assert.GreaterOrEqual(t, gaps[1], 40*time.Millisecond)
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := Retry(ctx, &RetryConfig{
		MaxAttempts: 10,
		BaseDelay:   time.Second,
	}, func() error {
		calls++
		return errors.New("timeout")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestRetryCustomPredicate(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), &RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		Retryable:   func(error) bool { return false },
	}, func() error {
		calls++
		return errors.New("timeout")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
