// Package resilience provides the reliability layer: bounded retries with
// exponential backoff, a circuit breaker guarding session creation, and a
// cheap proxy reachability probe. All policies are independent of the
// operations they wrap; callers compose them.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/fareminion/fareminion/core"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Retryable decides whether an error deserves another attempt.
	// When nil, core.IsRetryable is used.
	Retryable func(error) bool
	Logger    core.Logger
}

// DefaultRetryConfig provides the defaults used for session creation:
// 3 attempts, 2s base delay, doubling each attempt.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// Retry executes fn with exponential backoff. Delay before attempt k+1 is
// BaseDelay * 2^k, capped at MaxDelay. Non-retryable errors abort the loop
// immediately and are returned as-is.
func Retry(ctx context.Context, config *RetryConfig, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}
	retryable := config.Retryable
	if retryable == nil {
		retryable = core.IsRetryable
	}
	logger := config.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	var lastErr error
	delay := config.BaseDelay

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !retryable(err) {
			logger.Debug("Error not retryable, aborting", map[string]interface{}{
				"operation": "retry",
				"attempt":   attempt,
				"error":     err.Error(),
			})
			return err
		}

		if attempt == config.MaxAttempts {
			break
		}

		logger.Warn("Attempt failed, backing off", map[string]interface{}{
			"operation": "retry",
			"attempt":   attempt,
			"delay_ms":  delay.Milliseconds(),
			"error":     err.Error(),
		})

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if config.MaxDelay > 0 && delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}

	return &core.OrchestratorError{
		Op:      "retry",
		Kind:    "retry_exhausted",
		Message: "all attempts failed",
		Err:     errors.Join(core.ErrMaxRetriesExceeded, lastErr),
	}
}
