package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// Session provider errors
	ErrBreakerOpen      = errors.New("circuit breaker open")
	ErrProviderRejected = errors.New("session provider rejected request")
	ErrSessionNotFound  = errors.New("session not found")

	// Operation errors
	ErrTimeout            = errors.New("operation timeout")
	ErrWorkerTimeout      = errors.New("worker deadline exceeded")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	ErrCaptchaUnsolved    = errors.New("captcha not solved")
	ErrSidecarUnavailable = errors.New("captcha sidecar unavailable")
	ErrExtractParse       = errors.New("extraction output not parseable")

	// HTTP/Network errors
	ErrConnectionFailed = errors.New("connection failed")
	ErrRequestFailed    = errors.New("request failed")
)

// OrchestratorError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type OrchestratorError struct {
	Op      string // Operation that failed (e.g., "browserbase.CreateSession")
	Kind    string // Error kind (e.g., "provider_transient", "worker_timeout")
	PairID  int    // Date pair involved, 0 when not pair-scoped
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *OrchestratorError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.PairID > 0 {
			return fmt.Sprintf("%s [pair %d]: %v", e.Op, e.PairID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *OrchestratorError) Unwrap() error {
	return e.Err
}

// NewOrchestratorError creates a new OrchestratorError
func NewOrchestratorError(op, kind string, err error) *OrchestratorError {
	return &OrchestratorError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// IsConfigurationError checks if an error is configuration-related.
// Configuration errors abort the whole request with a terminal error event.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}

// IsProviderPermanent reports whether a session-provider failure should
// skip the worker retry (auth rejection, malformed response).
func IsProviderPermanent(err error) bool {
	return errors.Is(err, ErrProviderRejected)
}

// IsWorkerTimeout reports whether a worker attempt hit its wall deadline.
func IsWorkerTimeout(err error) bool {
	return errors.Is(err, ErrWorkerTimeout) ||
		errors.Is(err, context.DeadlineExceeded)
}

// retryableFragments are the transient failure signatures the default
// retry predicate matches, case-insensitive.
var retryableFragments = []string{
	"proxy",
	"timeout",
	"network",
	"connection refused",
	"etimedout",
}

// IsRetryable checks if an error looks transient (proxy, timeout, network).
// Used as the default predicate for retry-with-backoff.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, fragment := range retryableFragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}
