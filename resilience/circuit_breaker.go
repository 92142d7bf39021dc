package resilience

import (
	"fmt"
	"sync"
	"time"

	"github.com/fareminion/fareminion/core"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the breaker thresholds.
type CircuitBreakerConfig struct {
	// Name identifies the breaker in logs ("session_creation").
	Name string
	// FailureThreshold trips the breaker when consecutive-weighted
	// failures reach it.
	FailureThreshold int
	// ResetTimeout is how long the breaker stays open before allowing
	// a single probe request.
	ResetTimeout time.Duration
	Logger       core.Logger
}

// CircuitBreaker protects an upstream from a stream of failing calls.
// Closed admits everything; Open rejects everything until ResetTimeout
// elapses; then a single probe is admitted (HalfOpen). A successful probe
// closes the breaker, a failed one re-opens it and restarts the timer.
//
// In the Closed state a success decrements the failure count rather than
// zeroing it, so intermittent failures against a degraded upstream still
// accumulate toward the threshold.
type CircuitBreaker struct {
	config CircuitBreakerConfig
	logger core.Logger

	mu          sync.Mutex
	state       State
	failures    int
	openedAt    time.Time
	probeInFlit bool

	// clock is replaceable in tests
	clock func() time.Time
}

// NewCircuitBreaker creates a breaker with the given config, filling in
// defaults: threshold 5, reset timeout 60s.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 60 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &CircuitBreaker{
		config: config,
		logger: logger,
		state:  StateClosed,
		clock:  time.Now,
	}
}

// Allow reports whether a request may proceed. When the breaker is open and
// the reset timeout has elapsed, the first caller is admitted as the
// half-open probe; concurrent callers are rejected until the probe settles.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		if cb.clock().Sub(cb.openedAt) < cb.config.ResetTimeout {
			return cb.rejection()
		}
		cb.transition(StateHalfOpen)
		cb.probeInFlit = true
		return nil
	case StateHalfOpen:
		if cb.probeInFlit {
			return cb.rejection()
		}
		cb.probeInFlit = true
		return nil
	}
	return nil
}

func (cb *CircuitBreaker) rejection() error {
	return &core.OrchestratorError{
		Op:      cb.config.Name,
		Kind:    "breaker_open",
		Message: fmt.Sprintf("circuit breaker %q is open", cb.config.Name),
		Err:     core.ErrBreakerOpen,
	}
}

// Record reports the outcome of a call previously admitted by Allow.
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.onSuccess()
	} else {
		cb.onFailure()
	}
}

func (cb *CircuitBreaker) onSuccess() {
	switch cb.state {
	case StateClosed:
		if cb.failures > 0 {
			cb.failures--
		}
	case StateHalfOpen:
		cb.probeInFlit = false
		cb.failures = 0
		cb.transition(StateClosed)
	}
}

func (cb *CircuitBreaker) onFailure() {
	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.open()
		}
	case StateHalfOpen:
		cb.probeInFlit = false
		cb.open()
	}
}

// open trips the breaker and zeroes the counter: the next Closed period
// starts its count fresh.
func (cb *CircuitBreaker) open() {
	cb.failures = 0
	cb.openedAt = cb.clock()
	cb.transition(StateOpen)
}

func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	cb.state = to
	cb.logger.Info("Circuit breaker state change", map[string]interface{}{
		"operation": "circuit_breaker",
		"breaker":   cb.config.Name,
		"from":      from.String(),
		"to":        to.String(),
		"failures":  cb.failures,
	})
}

// State returns the current state, advancing Open→HalfOpen is NOT done
// here; only Allow performs transitions.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the current failure count, for metrics.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Execute runs fn under the breaker: Allow, run, Record. The caller gets
// either the rejection error or fn's own error.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	err := fn()
	cb.Record(err)
	return err
}
