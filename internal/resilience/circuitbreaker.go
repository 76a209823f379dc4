// Package resilience protects remote calls made by worker jobs.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is matched by errors returned while the circuit rejects
// calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig contains configuration for circuit breaker behavior
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that open the circuit
	FailureThreshold int

	// RecoveryTimeout is how long the circuit stays open before one probe call
	RecoveryTimeout time.Duration
}

// CircuitBreakerStats provides counters about circuit breaker operation
type CircuitBreakerStats struct {
	State            CircuitState `json:"state"`
	Failures         int          `json:"consecutive_failures"`
	Rejected         int64        `json:"rejected"`
	StateChangedTime time.Time    `json:"state_changed_time"`
	NextRetryTime    time.Time    `json:"next_retry_time,omitempty"`
}

// CircuitBreaker fails calls fast after repeated failures. After the
// recovery timeout a single probe call decides whether it closes again.
type CircuitBreaker struct {
	config CircuitBreakerConfig
	logger *zap.Logger
	name   string
	now    func() time.Time

	mu               sync.Mutex
	state            CircuitState
	failures         int
	rejected         int64
	probing          bool
	stateChangedTime time.Time
	nextRetryTime    time.Time
}

// NewCircuitBreaker creates a closed circuit breaker
func NewCircuitBreaker(name string, config CircuitBreakerConfig, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 1
	}
	return &CircuitBreaker{
		config:           config,
		logger:           logger.Named("circuit-breaker").With(zap.String("name", name)),
		name:             name,
		now:              time.Now,
		state:            StateClosed,
		stateChangedTime: time.Now(),
	}
}

// Execute runs fn unless the circuit is open
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.allowRequest(); err != nil {
		return err
	}

	err := fn(ctx)
	if err != nil && ctx.Err() != nil {
		// Cancellation says nothing about the remote side.
		cb.releaseProbe()
		return err
	}
	if err != nil {
		cb.recordFailure(err)
		return err
	}
	cb.recordSuccess()
	return nil
}

func (cb *CircuitBreaker) allowRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Before(cb.nextRetryTime) {
			cb.rejected++
			return cb.openError()
		}
		cb.setState(StateHalfOpen)
		cb.probing = true
		return nil
	case StateHalfOpen:
		if cb.probing {
			cb.rejected++
			return cb.openError()
		}
		cb.probing = true
		return nil
	default:
		return nil
	}
}

func (cb *CircuitBreaker) openError() error {
	return &CircuitBreakerError{Name: cb.name, State: cb.state, RetryAt: cb.nextRetryTime}
}

func (cb *CircuitBreaker) releaseProbe() {
	cb.mu.Lock()
	cb.probing = false
	cb.mu.Unlock()
}

func (cb *CircuitBreaker) recordFailure(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.probing = false

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.logger.Warn("Opening circuit",
				zap.Int("consecutive_failures", cb.failures),
				zap.Error(err))
			cb.setState(StateOpen)
		}
	case StateHalfOpen:
		cb.logger.Warn("Probe failed, reopening circuit", zap.Error(err))
		cb.setState(StateOpen)
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.probing = false
	if cb.state != StateClosed {
		cb.setState(StateClosed)
	}
}

// setState must be called with mu held
func (cb *CircuitBreaker) setState(newState CircuitState) {
	oldState := cb.state
	cb.state = newState
	cb.stateChangedTime = cb.now()

	switch newState {
	case StateOpen:
		cb.nextRetryTime = cb.stateChangedTime.Add(cb.config.RecoveryTimeout)
	case StateClosed:
		cb.failures = 0
		cb.nextRetryTime = time.Time{}
	}

	cb.logger.Info("Circuit breaker state changed",
		zap.String("old_state", oldState.String()),
		zap.String("new_state", newState.String()),
		zap.Time("next_retry", cb.nextRetryTime))
}

// GetState returns the current circuit breaker state
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// GetStats returns a snapshot of the breaker counters
func (cb *CircuitBreaker) GetStats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitBreakerStats{
		State:            cb.state,
		Failures:         cb.failures,
		Rejected:         cb.rejected,
		StateChangedTime: cb.stateChangedTime,
		NextRetryTime:    cb.nextRetryTime,
	}
}

// Reset closes the circuit
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.probing = false
	cb.setState(StateClosed)
}

// CircuitBreakerError is returned for calls rejected by an open circuit
type CircuitBreakerError struct {
	Name    string
	State   CircuitState
	RetryAt time.Time
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker %s is %s until %s", e.Name, e.State, e.RetryAt.Format(time.RFC3339))
}

// Is makes errors.Is(err, ErrCircuitOpen) match
func (e *CircuitBreakerError) Is(target error) bool {
	return target == ErrCircuitOpen
}
