package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/syntor/querybot/pkg/models"
)

var (
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// CircuitBreaker implements the circuit breaker pattern.
// A single instance is meant to be shared by every caller of the guarded
// dependency so failures are counted across calls.
type CircuitBreaker struct {
	name            string
	state           models.CircuitState
	failureCount    int
	lastFailure     time.Time
	lastStateChange time.Time

	// Configuration
	failureThreshold int
	recoveryTimeout  time.Duration
	isFailure        func(error) bool
	now              func() time.Time

	// Set while the single half-open trial call is in flight
	trialInFlight bool

	// Callbacks run with the breaker lock held and must not call back into it
	onStateChange func(from, to models.CircuitState)

	mu sync.RWMutex
}

// CircuitBreakerConfig holds configuration for a circuit breaker
type CircuitBreakerConfig struct {
	Name             string
	FailureThreshold int           // Guarded failures before opening
	RecoveryTimeout  time.Duration // Time after the last failure before a trial call is allowed
	IsFailure        func(error) bool
	OnStateChange    func(from, to models.CircuitState)
	Now              func() time.Time
}

// DefaultCircuitBreakerConfig returns sensible defaults
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
	}
}

// NewCircuitBreaker creates a new circuit breaker.
// A nil IsFailure counts every error against the threshold.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 60 * time.Second
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &CircuitBreaker{
		name:             config.Name,
		state:            models.CircuitClosed,
		failureThreshold: config.FailureThreshold,
		recoveryTimeout:  config.RecoveryTimeout,
		isFailure:        config.IsFailure,
		now:              config.Now,
		onStateChange:    config.OnStateChange,
		lastStateChange:  config.Now(),
	}
}

// Execute runs fn with circuit breaker protection. While the circuit is
// open fn is not invoked and an error wrapping ErrCircuitOpen is returned.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) (err error) {
	trial, err := cb.allowRequest()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.recordResult(fmt.Errorf("panic: %v", r), trial)
			panic(r)
		}
	}()

	err = fn(ctx)
	cb.recordResult(err, trial)

	return err
}

// Call runs fn through the breaker and returns its value
func Call[T any](ctx context.Context, cb *CircuitBreaker, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := cb.Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// allowRequest decides whether a call may proceed and whether it is the
// half-open trial
func (cb *CircuitBreaker) allowRequest() (bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case models.CircuitOpen:
		if cb.now().Sub(cb.lastFailure) < cb.recoveryTimeout {
			return false, cb.openError()
		}
		cb.transitionTo(models.CircuitHalfOpen)
		cb.trialInFlight = true
		return true, nil

	case models.CircuitHalfOpen:
		if cb.trialInFlight {
			return false, cb.openError()
		}
		cb.trialInFlight = true
		return true, nil
	}

	return false, nil
}

func (cb *CircuitBreaker) openError() error {
	if cb.name == "" {
		return ErrCircuitOpen
	}
	return fmt.Errorf("%w: %s unavailable", ErrCircuitOpen, cb.name)
}

// recordResult records the result of an operation
func (cb *CircuitBreaker) recordResult(err error, trial bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if trial {
		cb.trialInFlight = false
	}

	switch {
	case err == nil:
		cb.recordSuccess()
	case cb.guarded(err):
		cb.recordFailure()
	}
}

func (cb *CircuitBreaker) guarded(err error) bool {
	if cb.isFailure == nil {
		return true
	}
	return cb.isFailure(err)
}

func (cb *CircuitBreaker) recordFailure() {
	cb.failureCount++
	cb.lastFailure = cb.now()

	switch cb.state {
	case models.CircuitClosed:
		if cb.failureCount >= cb.failureThreshold {
			cb.transitionTo(models.CircuitOpen)
		}

	case models.CircuitHalfOpen:
		// Any failure in half-open returns to open
		cb.transitionTo(models.CircuitOpen)
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.failureCount = 0
	if cb.state != models.CircuitClosed {
		cb.transitionTo(models.CircuitClosed)
	}
}

// transitionTo transitions to a new state
func (cb *CircuitBreaker) transitionTo(newState models.CircuitState) {
	oldState := cb.state
	cb.state = newState
	cb.lastStateChange = cb.now()

	switch newState {
	case models.CircuitClosed:
		cb.failureCount = 0
		cb.trialInFlight = false
	case models.CircuitHalfOpen:
		cb.trialInFlight = false
	}

	if cb.onStateChange != nil && oldState != newState {
		cb.onStateChange(oldState, newState)
	}
}

// State returns the current circuit breaker state
func (cb *CircuitBreaker) State() models.CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Name returns the circuit breaker name
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// FailureCount returns the current failure count
func (cb *CircuitBreaker) FailureCount() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.failureCount
}

// Reset manually resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount = 0
	cb.transitionTo(models.CircuitClosed)
}

// ForceOpen manually opens the circuit breaker
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.lastFailure = cb.now()
	cb.transitionTo(models.CircuitOpen)
}

// CircuitBreakerStats is a point-in-time snapshot of a breaker
type CircuitBreakerStats struct {
	Name            string              `json:"name"`
	State           models.CircuitState `json:"state"`
	FailureCount    int                 `json:"failure_count"`
	LastFailure     time.Time           `json:"last_failure"`
	LastStateChange time.Time           `json:"last_state_change"`
}

func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return CircuitBreakerStats{
		Name:            cb.name,
		State:           cb.state,
		FailureCount:    cb.failureCount,
		LastFailure:     cb.lastFailure,
		LastStateChange: cb.lastStateChange,
	}
}
