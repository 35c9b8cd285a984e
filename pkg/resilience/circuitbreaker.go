// Package resilience wraps calls to external systems (Kafka, Redis,
// PostgreSQL) with a circuit breaker, backoff retries and deadlines.
package resilience

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

var stateNames = [...]string{"closed", "open", "half-open"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// CircuitBreakerConfig controls when a breaker trips and how it tests for
// recovery. Zero values take the defaults: 5 failures, 30s, 1 trial call.
type CircuitBreakerConfig struct {
	FailureThreshold    int
	ResetTimeout        time.Duration
	HalfOpenMaxRequests int
	// OnStateChange is called with the breaker's lock held on every
	// transition.
	OnStateChange func(name string, from, to State)
}

// CircuitBreaker opens after FailureThreshold consecutive failures, rejects
// calls for ResetTimeout, then lets HalfOpenMaxRequests trial calls through. A
// successful trial closes it and a failed one opens it again.
type CircuitBreaker struct {
	name   string
	cfg    CircuitBreakerConfig
	logger *slog.Logger

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	trials   int
	now      func() time.Time
}

func NewCircuitBreaker(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = 1
	}
	return &CircuitBreaker{
		name:   name,
		cfg:    cfg,
		logger: slog.Default().With("component", "circuit-breaker", "name", name),
		now:    time.Now,
	}
}

func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Execute runs fn unless the breaker rejects the call with ErrCircuitOpen.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn()
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures is the current run of consecutive failures.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen {
		wait := cb.cfg.ResetTimeout - cb.now().Sub(cb.openedAt)
		if wait > 0 {
			return fmt.Errorf("%w: %s (retry after %v)", ErrCircuitOpen, cb.name, wait)
		}
		cb.transition(StateHalfOpen)
	}
	if cb.state == StateHalfOpen {
		if cb.trials >= cb.cfg.HalfOpenMaxRequests {
			return fmt.Errorf("%w: %s (trial in flight)", ErrCircuitOpen, cb.name)
		}
		cb.trials++
	}
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err == nil {
		cb.failures = 0
		if cb.state == StateHalfOpen {
			cb.transition(StateClosed)
		}
		return
	}
	cb.failures++
	if cb.state == StateHalfOpen || cb.failures >= cb.cfg.FailureThreshold {
		cb.transition(StateOpen)
	}
}

// Reset closes the breaker and forgets past failures.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.transition(StateClosed)
}

func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.trials = 0
	if to == StateOpen {
		cb.openedAt = cb.now()
	}
	cb.logger.Info("circuit state changed", "from", from.String(), "to", to.String(), "failures", cb.failures)
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.name, from, to)
	}
}
