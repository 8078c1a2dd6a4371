package resilience

import (
	"sync"
	"time"

	"github.com/dcap-x-project/dcap-commerce/types"
)

// State represents the state of a CircuitBreaker
type State int

const (
	// StateClosed is the normal state, calls pass through
	StateClosed State = iota
	// StateOpen short-circuits calls after repeated failures
	StateOpen
	// StateHalfOpen lets probe calls through to test recovery
	StateHalfOpen
)

// String returns the string representation of the state
func (s State) String() string {
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

// CircuitBreaker guards one downstream endpoint, typically a counterparty
// agent or payment rail, against cascading failures
type CircuitBreaker struct {
	mu sync.Mutex

	maxFailures      int
	resetTimeout     time.Duration
	halfOpenRequests int

	state            State
	failures         int
	lastFailureTime  time.Time
	halfOpenAttempts int

	onStateChange func(from, to State)
}

// NewCircuitBreaker creates a circuit breaker that opens after maxFailures
// consecutive failures and probes again after resetTimeout
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		maxFailures:      maxFailures,
		resetTimeout:     resetTimeout,
		halfOpenRequests: 1,
		state:            StateClosed,
	}
}

// SetOnStateChange sets the callback for state changes
func (cb *CircuitBreaker) SetOnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Execute runs fn if the breaker allows it. An open breaker fails fast with
// a transient error so callers treat it like any other downstream outage.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.beforeCall(); err != nil {
		return err
	}
	err := fn()
	cb.afterCall(err)
	return err
}

// State returns the breaker's current state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.refreshLocked()
	return cb.state
}

func (cb *CircuitBreaker) beforeCall() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.refreshLocked()

	switch cb.state {
	case StateOpen:
		return types.NewTransientError("circuit breaker open", nil)
	case StateHalfOpen:
		if cb.halfOpenAttempts >= cb.halfOpenRequests {
			return types.NewTransientError("circuit breaker probing", nil)
		}
		cb.halfOpenAttempts++
	}
	return nil
}

func (cb *CircuitBreaker) afterCall(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		if cb.state == StateHalfOpen {
			cb.setStateLocked(StateClosed)
		}
		cb.failures = 0
		return
	}

	// Non-transient errors are the caller's problem, not the endpoint's
	if !types.IsTransient(err) {
		return
	}

	cb.failures++
	cb.lastFailureTime = time.Now()

	if cb.state == StateHalfOpen || cb.failures >= cb.maxFailures {
		cb.setStateLocked(StateOpen)
	}
}

// refreshLocked moves an open breaker to half-open once the reset timeout
// has lapsed. Caller holds the lock.
func (cb *CircuitBreaker) refreshLocked() {
	if cb.state == StateOpen && time.Since(cb.lastFailureTime) >= cb.resetTimeout {
		cb.setStateLocked(StateHalfOpen)
	}
}

func (cb *CircuitBreaker) setStateLocked(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	switch to {
	case StateClosed:
		cb.failures = 0
		cb.halfOpenAttempts = 0
	case StateHalfOpen:
		cb.halfOpenAttempts = 0
	}
	if cb.onStateChange != nil {
		cb.onStateChange(from, to)
	}
}
