package client

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var breakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "lrn_flight_breaker_transitions_total",
	Help: "Total number of circuit breaker state changes by target state",
}, []string{"state"})

// State represents the state of the circuit breaker.
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
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker stops calls to a failing peer. After maxFailures
// consecutive failures it opens; once timeout has passed a single probe is
// let through, and its outcome closes or reopens the circuit.
// It is thread-safe.
type CircuitBreaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	maxFailures int
	timeout     time.Duration
	lastFailure time.Time
	probing     bool
	now         func() time.Time
}

// NewCircuitBreaker creates a new CircuitBreaker.
func NewCircuitBreaker(maxFailures int, timeout time.Duration) *CircuitBreaker {
	if maxFailures < 1 {
		maxFailures = 1
	}
	return &CircuitBreaker{
		state:       StateClosed,
		maxFailures: maxFailures,
		timeout:     timeout,
		now:         time.Now,
	}
}

// Allow reports whether a call may proceed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if cb.now().Sub(cb.lastFailure) <= cb.timeout {
			return false
		}
		cb.transition(StateHalfOpen)
		cb.probing = true
		return true
	default:
		// one probe at a time
		if cb.probing {
			return false
		}
		cb.probing = true
		return true
	}
}

// Success records a successful operation.
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.probing = false
	if cb.state != StateClosed {
		cb.transition(StateClosed)
	}
}

// Failure records a failed operation.
func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = cb.now()
	cb.probing = false

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.maxFailures {
			cb.transition(StateOpen)
		}
	case StateHalfOpen:
		cb.transition(StateOpen)
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) transition(to State) {
	cb.state = to
	breakerTransitions.WithLabelValues(to.String()).Inc()
}
