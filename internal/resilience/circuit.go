// Package resilience provides fault tolerance for the remote engine:
// bounded retry and a circuit breaker guarding the remote path.
package resilience

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meshcache/meshcache/internal/config"
)

// ErrCircuitOpen is returned when the breaker rejects a call outright.
var ErrCircuitOpen = errors.New("cache: circuit breaker open")

type State int32

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

// CircuitBreaker trips open after consecutive failures and probes again
// after OpenDuration.
type CircuitBreaker struct {
	failureThreshold int
	successThreshold int
	openDuration     time.Duration

	state atomic.Int32

	mu               sync.Mutex
	consecutiveFails int
	consecutiveSuccs int
	openedAt         time.Time

	onStateChange func(from, to State)
}

func NewCircuitBreaker(cfg config.CircuitConfig) *CircuitBreaker {
	cb := &CircuitBreaker{
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		openDuration:     cfg.OpenDuration,
	}

	if cb.failureThreshold <= 0 {
		cb.failureThreshold = 5
	}
	if cb.successThreshold <= 0 {
		cb.successThreshold = 2
	}
	if cb.openDuration <= 0 {
		cb.openDuration = 30 * time.Second
	}

	cb.state.Store(int32(StateClosed))
	return cb
}

// Allow reports whether a call may proceed. An open breaker whose cooldown
// has elapsed moves to half-open and lets the probe through.
func (cb *CircuitBreaker) Allow() bool {
	switch State(cb.state.Load()) {
	case StateClosed, StateHalfOpen:
		return true

	case StateOpen:
		var cb2 func(from, to State)
		var from, to State
		allowed := false

		cb.mu.Lock()
		if time.Since(cb.openedAt) >= cb.openDuration {
			from, to, cb2 = cb.transitionLocked(StateHalfOpen)
			allowed = true
		}
		cb.mu.Unlock()

		if cb2 != nil {
			cb2(from, to)
		}
		return allowed

	default:
		return true
	}
}

func (cb *CircuitBreaker) RecordSuccess() {
	var fn func(from, to State)
	var from, to State

	cb.mu.Lock()
	switch State(cb.state.Load()) {
	case StateClosed:
		cb.consecutiveFails = 0
	case StateHalfOpen:
		cb.consecutiveSuccs++
		if cb.consecutiveSuccs >= cb.successThreshold {
			from, to, fn = cb.transitionLocked(StateClosed)
		}
	}
	cb.mu.Unlock()

	if fn != nil {
		fn(from, to)
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	var fn func(from, to State)
	var from, to State

	cb.mu.Lock()
	switch State(cb.state.Load()) {
	case StateClosed:
		cb.consecutiveFails++
		if cb.consecutiveFails >= cb.failureThreshold {
			from, to, fn = cb.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		from, to, fn = cb.transitionLocked(StateOpen)
	}
	cb.mu.Unlock()

	if fn != nil {
		fn(from, to)
	}
}

// transitionLocked flips state while holding cb.mu; the returned callback,
// if any, must be invoked after the mutex is released.
func (cb *CircuitBreaker) transitionLocked(next State) (State, State, func(from, to State)) {
	prev := State(cb.state.Load())
	if prev == next {
		return prev, next, nil
	}

	switch next {
	case StateClosed:
		cb.consecutiveFails = 0
		cb.consecutiveSuccs = 0
	case StateOpen:
		cb.openedAt = time.Now()
		cb.consecutiveSuccs = 0
	case StateHalfOpen:
		cb.consecutiveSuccs = 0
	}

	cb.state.Store(int32(next))
	return prev, next, cb.onStateChange
}

func (cb *CircuitBreaker) State() State {
	return State(cb.state.Load())
}

func (cb *CircuitBreaker) IsOpen() bool {
	return cb.State() == StateOpen
}

// SetOnStateChange installs a synchronous transition callback. It must be
// fast and must not call back into the breaker's mutating methods.
func (cb *CircuitBreaker) SetOnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFails = 0
	cb.consecutiveSuccs = 0
	cb.state.Store(int32(StateClosed))
}
