package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/meshcache/meshcache/internal/config"
	"github.com/meshcache/meshcache/internal/types"
)

// Policy combines the retry budget and the circuit breaker that guard
// remote operations. The total retry budget is bounded by
// attempts x delay per operation.
type Policy struct {
	attempts int
	delay    time.Duration
	breaker  *CircuitBreaker

	totalRetries atomic.Int64
}

// NewPolicy builds a policy from config. Either half may be disabled;
// a disabled policy degrades to a plain call.
func NewPolicy(retry config.RetryConfig, circuit config.CircuitConfig) *Policy {
	p := &Policy{attempts: 1}

	if retry.Enabled {
		p.attempts = retry.Attempts
		if p.attempts <= 0 {
			p.attempts = 3
		}
		p.delay = retry.Delay
		if p.delay <= 0 {
			p.delay = 100 * time.Millisecond
		}
	}

	if circuit.Enabled {
		p.breaker = NewCircuitBreaker(circuit)
	}

	return p
}

// Execute runs fn under the breaker, retrying transient failures with a
// fixed delay up to the attempt budget.
func (p *Policy) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= p.attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if p.breaker != nil && !p.breaker.Allow() {
			return ErrCircuitOpen
		}

		err := fn(ctx)
		if err == nil {
			if p.breaker != nil {
				p.breaker.RecordSuccess()
			}
			return nil
		}
		lastErr = err

		if p.breaker != nil && !types.IsCacheMiss(err) {
			p.breaker.RecordFailure()
		}

		if !retryable(err) || attempt == p.attempts {
			return lastErr
		}

		p.totalRetries.Add(1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.delay):
		}
	}

	return lastErr
}

// ExecuteWithResult is Execute for operations that return a value.
func (p *Policy) ExecuteWithResult(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	var result any
	err := p.Execute(ctx, func(ctx context.Context) error {
		var innerErr error
		result, innerErr = fn(ctx)
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func retryable(err error) bool {
	if errors.Is(err, ErrCircuitOpen) {
		return false
	}
	return types.IsRetryable(err)
}

// Breaker exposes the underlying breaker, or nil when disabled.
func (p *Policy) Breaker() *CircuitBreaker {
	return p.breaker
}

// Retries returns the total retries performed across all operations.
func (p *Policy) Retries() int64 {
	return p.totalRetries.Load()
}
