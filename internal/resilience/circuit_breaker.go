// Package resilience implements the named-call circuit breakers and rate
// limiters §6's "Resilience" configuration section calls for. The breaker
// state machine is grounded on the pack's infrastructure/resilience
// CircuitBreaker (closed/open/half-open, sliding failure count, half-open
// probe budget); the per-key rate limiter is grounded on the teacher's
// internal/api/middleware.go per-IP golang.org/x/time/rate limiter map,
// generalized from per-IP keys to per-named-call keys (e.g. "cache.lease",
// "pipeline.publish").
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is a circuit breaker's lifecycle state.
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

// ErrCircuitOpen is returned by Execute while the breaker is open.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// ErrTooManyProbes is returned when a half-open breaker's probe budget is
// exhausted.
var ErrTooManyProbes = errors.New("resilience: too many requests in half-open state")

// BreakerConfig configures one named circuit breaker, per §6's
// {sliding_window, failure_rate, wait_in_open, half_open_probes}.
type BreakerConfig struct {
	SlidingWindow  int
	FailureRate    float64 // 0.0-1.0; breaker opens once this fraction of the window fails
	WaitInOpen     time.Duration
	HalfOpenProbes int
}

// DefaultBreakerConfig matches §7's stated default: "failure_rate ≥ 50% over
// a sliding window of 50 calls; half-open probes: 5".
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{SlidingWindow: 50, FailureRate: 0.5, WaitInOpen: 30 * time.Second, HalfOpenProbes: 5}
}

// CircuitBreaker tracks a sliding window of call outcomes for one named
// call and opens once the failure rate crosses its configured threshold.
type CircuitBreaker struct {
	mu           sync.RWMutex
	cfg          BreakerConfig
	state        State
	outcomes     []bool // true = success; ring buffer of length <= SlidingWindow
	halfOpenReqs int
	halfOpenOK   int
	lastOpenedAt time.Time
}

// NewCircuitBreaker creates a breaker with cfg, filling in defaults for any
// zero-valued fields.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.SlidingWindow <= 0 {
		cfg.SlidingWindow = 50
	}
	if cfg.FailureRate <= 0 {
		cfg.FailureRate = 0.5
	}
	if cfg.WaitInOpen <= 0 {
		cfg.WaitInOpen = 30 * time.Second
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 5
	}
	return &CircuitBreaker{cfg: cfg, state: StateClosed}
}

// State returns the breaker's current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Execute runs fn under the breaker's protection, short-circuiting with
// ErrCircuitOpen/ErrTooManyProbes without invoking fn when the budget is
// exhausted.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.beforeCall(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.afterCall(err == nil)
	return err
}

func (cb *CircuitBreaker) beforeCall() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastOpenedAt) > cb.cfg.WaitInOpen {
			cb.transition(StateHalfOpen)
			cb.halfOpenReqs = 1
			return nil
		}
		return ErrCircuitOpen
	case StateHalfOpen:
		if cb.halfOpenReqs >= cb.cfg.HalfOpenProbes {
			return ErrTooManyProbes
		}
		cb.halfOpenReqs++
	}
	return nil
}

func (cb *CircuitBreaker) afterCall(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateHalfOpen:
		if success {
			cb.halfOpenOK++
			if cb.halfOpenOK >= cb.cfg.HalfOpenProbes {
				cb.transition(StateClosed)
			}
		} else {
			cb.transition(StateOpen)
		}
		return
	}

	cb.outcomes = append(cb.outcomes, success)
	if len(cb.outcomes) > cb.cfg.SlidingWindow {
		cb.outcomes = cb.outcomes[len(cb.outcomes)-cb.cfg.SlidingWindow:]
	}
	if len(cb.outcomes) < cb.cfg.SlidingWindow {
		return
	}
	failures := 0
	for _, ok := range cb.outcomes {
		if !ok {
			failures++
		}
	}
	if float64(failures)/float64(len(cb.outcomes)) >= cb.cfg.FailureRate {
		cb.transition(StateOpen)
	}
}

func (cb *CircuitBreaker) transition(to State) {
	if cb.state == to {
		return
	}
	cb.state = to
	cb.outcomes = nil
	cb.halfOpenReqs = 0
	cb.halfOpenOK = 0
	if to == StateOpen {
		cb.lastOpenedAt = time.Now()
	}
}
