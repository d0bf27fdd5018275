package resilience

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures one named call's token-bucket limiter per §6's
// {rate_limit, refresh_period, timeout}.
type RateLimitConfig struct {
	RateLimit     rate.Limit
	Burst         int
	RefreshPeriod time.Duration
	Timeout       time.Duration
}

// Registry holds one CircuitBreaker and one rate.Limiter per named call
// (e.g. "cache.lease", "pipeline.publish"), lazily created on first use,
// generalizing the teacher's per-IP limiter map to per-call-name keys.
type Registry struct {
	mu        sync.Mutex
	breakers  map[string]*CircuitBreaker
	limiters  map[string]*rate.Limiter
	breakerCfg BreakerConfig
	limiterCfg map[string]RateLimitConfig
}

// NewRegistry creates a Registry using defaultBreakerCfg for any named call
// that doesn't have an explicit override, and perCallLimits for rate
// limiting.
func NewRegistry(defaultBreakerCfg BreakerConfig, perCallLimits map[string]RateLimitConfig) *Registry {
	return &Registry{
		breakers:   make(map[string]*CircuitBreaker),
		limiters:   make(map[string]*rate.Limiter),
		breakerCfg: defaultBreakerCfg,
		limiterCfg: perCallLimits,
	}
}

// Breaker returns (creating if needed) the named call's circuit breaker.
func (r *Registry) Breaker(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[name]
	if !ok {
		cb = NewCircuitBreaker(r.breakerCfg)
		r.breakers[name] = cb
	}
	return cb
}

// Limiter returns (creating if needed) the named call's rate limiter.
func (r *Registry) Limiter(name string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[name]
	if !ok {
		cfg := r.limiterCfg[name]
		if cfg.RateLimit <= 0 {
			cfg.RateLimit = rate.Inf
		}
		if cfg.Burst <= 0 {
			cfg.Burst = 1
		}
		l = rate.NewLimiter(cfg.RateLimit, cfg.Burst)
		r.limiters[name] = l
	}
	return l
}

// Allow reports whether the named call's rate limiter currently permits one
// more call, consuming a token if so.
func (r *Registry) Allow(name string) bool {
	return r.Limiter(name).Allow()
}
