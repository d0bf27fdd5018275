// Package adapters manages pooled connections to the upstream reference
// data, market data, and contract booking feeds the Inventory Engine reads
// through. Grounded on the teacher's internal/gateway.Manager: LRU-capped
// cache of live clients, idle eviction, periodic health checks, and a
// per-connection failure counter gating a "circuit open" state - here
// generalized from per-exchange-connection keys to per-feed-name keys and
// layered onto internal/resilience's named CircuitBreaker instead of a
// hand-rolled failure counter.
package adapters

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/galatea-associates/ims-core/internal/resilience"
)

var (
	ErrFeedNotFound = errors.New("adapters: feed not configured")
	ErrPoolFull     = errors.New("adapters: feed pool is full")
)

// Feed is anything a Factory can build and this package can pool: a live
// connection to an upstream source with a way to check it's alive.
type Feed interface {
	Ping(ctx context.Context) error
	Close() error
}

// Factory creates a Feed for a named feed configuration.
type Factory func(cfg FeedConfig) (Feed, error)

// FeedConfig describes one upstream feed connection.
type FeedConfig struct {
	Name    string // e.g. "refdata", "marketdata"
	Kind    string // dispatch key for Factory, e.g. "refdata-rest"
	BaseURL string
	Timeout time.Duration
}

type cachedFeed struct {
	feed      Feed
	name      string
	createdAt time.Time
	lastUsed  time.Time
}

// PoolConfig bounds the adapter pool, mirroring the teacher's gateway
// Config (MaxSize/IdleTimeout/HealthInterval).
type PoolConfig struct {
	MaxSize        int
	IdleTimeout    time.Duration
	HealthInterval time.Duration
}

// DefaultPoolConfig returns sensible defaults for a handful of long-lived
// feed connections.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{MaxSize: 32, IdleTimeout: 30 * time.Minute, HealthInterval: time.Minute}
}

// Pool caches one Feed per configured name, health-checking each through a
// named circuit breaker so a failing upstream degrades gracefully instead
// of hanging every caller.
type Pool struct {
	mu       sync.RWMutex
	feeds    map[string]*cachedFeed
	lruOrder []string

	configs map[string]FeedConfig
	factory Factory
	cfg     PoolConfig
	breaker *resilience.Registry
	log     zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewPool creates a Pool. configs is the static list of feeds this
// deployment knows about; factory builds a live Feed for one of them.
func NewPool(configs []FeedConfig, factory Factory, breaker *resilience.Registry, cfg PoolConfig, log zerolog.Logger) *Pool {
	byName := make(map[string]FeedConfig, len(configs))
	for _, c := range configs {
		byName[c.Name] = c
	}
	return &Pool{
		feeds:   make(map[string]*cachedFeed),
		configs: byName,
		factory: factory,
		breaker: breaker,
		cfg:     cfg,
		log:     log,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the idle-eviction and health-check background loops.
func (p *Pool) Start(ctx context.Context) {
	p.wg.Add(2)
	go p.runEvery(ctx, p.cfg.IdleTimeout/2, p.evictIdle)
	go p.runEvery(ctx, p.cfg.HealthInterval, p.healthCheckAll)
}

// Stop halts background loops and closes every pooled feed.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for name, cf := range p.feeds {
		_ = cf.feed.Close()
		delete(p.feeds, name)
	}
	p.lruOrder = nil
}

func (p *Pool) runEvery(ctx context.Context, interval time.Duration, fn func()) {
	defer p.wg.Done()
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			fn()
		}
	}
}

// Get returns the named feed's live client, creating it through the feed's
// circuit breaker on first use and caching it; a cached client is returned
// without consulting the breaker.
func (p *Pool) Get(ctx context.Context, name string) (Feed, error) {
	p.mu.RLock()
	if cf, ok := p.feeds[name]; ok {
		p.mu.RUnlock()
		p.touch(name)
		return cf.feed, nil
	}
	p.mu.RUnlock()
	return p.create(ctx, name)
}

func (p *Pool) create(ctx context.Context, name string) (Feed, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cf, ok := p.feeds[name]; ok {
		return cf.feed, nil
	}
	cfg, ok := p.configs[name]
	if !ok {
		return nil, ErrFeedNotFound
	}
	if len(p.feeds) >= p.cfg.MaxSize && !p.evictOldestLocked() {
		return nil, ErrPoolFull
	}

	var feed Feed
	var err error
	breakerErr := p.breaker.Breaker("adapters." + name).Execute(ctx, func(context.Context) error {
		feed, err = p.factory(cfg)
		return err
	})
	if breakerErr != nil {
		return nil, fmt.Errorf("create feed %s: %w", name, breakerErr)
	}

	now := time.Now()
	p.feeds[name] = &cachedFeed{feed: feed, name: name, createdAt: now, lastUsed: now}
	p.lruOrder = append(p.lruOrder, name)
	return feed, nil
}

func (p *Pool) touch(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cf, ok := p.feeds[name]; ok {
		cf.lastUsed = time.Now()
	}
	for i, n := range p.lruOrder {
		if n == name {
			p.lruOrder = append(p.lruOrder[:i], p.lruOrder[i+1:]...)
			p.lruOrder = append(p.lruOrder, name)
			break
		}
	}
}

func (p *Pool) evictOldestLocked() bool {
	if len(p.lruOrder) == 0 {
		return false
	}
	oldest := p.lruOrder[0]
	if cf, ok := p.feeds[oldest]; ok {
		_ = cf.feed.Close()
		delete(p.feeds, oldest)
	}
	p.lruOrder = p.lruOrder[1:]
	return true
}

func (p *Pool) evictIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	var stale []string
	for name, cf := range p.feeds {
		if now.Sub(cf.lastUsed) > p.cfg.IdleTimeout {
			stale = append(stale, name)
		}
	}
	for _, name := range stale {
		_ = p.feeds[name].feed.Close()
		delete(p.feeds, name)
		for i, n := range p.lruOrder {
			if n == name {
				p.lruOrder = append(p.lruOrder[:i], p.lruOrder[i+1:]...)
				break
			}
		}
	}
}

func (p *Pool) healthCheckAll() {
	p.mu.RLock()
	names := make([]string, 0, len(p.feeds))
	for name := range p.feeds {
		names = append(names, name)
	}
	p.mu.RUnlock()

	for _, name := range names {
		p.mu.RLock()
		cf, ok := p.feeds[name]
		p.mu.RUnlock()
		if !ok {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := p.breaker.Breaker("adapters." + name).Execute(ctx, cf.feed.Ping)
		cancel()
		if err != nil {
			p.log.Warn().Str("feed", name).Err(err).Msg("feed health check failed")
		}
	}
}
