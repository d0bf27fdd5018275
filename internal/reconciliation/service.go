// Package reconciliation replays durable state into the cache grid on cold
// start and periodically compares the durably recorded inventory records
// with their cached counterparts to detect drift; it does not recompute
// inventory. Grounded on the teacher's internal/state.Manager
// (Load seeds in-memory state from the DB on startup) and
// internal/reconciliation.Service (ticker-driven periodic diff with an
// optional auto-sync), generalized from one position diff to a replay of
// three record kinds (position, inventory, limit) plus rule metadata, and
// from "exchange vs local" diffing to "durably recorded vs cached" diffing
// since this core has no external venue to compare against.
package reconciliation

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/galatea-associates/ims-core/internal/domain"
	"github.com/galatea-associates/ims-core/internal/inventory"
	"github.com/galatea-associates/ims-core/internal/limit"
	"github.com/galatea-associates/ims-core/internal/position"
	"github.com/galatea-associates/ims-core/internal/rules"
	"github.com/galatea-associates/ims-core/pkg/store"
)

// RuleImplResolver maps a calculation type to the Rule implementation that
// should back every replayed CalculationRule of that type; the durable
// store only holds rule metadata, never code.
type RuleImplResolver func(domain.CalculationType) (rules.Rule, bool)

// Config configures periodic drift-check behavior.
type Config struct {
	Interval time.Duration
}

// DefaultConfig checks for drift once a minute.
func DefaultConfig() Config {
	return Config{Interval: time.Minute}
}

// Service owns cold-start replay and periodic drift detection across the
// three engines and the rule registry.
type Service struct {
	db          *store.DB
	positions   *position.Engine
	inventory   *inventory.Engine
	limits      *limit.Engine
	registry    *rules.Registry
	resolveImpl RuleImplResolver
	interval    time.Duration
	log         zerolog.Logger

	mu       sync.Mutex
	lastScan time.Time
}

// New creates a Service wired to every durable-read/cache-write pair it
// reconciles.
func New(db *store.DB, positions *position.Engine, inv *inventory.Engine, limits *limit.Engine, registry *rules.Registry, resolveImpl RuleImplResolver, cfg Config, log zerolog.Logger) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Service{
		db:          db,
		positions:   positions,
		inventory:   inv,
		limits:      limits,
		registry:    registry,
		resolveImpl: resolveImpl,
		interval:    cfg.Interval,
		log:         log,
	}
}

// Restore drains every durable table and replays it into the cache grid and
// rule registry. Call once, before serving traffic.
func (s *Service) Restore(ctx context.Context) error {
	rulesLoaded, err := s.restoreRules(ctx)
	if err != nil {
		return err
	}
	positionsLoaded, err := s.restorePositions(ctx)
	if err != nil {
		return err
	}
	inventoryLoaded, err := s.restoreInventory(ctx)
	if err != nil {
		return err
	}
	limitsLoaded, err := s.restoreLimits(ctx)
	if err != nil {
		return err
	}

	s.log.Info().
		Int("rules", rulesLoaded).
		Int("positions", positionsLoaded).
		Int("inventory", inventoryLoaded).
		Int("limits", limitsLoaded).
		Msg("reconciliation: cold-start replay complete")
	return nil
}

func (s *Service) restoreRules(ctx context.Context) (int, error) {
	recs, err := s.db.ListCalculationRules(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, meta := range recs {
		impl, ok := s.resolveImpl(meta.RuleType)
		if !ok {
			s.log.Warn().Str("rule_type", string(meta.RuleType)).Msg("reconciliation: no rule implementation registered, skipping")
			continue
		}
		s.registry.Register(rules.Definition{Meta: meta, Impl: impl})
		n++
	}
	return n, nil
}

func (s *Service) restorePositions(ctx context.Context) (int, error) {
	recs, err := s.db.ListPositions(ctx)
	if err != nil {
		return 0, err
	}
	for _, p := range recs {
		if err := s.positions.Restore(ctx, p); err != nil {
			return 0, err
		}
	}
	return len(recs), nil
}

func (s *Service) restoreInventory(ctx context.Context) (int, error) {
	recs, err := s.db.ListInventory(ctx)
	if err != nil {
		return 0, err
	}
	for _, inv := range recs {
		if err := s.inventory.Restore(ctx, inv); err != nil {
			return 0, err
		}
	}
	return len(recs), nil
}

func (s *Service) restoreLimits(ctx context.Context) (int, error) {
	rows, err := s.db.ListLimits(ctx)
	if err != nil {
		return 0, err
	}
	for _, row := range rows {
		if err := s.limits.Restore(ctx, limit.OwnerKind(row.Kind), row.Limit); err != nil {
			return 0, err
		}
	}
	return len(rows), nil
}

// Start launches the periodic drift-check loop until ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Scan(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Drift describes one inventory record where the cache no longer matches
// the durably recorded value - typically because a crash lost an in-flight
// cache write that never made it into the write-behind log, or vice versa.
type Drift struct {
	Key      domain.InventoryKey
	Cached   domain.Inventory
	Recorded domain.Inventory
}

// Scan compares every durably recorded inventory record against its cached
// counterpart and reports mismatches. It never writes - a human or the next
// legitimate Recalculate is expected to resolve the drift.
func (s *Service) Scan(ctx context.Context) []Drift {
	s.mu.Lock()
	s.lastScan = time.Now()
	s.mu.Unlock()

	recs, err := s.db.ListInventory(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("reconciliation: drift scan failed to read inventory")
		return nil
	}

	var drifts []Drift
	for _, recorded := range recs {
		cached := s.inventory.Get(recorded.Key)
		if !cached.Available.Equal(recorded.Available) {
			drifts = append(drifts, Drift{Key: recorded.Key, Cached: cached, Recorded: recorded})
		}
	}

	if len(drifts) > 0 {
		s.log.Warn().Int("count", len(drifts)).Msg("reconciliation: cache/store drift detected")
		for _, d := range drifts {
			s.log.Warn().
				Str("security_id", d.Key.SecurityID).
				Str("calc_type", string(d.Key.CalculationType)).
				Str("cached_available", d.Cached.Available.String()).
				Str("store_available", d.Recorded.Available.String()).
				Msg("reconciliation: inventory drift")
		}
	}
	return drifts
}

// LastScan returns when Scan last ran, for a health/readiness surface to
// report staleness.
func (s *Service) LastScan() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastScan
}
