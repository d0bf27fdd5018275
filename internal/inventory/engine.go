// Package inventory implements the Inventory Engine: rule-driven
// availability calculations over positions, contracts, and market data,
// plus atomic reserve/release/decrement accounting. Grounded on the same
// internal/risk.Manager shape as internal/position, generalized to delegate
// its per-(security, calc_type) computation to internal/rules instead of
// inlining strategy logic.
package inventory

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/galatea-associates/ims-core/internal/cache"
	"github.com/galatea-associates/ims-core/internal/domain"
	"github.com/galatea-associates/ims-core/internal/events"
	"github.com/galatea-associates/ims-core/internal/rules"
)

const leaseTTLDefault = 100 * time.Millisecond

// PositionSource supplies the security-level aggregate position feeding a
// recalculation: the sum, across every book, of the (security,
// business_date) position. Production wiring sums internal/position.Engine
// reads across the book ids active for that security.
type PositionSource interface {
	Aggregate(securityID, businessDate string) domain.Position
}

// ContractSource supplies the open contracts for a security.
type ContractSource interface {
	ForSecurity(securityID string) []domain.Contract
}

// ReferenceSource resolves security/counterparty/AU reference data needed to
// assemble a rule envelope.
type ReferenceSource interface {
	Security(securityID string) (domain.Security, bool)
	AggregationUnit(auID string) (domain.AggregationUnit, bool)
	Counterparty(counterpartyID string) (domain.Counterparty, bool)
}

// MarketDataSource supplies the current market snapshot for a security.
type MarketDataSource interface {
	Snapshot(securityID string) rules.MarketSnapshot
}

// Engine owns all Inventory mutations.
type Engine struct {
	grid     *cache.Grid
	bus      *events.Bus
	registry *rules.Registry
	log      zerolog.Logger
	leaseTTL time.Duration
	clock    rules.Clock
	cutoffs  map[string]time.Duration

	positions PositionSource
	contracts ContractSource
	reference ReferenceSource
	market    MarketDataSource
}

// New creates an Inventory Engine.
func New(
	grid *cache.Grid,
	bus *events.Bus,
	registry *rules.Registry,
	positions PositionSource,
	contracts ContractSource,
	reference ReferenceSource,
	market MarketDataSource,
	log zerolog.Logger,
) *Engine {
	return &Engine{
		grid:      grid,
		bus:       bus,
		registry:  registry,
		log:       log,
		leaseTTL:  leaseTTLDefault,
		clock:     rules.SystemClock{},
		positions: positions,
		contracts: contracts,
		reference: reference,
		market:    market,
	}
}

// WithClock overrides the engine's time source for cutoff-time overlays.
// Tests inject a rules.FixedClock to exercise both sides of a cutoff
// deterministically instead of depending on wall time.
func (e *Engine) WithClock(c rules.Clock) *Engine {
	e.clock = c
	return e
}

// WithCutoffs overrides the per-market settlement cutoff table, normally
// sourced from pkg/config.EngineConfig.SettlementCutoffs.
func (e *Engine) WithCutoffs(cutoffs map[string]time.Duration) *Engine {
	e.cutoffs = cutoffs
	return e
}

func inventoryCacheKey(key domain.InventoryKey) string {
	return fmt.Sprintf("inventory:%s:%s:%s:%s:%s", key.SecurityID, key.CounterpartyID, key.AUID, key.BusinessDate, key.CalculationType)
}

// Get returns the cached inventory record for key, or a zero-value pending
// record if none exists.
func (e *Engine) Get(key domain.InventoryKey) domain.Inventory {
	rec, ok := e.grid.Get(inventoryCacheKey(key))
	if !ok {
		return domain.Inventory{Key: key, CalculationStatus: domain.StatusPending}
	}
	return rec.Value.(domain.Inventory)
}

// Restore seeds the cache with an inventory record read back from the
// durable store on cold start, bypassing rule evaluation since the store
// already holds the authoritative post-computation record.
func (e *Engine) Restore(ctx context.Context, inv domain.Inventory) error {
	_, err := e.grid.Put(ctx, inventoryCacheKey(inv.Key), inv)
	return err
}

// Recalculate is a pure function of (positions, contracts, rules, market
// data) per §4.3: it selects the active rule, assembles the envelope,
// executes the rule, applies market overlays, and persists the result.
func (e *Engine) Recalculate(ctx context.Context, securityID, auID, counterpartyID, businessDate, source string, calcType domain.CalculationType) (domain.Inventory, error) {
	security, ok := e.reference.Security(securityID)
	if !ok {
		return domain.Inventory{}, domain.NewError(domain.KindNotFound, "", "unknown security: "+securityID, nil)
	}
	var au domain.AggregationUnit
	if auID != "" {
		au, ok = e.reference.AggregationUnit(auID)
		if !ok {
			return domain.Inventory{}, domain.NewError(domain.KindNotFound, "", "unknown aggregation unit: "+auID, nil)
		}
	}
	var counterparty domain.Counterparty
	if counterpartyID != "" {
		counterparty, _ = e.reference.Counterparty(counterpartyID)
	}

	businessDateTime, err := time.Parse("2006-01-02", businessDate)
	if err != nil {
		return domain.Inventory{}, domain.NewError(domain.KindValidation, "", "invalid business_date: "+businessDate, err)
	}

	def, ok := e.registry.Select(calcType, security.Market, businessDateTime)
	if !ok {
		return domain.Inventory{}, domain.NewError(domain.KindNotFound, "", "no active rule for "+string(calcType)+"/"+security.Market, nil)
	}

	var pos domain.Position
	if e.positions != nil {
		pos = e.positions.Aggregate(securityID, businessDate)
	}

	var contracts []domain.Contract
	if e.contracts != nil {
		contracts = e.contracts.ForSecurity(securityID)
	}

	var snapshot rules.MarketSnapshot
	if e.market != nil {
		snapshot = e.market.Snapshot(securityID)
	}

	var cutoff time.Duration
	if e.cutoffs != nil {
		cutoff = e.cutoffs[security.Market]
	}

	env := rules.Envelope{
		Security:     security,
		Position:     pos,
		Contracts:    contracts,
		MarketData:   snapshot,
		Counterparty: counterparty,
		AU:           au,
		BusinessDate: businessDate,
		CalcType:     calcType,
		Source:       source,
		AsOf:         e.clock.Now(),
		Cutoff:       cutoff,
	}

	out, err := def.Impl.Evaluate(env)
	if err != nil {
		return domain.Inventory{}, err
	}
	out = rules.ApplyOverlays(env, out)

	key := domain.InventoryKey{
		SecurityID: securityID, CounterpartyID: counterpartyID, AUID: auID,
		BusinessDate: businessDate, CalculationType: calcType,
	}
	cacheKey := inventoryCacheKey(key)

	rec, existed := e.grid.Get(cacheKey)
	var expectedVersion uint64
	var prevReserved, prevDecrement decimal.Decimal
	if existed {
		expectedVersion = rec.Version
		prev := rec.Value.(domain.Inventory)
		prevReserved = prev.Reserved
		prevDecrement = prev.Decrement
	}

	inv := domain.Inventory{
		Key:               key,
		Gross:             out.Gross,
		Net:               out.Net,
		Available:         out.Available,
		Reserved:          prevReserved,
		Decrement:         prevDecrement,
		Temperature:       out.Temperature,
		BorrowRate:        out.BorrowRate,
		CalculationStatus: domain.StatusValid,
		UpdatedAt:         time.Now(),
	}

	written, err := e.grid.CompareAndSwap(ctx, cacheKey, expectedVersion, inv)
	if err != nil {
		return domain.Inventory{}, err
	}
	inv = written.Value.(domain.Inventory)
	inv.Version = written.Version

	e.bus.Publish(events.TopicInventoryEvents, events.Envelope{
		EventType:    "inventory.updated",
		EmitTime:     time.Now(),
		RoutingKey:   securityID,
		BusinessDate: businessDate,
		Payload:      inv,
	})
	return inv, nil
}

// Reserve atomically decrements available and increments reserved, failing
// with InsufficientAvailability if the reservation would drive remaining
// (available - decrement) negative (§4.3, §8 invariant 2: "remaining =
// available - decrement >= 0 after any sequence of reserve/release/
// decrement").
func (e *Engine) Reserve(ctx context.Context, key domain.InventoryKey, qty decimal.Decimal) (domain.Inventory, error) {
	return e.mutate(ctx, key, func(inv *domain.Inventory) error {
		if inv.Remaining().LessThan(qty) {
			return domain.ErrInsufficientAvailability("", fmt.Sprintf("remaining %s < requested %s", inv.Remaining(), qty))
		}
		inv.Available = inv.Available.Sub(qty).Round(4)
		inv.Reserved = inv.Reserved.Add(qty).Round(4)
		return nil
	})
}

// Release is Reserve's inverse, capped at the current reserved balance.
func (e *Engine) Release(ctx context.Context, key domain.InventoryKey, qty decimal.Decimal) (domain.Inventory, error) {
	return e.mutate(ctx, key, func(inv *domain.Inventory) error {
		if qty.GreaterThan(inv.Reserved) {
			qty = inv.Reserved
		}
		inv.Reserved = inv.Reserved.Sub(qty).Round(4)
		inv.Available = inv.Available.Add(qty).Round(4)
		return nil
	})
}

// Decrement advances the decrement counter used by locate approvals; it
// never reduces Available directly, only the derived Remaining = Available
// - Decrement.
func (e *Engine) Decrement(ctx context.Context, key domain.InventoryKey, qty decimal.Decimal) (domain.Inventory, error) {
	return e.mutate(ctx, key, func(inv *domain.Inventory) error {
		candidate := inv.Decrement.Add(qty).Round(4)
		if inv.Available.Sub(candidate).IsNegative() {
			return domain.ErrInsufficientAvailability("", "decrement would drive remaining below zero")
		}
		inv.Decrement = candidate
		return nil
	})
}

// mutate acquires the key's lease, applies fn to the current record under
// CAS, persists, and emits inventory.updated.
func (e *Engine) mutate(ctx context.Context, key domain.InventoryKey, fn func(*domain.Inventory) error) (domain.Inventory, error) {
	cacheKey := inventoryCacheKey(key)

	lease, err := e.grid.Lease(ctx, cacheKey, e.leaseTTL)
	if err != nil {
		return domain.Inventory{}, err
	}
	defer lease.Release()

	rec, existed := e.grid.Get(cacheKey)
	var inv domain.Inventory
	var expectedVersion uint64
	if existed {
		inv = rec.Value.(domain.Inventory)
		expectedVersion = rec.Version
	} else {
		inv = domain.Inventory{Key: key}
	}

	if err := fn(&inv); err != nil {
		return domain.Inventory{}, err
	}
	inv.UpdatedAt = time.Now()
	inv.CalculationStatus = domain.StatusValid

	written, err := e.grid.CompareAndSwap(ctx, cacheKey, expectedVersion, inv)
	if err != nil {
		return domain.Inventory{}, err
	}
	inv = written.Value.(domain.Inventory)
	inv.Version = written.Version

	e.bus.Publish(events.TopicInventoryEvents, events.Envelope{
		EventType:    "inventory.updated",
		EmitTime:     time.Now(),
		RoutingKey:   key.SecurityID,
		BusinessDate: key.BusinessDate,
		Payload:      inv,
	})
	return inv, nil
}
