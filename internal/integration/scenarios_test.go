// Package integration wires the Position, Inventory, and Limit engines
// through the same Event Pipeline production code uses (in-memory broker in
// place of the kafka-go adapter) and exercises the end-to-end scenarios
// spec.md §8 "TESTABLE PROPERTIES" names, the way the teacher's test/
// directory runs whole-strategy scenarios against internal/engine rather
// than unit-testing each package in isolation.
package integration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galatea-associates/ims-core/internal/cache"
	"github.com/galatea-associates/ims-core/internal/domain"
	"github.com/galatea-associates/ims-core/internal/events"
	"github.com/galatea-associates/ims-core/internal/inventory"
	"github.com/galatea-associates/ims-core/internal/limit"
	"github.com/galatea-associates/ims-core/internal/pipeline"
	"github.com/galatea-associates/ims-core/internal/position"
	"github.com/galatea-associates/ims-core/internal/rules"
)

// fixedReference answers Security/AggregationUnit/Counterparty from fixed
// maps, standing in for the reference-data feed adapters.RESTReferenceSource
// wraps in production.
type fixedReference struct {
	securities map[string]domain.Security
	aus        map[string]domain.AggregationUnit
}

func (f fixedReference) Security(id string) (domain.Security, bool) {
	s, ok := f.securities[id]
	return s, ok
}

func (f fixedReference) AggregationUnit(id string) (domain.AggregationUnit, bool) {
	au, ok := f.aus[id]
	return au, ok
}

func (f fixedReference) Counterparty(string) (domain.Counterparty, bool) {
	return domain.Counterparty{}, false
}

// fixedContracts answers ForSecurity from a fixed map.
type fixedContracts struct {
	bySecurity map[string][]domain.Contract
}

func (f fixedContracts) ForSecurity(securityID string) []domain.Contract {
	return f.bySecurity[securityID]
}

// fixedMarket answers Snapshot from a mutable per-security map. Scenario D
// moves across the Japan cutoff through the inventory engine's injected
// clock, not through this map.
type fixedMarket struct {
	mu        sync.Mutex
	snapshots map[string]rules.MarketSnapshot
}

func newFixedMarket() *fixedMarket {
	return &fixedMarket{snapshots: make(map[string]rules.MarketSnapshot)}
}

func (f *fixedMarket) set(securityID string, snap rules.MarketSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots[securityID] = snap
}

func (f *fixedMarket) Snapshot(securityID string) rules.MarketSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshots[securityID]
}

type harness struct {
	bus       *events.Bus
	positions *position.Engine
	inventory *inventory.Engine
	limits    *limit.Engine
	registry  *rules.Registry
	market    *fixedMarket
	pipe      *pipeline.Pipeline
	broker    *pipeline.MemoryBroker
}

func newHarness(reference fixedReference, contracts fixedContracts) *harness {
	bus := events.NewBus()
	market := newFixedMarket()
	registry := rules.NewRegistry()
	now := time.Now().Add(-time.Hour)
	registry.Register(rules.Definition{Meta: domain.CalculationRule{RuleID: "R-FORLOAN", Version: 1, RuleType: domain.CalcForLoan, Market: "US", Priority: 1, EffectiveFrom: now, Status: domain.RuleStatusActive}, Impl: rules.NewForLoanRule()})
	registry.Register(rules.Definition{Meta: domain.CalculationRule{RuleID: "R-FORLOAN-TW", Version: 1, RuleType: domain.CalcForLoan, Market: "TW", Priority: 1, EffectiveFrom: now, Status: domain.RuleStatusActive}, Impl: rules.NewForLoanRule()})
	registry.Register(rules.Definition{Meta: domain.CalculationRule{RuleID: "R-FORLOAN-JP", Version: 1, RuleType: domain.CalcForLoan, Market: "JP", Priority: 1, EffectiveFrom: now, Status: domain.RuleStatusActive}, Impl: rules.NewForLoanRule()})
	registry.Register(rules.Definition{Meta: domain.CalculationRule{RuleID: "R-LOCATE", Version: 1, RuleType: domain.CalcLocate, Market: "US", Priority: 1, EffectiveFrom: now, Status: domain.RuleStatusActive}, Impl: rules.NewLocateRule()})

	positions := position.New(cache.NewGrid("position", cache.MapConfig{}), bus, zerolog.Nop())
	inv := inventory.New(cache.NewGrid("inventory", cache.MapConfig{}), bus, registry, positions, contracts, reference, market, zerolog.Nop()).
		WithCutoffs(map[string]time.Duration{"JP": 15 * time.Hour})
	limits := limit.New(cache.NewGrid("limit", cache.MapConfig{}), bus, positions, inv, zerolog.Nop())

	broker := pipeline.NewMemoryBroker()
	pipe := pipeline.New(broker, zerolog.Nop(), 1024)
	pipe.Register(events.TopicTradeData, positions.TradeHandler())

	return &harness{bus: bus, positions: positions, inventory: inv, limits: limits, registry: registry, market: market, pipe: pipe, broker: broker}
}

func runConsumer(t *testing.T, h *harness) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.pipe.Run(ctx, events.TopicTradeData, "integration", 4)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

// Scenario A: BUY 1000 settling T+2 against a flat position yields
// contractual=+1000, sd2.receipt=1000, projected=1000, and exactly one
// position-events emission.
func TestScenarioA_BuyTPlus2(t *testing.T) {
	h := newHarness(fixedReference{}, fixedContracts{})
	runConsumer(t, h)

	ch, unsubscribe := h.bus.Subscribe(events.TopicPositionEvents, 8)
	defer unsubscribe()

	env := events.Envelope{
		EventID:      "evt-a-1",
		EventType:    "trade",
		BusinessDate: "2026-07-30",
		RoutingKey:   events.PositionRoutingKey("B1", "S1"),
		Payload: position.TradeEvent{
			BookID: "B1", SecurityID: "S1", BusinessDate: "2026-07-30",
			Side: position.SideBuy, Quantity: decimal.NewFromInt(1000),
			SettlementDate: "2026-08-01", // T+2
		},
	}
	_, err := h.pipe.Publish(context.Background(), events.TopicTradeData, env.RoutingKey, env)
	require.NoError(t, err)

	select {
	case emitted := <-ch:
		p := emitted.Payload.(domain.Position)
		assert.True(t, p.ContractualQty.Equal(decimal.NewFromInt(1000)))
		assert.True(t, p.Ladder[2].Receipt.Equal(decimal.NewFromInt(1000)))
		assert.True(t, p.ProjectedNet.Equal(decimal.NewFromInt(1000)))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for position-events emission")
	}

	select {
	case <-ch:
		t.Fatal("unexpected second position-events emission")
	case <-time.After(50 * time.Millisecond):
	}

	key := domain.PositionKey{BookID: "B1", SecurityID: "S1", BusinessDate: "2026-07-30"}
	final := h.positions.Get(key)
	assert.True(t, final.ContractualQty.Equal(decimal.NewFromInt(1000)))
}

// Scenario B: concurrent validate_order+record_order for 100 and 200 against
// a client short-sell limit of 500 with 400 already used. Exactly one
// succeeds; used is never observed as 600.
func TestScenarioB_ConcurrentShortSellValidation(t *testing.T) {
	h := newHarness(fixedReference{}, fixedContracts{})
	ctx := context.Background()

	clientKey := domain.LimitKey{OwnerID: "C1", SecurityID: "S1", BusinessDate: "2026-07-30"}
	auKey := domain.LimitKey{OwnerID: "AU1", SecurityID: "S1", BusinessDate: "2026-07-30"}
	require.NoError(t, h.limits.Restore(ctx, limit.OwnerClient, domain.Limit{Key: clientKey, ShortSellLimit: decimal.NewFromInt(500), ShortSellUsed: decimal.NewFromInt(400)}))
	require.NoError(t, h.limits.Restore(ctx, limit.OwnerAU, domain.Limit{Key: auKey, ShortSellLimit: decimal.NewFromInt(100000)}))

	var wg sync.WaitGroup
	qtys := []decimal.Decimal{decimal.NewFromInt(100), decimal.NewFromInt(200)}
	results := make([]error, len(qtys))
	for i := range qtys {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			ok, _ := h.limits.ValidateOrder("C1", "AU1", "S1", domain.SideShortSell, qtys[idx], "2026-07-30")
			if !ok {
				results[idx] = domain.ErrLimitExceeded("", "pre-check failed")
				return
			}
			results[idx] = h.limits.RecordOrder(ctx, "C1", "AU1", "S1", "", domain.SideShortSell, qtys[idx], "2026-07-30")
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range results {
		if err == nil {
			successes++
		}
	}
	assert.Equal(t, 1, successes)

	final := h.limits.Get(limit.OwnerClient, clientKey)
	assert.False(t, final.ShortSellUsed.Equal(decimal.NewFromInt(600)), "used must never reach 600")
	assert.True(t, final.ShortSellUsed.LessThanOrEqual(final.ShortSellLimit))
}

// Scenario C: Taiwan overlay. FOR_LOAN inventory sourced EXTERNAL for a TW
// security yields a non-zero available from the rule, but the Taiwan
// no-relending overlay forces it to zero.
func TestScenarioC_TaiwanOverlayForcesAvailableToZero(t *testing.T) {
	reference := fixedReference{
		securities: map[string]domain.Security{"S2": {InternalID: "S2", Market: "TW"}},
		aus: map[string]domain.AggregationUnit{
			"AU-TW": {AUID: "AU-TW", Market: "TW", RuleTags: map[domain.MarketRuleTag]bool{domain.TagBorrowedSharesNoRelending: true}},
		},
	}
	contracts := fixedContracts{bySecurity: map[string][]domain.Contract{
		"S2": {{ContractID: "K1", SecurityID: "S2", Type: domain.ContractSBL, Direction: domain.DirectionBorrow, Quantity: decimal.NewFromInt(10000), OpenTerm: true, Source: "EXTERNAL"}},
	}}
	h := newHarness(reference, contracts)

	inv, err := h.inventory.Recalculate(context.Background(), "S2", "AU-TW", "", "2026-07-30", "EXTERNAL", domain.CalcForLoan)
	require.NoError(t, err)
	assert.True(t, inv.Available.IsZero(), "Taiwan overlay must force available to zero, got %s", inv.Available)
}

// Scenario D: Japan cutoff. Before cutoff, T+0 deliverable stays counted in
// available. After cutoff (simulated by clock injection), a recalculation
// reassigns that quantity out of today's available while the position's own
// projected net is unaffected.
func TestScenarioD_JapanCutoffReassignsAvailability(t *testing.T) {
	reference := fixedReference{
		securities: map[string]domain.Security{"S3": {InternalID: "S3", Market: "JP"}},
		aus: map[string]domain.AggregationUnit{
			"AU-JP": {AUID: "AU-JP", Market: "JP", RuleTags: map[domain.MarketRuleTag]bool{domain.TagSettlementCutoffRules: true}},
		},
	}
	h := newHarness(reference, fixedContracts{})
	runConsumer(t, h)

	env := events.Envelope{
		EventID: "evt-d-1", BusinessDate: "2026-07-30", RoutingKey: events.PositionRoutingKey("B1", "S3"),
		Payload: position.TradeEvent{BookID: "B1", SecurityID: "S3", BusinessDate: "2026-07-30", Side: position.SideBuy, Quantity: decimal.NewFromInt(500), SettlementDate: "2026-07-30"},
	}
	_, err := h.pipe.Publish(context.Background(), events.TopicTradeData, env.RoutingKey, env)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return h.positions.Get(domain.PositionKey{BookID: "B1", SecurityID: "S3", BusinessDate: "2026-07-30"}).ContractualQty.Equal(decimal.NewFromInt(500))
	}, 2*time.Second, 10*time.Millisecond)

	projectedBefore := h.positions.Aggregate("S3", "2026-07-30").ProjectedNet

	h.inventory.WithClock(rules.FixedClock(time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)))
	before, err := h.inventory.Recalculate(context.Background(), "S3", "AU-JP", "", "2026-07-30", "INTERNAL", domain.CalcForLoan)
	require.NoError(t, err)
	assert.True(t, before.Available.Equal(decimal.NewFromInt(500)), "before cutoff, sd0 deliverable stays available")

	h.inventory.WithClock(rules.FixedClock(time.Date(2026, 7, 30, 16, 0, 0, 0, time.UTC)))
	after, err := h.inventory.Recalculate(context.Background(), "S3", "AU-JP", "", "2026-07-30", "INTERNAL", domain.CalcForLoan)
	require.NoError(t, err)
	assert.True(t, after.Available.IsZero(), "after cutoff, sd0 quantity no longer counts toward available")

	projectedAfter := h.positions.Aggregate("S3", "2026-07-30").ProjectedNet
	assert.True(t, projectedBefore.Equal(projectedAfter), "the position's own projected net must not move because of an inventory overlay")
}

// Scenario E: decrement_locate(200) against available=1000 leaves
// remaining=800; reserve(800) succeeds, reserve(1) then fails
// InsufficientAvailability.
func TestScenarioE_LocateDecrementBoundsReserve(t *testing.T) {
	h := newHarness(fixedReference{}, fixedContracts{})
	ctx := context.Background()

	key := domain.InventoryKey{SecurityID: "S1", BusinessDate: "2026-07-30", CalculationType: domain.CalcLocate}
	require.NoError(t, h.inventory.Restore(ctx, domain.Inventory{Key: key, Available: decimal.NewFromInt(1000), CalculationStatus: domain.StatusValid}))

	dec, err := h.inventory.Decrement(ctx, key, decimal.NewFromInt(200))
	require.NoError(t, err)
	assert.True(t, dec.Remaining().Equal(decimal.NewFromInt(800)))

	_, err = h.inventory.Reserve(ctx, key, decimal.NewFromInt(800))
	require.NoError(t, err)

	_, err = h.inventory.Reserve(ctx, key, decimal.NewFromInt(1))
	require.Error(t, err)
	de, ok := domain.AsError(err)
	require.True(t, ok)
	assert.Equal(t, domain.KindInsufficientAvailable, de.Kind)
}

// Scenario F: the same trade event (identical event_id) submitted twice
// mutates the position exactly once and emits position-events exactly once.
func TestScenarioF_DuplicateEventIDIsReplaySafe(t *testing.T) {
	h := newHarness(fixedReference{}, fixedContracts{})
	runConsumer(t, h)

	ch, unsubscribe := h.bus.Subscribe(events.TopicPositionEvents, 8)
	defer unsubscribe()

	env := events.Envelope{
		EventID: "evt-f-duplicate", BusinessDate: "2026-07-30", RoutingKey: events.PositionRoutingKey("B2", "S1"),
		Payload: position.TradeEvent{BookID: "B2", SecurityID: "S1", BusinessDate: "2026-07-30", Side: position.SideBuy, Quantity: decimal.NewFromInt(300), SettlementDate: "2026-08-01"},
	}

	_, err := h.pipe.Publish(context.Background(), events.TopicTradeData, env.RoutingKey, env)
	require.NoError(t, err)
	_, err = h.pipe.Publish(context.Background(), events.TopicTradeData, env.RoutingKey, env)
	require.NoError(t, err)

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the first position-events emission")
	}
	select {
	case <-ch:
		t.Fatal("duplicate delivery must not emit a second position-events message")
	case <-time.After(200 * time.Millisecond):
	}

	key := domain.PositionKey{BookID: "B2", SecurityID: "S1", BusinessDate: "2026-07-30"}
	final := h.positions.Get(key)
	assert.True(t, final.ContractualQty.Equal(decimal.NewFromInt(300)), "duplicate delivery must not double-apply the trade")
}
