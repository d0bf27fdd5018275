package position

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galatea-associates/ims-core/internal/cache"
	"github.com/galatea-associates/ims-core/internal/domain"
	"github.com/galatea-associates/ims-core/internal/events"
)

func testEngine() *Engine {
	grid := cache.NewGrid("positions", cache.MapConfig{})
	bus := events.NewBus()
	return New(grid, bus, zerolog.Nop())
}

// Scenario A: BUY 1000 settling T+2 on a zero position.
func TestEngine_OnTrade_BuyT2(t *testing.T) {
	e := testEngine()
	ctx := context.Background()

	sub, unsub := e.bus.Subscribe(events.TopicPositionEvents, 4)
	defer unsub()

	p, err := e.OnTrade(ctx, TradeEvent{
		BookID: "B1", SecurityID: "S1", BusinessDate: "2026-07-30",
		Side: SideBuy, Quantity: decimal.NewFromInt(1000), SettlementDate: "2026-08-01",
	})
	require.NoError(t, err)

	assert.True(t, p.ContractualQty.Equal(decimal.NewFromInt(1000)))
	assert.True(t, p.Ladder[2].Receipt.Equal(decimal.NewFromInt(1000)))
	assert.True(t, p.ProjectedNet.Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, domain.StatusValid, p.CalculationStatus)

	select {
	case env := <-sub:
		emitted := env.Payload.(domain.Position)
		assert.Equal(t, p.Key, emitted.Key)
	default:
		t.Fatal("expected a position-events emission")
	}
}

func TestEngine_OnTrade_SellDebitsContractualAndLadder(t *testing.T) {
	e := testEngine()
	ctx := context.Background()

	_, err := e.OnTrade(ctx, TradeEvent{
		BookID: "B1", SecurityID: "S1", BusinessDate: "2026-07-30",
		Side: SideSell, Quantity: decimal.NewFromInt(400), SettlementDate: "2026-07-30",
	})
	require.NoError(t, err)

	p := e.Get(domain.PositionKey{BookID: "B1", SecurityID: "S1", BusinessDate: "2026-07-30"})
	assert.True(t, p.ContractualQty.Equal(decimal.NewFromInt(-400)))
	assert.True(t, p.Ladder[0].Deliver.Equal(decimal.NewFromInt(400)))
	assert.True(t, p.ProjectedNet.Equal(decimal.NewFromInt(-400)))
}

func TestEngine_OnTrade_SettlementDayBoundaries(t *testing.T) {
	e := testEngine()
	ctx := context.Background()

	// Day 0 and day 4 are accepted.
	_, err := e.OnTrade(ctx, TradeEvent{
		BookID: "B1", SecurityID: "S2", BusinessDate: "2026-07-30",
		Side: SideBuy, Quantity: decimal.NewFromInt(10), SettlementDate: "2026-07-30",
	})
	require.NoError(t, err)
	_, err = e.OnTrade(ctx, TradeEvent{
		BookID: "B1", SecurityID: "S2", BusinessDate: "2026-07-30",
		Side: SideBuy, Quantity: decimal.NewFromInt(10), SettlementDate: "2026-08-03",
	})
	require.NoError(t, err)

	// Day 5 is rejected.
	_, err = e.OnTrade(ctx, TradeEvent{
		BookID: "B1", SecurityID: "S2", BusinessDate: "2026-07-30",
		Side: SideBuy, Quantity: decimal.NewFromInt(10), SettlementDate: "2026-08-04",
	})
	require.Error(t, err)
	de, ok := domain.AsError(err)
	require.True(t, ok)
	assert.Equal(t, domain.KindValidation, de.Kind)
}

func TestEngine_OnTrade_ZeroQuantityIsNoop(t *testing.T) {
	e := testEngine()
	ctx := context.Background()

	sub, unsub := e.bus.Subscribe(events.TopicPositionEvents, 4)
	defer unsub()

	p, err := e.OnTrade(ctx, TradeEvent{
		BookID: "B1", SecurityID: "S3", BusinessDate: "2026-07-30",
		Side: SideBuy, Quantity: decimal.Zero, SettlementDate: "2026-07-30",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, p.CalculationStatus)

	select {
	case <-sub:
		t.Fatal("zero-quantity trade must not emit an event")
	default:
	}
}

func TestEngine_OnPositionSnapshot_ReplacesLadder(t *testing.T) {
	e := testEngine()
	ctx := context.Background()

	var ladder [domain.LadderDays]domain.SettlementDay
	ladder[1] = domain.SettlementDay{Receipt: decimal.NewFromInt(500)}

	p, err := e.OnPositionSnapshot(ctx, SnapshotEvent{
		BookID: "B2", SecurityID: "S1", BusinessDate: "2026-07-30",
		ContractualQty: decimal.NewFromInt(100),
		SettledQty:     decimal.NewFromInt(900),
		Ladder:         ladder,
	})
	require.NoError(t, err)
	assert.True(t, p.CurrentNet.Equal(decimal.NewFromInt(1000)))
	assert.True(t, p.ProjectedNet.Equal(decimal.NewFromInt(1500)))
}

func TestGetSettlementLadder_NetSettlement(t *testing.T) {
	e := testEngine()
	ctx := context.Background()

	_, err := e.OnTrade(ctx, TradeEvent{
		BookID: "B3", SecurityID: "S1", BusinessDate: "2026-07-30",
		Side: SideBuy, Quantity: decimal.NewFromInt(300), SettlementDate: "2026-08-01",
	})
	require.NoError(t, err)

	ladder := e.GetSettlementLadder(domain.PositionKey{BookID: "B3", SecurityID: "S1", BusinessDate: "2026-07-30"})
	assert.True(t, ladder.NetSettlement.Equal(decimal.NewFromInt(300)))
	assert.True(t, ladder.Nets[2].Equal(decimal.NewFromInt(300)))
}

func TestEngine_Aggregate_SumsAcrossBooks(t *testing.T) {
	e := testEngine()
	ctx := context.Background()

	_, err := e.OnTrade(ctx, TradeEvent{
		BookID: "B1", SecurityID: "S9", BusinessDate: "2026-07-30",
		Side: SideBuy, Quantity: decimal.NewFromInt(100), SettlementDate: "2026-07-30",
	})
	require.NoError(t, err)
	_, err = e.OnTrade(ctx, TradeEvent{
		BookID: "B2", SecurityID: "S9", BusinessDate: "2026-07-30",
		Side: SideBuy, Quantity: decimal.NewFromInt(250), SettlementDate: "2026-07-30",
	})
	require.NoError(t, err)

	agg := e.Aggregate("S9", "2026-07-30")
	assert.True(t, agg.CurrentNet.Equal(decimal.NewFromInt(350)))
}
