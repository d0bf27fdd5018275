package limit

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galatea-associates/ims-core/internal/cache"
	"github.com/galatea-associates/ims-core/internal/domain"
	"github.com/galatea-associates/ims-core/internal/events"
)

type fakePositions struct{ p domain.Position }

func (f fakePositions) Aggregate(securityID, businessDate string) domain.Position { return f.p }

type fakeAvailability struct{ inv domain.Inventory }

func (f fakeAvailability) Get(key domain.InventoryKey) domain.Inventory { return f.inv }

func testEngine() *Engine {
	grid := cache.NewGrid("limits", cache.MapConfig{})
	bus := events.NewBus()
	return New(grid, bus, fakePositions{}, fakeAvailability{}, zerolog.Nop())
}

func seedLimit(t *testing.T, e *Engine, kind OwnerKind, key domain.LimitKey, shortLimit, shortUsed decimal.Decimal) {
	t.Helper()
	lim := domain.Limit{Key: key, ShortSellLimit: shortLimit, ShortSellUsed: shortUsed}
	_, err := e.grid.Put(context.Background(), limitCacheKey(kind, key), lim)
	require.NoError(t, err)
}

func TestValidateOrder_RejectsUnsupportedSide(t *testing.T) {
	e := testEngine()
	_, err := e.ValidateOrder("C1", "AU1", "S1", domain.OrderSide("WEIRD"), decimal.NewFromInt(1), "2026-07-30")
	require.Error(t, err)
	de, ok := domain.AsError(err)
	require.True(t, ok)
	assert.Equal(t, domain.KindUnsupported, de.Kind)
}

func TestRecordOrder_IdempotentOverOrderID(t *testing.T) {
	e := testEngine()
	ctx := context.Background()
	key := domain.LimitKey{SecurityID: "S1", BusinessDate: "2026-07-30"}

	clientKey := key
	clientKey.OwnerID = "C1"
	auKey := key
	auKey.OwnerID = "AU1"
	seedLimit(t, e, OwnerClient, clientKey, decimal.NewFromInt(1000), decimal.Zero)
	seedLimit(t, e, OwnerAU, auKey, decimal.NewFromInt(1000), decimal.Zero)

	err := e.RecordOrder(ctx, "C1", "AU1", "S1", "order-1", domain.SideShortSell, decimal.NewFromInt(100), "2026-07-30")
	require.NoError(t, err)
	err = e.RecordOrder(ctx, "C1", "AU1", "S1", "order-1", domain.SideShortSell, decimal.NewFromInt(100), "2026-07-30")
	require.NoError(t, err)

	lim := e.Get(OwnerClient, clientKey)
	assert.True(t, lim.ShortSellUsed.Equal(decimal.NewFromInt(100)))
}

// Scenario B: concurrent validate+record for 100 and 200 against a limit of
// 500 with 400 already used. Exactly one must succeed; used is never 600.
func TestRecordOrder_ConcurrentOrdersNeverExceedLimit(t *testing.T) {
	e := testEngine()
	ctx := context.Background()
	key := domain.LimitKey{SecurityID: "S1", BusinessDate: "2026-07-30"}
	clientKey := key
	clientKey.OwnerID = "C1"
	auKey := key
	auKey.OwnerID = "AU1"
	seedLimit(t, e, OwnerClient, clientKey, decimal.NewFromInt(500), decimal.NewFromInt(400))
	seedLimit(t, e, OwnerAU, auKey, decimal.NewFromInt(100000), decimal.Zero)

	var wg sync.WaitGroup
	results := make([]error, 2)
	qtys := []decimal.Decimal{decimal.NewFromInt(100), decimal.NewFromInt(200)}
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			ok, _ := e.ValidateOrder("C1", "AU1", "S1", domain.SideShortSell, qtys[idx], "2026-07-30")
			if !ok {
				results[idx] = domain.ErrLimitExceeded("", "pre-check failed")
				return
			}
			results[idx] = e.RecordOrder(ctx, "C1", "AU1", "S1", "", domain.SideShortSell, qtys[idx], "2026-07-30")
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

	lim := e.Get(OwnerClient, clientKey)
	assert.False(t, lim.ShortSellUsed.Equal(decimal.NewFromInt(600)))
	assert.True(t, lim.ShortSellUsed.LessThanOrEqual(lim.ShortSellLimit))
}

func TestRecalculateLimits_SetsFromProjectedAndAvailability(t *testing.T) {
	grid := cache.NewGrid("limits", cache.MapConfig{})
	bus := events.NewBus()
	e := New(grid, bus,
		fakePositions{p: domain.Position{ProjectedNet: decimal.NewFromInt(700)}},
		fakeAvailability{inv: domain.Inventory{Available: decimal.NewFromInt(300)}},
		zerolog.Nop(),
	)

	lim, err := e.RecalculateLimits(context.Background(), OwnerClient, "C1", "S1", "2026-07-30")
	require.NoError(t, err)
	assert.True(t, lim.LongSellLimit.Equal(decimal.NewFromInt(700)))
	assert.True(t, lim.ShortSellLimit.Equal(decimal.NewFromInt(300)))
}
