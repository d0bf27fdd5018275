package reconciliation

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/galatea-associates/ims-core/internal/cache"
	"github.com/galatea-associates/ims-core/internal/domain"
	"github.com/galatea-associates/ims-core/internal/events"
	"github.com/galatea-associates/ims-core/internal/inventory"
	"github.com/galatea-associates/ims-core/internal/limit"
	"github.com/galatea-associates/ims-core/internal/position"
	"github.com/galatea-associates/ims-core/internal/rules"
	"github.com/galatea-associates/ims-core/pkg/store"
)

type stubRule struct{ t domain.CalculationType }

func (r stubRule) RuleType() domain.CalculationType { return r.t }
func (r stubRule) Evaluate(env rules.Envelope) (rules.Output, error) {
	return rules.Output{}, nil
}

func testService(t *testing.T) (*Service, *store.DB, *store.Writer, *position.Engine, *inventory.Engine, *limit.Engine) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "ims.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	writer := store.NewWriter(db, 50, time.Hour, zerolog.Nop())
	t.Cleanup(func() { _ = writer.Close() })

	bus := events.NewBus()
	posEngine := position.New(cache.NewGrid("position", cache.MapConfig{}), bus, zerolog.Nop())
	invEngine := inventory.New(cache.NewGrid("inventory", cache.MapConfig{}), bus, rules.NewRegistry(), posEngine, noopContracts{}, noopReference{}, noopMarket{}, zerolog.Nop())
	limitEngine := limit.New(cache.NewGrid("limit", cache.MapConfig{}), bus, noopLimitPositions{}, noopAvailability{}, zerolog.Nop())

	resolve := func(t domain.CalculationType) (rules.Rule, bool) { return stubRule{t: t}, true }
	svc := New(db, posEngine, invEngine, limitEngine, rules.NewRegistry(), resolve, DefaultConfig(), zerolog.Nop())
	return svc, db, writer, posEngine, invEngine, limitEngine
}

type noopContracts struct{}

func (noopContracts) ForSecurity(string) []domain.Contract { return nil }

type noopReference struct{}

func (noopReference) Security(string) (domain.Security, bool)             { return domain.Security{}, false }
func (noopReference) AggregationUnit(string) (domain.AggregationUnit, bool) { return domain.AggregationUnit{}, false }
func (noopReference) Counterparty(string) (domain.Counterparty, bool)      { return domain.Counterparty{}, false }

type noopMarket struct{}

func (noopMarket) Snapshot(string) rules.MarketSnapshot { return rules.MarketSnapshot{} }

type noopLimitPositions struct{}

func (noopLimitPositions) Aggregate(string, string) domain.Position { return domain.Position{} }

type noopAvailability struct{}

func (noopAvailability) Get(domain.InventoryKey) domain.Inventory { return domain.Inventory{} }

func TestService_RestoreSeedsCacheFromDurableStore(t *testing.T) {
	svc, _, writer, posEngine, invEngine, limitEngine := testService(t)
	ctx := context.Background()

	posKey := domain.PositionKey{BookID: "B1", SecurityID: "S1", BusinessDate: "2026-07-30"}
	writer.PutPosition(domain.Position{Key: posKey, ContractualQty: decimal.NewFromInt(100), SettledQty: decimal.NewFromInt(10), Version: 1, UpdatedAt: time.Now()})

	invKey := domain.InventoryKey{SecurityID: "S1", BusinessDate: "2026-07-30", CalculationType: domain.CalculationType("FOR_LOAN")}
	writer.PutInventory(domain.Inventory{Key: invKey, Available: decimal.NewFromInt(50), Version: 1, UpdatedAt: time.Now()})

	limKey := domain.LimitKey{OwnerID: "C1", SecurityID: "S1", BusinessDate: "2026-07-30"}
	writer.PutLimit("client", domain.Limit{Key: limKey, LongSellLimit: decimal.NewFromInt(500), Version: 1, UpdatedAt: time.Now()})

	writer.PutCalculationRule(domain.CalculationRule{RuleID: "R1", Version: 1, RuleType: "FOR_LOAN", Market: "US", Priority: 1, EffectiveFrom: time.Now().Add(-time.Hour), Status: domain.RuleStatusActive})
	require.NoError(t, writer.Flush())

	require.NoError(t, svc.Restore(ctx))

	assert := require.New(t)
	assert.True(posEngine.Get(posKey).ContractualQty.Equal(decimal.NewFromInt(100)))
	assert.True(invEngine.Get(invKey).Available.Equal(decimal.NewFromInt(50)))
	assert.True(limitEngine.Get(limit.OwnerClient, limKey).LongSellLimit.Equal(decimal.NewFromInt(500)))
}

func TestService_ScanDetectsDrift(t *testing.T) {
	svc, _, writer, _, invEngine, _ := testService(t)
	ctx := context.Background()

	invKey := domain.InventoryKey{SecurityID: "S1", BusinessDate: "2026-07-30", CalculationType: domain.CalculationType("FOR_LOAN")}
	writer.PutInventory(domain.Inventory{Key: invKey, Available: decimal.NewFromInt(999), Version: 1, UpdatedAt: time.Now()})
	require.NoError(t, writer.Flush())

	_ = invEngine.Get(invKey) // confirms the cache is empty relative to the durable record

	drifts := svc.Scan(ctx)
	require.Len(t, drifts, 1)
	require.Equal(t, "S1", drifts[0].Key.SecurityID)
	require.False(t, svc.LastScan().IsZero())
}
