// Package limit implements the Limit Engine: client/AU sell-limit
// maintenance and atomic check-and-increment usage accounting. Grounded on
// the teacher's internal/risk.Manager shape (a struct guarding shared
// config/state, exposing one method per validate/record operation),
// generalized from an in-process mutex to a per-limit-key cache lease so
// validate_order+record_order compose into the single linearizable step
// §4.4 requires.
package limit

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/galatea-associates/ims-core/internal/cache"
	"github.com/galatea-associates/ims-core/internal/domain"
	"github.com/galatea-associates/ims-core/internal/events"
)

// leaseBound is the 50ms cap §4.4 mandates on the check-and-increment
// lease: "lease hold time bounded (50 ms default) with fail-fast if the
// lease is unavailable, so p99 ≤ 150 ms is preserved."
const leaseBound = 50 * time.Millisecond

// PositionSource supplies the security-level position used to derive limit
// capacities during recalculation.
type PositionSource interface {
	Aggregate(securityID, businessDate string) domain.Position
}

// AvailabilitySource supplies short-sell availability for limit
// recalculation.
type AvailabilitySource interface {
	Get(key domain.InventoryKey) domain.Inventory
}

// Engine owns ClientLimit/AggregationUnitLimit mutation. Both owner kinds
// share the domain.Limit shape; the engine is parameterized by a "kind"
// prefix (client/au) purely for cache-key namespacing.
type Engine struct {
	grid      *cache.Grid
	bus       *events.Bus
	log       zerolog.Logger
	positions PositionSource
	inventory AvailabilitySource
}

// New creates a Limit Engine.
func New(grid *cache.Grid, bus *events.Bus, positions PositionSource, inventory AvailabilitySource, log zerolog.Logger) *Engine {
	return &Engine{grid: grid, bus: bus, positions: positions, inventory: inventory, log: log}
}

// OwnerKind distinguishes client-scoped limits from AU-scoped limits; both
// share identical fields and invariants per §3.
type OwnerKind string

const (
	OwnerClient OwnerKind = "client"
	OwnerAU     OwnerKind = "au"
)

func limitCacheKey(kind OwnerKind, key domain.LimitKey) string {
	return fmt.Sprintf("limit:%s:%s:%s:%s", kind, key.OwnerID, key.SecurityID, key.BusinessDate)
}

// Get returns the cached limit for (kind, key), or a Limit carrying only key
// (zero limits and usage, empty status) if none exists.
func (e *Engine) Get(kind OwnerKind, key domain.LimitKey) domain.Limit {
	rec, ok := e.grid.Get(limitCacheKey(kind, key))
	if !ok {
		return domain.Limit{Key: key}
	}
	return rec.Value.(domain.Limit)
}

// Restore seeds the cache with a limit read back from the durable store on
// cold start, bypassing RecalculateLimits/RecordOrder since the store
// already holds the authoritative post-computation record.
func (e *Engine) Restore(ctx context.Context, kind OwnerKind, l domain.Limit) error {
	_, err := e.grid.Put(ctx, limitCacheKey(kind, l.Key), l)
	return err
}

// RecalculateLimits groups the owner's positions by (owner, security) and
// sets long_sell_limit/short_sell_limit from projected long quantity and
// short-sell availability respectively, preserving *_used (§4.4).
func (e *Engine) RecalculateLimits(ctx context.Context, kind OwnerKind, ownerID, securityID, businessDate string) (domain.Limit, error) {
	key := domain.LimitKey{OwnerID: ownerID, SecurityID: securityID, BusinessDate: businessDate}
	cacheKey := limitCacheKey(kind, key)

	lease, err := e.grid.Lease(ctx, cacheKey, leaseBound)
	if err != nil {
		return domain.Limit{}, err
	}
	defer lease.Release()

	rec, existed := e.grid.Get(cacheKey)
	var lim domain.Limit
	var expectedVersion uint64
	if existed {
		lim = rec.Value.(domain.Limit)
		expectedVersion = rec.Version
	} else {
		lim = domain.Limit{Key: key}
	}

	var pos domain.Position
	if e.positions != nil {
		pos = e.positions.Aggregate(securityID, businessDate)
	}
	longProjected := pos.ProjectedNet
	if longProjected.IsNegative() {
		longProjected = decimal.Zero
	}

	var shortAvailability decimal.Decimal
	if e.inventory != nil {
		inv := e.inventory.Get(domain.InventoryKey{
			SecurityID: securityID, BusinessDate: businessDate, CalculationType: domain.CalcShortSell,
		})
		shortAvailability = inv.Available
	}

	lim.LongSellLimit = longProjected.Round(4)
	lim.ShortSellLimit = shortAvailability.Round(4)

	written, err := e.grid.CompareAndSwap(ctx, cacheKey, expectedVersion, lim)
	if err != nil {
		return domain.Limit{}, err
	}
	lim = written.Value.(domain.Limit)
	lim.Version = written.Version

	e.bus.Publish(events.TopicLimitEvents, events.Envelope{
		EventType:    "limit.updated",
		EmitTime:     time.Now(),
		RoutingKey:   events.LimitRoutingKey(ownerID, securityID),
		BusinessDate: businessDate,
		Payload:      lim,
	})
	return lim, nil
}

// ValidateOrder reports whether capacity exists for qty on orderSide across
// both the client and AU limits (§4.4). Any other side is rejected with
// UnsupportedOrderType.
func (e *Engine) ValidateOrder(clientID, auID, securityID string, side domain.OrderSide, qty decimal.Decimal, businessDate string) (bool, error) {
	if side != domain.SideLongSell && side != domain.SideShortSell {
		return false, domain.NewError(domain.KindUnsupported, "", "unsupported order side: "+string(side), nil)
	}
	clientLimit := e.Get(OwnerClient, domain.LimitKey{OwnerID: clientID, SecurityID: securityID, BusinessDate: businessDate})
	auLimit := e.Get(OwnerAU, domain.LimitKey{OwnerID: auID, SecurityID: securityID, BusinessDate: businessDate})

	return clientLimit.Capacity(side).GreaterThanOrEqual(qty) && auLimit.Capacity(side).GreaterThanOrEqual(qty), nil
}

// RecordOrder atomically increments *_used on both the client and AU limits
// for orderID, idempotent over orderID via a per-(owner,security,date)
// seen-orders set. It is the check-and-increment §4.4 requires as a single
// linearizable step when chained after ValidateOrder under the same lease
// window.
func (e *Engine) RecordOrder(ctx context.Context, clientID, auID, securityID, orderID string, side domain.OrderSide, qty decimal.Decimal, businessDate string) error {
	if side != domain.SideLongSell && side != domain.SideShortSell {
		return domain.NewError(domain.KindUnsupported, "", "unsupported order side: "+string(side), nil)
	}

	if err := e.recordOnOwner(ctx, OwnerClient, clientID, securityID, orderID, side, qty, businessDate); err != nil {
		return err
	}
	if err := e.recordOnOwner(ctx, OwnerAU, auID, securityID, orderID, side, qty, businessDate); err != nil {
		return err
	}
	return nil
}

func (e *Engine) recordOnOwner(ctx context.Context, kind OwnerKind, ownerID, securityID, orderID string, side domain.OrderSide, qty decimal.Decimal, businessDate string) error {
	key := domain.LimitKey{OwnerID: ownerID, SecurityID: securityID, BusinessDate: businessDate}
	cacheKey := limitCacheKey(kind, key)

	leaseCtx, cancel := context.WithTimeout(ctx, leaseBound)
	defer cancel()
	lease, err := e.grid.Lease(leaseCtx, cacheKey, leaseBound)
	if err != nil {
		return domain.NewError(domain.KindLeaseUnavailable, "", "limit lease unavailable for "+cacheKey, err)
	}
	defer lease.Release()

	seenKey := cacheKey + ":orders:" + orderID
	if orderID != "" {
		if _, seen := e.grid.Get(seenKey); seen {
			return nil // idempotent replay of the same order id
		}
	}

	rec, existed := e.grid.Get(cacheKey)
	var lim domain.Limit
	var expectedVersion uint64
	if existed {
		lim = rec.Value.(domain.Limit)
		expectedVersion = rec.Version
	} else {
		lim = domain.Limit{Key: key}
	}

	switch side {
	case domain.SideLongSell:
		if lim.LongSellUsed.Add(qty).GreaterThan(lim.LongSellLimit) {
			return domain.ErrLimitExceeded("", fmt.Sprintf("long_sell_used+%s would exceed limit %s", qty, lim.LongSellLimit))
		}
		lim.LongSellUsed = lim.LongSellUsed.Add(qty).Round(4)
	case domain.SideShortSell:
		if lim.ShortSellUsed.Add(qty).GreaterThan(lim.ShortSellLimit) {
			return domain.ErrLimitExceeded("", fmt.Sprintf("short_sell_used+%s would exceed limit %s", qty, lim.ShortSellLimit))
		}
		lim.ShortSellUsed = lim.ShortSellUsed.Add(qty).Round(4)
	}

	written, err := e.grid.CompareAndSwap(ctx, cacheKey, expectedVersion, lim)
	if err != nil {
		return err
	}
	lim = written.Value.(domain.Limit)
	lim.Version = written.Version

	if orderID != "" {
		if _, err := e.grid.Put(ctx, seenKey, true); err != nil {
			e.log.Warn().Err(err).Str("order_id", orderID).Msg("failed to persist order dedupe marker")
		}
	}

	e.bus.Publish(events.TopicLimitEvents, events.Envelope{
		EventType:    "limit.updated",
		EmitTime:     time.Now(),
		RoutingKey:   events.LimitRoutingKey(ownerID, securityID),
		BusinessDate: businessDate,
		Payload:      lim,
	})
	return nil
}
