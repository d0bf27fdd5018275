// Package position implements the Position Engine: event-sourced position
// reconstruction keyed by (book, security, business_date) plus the 5-day
// settlement ladder, grounded on the teacher's internal/risk.Manager shape
// (a struct wrapping a cache/store, mutating state only under a held lock,
// exposing one method per public operation) generalized from a single
// in-process mutex to a per-key lease obtained from internal/cache.
package position

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/galatea-associates/ims-core/internal/cache"
	"github.com/galatea-associates/ims-core/internal/domain"
	"github.com/galatea-associates/ims-core/internal/events"
)

const leaseTTLDefault = 100 * time.Millisecond

// TradeSide is the direction of a trade event driving on_trade.
type TradeSide string

const (
	SideBuy  TradeSide = "BUY"
	SideSell TradeSide = "SELL"
)

// TradeEvent is the inbound payload of a trade-data envelope.
type TradeEvent struct {
	BookID         string
	SecurityID     string
	BusinessDate   string
	Side           TradeSide
	Quantity       decimal.Decimal
	SettlementDate string
	CorrelationID  string
}

// SnapshotEvent is the inbound payload of a position-snapshot envelope: a
// full replacement of a position's quantity fields and ladder, used for
// daily opens and reconciliation.
type SnapshotEvent struct {
	BookID         string
	SecurityID     string
	BusinessDate   string
	ContractualQty decimal.Decimal
	SettledQty     decimal.Decimal
	Ladder         [domain.LadderDays]domain.SettlementDay
	CorrelationID  string
}

// Ladder is the materialized settlement-ladder view get_settlement_ladder
// returns.
type Ladder struct {
	Days             [domain.LadderDays]domain.SettlementDay
	Nets             [domain.LadderDays]decimal.Decimal
	NetSettlement    decimal.Decimal
	BusinessDate     string
	SettlementWindow int
}

// Engine owns all Position mutations. Trade and snapshot writes acquire an
// exclusive per-key lease from grid before mutating (Restore's cold-start
// seeding writes without one); reads are served
// directly from the cache without locking, per §4.2 "Algorithm".
type Engine struct {
	grid     *cache.Grid
	bus      *events.Bus
	log      zerolog.Logger
	leaseTTL time.Duration

	mu     sync.RWMutex
	byBook map[string]map[string]bool // "security|date" -> set of book ids seen
}

// New creates a Position Engine backed by grid (the "position" named map)
// and publishing derived events on bus.
func New(grid *cache.Grid, bus *events.Bus, log zerolog.Logger) *Engine {
	return &Engine{
		grid:     grid,
		bus:      bus,
		log:      log,
		leaseTTL: leaseTTLDefault,
		byBook:   make(map[string]map[string]bool),
	}
}

func positionCacheKey(key domain.PositionKey) string {
	return fmt.Sprintf("position:%s:%s:%s", key.BookID, key.SecurityID, key.BusinessDate)
}

// Get returns the cached position for key, or a zero-value pending position
// if none exists yet (lazily created on first mutation, per §3
// "Lifecycle").
func (e *Engine) Get(key domain.PositionKey) domain.Position {
	rec, ok := e.grid.Get(positionCacheKey(key))
	if !ok {
		return domain.Position{Key: key, CalculationStatus: domain.StatusPending}
	}
	return rec.Value.(domain.Position)
}

// GetSettlementLadder returns the materialized ladder view for key.
func (e *Engine) GetSettlementLadder(key domain.PositionKey) Ladder {
	p := e.Get(key)
	l := Ladder{Days: p.Ladder, BusinessDate: key.BusinessDate}
	total := decimal.Zero
	for i, d := range p.Ladder {
		net := d.Net().Round(4)
		l.Nets[i] = net
		total = total.Add(net)
	}
	l.NetSettlement = total.Round(4)
	return l
}

// GetProjected returns the current projected_net for key.
func (e *Engine) GetProjected(key domain.PositionKey) decimal.Decimal {
	return e.Get(key).ProjectedNet
}

// settlementDelta computes Δ = settlement_date - business_date in whole
// days, rejecting anything outside [0,4] per §4.2/§7.
func settlementDelta(businessDate, settlementDate string) (int, error) {
	bd, err := time.Parse("2006-01-02", businessDate)
	if err != nil {
		return 0, domain.NewError(domain.KindValidation, "", "invalid business_date: "+businessDate, err)
	}
	sd, err := time.Parse("2006-01-02", settlementDate)
	if err != nil {
		return 0, domain.NewError(domain.KindValidation, "", "invalid settlement_date: "+settlementDate, err)
	}
	delta := int(sd.Sub(bd).Hours() / 24)
	if delta < 0 || delta > domain.LadderDays-1 {
		return delta, domain.NewError(domain.KindValidation, "",
			fmt.Sprintf("settlement day %d outside [0,%d]", delta, domain.LadderDays-1), nil)
	}
	return delta, nil
}

// OnTrade applies a trade event to the position it keys, per §4.2's BUY/SELL
// algebra. A zero-quantity trade is a no-op, not an error.
func (e *Engine) OnTrade(ctx context.Context, trade TradeEvent) (domain.Position, error) {
	if trade.Quantity.IsZero() {
		return e.Get(domain.PositionKey{BookID: trade.BookID, SecurityID: trade.SecurityID, BusinessDate: trade.BusinessDate}), nil
	}

	delta, err := settlementDelta(trade.BusinessDate, trade.SettlementDate)
	if err != nil {
		return domain.Position{}, err
	}

	key := domain.PositionKey{BookID: trade.BookID, SecurityID: trade.SecurityID, BusinessDate: trade.BusinessDate}
	cacheKey := positionCacheKey(key)

	lease, err := e.grid.Lease(ctx, cacheKey, e.leaseTTL)
	if err != nil {
		return domain.Position{}, err
	}
	defer lease.Release()

	rec, existed := e.grid.Get(cacheKey)
	var p domain.Position
	var expectedVersion uint64
	if existed {
		p = rec.Value.(domain.Position)
		expectedVersion = rec.Version
	} else {
		p = domain.Position{Key: key}
	}

	switch trade.Side {
	case SideBuy:
		p.ContractualQty = p.ContractualQty.Add(trade.Quantity).Round(4)
		p.Ladder[delta].Receipt = p.Ladder[delta].Receipt.Add(trade.Quantity).Round(4)
	case SideSell:
		p.ContractualQty = p.ContractualQty.Sub(trade.Quantity).Round(4)
		p.Ladder[delta].Deliver = p.Ladder[delta].Deliver.Add(trade.Quantity).Round(4)
	default:
		return domain.Position{}, domain.NewError(domain.KindValidation, trade.CorrelationID, "unknown trade side: "+string(trade.Side), nil)
	}

	return e.commit(ctx, cacheKey, p, expectedVersion, trade.CorrelationID)
}

// OnPositionSnapshot replaces the quantity fields and ladder wholesale, used
// for daily opens and reconciliation feeds.
func (e *Engine) OnPositionSnapshot(ctx context.Context, snap SnapshotEvent) (domain.Position, error) {
	key := domain.PositionKey{BookID: snap.BookID, SecurityID: snap.SecurityID, BusinessDate: snap.BusinessDate}
	cacheKey := positionCacheKey(key)

	lease, err := e.grid.Lease(ctx, cacheKey, e.leaseTTL)
	if err != nil {
		return domain.Position{}, err
	}
	defer lease.Release()

	rec, existed := e.grid.Get(cacheKey)
	var expectedVersion uint64
	if existed {
		expectedVersion = rec.Version
	}

	p := domain.Position{
		Key:            key,
		ContractualQty: snap.ContractualQty.Round(4),
		SettledQty:     snap.SettledQty.Round(4),
		Ladder:         snap.Ladder,
	}

	return e.commit(ctx, cacheKey, p, expectedVersion, snap.CorrelationID)
}

// commit recomputes derived fields, marks the position VALID, writes it
// under CAS, and emits position-events. On any write failure it emits a
// calculation-error-event whose payload carries the position marked ERROR;
// the cached position is left unchanged, so no ERROR status is persisted.
func (e *Engine) commit(ctx context.Context, cacheKey string, p domain.Position, expectedVersion uint64, correlationID string) (domain.Position, error) {
	p.Recompute()
	p.CalculationStatus = domain.StatusValid
	p.UpdatedAt = time.Now()

	rec, err := e.grid.CompareAndSwap(ctx, cacheKey, expectedVersion, p)
	if err != nil {
		p.CalculationStatus = domain.StatusError
		e.bus.Publish(events.TopicCalcErrorEvents, events.Envelope{
			EventType:     "position.error",
			CorrelationID: correlationID,
			RoutingKey:    events.PositionRoutingKey(p.Key.BookID, p.Key.SecurityID),
			EmitTime:      time.Now(),
			Payload:       map[string]any{"position": p, "error": err.Error()},
		})
		return domain.Position{}, err
	}

	p = rec.Value.(domain.Position)
	p.Version = rec.Version
	e.indexBook(p.Key)
	e.bus.Publish(events.TopicPositionEvents, events.Envelope{
		EventType:     "position.updated",
		CorrelationID: correlationID,
		RoutingKey:    events.PositionRoutingKey(p.Key.BookID, p.Key.SecurityID),
		EmitTime:      time.Now(),
		Payload:       p,
	})
	e.log.Debug().
		Str("book_id", p.Key.BookID).
		Str("security_id", p.Key.SecurityID).
		Str("business_date", p.Key.BusinessDate).
		Str("current_net", p.CurrentNet.String()).
		Str("projected_net", p.ProjectedNet.String()).
		Msg("position recomputed")
	return p, nil
}

// Restore seeds the cache with a position read back from the durable store
// on cold start, bypassing the trade algebra since the store already holds
// the authoritative post-computation record. It still updates the byBook
// index so Aggregate works immediately after restore.
func (e *Engine) Restore(ctx context.Context, p domain.Position) error {
	cacheKey := positionCacheKey(p.Key)
	if _, err := e.grid.Put(ctx, cacheKey, p); err != nil {
		return err
	}
	e.indexBook(p.Key)
	return nil
}

func aggregateIndexKey(securityID, businessDate string) string {
	return securityID + "|" + businessDate
}

// indexBook records that key.BookID holds a position for
// (key.SecurityID, key.BusinessDate), so Aggregate can enumerate every book
// without scanning the whole cache.
func (e *Engine) indexBook(key domain.PositionKey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	idxKey := aggregateIndexKey(key.SecurityID, key.BusinessDate)
	books, ok := e.byBook[idxKey]
	if !ok {
		books = make(map[string]bool)
		e.byBook[idxKey] = books
	}
	books[key.BookID] = true
}

// Aggregate sums the position across every book that has traded
// (securityID, businessDate), giving the Inventory Engine the book-agnostic
// view §4.3's rule envelope requires.
func (e *Engine) Aggregate(securityID, businessDate string) domain.Position {
	e.mu.RLock()
	books := e.byBook[aggregateIndexKey(securityID, businessDate)]
	bookIDs := make([]string, 0, len(books))
	for b := range books {
		bookIDs = append(bookIDs, b)
	}
	e.mu.RUnlock()

	agg := domain.Position{
		Key: domain.PositionKey{SecurityID: securityID, BusinessDate: businessDate},
	}
	for _, bookID := range bookIDs {
		p := e.Get(domain.PositionKey{BookID: bookID, SecurityID: securityID, BusinessDate: businessDate})
		agg.ContractualQty = agg.ContractualQty.Add(p.ContractualQty)
		agg.SettledQty = agg.SettledQty.Add(p.SettledQty)
		for i := range agg.Ladder {
			agg.Ladder[i].Deliver = agg.Ladder[i].Deliver.Add(p.Ladder[i].Deliver)
			agg.Ladder[i].Receipt = agg.Ladder[i].Receipt.Add(p.Ladder[i].Receipt)
		}
	}
	agg.Recompute()
	agg.CalculationStatus = domain.StatusValid
	return agg
}
