package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/galatea-associates/ims-core/internal/domain"
)

// PutPosition enqueues a durable upsert of p, to be applied by the Writer's
// next flush. Engines call this synchronously after committing to the
// cache; the write-behind lag is bounded by the Writer's flush interval.
func (w *Writer) PutPosition(p domain.Position) {
	ladderJSON, _ := json.Marshal(p.Ladder)
	w.Enqueue(WriteOp{
		Query: `INSERT INTO positions
			(book_id, security_id, business_date, contractual_qty, settled_qty, ladder_json, current_net, projected_net, calc_status, version, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(book_id, security_id, business_date) DO UPDATE SET
				contractual_qty=excluded.contractual_qty, settled_qty=excluded.settled_qty,
				ladder_json=excluded.ladder_json, current_net=excluded.current_net,
				projected_net=excluded.projected_net, calc_status=excluded.calc_status,
				version=excluded.version, updated_at=excluded.updated_at`,
		Args: []any{
			p.Key.BookID, p.Key.SecurityID, p.Key.BusinessDate,
			p.ContractualQty.String(), p.SettledQty.String(), string(ladderJSON),
			p.CurrentNet.String(), p.ProjectedNet.String(), string(p.CalculationStatus),
			p.Version, p.UpdatedAt,
		},
	})
}

// PutInventory enqueues a durable upsert of inv.
func (w *Writer) PutInventory(inv domain.Inventory) {
	w.Enqueue(WriteOp{
		Query: `INSERT INTO inventory
			(security_id, counterparty_id, au_id, business_date, calc_type, gross, net, available, reserved, decrement, temperature, borrow_rate, calc_status, version, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(security_id, counterparty_id, au_id, business_date, calc_type) DO UPDATE SET
				gross=excluded.gross, net=excluded.net, available=excluded.available,
				reserved=excluded.reserved, decrement=excluded.decrement,
				temperature=excluded.temperature, borrow_rate=excluded.borrow_rate,
				calc_status=excluded.calc_status, version=excluded.version, updated_at=excluded.updated_at`,
		Args: []any{
			inv.Key.SecurityID, inv.Key.CounterpartyID, inv.Key.AUID, inv.Key.BusinessDate, string(inv.Key.CalculationType),
			inv.Gross.String(), inv.Net.String(), inv.Available.String(), inv.Reserved.String(), inv.Decrement.String(),
			string(inv.Temperature), inv.BorrowRate.String(), string(inv.CalculationStatus), inv.Version, inv.UpdatedAt,
		},
	})
}

// PutLimit enqueues a durable upsert of l under the given owner kind
// ("client" or "au" - see limit.OwnerKind), which namespaces the same
// owner_id the way limit.OwnerKind namespaces cache keys.
func (w *Writer) PutLimit(kind string, l domain.Limit) {
	w.Enqueue(WriteOp{
		Query: `INSERT INTO limits
			(owner_kind, owner_id, security_id, business_date, long_sell_limit, short_sell_limit, long_sell_used, short_sell_used, status, version, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(owner_kind, owner_id, security_id, business_date) DO UPDATE SET
				long_sell_limit=excluded.long_sell_limit, short_sell_limit=excluded.short_sell_limit,
				long_sell_used=excluded.long_sell_used, short_sell_used=excluded.short_sell_used,
				status=excluded.status, version=excluded.version, updated_at=excluded.updated_at`,
		Args: []any{
			kind, l.Key.OwnerID, l.Key.SecurityID, l.Key.BusinessDate,
			l.LongSellLimit.String(), l.ShortSellLimit.String(), l.LongSellUsed.String(), l.ShortSellUsed.String(),
			l.Status, l.Version, l.UpdatedAt,
		},
	})
}

// PutCalculationRule appends a new version row; calculation_rules is
// append-only, so this never updates an existing (rule_id, version) row.
func (w *Writer) PutCalculationRule(r domain.CalculationRule) {
	w.Enqueue(WriteOp{
		Query: `INSERT OR IGNORE INTO calculation_rules
			(rule_id, version, rule_type, market, priority, effective_from, effective_to, status, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		Args: []any{
			r.RuleID, r.Version, string(r.RuleType), r.Market, r.Priority,
			r.EffectiveFrom, r.EffectiveTo, string(r.Status), time.Now(),
		},
	})
}

// ListPositions reads every durable position row, for cold-start replay
// into internal/position.Engine's cache grid.
func (d *DB) ListPositions(ctx context.Context) ([]domain.Position, error) {
	rows, err := d.conn.QueryContext(ctx, `SELECT book_id, security_id, business_date, contractual_qty, settled_qty, ladder_json, calc_status, version, updated_at FROM positions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		var p domain.Position
		var contractual, settled, ladderJSON, status string
		if err := rows.Scan(&p.Key.BookID, &p.Key.SecurityID, &p.Key.BusinessDate, &contractual, &settled, &ladderJSON, &status, &p.Version, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.ContractualQty, _ = decimal.NewFromString(contractual)
		p.SettledQty, _ = decimal.NewFromString(settled)
		p.CalculationStatus = domain.CalculationStatus(status)
		_ = json.Unmarshal([]byte(ladderJSON), &p.Ladder)
		p.Recompute()
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListInventory reads every durable inventory row, for cold-start replay.
func (d *DB) ListInventory(ctx context.Context) ([]domain.Inventory, error) {
	rows, err := d.conn.QueryContext(ctx, `SELECT security_id, counterparty_id, au_id, business_date, calc_type, gross, net, available, reserved, decrement, temperature, borrow_rate, calc_status, version, updated_at FROM inventory`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Inventory
	for rows.Next() {
		var inv domain.Inventory
		var calcType, gross, net, available, reserved, dec, temp, rate, status string
		if err := rows.Scan(&inv.Key.SecurityID, &inv.Key.CounterpartyID, &inv.Key.AUID, &inv.Key.BusinessDate, &calcType,
			&gross, &net, &available, &reserved, &dec, &temp, &rate, &status, &inv.Version, &inv.UpdatedAt); err != nil {
			return nil, err
		}
		inv.Key.CalculationType = domain.CalculationType(calcType)
		inv.Gross, _ = decimal.NewFromString(gross)
		inv.Net, _ = decimal.NewFromString(net)
		inv.Available, _ = decimal.NewFromString(available)
		inv.Reserved, _ = decimal.NewFromString(reserved)
		inv.Decrement, _ = decimal.NewFromString(dec)
		inv.Temperature = domain.Temperature(temp)
		inv.BorrowRate, _ = decimal.NewFromString(rate)
		inv.CalculationStatus = domain.CalculationStatus(status)
		out = append(out, inv)
	}
	return out, rows.Err()
}

// LimitRow pairs a durable limit with the owner kind it was recorded under,
// since domain.Limit itself carries no kind field (limit.OwnerKind only
// namespaces the cache key and the durable owner_kind column).
type LimitRow struct {
	Kind  string
	Limit domain.Limit
}

// ListLimits reads every durable limit row, for cold-start replay.
func (d *DB) ListLimits(ctx context.Context) ([]LimitRow, error) {
	rows, err := d.conn.QueryContext(ctx, `SELECT owner_kind, owner_id, security_id, business_date, long_sell_limit, short_sell_limit, long_sell_used, short_sell_used, status, version, updated_at FROM limits`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LimitRow
	for rows.Next() {
		var row LimitRow
		l := &row.Limit
		var longLimit, shortLimit, longUsed, shortUsed string
		if err := rows.Scan(&row.Kind, &l.Key.OwnerID, &l.Key.SecurityID, &l.Key.BusinessDate, &longLimit, &shortLimit, &longUsed, &shortUsed, &l.Status, &l.Version, &l.UpdatedAt); err != nil {
			return nil, err
		}
		l.LongSellLimit, _ = decimal.NewFromString(longLimit)
		l.ShortSellLimit, _ = decimal.NewFromString(shortLimit)
		l.LongSellUsed, _ = decimal.NewFromString(longUsed)
		l.ShortSellUsed, _ = decimal.NewFromString(shortUsed)
		out = append(out, row)
	}
	return out, rows.Err()
}

// ListCalculationRules reads every rule version ever recorded, for
// cold-start replay into internal/rules.Registry.
func (d *DB) ListCalculationRules(ctx context.Context) ([]domain.CalculationRule, error) {
	rows, err := d.conn.QueryContext(ctx, `SELECT rule_id, version, rule_type, market, priority, effective_from, effective_to, status FROM calculation_rules`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.CalculationRule
	for rows.Next() {
		var r domain.CalculationRule
		var ruleType, status string
		if err := rows.Scan(&r.RuleID, &r.Version, &ruleType, &r.Market, &r.Priority, &r.EffectiveFrom, &r.EffectiveTo, &status); err != nil {
			return nil, err
		}
		r.RuleType = domain.CalculationType(ruleType)
		r.Status = domain.RuleStatus(status)
		out = append(out, r)
	}
	return out, rows.Err()
}
