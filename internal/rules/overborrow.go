package rules

import (
	"github.com/shopspring/decimal"

	"github.com/galatea-associates/ims-core/internal/domain"
)

// OverborrowRule flags inventory borrowed in excess of the position's actual
// need: any open BORROW contract quantity beyond what a negative current net
// requires is surfaced as available capacity to return, so downstream
// processes can unwind it.
type OverborrowRule struct{}

// NewOverborrowRule creates the OVERBORROW calculation rule.
func NewOverborrowRule() *OverborrowRule { return &OverborrowRule{} }

func (r *OverborrowRule) RuleType() domain.CalculationType { return domain.CalcOverborrow }

func (r *OverborrowRule) Evaluate(env Envelope) (Output, error) {
	borrowed := decimal.Zero
	for _, c := range env.Contracts {
		if c.Expired(env.BusinessDate) {
			continue
		}
		if c.Direction == domain.DirectionBorrow {
			borrowed = borrowed.Add(c.Quantity)
		}
	}

	need := env.Position.CurrentNet.Neg()
	if need.IsNegative() {
		need = decimal.Zero
	}

	excess := borrowed.Sub(need).Round(4)
	if excess.IsNegative() {
		excess = decimal.Zero
	}

	return Output{
		Gross:       borrowed.Round(4),
		Net:         excess,
		Available:   excess,
		Reserved:    decimal.Zero,
		Decrement:   decimal.Zero,
		Temperature: env.MarketData.Temperature,
		BorrowRate:  env.MarketData.BorrowRate,
	}, nil
}
