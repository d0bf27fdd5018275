package rules

import (
	"github.com/shopspring/decimal"

	"github.com/galatea-associates/ims-core/internal/domain"
)

// ShortSellRule computes short-sell availability: inventory that can cover a
// short sale is the projected net (including forward settlements) when
// negative-capacity headroom exists, plus any open SBL borrow capacity not
// yet drawn down.
type ShortSellRule struct{}

// NewShortSellRule creates the SHORT_SELL calculation rule.
func NewShortSellRule() *ShortSellRule { return &ShortSellRule{} }

func (r *ShortSellRule) RuleType() domain.CalculationType { return domain.CalcShortSell }

func (r *ShortSellRule) Evaluate(env Envelope) (Output, error) {
	borrowCapacity := decimal.Zero
	for _, c := range env.Contracts {
		if c.Expired(env.BusinessDate) {
			continue
		}
		if c.Type == domain.ContractSBL && c.Direction == domain.DirectionBorrow {
			borrowCapacity = borrowCapacity.Add(c.Quantity)
		}
	}

	headroom := env.Position.ProjectedNet
	if headroom.IsNegative() {
		headroom = decimal.Zero
	}

	net := headroom.Add(borrowCapacity).Round(4)

	return Output{
		Gross:       net,
		Net:         net,
		Available:   net,
		Reserved:    decimal.Zero,
		Decrement:   decimal.Zero,
		Temperature: env.MarketData.Temperature,
		BorrowRate:  env.MarketData.BorrowRate,
	}, nil
}
