package rules

import (
	"github.com/shopspring/decimal"

	"github.com/galatea-associates/ims-core/internal/domain"
)

// ForPledgeRule computes collateral-pledge availability: long position plus
// open BORROW-direction collateral contracts, since pledgeable inventory
// includes securities held as collateral from a borrow.
type ForPledgeRule struct{}

// NewForPledgeRule creates the FOR_PLEDGE calculation rule.
func NewForPledgeRule() *ForPledgeRule { return &ForPledgeRule{} }

func (r *ForPledgeRule) RuleType() domain.CalculationType { return domain.CalcForPledge }

func (r *ForPledgeRule) Evaluate(env Envelope) (Output, error) {
	gross := env.Position.CurrentNet
	if gross.IsNegative() {
		gross = decimal.Zero
	}

	borrowed := decimal.Zero
	for _, c := range env.Contracts {
		if c.Expired(env.BusinessDate) {
			continue
		}
		if c.Direction == domain.DirectionBorrow {
			borrowed = borrowed.Add(c.Quantity)
		}
	}

	net := gross.Add(borrowed).Round(4)

	return Output{
		Gross:       gross.Round(4),
		Net:         net,
		Available:   net,
		Reserved:    decimal.Zero,
		Decrement:   decimal.Zero,
		Temperature: env.MarketData.Temperature,
		BorrowRate:  env.MarketData.BorrowRate,
	}, nil
}
