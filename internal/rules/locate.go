package rules

import (
	"github.com/shopspring/decimal"

	"github.com/galatea-associates/ims-core/internal/domain"
)

// LocateRule computes locate-approval availability: the same base pool as
// SHORT_SELL, but exposed separately so locate approvals can be decremented
// independently of short-sell-driven reservations (§4.3's decrement counter
// is specific to "locate approvals").
type LocateRule struct{}

// NewLocateRule creates the LOCATE calculation rule.
func NewLocateRule() *LocateRule { return &LocateRule{} }

func (r *LocateRule) RuleType() domain.CalculationType { return domain.CalcLocate }

func (r *LocateRule) Evaluate(env Envelope) (Output, error) {
	gross := env.Position.CurrentNet
	if gross.IsNegative() {
		gross = decimal.Zero
	}

	locatable := decimal.Zero
	for _, c := range env.Contracts {
		if c.Expired(env.BusinessDate) {
			continue
		}
		if c.Type == domain.ContractSBL && c.Direction == domain.DirectionBorrow {
			locatable = locatable.Add(c.Quantity)
		}
	}

	net := gross.Add(locatable).Round(4)

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
