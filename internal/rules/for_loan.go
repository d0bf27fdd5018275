package rules

import (
	"github.com/shopspring/decimal"

	"github.com/galatea-associates/ims-core/internal/domain"
)

// ForLoanRule computes securities-lending availability: positions held long
// plus open lendable SBL/REPO contracts (BORROW direction), minus quantity
// already lent out via open LOAN-direction contracts.
type ForLoanRule struct{}

// NewForLoanRule creates the FOR_LOAN calculation rule.
func NewForLoanRule() *ForLoanRule { return &ForLoanRule{} }

func (r *ForLoanRule) RuleType() domain.CalculationType { return domain.CalcForLoan }

func (r *ForLoanRule) Evaluate(env Envelope) (Output, error) {
	gross := env.Position.CurrentNet
	if gross.IsNegative() {
		gross = decimal.Zero
	}

	lendable := decimal.Zero
	lentOut := decimal.Zero
	for _, c := range env.Contracts {
		if c.Expired(env.BusinessDate) {
			continue
		}
		if c.Direction == domain.DirectionLoan {
			lentOut = lentOut.Add(c.Quantity)
		} else if c.Direction == domain.DirectionBorrow && (c.Type == domain.ContractSBL || c.Type == domain.ContractREPO) {
			lendable = lendable.Add(c.Quantity)
		}
	}
	gross = gross.Add(lendable)

	net := gross.Sub(lentOut).Round(4)
	if net.IsNegative() {
		net = decimal.Zero
	}

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
