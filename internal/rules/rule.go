// Package rules implements the Rule Engine: versioned CalculationRules
// selected by priority and effective window, evaluated against a stable
// input envelope to produce an inventory availability output. Concrete rule
// implementations are modeled the way the teacher's pluggable
// internal/strategy implementations are — one file per rule family, all
// satisfying a common interface, selected by a registry instead of a type
// switch (internal/strategy/types.go's Strategy interface + internal/
// strategy/engine.go's LoadStrategies switch-by-type-string, generalized to
// priority+window selection instead of DB status).
package rules

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/galatea-associates/ims-core/internal/domain"
)

// Envelope is the stable input every rule evaluates against, assembled by
// the Inventory Engine per §4.3 step 2.
type Envelope struct {
	Security      domain.Security
	Position      domain.Position
	Contracts     []domain.Contract
	MarketData    MarketSnapshot
	Counterparty  domain.Counterparty
	AU            domain.AggregationUnit
	BusinessDate  string
	CalcType      domain.CalculationType
	Source        string // "EXTERNAL" or an internal booking source

	// AsOf is the wall-clock instant this envelope was assembled, sourced
	// from the Inventory Engine's injected Clock. Cutoff is the security's
	// market's settlement cutoff, a time-of-day offset since UTC midnight;
	// zero means the market has no cutoff overlay. Both are zero-valued
	// (no overlay fires) unless the engine populates them.
	AsOf   time.Time
	Cutoff time.Duration
}

// MarketSnapshot is the subset of market data a rule may read: borrow rate
// and the security's temperature classification as supplied by
// upstream market-data feeds.
type MarketSnapshot struct {
	BorrowRate  decimal.Decimal
	Temperature domain.Temperature
}

// Output is what a rule yields for an inventory record, per §4.3 step 3.
type Output struct {
	Gross       decimal.Decimal
	Net         decimal.Decimal
	Available   decimal.Decimal
	Reserved    decimal.Decimal
	Decrement   decimal.Decimal
	Temperature domain.Temperature
	BorrowRate  decimal.Decimal
}

// Rule computes an inventory Output from a stable envelope. One
// implementation exists per CalculationType family (for_loan.go,
// for_pledge.go, short_sell.go, locate.go, overborrow.go).
type Rule interface {
	RuleType() domain.CalculationType
	Evaluate(env Envelope) (Output, error)
}

// Definition binds a Rule implementation to the versioned, market-scoped
// CalculationRule record the registry selects by priority and effective
// window.
type Definition struct {
	Meta domain.CalculationRule
	Impl Rule
}

// ActiveOn reports whether this definition's metadata window covers date.
func (d Definition) ActiveOn(date time.Time) bool {
	return d.Meta.ActiveOn(date)
}
