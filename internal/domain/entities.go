// Package domain holds the calculation core's entity model. Entities are
// plain structs keyed by their natural key; relationships between them are
// stored as keys and resolved explicitly by callers (arena + index), never
// as embedded pointers or bidirectional links.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// CalculationStatus reports whether an engine-owned record reflects a
// successful recomputation.
type CalculationStatus string

const (
	StatusPending CalculationStatus = "PENDING"
	StatusValid   CalculationStatus = "VALID"
	StatusError   CalculationStatus = "ERROR"
)

// CalculationType enumerates the five inventory availability calculations.
type CalculationType string

const (
	CalcForLoan    CalculationType = "FOR_LOAN"
	CalcForPledge  CalculationType = "FOR_PLEDGE"
	CalcShortSell  CalculationType = "SHORT_SELL"
	CalcLocate     CalculationType = "LOCATE"
	CalcOverborrow CalculationType = "OVERBORROW"
)

// Temperature classifies how easily a security can be borrowed.
type Temperature string

const (
	TemperatureHTB Temperature = "HTB"
	TemperatureGC  Temperature = "GC"
)

// ExternalIdentifier is one vendor's identifier for a Security. Within a
// single IdentifierType, Priority is totally ordered (lower wins).
type ExternalIdentifier struct {
	IdentifierType string
	Value          string
	Source         string
	Priority       int
}

// Security is the canonical reference-data record. InternalID is stable
// across all vendor sources.
type Security struct {
	InternalID  string
	Currency    string
	Market      string
	Active      bool
	Quanto      bool // settles in a currency other than its market's home currency; set explicitly by reference data, never inferred
	Identifiers []ExternalIdentifier
}

// PrimaryIdentifier returns the highest-priority identifier of the given
// type, or false if the security carries none of that type.
func (s Security) PrimaryIdentifier(identifierType string) (ExternalIdentifier, bool) {
	best := ExternalIdentifier{}
	found := false
	for _, id := range s.Identifiers {
		if id.IdentifierType != identifierType {
			continue
		}
		if !found || id.Priority < best.Priority {
			best = id
			found = true
		}
	}
	return best, found
}

// Counterparty is a bank-internal or external trading counterparty.
type Counterparty struct {
	CounterpartyID string
	Status         string
	KYCStatus      string
	Market         string
	Region         string
}

// MarketRuleTag names a market-specific inventory overlay (see
// internal/rules/overlays.go). AggregationUnits expose a set of these
// derived from their market; adding a market means adding tags, not
// subclassing the inventory engine.
type MarketRuleTag string

const (
	TagBorrowedSharesNoRelending MarketRuleTag = "BORROWED_SHARES_NO_RELENDING"
	TagSettlementCutoffRules     MarketRuleTag = "SETTLEMENT_CUTOFF_RULES"
	TagQuantoSettlementT2        MarketRuleTag = "QUANTO_SETTLEMENT_T2"
)

// AggregationUnit is a bank-internal subdivision of a legal entity used for
// regulatory position aggregation.
type AggregationUnit struct {
	AUID     string
	Status   string
	Market   string
	Region   string
	RuleTags map[MarketRuleTag]bool
}

// HasTag reports whether the AU carries the given market overlay tag.
func (au AggregationUnit) HasTag(tag MarketRuleTag) bool {
	return au.RuleTags[tag]
}

// TagsForMarket derives the standard overlay tag set for a market code.
// Adding a market is adding an entry here, never editing engine logic.
func TagsForMarket(market string) map[MarketRuleTag]bool {
	tags := make(map[MarketRuleTag]bool)
	switch market {
	case "TW":
		tags[TagBorrowedSharesNoRelending] = true
	case "JP":
		tags[TagSettlementCutoffRules] = true
		tags[TagQuantoSettlementT2] = true
	}
	return tags
}

// SettlementDay is a single day's deliver/receipt pair in a settlement
// ladder slot.
type SettlementDay struct {
	Deliver decimal.Decimal
	Receipt decimal.Decimal
}

// Net returns Receipt - Deliver for the day.
func (d SettlementDay) Net() decimal.Decimal {
	return d.Receipt.Sub(d.Deliver)
}

// LadderDays is the number of forward settlement days tracked (T+0..T+4).
const LadderDays = 5

// PositionKey is the natural key for a Position.
type PositionKey struct {
	BookID       string
	SecurityID   string
	BusinessDate string // YYYY-MM-DD
}

// Position is the per-(book, security, date) authoritative position record.
type Position struct {
	Key               PositionKey
	ContractualQty    decimal.Decimal
	SettledQty        decimal.Decimal
	Ladder            [LadderDays]SettlementDay
	CurrentNet        decimal.Decimal
	ProjectedNet      decimal.Decimal
	CalculationStatus CalculationStatus
	Version           uint64
	UpdatedAt         time.Time
}

// Recompute derives CurrentNet and ProjectedNet from the ladder per
// invariant 1: current_net = settled + contractual; projected = current_net
// + sum(receipt - deliver) over the ladder.
func (p *Position) Recompute() {
	p.CurrentNet = p.SettledQty.Add(p.ContractualQty)
	net := p.CurrentNet
	for _, day := range p.Ladder {
		net = net.Add(day.Net())
	}
	p.CurrentNet = p.CurrentNet.Round(4)
	p.ProjectedNet = net.Round(4)
}

// ContractDirection is the side of an SBL/REPO/SWAP contract.
type ContractDirection string

const (
	DirectionBorrow ContractDirection = "BORROW"
	DirectionLoan   ContractDirection = "LOAN"
)

// ContractType enumerates the instrument types inventory rules consider.
type ContractType string

const (
	ContractSBL  ContractType = "SBL"
	ContractREPO ContractType = "REPO"
	ContractSWAP ContractType = "SWAP"
)

// Contract represents a securities-lending, repo, or swap contract feeding
// inventory availability.
type Contract struct {
	ContractID string
	SecurityID string
	Type       ContractType
	Direction  ContractDirection
	Quantity   decimal.Decimal
	StartDate  string
	EndDate    string
	Maturity   string
	OpenTerm   bool
	Rollable   bool
	Source     string // e.g. "EXTERNAL" vs internally booked
}

// Expired reports whether a fixed-term contract has passed its end date.
func (c Contract) Expired(today string) bool {
	if c.OpenTerm {
		return false
	}
	return c.EndDate <= today
}

// InventoryKey is the natural key for an Inventory record.
type InventoryKey struct {
	SecurityID      string
	CounterpartyID  string // optional, empty if not scoped
	AUID            string // optional, empty if not scoped
	BusinessDate    string
	CalculationType CalculationType
}

// Inventory is an availability record for one calculation type.
type Inventory struct {
	Key               InventoryKey
	Gross             decimal.Decimal
	Net               decimal.Decimal
	Available         decimal.Decimal
	Reserved          decimal.Decimal
	Decrement         decimal.Decimal
	Temperature       Temperature
	BorrowRate        decimal.Decimal
	CalculationStatus CalculationStatus
	Version           uint64
	UpdatedAt         time.Time
}

// Remaining is available minus decrement, per invariant 2.
func (i Inventory) Remaining() decimal.Decimal {
	return i.Available.Sub(i.Decrement)
}

// OrderSide is the side of a client/AU sell-limit check.
type OrderSide string

const (
	SideLongSell  OrderSide = "LONG_SELL"
	SideShortSell OrderSide = "SHORT_SELL"
)

// LimitKey is the natural key shared by ClientLimit and AggregationUnitLimit.
type LimitKey struct {
	OwnerID      string // client_id or AU_id
	SecurityID   string
	BusinessDate string
}

// Limit is the shared shape of ClientLimit and AggregationUnitLimit: spec.md
// defines both with identical fields, differing only in what OwnerID names.
type Limit struct {
	Key            LimitKey
	LongSellLimit  decimal.Decimal
	ShortSellLimit decimal.Decimal
	LongSellUsed   decimal.Decimal
	ShortSellUsed  decimal.Decimal
	Status         string
	Version        uint64
	UpdatedAt      time.Time
}

// Capacity returns how much of side's limit remains unused.
func (l Limit) Capacity(side OrderSide) decimal.Decimal {
	switch side {
	case SideLongSell:
		return l.LongSellLimit.Sub(l.LongSellUsed)
	case SideShortSell:
		return l.ShortSellLimit.Sub(l.ShortSellUsed)
	default:
		return money0
	}
}

var money0 = decimal.NewFromInt(0)

// RuleStatus is the lifecycle state of a CalculationRule.
type RuleStatus string

const (
	RuleStatusActive   RuleStatus = "ACTIVE"
	RuleStatusInactive RuleStatus = "INACTIVE"
	RuleStatusRetired  RuleStatus = "RETIRED"
)

// CalculationRule is the versioned, market-scoped rule record the Rule
// Engine selects from. At most one ACTIVE rule may exist per
// (RuleType, Market) at any instant.
type CalculationRule struct {
	RuleID        string
	Version       int
	RuleType      CalculationType
	Market        string
	Priority      int
	EffectiveFrom time.Time
	EffectiveTo   *time.Time
	Status        RuleStatus
}

// ActiveOn reports whether the rule covers businessDate under its effective
// window: [EffectiveFrom, EffectiveTo).
func (r CalculationRule) ActiveOn(businessDate time.Time) bool {
	if r.Status != RuleStatusActive {
		return false
	}
	if businessDate.Before(r.EffectiveFrom) {
		return false
	}
	if r.EffectiveTo != nil && !businessDate.Before(*r.EffectiveTo) {
		return false
	}
	return true
}
