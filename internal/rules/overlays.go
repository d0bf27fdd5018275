package rules

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/galatea-associates/ims-core/internal/domain"
)

// ApplyOverlays applies every market overlay named by env.AU's rule-tag set
// to a rule's raw Output, per §4.3 step 4. Overlays are tag-driven
// functions, never subclassing (§9 design note): adding a market means
// adding a tag and a case here, not a new Rule implementation per market.
func ApplyOverlays(env Envelope, out Output) Output {
	if env.AU.HasTag(domain.TagBorrowedSharesNoRelending) {
		out = overlayBorrowedSharesNoRelending(env, out)
	}
	if env.AU.HasTag(domain.TagSettlementCutoffRules) {
		out = overlaySettlementCutoffRules(env, out)
	}
	if env.AU.HasTag(domain.TagQuantoSettlementT2) {
		out = overlayQuantoSettlementT2(env, out)
	}
	return out
}

// overlayBorrowedSharesNoRelending implements the Taiwan overlay: external
// FOR_LOAN inventory built from borrowed shares cannot be re-lent, so
// available is forced to zero.
func overlayBorrowedSharesNoRelending(env Envelope, out Output) Output {
	if env.Source == "EXTERNAL" && env.CalcType == domain.CalcForLoan {
		out.Available = decimal.Zero
	}
	return out
}

// overlaySettlementCutoffRules implements the Japan overlay: at or after the
// market cutoff, the net quantity of the T+0 ladder slot (sd0) no longer
// counts toward this inventory calculation's available balance. It changes
// only the Output: quantity is not moved from sd0 to sd1 in the position's
// ladder, and the whole sd0 net is taken without singling out quantity
// destined for SLAB activity.
func overlaySettlementCutoffRules(env Envelope, out Output) Output {
	if !isPastJapanCutoff(env) {
		return out
	}
	sd0 := env.Position.Ladder[0].Net()
	if sd0.IsZero() {
		return out
	}
	// sd0 quantity no longer counts toward today's available balance.
	out.Available = out.Available.Sub(sd0).Round(4)
	if out.Available.IsNegative() {
		out.Available = decimal.Zero
	}
	return out
}

// isPastJapanCutoff reports whether env's AsOf instant is at or past the
// security's market's settlement cutoff for its day, per env.Cutoff (a
// time-of-day offset since UTC midnight, populated by the Inventory
// Engine's injected Clock). A market with no configured cutoff, or an
// envelope assembled without a Clock, never triggers the overlay.
func isPastJapanCutoff(env Envelope) bool {
	if env.Cutoff <= 0 || env.AsOf.IsZero() {
		return false
	}
	midnight := time.Date(env.AsOf.Year(), env.AsOf.Month(), env.AsOf.Day(), 0, 0, 0, 0, env.AsOf.Location())
	return env.AsOf.Sub(midnight) >= env.Cutoff
}

// overlayQuantoSettlementT2 implements the second Japan overlay: quanto-
// tagged securities settle on a T+2 ladder slot regardless of their native
// settlement day, so available/net are recomputed from sd2 alone for those
// quantities. The quanto tag is carried explicitly on domain.Security, set
// by reference data, never inferred from currency codes.
func overlayQuantoSettlementT2(env Envelope, out Output) Output {
	if !env.Security.Quanto {
		return out
	}
	sd2 := env.Position.Ladder[2].Net()
	out.Net = sd2.Round(4)
	if out.Available.GreaterThan(sd2) {
		out.Available = sd2
	}
	return out
}
