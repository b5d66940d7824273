package governor

import (
	"strings"

	"github.com/quantfold/helmsman/internal/plan"
)

// Cost model constants, in bps unless noted
const (
	feeBpsPerTurnoverUnit      = 0.045 // taker fee per 1% of turnover
	slippageBaseBps            = 2.0
	slippageBpsPerTurnoverUnit = 0.05
	fundingShiftBps            = 10.0
)

// OpportunityCostSource supplies the shadow-portfolio opportunity
// estimate; the scorekeeper implements it
type OpportunityCostSource interface {
	OpportunityCostBps(active *plan.StrategyPlanCard) float64
}

// turnoverPct sums |Δpct| across the union of both plans' coins
func turnoverPct(from, to *plan.StrategyPlanCard) float64 {
	if from == nil {
		from = &plan.StrategyPlanCard{}
	}
	total := 0.0
	for _, coin := range allocationUnion(from, to) {
		f, _ := from.Allocation(coin)
		t, _ := to.Allocation(coin)
		delta := t.TargetPct - f.TargetPct
		if delta < 0 {
			delta = -delta
		}
		total += delta
	}
	return total
}

// carryClass buckets a strategy by whether it harvests funding
func carryClass(p *plan.StrategyPlanCard) bool {
	if p == nil {
		return false
	}
	name := strings.ToLower(p.StrategyName)
	return strings.Contains(name, "carry") || strings.Contains(name, "funding") ||
		containsRegime(p.CompatibleRegimes, "carry-friendly")
}

func containsRegime(list []string, want string) bool {
	for _, r := range list {
		if r == want {
			return true
		}
	}
	return false
}

// ComputeChangeCost estimates the all-in cost of rotating from the
// active plan into the proposed one. Fees and slippage scale with
// turnover; the funding term charges for leaving a carry harvest and
// credits nothing for entering one (the edge shows up in expected
// advantage instead); opportunity cost comes from the shadow
// portfolios, floored at zero.
func ComputeChangeCost(from, to *plan.StrategyPlanCard, opp OpportunityCostSource) plan.ChangeCost {
	turnover := turnoverPct(from, to)

	cost := plan.ChangeCost{
		FeesBps:     turnover * feeBpsPerTurnoverUnit,
		SlippageBps: slippageBaseBps + turnover*slippageBpsPerTurnoverUnit,
	}

	if carryClass(from) && !carryClass(to) {
		cost.FundingChangeBps = fundingShiftBps
	}

	if opp != nil {
		oc := opp.OpportunityCostBps(from)
		if oc > 0 {
			cost.OpportunityCostBps = oc
		}
	}
	return cost
}
