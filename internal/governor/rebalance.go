package governor

import (
	"math"

	"github.com/quantfold/helmsman/internal/plan"
)

// RebalanceStep is one interpolated waypoint of a rotation
type RebalanceStep struct {
	StepNumber  int               `json:"step_number"`
	Allocations []plan.Allocation `json:"allocations"`
	ProgressPct float64           `json:"progress_pct"`
}

// RebalanceSchedule carries a plan rotation executed in fixed
// fractional steps
type RebalanceSchedule struct {
	FromPlanID string            `json:"from_plan_id"`
	ToPlanID   string            `json:"to_plan_id"`
	Steps      []RebalanceStep   `json:"steps"`
	NextStep   int               `json:"next_step"` // index into Steps
}

// Done reports whether every step has been executed
func (s *RebalanceSchedule) Done() bool {
	return s.NextStep >= len(s.Steps)
}

// Current returns the step the executor should trade toward
func (s *RebalanceSchedule) Current() (RebalanceStep, bool) {
	if s.Done() {
		return RebalanceStep{}, false
	}
	return s.Steps[s.NextStep], true
}

// ProgressPct is the progress of the last completed step
func (s *RebalanceSchedule) ProgressPct() float64 {
	if s.NextStep == 0 {
		return 0
	}
	return s.Steps[s.NextStep-1].ProgressPct
}

// overlappingAllocations reports whether two plans share any coin, the
// condition that makes a gradual rotation worthwhile
func overlappingAllocations(from, to *plan.StrategyPlanCard) bool {
	if from == nil || to == nil {
		return false
	}
	for _, a := range from.TargetAllocations {
		if _, ok := to.Allocation(a.Coin); ok {
			return true
		}
	}
	return false
}

// buildSchedule produces ceil(100/rotationPct) steps interpolating
// linearly from the old targets to the new. Coins present on only one
// side interpolate against zero.
func buildSchedule(from, to *plan.StrategyPlanCard, rotationPct float64) *RebalanceSchedule {
	steps := int(math.Ceil(100 / rotationPct))
	if steps < 1 {
		steps = 1
	}

	coins := allocationUnion(from, to)
	schedule := &RebalanceSchedule{
		FromPlanID: from.PlanID,
		ToPlanID:   to.PlanID,
	}

	for i := 1; i <= steps; i++ {
		frac := float64(i) / float64(steps)
		step := RebalanceStep{
			StepNumber:  i,
			ProgressPct: frac * 100,
		}
		for _, coin := range coins {
			fromAlloc, _ := from.Allocation(coin)
			toAlloc, hasTo := to.Allocation(coin)

			pct := fromAlloc.TargetPct + (toAlloc.TargetPct-fromAlloc.TargetPct)*frac
			if pct < 1e-9 {
				continue
			}
			// market and leverage follow the destination once it holds
			// the coin, else the origin
			template := toAlloc
			if !hasTo {
				template = fromAlloc
			}
			step.Allocations = append(step.Allocations, plan.Allocation{
				Coin:       coin,
				TargetPct:  pct,
				MarketType: template.MarketType,
				Leverage:   template.Leverage,
			})
		}
		schedule.Steps = append(schedule.Steps, step)
	}
	return schedule
}

// allocationUnion lists every coin either plan touches, origin order
// first so steps stay deterministic
func allocationUnion(from, to *plan.StrategyPlanCard) []string {
	seen := make(map[string]bool)
	var coins []string
	for _, a := range from.TargetAllocations {
		if !seen[a.Coin] {
			seen[a.Coin] = true
			coins = append(coins, a.Coin)
		}
	}
	for _, a := range to.TargetAllocations {
		if !seen[a.Coin] {
			seen[a.Coin] = true
			coins = append(coins, a.Coin)
		}
	}
	return coins
}
