// Package governor owns the active plan: it gates reviews, prices
// proposals, runs rotations, and persists every mutation.
package governor

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/helmsman/internal/config"
	"github.com/quantfold/helmsman/internal/metrics"
	"github.com/quantfold/helmsman/internal/plan"
)

const decisionHistoryCap = 50

// Proposal asks the governor to replace the active plan
type Proposal struct {
	NewPlan              *plan.StrategyPlanCard
	ExpectedAdvantageBps float64
	ChangeCostBps        float64
}

// Governor serializes all plan mutations behind one mutex; the medium
// loop writes, the fast loop and tripwires read.
type Governor struct {
	mu        sync.Mutex
	state     *State
	decisions []Decision
	cfg       config.GovernanceConfig
	path      string
	log       zerolog.Logger
	now       func() time.Time
}

// New loads persisted state (or starts clean) and returns the governor
func New(cfg config.GovernanceConfig) *Governor {
	log := config.NewLogger("governor")
	return &Governor{
		state: loadState(cfg.StateFile, log),
		cfg:   cfg,
		path:  cfg.StateFile,
		log:   log,
		now:   time.Now,
	}
}

// persistLocked writes state inside the mutex so no torn state is
// ever visible on disk
func (g *Governor) persistLocked() {
	if err := saveState(g.path, g.state); err != nil {
		g.log.Error().Err(err).Msg("Failed to persist governor state")
	}
}

func (g *Governor) recordLocked(verdict, reason, planID string) {
	g.decisions = append(g.decisions, Decision{
		Timestamp: g.now(),
		Verdict:   verdict,
		Reason:    reason,
		PlanID:    planID,
	})
	if len(g.decisions) > decisionHistoryCap {
		g.decisions = g.decisions[len(g.decisions)-decisionHistoryCap:]
	}
	metrics.PlanChanges.WithLabelValues(verdict).Inc()
}

// ActivePlan returns a copy of the active plan, or nil
func (g *Governor) ActivePlan() *plan.StrategyPlanCard {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state.ActivePlan == nil {
		return nil
	}
	return g.state.ActivePlan.Clone()
}

// Snapshot returns a copy of the full governor state plus recent
// decisions, for the status surfaces
func (g *Governor) Snapshot() (State, []Decision) {
	g.mu.Lock()
	defer g.mu.Unlock()

	snap := State{}
	if g.state.ActivePlan != nil {
		snap.ActivePlan = g.state.ActivePlan.Clone()
	}
	if g.state.LastChangeAt != nil {
		t := *g.state.LastChangeAt
		snap.LastChangeAt = &t
	}
	if g.state.RebalanceSchedule != nil {
		s := *g.state.RebalanceSchedule
		s.Steps = append([]RebalanceStep(nil), g.state.RebalanceSchedule.Steps...)
		snap.RebalanceSchedule = &s
	}
	return snap, append([]Decision(nil), g.decisions...)
}

// CanReview applies the review gate. A confirmed regime change
// overrides the dwell rule but never the rebalancing or cooldown
// rules.
func (g *Governor) CanReview(now time.Time, regimeChanged bool) (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.canReviewLocked(now, regimeChanged)
}

func (g *Governor) canReviewLocked(now time.Time, regimeChanged bool) (bool, string) {
	if g.state.ActivePlan != nil && g.state.ActivePlan.Status == plan.StatusRebalancing {
		return false, "Rebalancing in progress"
	}

	if g.state.ActivePlan != nil && g.state.ActivePlan.ActivatedAt != nil && !regimeChanged {
		dwell := g.state.ActivePlan.MinimumDwellMinutes
		elapsed := now.Sub(*g.state.ActivePlan.ActivatedAt).Minutes()
		if elapsed < dwell {
			return false, fmt.Sprintf("Dwell time not met: %.1f/%g min", elapsed, dwell)
		}
	}

	if g.state.LastChangeAt != nil {
		cooldown := float64(g.cfg.CooldownAfterChangeMinutes)
		elapsed := now.Sub(*g.state.LastChangeAt).Minutes()
		if elapsed < cooldown {
			return false, fmt.Sprintf("Cooldown active: %.1f/%g min", elapsed, cooldown)
		}
	}

	if regimeChanged {
		return true, "regime change override"
	}
	return true, "review permitted"
}

// EvaluateProposal prices the proposal and approves iff the net
// advantage clears the configured floor. Approval activates the new
// plan and stamps the cooldown clock.
func (g *Governor) EvaluateProposal(p Proposal) (bool, string, error) {
	if p.NewPlan == nil {
		return false, "", fmt.Errorf("proposal has no plan")
	}
	if err := p.NewPlan.Validate(); err != nil {
		return false, "", fmt.Errorf("proposed plan invalid: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	net := p.ExpectedAdvantageBps - p.ChangeCostBps
	if net < g.cfg.MinimumAdvantageOverCostBps {
		reason := fmt.Sprintf("net advantage %.1f bps below %.1f bps floor (expected %.1f, cost %.1f)",
			net, g.cfg.MinimumAdvantageOverCostBps, p.ExpectedAdvantageBps, p.ChangeCostBps)
		g.recordLocked("rejected", reason, p.NewPlan.PlanID)
		g.log.Info().
			Float64("net_bps", net).
			Str("plan_id", p.NewPlan.PlanID).
			Msg("Proposal rejected")
		return false, reason, nil
	}

	now := g.now()
	g.state.LastChangeAt = &now
	g.activateLocked(p.NewPlan.Clone(), now)

	reason := fmt.Sprintf("net advantage %.1f bps clears %.1f bps floor", net, g.cfg.MinimumAdvantageOverCostBps)
	g.recordLocked("approved", reason, p.NewPlan.PlanID)
	return true, reason, nil
}

// Adopt activates a plan without proposal economics. Used for the
// bootstrap plan when nothing is active yet.
func (g *Governor) Adopt(newPlan *plan.StrategyPlanCard) error {
	if err := newPlan.Validate(); err != nil {
		return fmt.Errorf("plan invalid: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state.ActivePlan != nil && g.state.ActivePlan.Status == plan.StatusActive {
		return fmt.Errorf("a plan is already active")
	}
	now := g.now()
	g.state.LastChangeAt = &now
	g.activateLocked(newPlan.Clone(), now)
	g.recordLocked("approved", "bootstrap adoption", newPlan.PlanID)
	return nil
}

// activateLocked installs the new plan. ActivatedAt is stamped here
// and nowhere else, so it is set exactly once per activation and is
// monotonically non-decreasing across activations. Overlapping
// allocations turn the switch into a gradual rotation.
func (g *Governor) activateLocked(newPlan *plan.StrategyPlanCard, now time.Time) {
	previous := g.state.ActivePlan

	activatedAt := now
	if previous != nil && previous.ActivatedAt != nil && activatedAt.Before(*previous.ActivatedAt) {
		activatedAt = *previous.ActivatedAt
	}
	newPlan.ActivatedAt = &activatedAt
	newPlan.RebalanceProgressPct = 0

	if previous != nil && previous.Status != plan.StatusInvalidated && overlappingAllocations(previous, newPlan) {
		newPlan.Status = plan.StatusRebalancing
		g.state.RebalanceSchedule = buildSchedule(previous, newPlan, g.cfg.PartialRotationPctPerCycle)
		g.log.Info().
			Str("from", previous.PlanID).
			Str("to", newPlan.PlanID).
			Int("steps", len(g.state.RebalanceSchedule.Steps)).
			Msg("Plan activated with rebalance schedule")
	} else {
		newPlan.Status = plan.StatusActive
		g.state.RebalanceSchedule = nil
		g.log.Info().Str("plan_id", newPlan.PlanID).Msg("Plan activated")
	}

	g.state.ActivePlan = newPlan
	g.persistLocked()
}

// AdvanceRebalance marks the current step executed and moves to the
// next. Progress is non-decreasing; the final step returns the plan
// to active and clears the schedule.
func (g *Governor) AdvanceRebalance() (done bool, progress float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	sched := g.state.RebalanceSchedule
	if sched == nil || g.state.ActivePlan == nil {
		return true, 100
	}

	sched.NextStep++
	g.state.ActivePlan.RebalanceProgressPct = sched.ProgressPct()

	if sched.Done() {
		g.state.ActivePlan.Status = plan.StatusActive
		g.state.ActivePlan.RebalanceProgressPct = 100
		g.state.RebalanceSchedule = nil
		g.log.Info().Str("plan_id", g.state.ActivePlan.PlanID).Msg("Rebalance complete")
		g.persistLocked()
		return true, 100
	}
	g.persistLocked()
	return false, g.state.ActivePlan.RebalanceProgressPct
}

// CurrentTargets returns what the executor should trade toward: the
// current rebalance step while rotating, else the active plan's
// targets. Nil when nothing is executable.
func (g *Governor) CurrentTargets() []plan.Allocation {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state.ActivePlan == nil {
		return nil
	}
	switch g.state.ActivePlan.Status {
	case plan.StatusRebalancing:
		if step, ok := g.state.RebalanceSchedule.Current(); ok {
			return append([]plan.Allocation(nil), step.Allocations...)
		}
		return nil
	case plan.StatusActive:
		return append([]plan.Allocation(nil), g.state.ActivePlan.TargetAllocations...)
	default:
		return nil
	}
}

// Invalidate marks the active plan dead. It stops executing but is
// not replaced until the next review proposes a successor.
func (g *Governor) Invalidate(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state.ActivePlan == nil || g.state.ActivePlan.Status == plan.StatusInvalidated {
		return
	}
	g.state.ActivePlan.Status = plan.StatusInvalidated
	g.state.RebalanceSchedule = nil
	g.recordLocked("invalidated", reason, g.state.ActivePlan.PlanID)
	g.log.Warn().
		Str("plan_id", g.state.ActivePlan.PlanID).
		Str("reason", reason).
		Msg("Active plan invalidated")
	g.persistLocked()
}

// Complete retires the active plan through its exit rules
func (g *Governor) Complete(reason string) *plan.StrategyPlanCard {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state.ActivePlan == nil {
		return nil
	}
	g.state.ActivePlan.Status = plan.StatusCompleted
	retired := g.state.ActivePlan.Clone()
	g.state.RebalanceSchedule = nil
	g.recordLocked("completed", reason, retired.PlanID)
	g.persistLocked()
	return retired
}
