package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/quantfold/helmsman/internal/account"
	"github.com/quantfold/helmsman/internal/governor"
	"github.com/quantfold/helmsman/internal/plan"
	"github.com/quantfold/helmsman/internal/regime"
	"github.com/quantfold/helmsman/internal/signals"
	"github.com/quantfold/helmsman/internal/tripwire"
)

// fastLoop is the execution heartbeat: snapshot, fast signals,
// tripwires, then trade toward the active targets.
func (s *Scheduler) fastLoop(ctx context.Context) error {
	state, err := s.deps.Monitor.Snapshot(ctx)
	if err != nil {
		s.deps.Tripwire.RecordAPIFailure()
		return fmt.Errorf("account snapshot: %w", err)
	}
	s.deps.Tripwire.RecordAPISuccess()

	bundle := s.deps.Signals.Collect(ctx, signals.Request{
		Kind:    signals.KindFast,
		Account: state,
	})
	prices := scalarValues(bundle.Prices)

	obs := tripwire.Observations{RealizedVolPct: s.lastVolPct()}
	if avg, ok := averageValue(bundle.Funding); ok {
		pct := avg * 100
		obs.AvgFundingRatePct = &pct
	}
	s.deps.Tripwire.UpdateObservations(obs)

	active := s.deps.Governor.ActivePlan()
	events := s.deps.Tripwire.CheckAll(state, active)
	s.mu.Lock()
	s.lastEvents = events
	s.mu.Unlock()

	skipExecution := s.handleEvents(ctx, events, state)

	s.deps.Scores.ObserveSnapshot(active, state)
	s.deps.Scores.MarkShadows(prices)

	if skipExecution {
		return nil
	}
	targets := s.deps.Governor.CurrentTargets()
	if len(targets) == 0 {
		return nil
	}

	results := s.deps.Executor.ExecuteToward(ctx, state, targets, prices)
	allOK := true
	for _, r := range results {
		if !r.Success && !r.Skipped {
			allOK = false
		}
	}

	if active != nil && active.Status == plan.StatusRebalancing && allOK {
		done, progress := s.deps.Governor.AdvanceRebalance()
		s.deps.Scores.RecordRebalanceStep()
		s.log.Info().Bool("done", done).Float64("progress_pct", progress).Msg("Rebalance step executed")
	}
	return nil
}

// handleEvents applies tripwire actions in priority order. Returns
// true when normal execution must be skipped this tick.
func (s *Scheduler) handleEvents(ctx context.Context, events []tripwire.Event, state *account.AccountState) bool {
	skip := false
	freeze := state.IsStale
	for _, ev := range events {
		switch ev.Action {
		case tripwire.ActionCutSizeToFloor:
			_, ok := s.deps.Executor.EmergencyReduce(ctx, state, s.cfg.Governance.EmergencyReductionPct)
			if !ok {
				s.log.Error().Str("trigger", ev.Trigger).Msg("Emergency reduction failed entirely")
			}
			skip = true
		case tripwire.ActionFreezeNewRisk:
			freeze = true
		case tripwire.ActionEscalateToSlowLoop:
			s.ForceSlow()
		case tripwire.ActionInvalidatePlan:
			s.deps.Governor.Invalidate(ev.Trigger)
			if _, err := s.deps.Scores.FinalizePlan("invalidated"); err != nil {
				s.log.Warn().Err(err).Msg("Could not finalize invalidated plan scorecard")
			}
			skip = true
		}
	}
	s.deps.Executor.SetFrozen(freeze)
	return skip
}

// mediumLoop is the governance cycle: regime classification, the
// review gate, and (when permitted) an oracle plan review.
func (s *Scheduler) mediumLoop(ctx context.Context) error {
	state, err := s.deps.Monitor.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("account snapshot: %w", err)
	}

	medium := s.deps.Signals.Collect(ctx, signals.Request{Kind: signals.KindMedium, Account: state})
	fast := s.deps.Signals.Collect(ctx, signals.Request{Kind: signals.KindFast, Account: state})

	sig := regime.DeriveSignals(medium, fast)
	s.mu.Lock()
	if s.slowBundle != nil {
		regime.AttachSlow(&sig, s.slowBundle)
	}
	s.mu.Unlock()
	s.rememberVol(sig)

	changed, reason, err := s.deps.Detector.Update(ctx, sig)
	if err != nil {
		return fmt.Errorf("regime update: %w", err)
	}
	current, _ := s.deps.Detector.Current()
	s.log.Info().
		Str("regime", string(current)).
		Bool("changed", changed).
		Str("reason", reason).
		Msg("Regime updated")

	ok, gateReason := s.deps.Governor.CanReview(s.now(), changed)
	if !ok {
		s.log.Debug().Str("reason", gateReason).Msg("Plan review gated")
		return nil
	}

	active := s.deps.Governor.ActivePlan()
	prop, err := s.deps.Oracle.ProposePlan(ctx, state, medium, current, active)
	if err != nil {
		return fmt.Errorf("plan proposal: %w", err)
	}
	if prop.NoChange || prop.Plan == nil {
		s.log.Info().Str("rationale", prop.Rationale).Msg("Oracle endorses current plan")
		return nil
	}

	cost := governor.ComputeChangeCost(active, prop.Plan, s.deps.Scores)
	approved, verdict, err := s.deps.Governor.EvaluateProposal(governor.Proposal{
		NewPlan:              prop.Plan,
		ExpectedAdvantageBps: prop.ExpectedAdvantageBps,
		ChangeCostBps:        cost.TotalBps(),
	})
	if err != nil {
		return fmt.Errorf("proposal evaluation: %w", err)
	}

	prices := scalarValues(fast.Prices)
	if approved {
		if active != nil {
			if _, err := s.deps.Scores.FinalizePlan("superseded"); err != nil {
				s.log.Warn().Err(err).Msg("Could not finalize superseded plan scorecard")
			}
			// the plan we walked away from becomes a shadow so we
			// can price the rotation after the fact
			s.deps.Scores.TrackShadow(active.PlanID, active.TargetAllocations, prices, state.PortfolioValue)
		}
		s.deps.Scores.StartPlan(prop.Plan, state.PortfolioValue)
		s.deps.Scores.DropShadow(prop.Plan.PlanID)
	} else {
		// rejected proposals paper-trade so opportunity cost is
		// grounded in what the oracle actually wanted
		s.deps.Scores.TrackShadow(prop.Plan.PlanID, prop.Plan.TargetAllocations, prices, state.PortfolioValue)
	}
	s.log.Info().Bool("approved", approved).Str("verdict", verdict).Msg("Plan review complete")
	return nil
}

// slowLoop refreshes the macro calendar and forces a structural
// reclassification.
func (s *Scheduler) slowLoop(ctx context.Context) error {
	state, err := s.deps.Monitor.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("account snapshot: %w", err)
	}

	slow := s.deps.Signals.Collect(ctx, signals.Request{Kind: signals.KindSlow, Account: state})
	s.mu.Lock()
	s.slowBundle = slow
	s.mu.Unlock()
	s.deps.Detector.SetCalendar(slow.MacroEvents)

	medium := s.deps.Signals.Collect(ctx, signals.Request{Kind: signals.KindMedium, Account: state})
	fast := s.deps.Signals.Collect(ctx, signals.Request{Kind: signals.KindFast, Account: state})
	sig := regime.DeriveSignals(medium, fast)
	regime.AttachSlow(&sig, slow)
	s.rememberVol(sig)

	changed, reason, err := s.deps.Detector.Update(ctx, sig)
	if err != nil {
		return fmt.Errorf("structural reclassification: %w", err)
	}
	current, _ := s.deps.Detector.Current()
	s.log.Info().
		Str("regime", string(current)).
		Bool("changed", changed).
		Str("reason", reason).
		Int("macro_events", len(slow.MacroEvents)).
		Float64("oracle_cost_usd", s.deps.Oracle.TotalCostUSD()).
		Msg("Slow loop complete")
	return nil
}

func (s *Scheduler) rememberVol(sig regime.Signals) {
	if sig.RealizedVol24h == nil {
		return
	}
	pct := *sig.RealizedVol24h * 100
	s.mu.Lock()
	s.volPct = &pct
	s.mu.Unlock()
}

func (s *Scheduler) lastVolPct() *float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.volPct == nil {
		return nil
	}
	v := *s.volPct
	return &v
}

func scalarValues(m map[string]signals.Scalar) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v.Value
	}
	return out
}

func averageValue(m map[string]signals.Scalar) (float64, bool) {
	if len(m) == 0 {
		return 0, false
	}
	var sum float64
	for _, v := range m {
		sum += v.Value
	}
	return sum / float64(len(m)), true
}

// statusSnapshot is what the CLI renders for a running (or last-run)
// agent.
type statusSnapshot struct {
	Time           time.Time `json:"time"`
	PortfolioValue float64   `json:"portfolio_value"`
	Stale          bool      `json:"stale"`
	Frozen         bool      `json:"frozen"`
	ActivePlanID   string    `json:"active_plan_id,omitempty"`
	PlanStatus     string    `json:"plan_status,omitempty"`
	Regime         string    `json:"regime"`
	OracleCostUSD  float64   `json:"oracle_cost_usd"`

	RecentDecisions []governor.Decision `json:"recent_decisions,omitempty"`
}

// writeSnapshots renders the gov-* CLI surfaces to disk after each
// tick. Best effort; a failed write only logs.
func (s *Scheduler) writeSnapshots() {
	dir := s.cfg.Observability.SnapshotDir
	if dir == "" {
		return
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.log.Warn().Err(err).Msg("Cannot create snapshot dir")
		return
	}

	currentRegime, classification := s.deps.Detector.Current()
	s.writeJSON(filepath.Join(dir, "regime.json"), map[string]interface{}{
		"regime":         currentRegime,
		"classification": classification,
	})

	s.mu.Lock()
	events := s.lastEvents
	s.mu.Unlock()
	s.writeJSON(filepath.Join(dir, "tripwire.json"), map[string]interface{}{
		"time":   s.now(),
		"events": events,
	})

	s.writeJSON(filepath.Join(dir, "scorekeeper.json"), map[string]interface{}{
		"active":  s.deps.Scores.Active(),
		"shadows": s.deps.Scores.Shadows(),
	})

	status := statusSnapshot{
		Time:          s.now(),
		Frozen:        s.deps.Executor.Frozen(),
		Regime:        string(currentRegime),
		OracleCostUSD: s.deps.Oracle.TotalCostUSD(),
	}
	if last := s.deps.Monitor.Last(); last != nil {
		status.PortfolioValue = last.PortfolioValue
		status.Stale = last.IsStale
	}
	if active := s.deps.Governor.ActivePlan(); active != nil {
		status.ActivePlanID = active.PlanID
		status.PlanStatus = string(active.Status)
	}
	_, decisions := s.deps.Governor.Snapshot()
	if n := len(decisions); n > 10 {
		decisions = decisions[n-10:]
	}
	status.RecentDecisions = decisions
	s.writeJSON(filepath.Join(dir, "status.json"), status)
}

func (s *Scheduler) writeJSON(path string, v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		s.log.Warn().Err(err).Str("path", path).Msg("Snapshot encode failed")
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		s.log.Warn().Err(err).Str("path", path).Msg("Snapshot write failed")
	}
}
