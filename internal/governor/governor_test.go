package governor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/helmsman/internal/config"
	"github.com/quantfold/helmsman/internal/plan"
)

func testConfig(t *testing.T) config.GovernanceConfig {
	t.Helper()
	return config.GovernanceConfig{
		CooldownAfterChangeMinutes:  60,
		MinimumAdvantageOverCostBps: 50,
		PartialRotationPctPerCycle:  25,
		StateFile:                   filepath.Join(t.TempDir(), "governor_state.json"),
	}
}

func planWith(id string, dwellMinutes float64, allocs ...plan.Allocation) *plan.StrategyPlanCard {
	return &plan.StrategyPlanCard{
		PlanID:              id,
		StrategyName:        "test-strategy",
		StrategyVersion:     "1.0",
		CreatedAt:           time.Now().UTC(),
		TargetAllocations:   allocs,
		AllowedLeverageRange: plan.LeverageRange{Lo: 1, Hi: 3},
		MinimumDwellMinutes: dwellMinutes,
		Status:              plan.StatusActive,
	}
}

func newTestGovernor(t *testing.T, at time.Time) *Governor {
	g := New(testConfig(t))
	g.now = func() time.Time { return at }
	return g
}

func TestDwellBlocksReview(t *testing.T) {
	t0 := time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)
	g := newTestGovernor(t, t0)
	require.NoError(t, g.Adopt(planWith("plan-a", 120,
		plan.Allocation{Coin: "BTC", TargetPct: 50, MarketType: "perp", Leverage: 2})))

	ok, reason := g.CanReview(t0.Add(60*time.Minute), false)
	assert.False(t, ok)
	assert.Equal(t, "Dwell time not met: 60.0/120 min", reason)

	// past dwell and cooldown
	ok, reason = g.CanReview(t0.Add(130*time.Minute), false)
	assert.True(t, ok)
	assert.Equal(t, "review permitted", reason)
}

func TestRegimeChangeOverridesDwellNotRebalancing(t *testing.T) {
	t0 := time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)
	g := newTestGovernor(t, t0)
	require.NoError(t, g.Adopt(planWith("plan-a", 120,
		plan.Allocation{Coin: "BTC", TargetPct: 50, MarketType: "perp", Leverage: 2})))

	// dwell unmet and cooldown elapsed, but regime changed
	ok, reason := g.CanReview(t0.Add(70*time.Minute), true)
	assert.True(t, ok)
	assert.Equal(t, "regime change override", reason)

	// rebalancing blocks even a regime change
	g.mu.Lock()
	g.state.ActivePlan.Status = plan.StatusRebalancing
	g.mu.Unlock()
	ok, reason = g.CanReview(t0.Add(70*time.Minute), true)
	assert.False(t, ok)
	assert.Equal(t, "Rebalancing in progress", reason)
}

func TestCooldownHasNoOverride(t *testing.T) {
	t0 := time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)
	g := newTestGovernor(t, t0)
	require.NoError(t, g.Adopt(planWith("plan-a", 10,
		plan.Allocation{Coin: "BTC", TargetPct: 50, MarketType: "perp", Leverage: 2})))

	// dwell satisfied, cooldown not; regime change must not help
	ok, reason := g.CanReview(t0.Add(30*time.Minute), true)
	assert.False(t, ok)
	assert.Contains(t, reason, "Cooldown active")
}

func TestProposalRejectedOnNetAdvantage(t *testing.T) {
	t0 := time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)
	g := newTestGovernor(t, t0)
	require.NoError(t, g.Adopt(planWith("plan-a", 0,
		plan.Allocation{Coin: "BTC", TargetPct: 50, MarketType: "perp", Leverage: 2})))
	before, _ := g.Snapshot()

	approved, reason, err := g.EvaluateProposal(Proposal{
		NewPlan: planWith("plan-b", 0,
			plan.Allocation{Coin: "ETH", TargetPct: 40, MarketType: "perp", Leverage: 2}),
		ExpectedAdvantageBps: 80,
		ChangeCostBps:        50,
	})
	require.NoError(t, err)
	assert.False(t, approved)
	assert.Contains(t, reason, "below")

	after, _ := g.Snapshot()
	assert.Equal(t, before.ActivePlan.PlanID, after.ActivePlan.PlanID)
	assert.Equal(t, *before.LastChangeAt, *after.LastChangeAt)
}

func TestProposalApprovedActivates(t *testing.T) {
	t0 := time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)
	g := newTestGovernor(t, t0)

	approved, _, err := g.EvaluateProposal(Proposal{
		NewPlan: planWith("plan-a", 120,
			plan.Allocation{Coin: "BTC", TargetPct: 50, MarketType: "perp", Leverage: 2}),
		ExpectedAdvantageBps: 150,
		ChangeCostBps:        40,
	})
	require.NoError(t, err)
	assert.True(t, approved)

	state, decisions := g.Snapshot()
	require.NotNil(t, state.ActivePlan)
	assert.Equal(t, "plan-a", state.ActivePlan.PlanID)
	assert.Equal(t, plan.StatusActive, state.ActivePlan.Status)
	assert.Equal(t, t0, *state.ActivePlan.ActivatedAt)
	assert.Equal(t, t0, *state.LastChangeAt)
	require.NotEmpty(t, decisions)
	assert.Equal(t, "approved", decisions[len(decisions)-1].Verdict)
}

func TestPartialRotationSchedule(t *testing.T) {
	t0 := time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)
	g := newTestGovernor(t, t0)
	require.NoError(t, g.Adopt(planWith("plan-a", 0,
		plan.Allocation{Coin: "BTC", TargetPct: 100, MarketType: "perp", Leverage: 1})))

	g.now = func() time.Time { return t0.Add(2 * time.Hour) }
	approved, _, err := g.EvaluateProposal(Proposal{
		NewPlan: planWith("plan-b", 0,
			plan.Allocation{Coin: "BTC", TargetPct: 50, MarketType: "perp", Leverage: 1},
			plan.Allocation{Coin: "ETH", TargetPct: 50, MarketType: "perp", Leverage: 1}),
		ExpectedAdvantageBps: 200,
		ChangeCostBps:        30,
	})
	require.NoError(t, err)
	require.True(t, approved)

	state, _ := g.Snapshot()
	assert.Equal(t, plan.StatusRebalancing, state.ActivePlan.Status)
	require.NotNil(t, state.RebalanceSchedule)
	require.Len(t, state.RebalanceSchedule.Steps, 4)

	wantBTC := []float64{87.5, 75.0, 62.5, 50.0}
	wantETH := []float64{12.5, 25.0, 37.5, 50.0}
	for i, step := range state.RebalanceSchedule.Steps {
		byCoin := map[string]float64{}
		for _, a := range step.Allocations {
			byCoin[a.Coin] = a.TargetPct
		}
		assert.InDelta(t, wantBTC[i], byCoin["BTC"], 1e-9, "step %d BTC", i+1)
		assert.InDelta(t, wantETH[i], byCoin["ETH"], 1e-9, "step %d ETH", i+1)
	}

	// advance through all steps; progress must be non-decreasing
	lastProgress := 0.0
	for i := 0; i < 4; i++ {
		done, progress := g.AdvanceRebalance()
		assert.GreaterOrEqual(t, progress, lastProgress)
		lastProgress = progress
		if i < 3 {
			assert.False(t, done)
		} else {
			assert.True(t, done)
		}
	}

	state, _ = g.Snapshot()
	assert.Equal(t, plan.StatusActive, state.ActivePlan.Status)
	assert.Equal(t, 100.0, state.ActivePlan.RebalanceProgressPct)
	assert.Nil(t, state.RebalanceSchedule)
}

func TestNoOverlapSkipsSchedule(t *testing.T) {
	t0 := time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)
	g := newTestGovernor(t, t0)
	require.NoError(t, g.Adopt(planWith("plan-a", 0,
		plan.Allocation{Coin: "BTC", TargetPct: 100, MarketType: "perp", Leverage: 1})))

	g.now = func() time.Time { return t0.Add(2 * time.Hour) }
	approved, _, err := g.EvaluateProposal(Proposal{
		NewPlan: planWith("plan-b", 0,
			plan.Allocation{Coin: "SOL", TargetPct: 60, MarketType: "perp", Leverage: 1}),
		ExpectedAdvantageBps: 200,
		ChangeCostBps:        30,
	})
	require.NoError(t, err)
	require.True(t, approved)

	state, _ := g.Snapshot()
	assert.Equal(t, plan.StatusActive, state.ActivePlan.Status)
	assert.Nil(t, state.RebalanceSchedule)
}

func TestActivatedAtMonotonic(t *testing.T) {
	t0 := time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)
	g := newTestGovernor(t, t0)
	require.NoError(t, g.Adopt(planWith("plan-a", 0,
		plan.Allocation{Coin: "BTC", TargetPct: 50, MarketType: "perp", Leverage: 1})))

	// a clock that runs backwards must not produce an earlier activation
	g.now = func() time.Time { return t0.Add(-time.Hour) }
	_, _, err := g.EvaluateProposal(Proposal{
		NewPlan: planWith("plan-b", 0,
			plan.Allocation{Coin: "SOL", TargetPct: 50, MarketType: "perp", Leverage: 1}),
		ExpectedAdvantageBps: 500,
		ChangeCostBps:        10,
	})
	require.NoError(t, err)

	state, _ := g.Snapshot()
	assert.False(t, state.ActivePlan.ActivatedAt.Before(t0))
}

func TestStatePersistenceRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	t0 := time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)

	g := New(cfg)
	g.now = func() time.Time { return t0 }
	require.NoError(t, g.Adopt(planWith("plan-a", 120,
		plan.Allocation{Coin: "BTC", TargetPct: 50, MarketType: "perp", Leverage: 2})))

	// reload from disk
	g2 := New(cfg)
	state, _ := g2.Snapshot()
	require.NotNil(t, state.ActivePlan)
	assert.Equal(t, "plan-a", state.ActivePlan.PlanID)
	require.NotNil(t, state.LastChangeAt)
	assert.True(t, state.LastChangeAt.Equal(t0))
	assert.Nil(t, state.RebalanceSchedule)
}

func TestCorruptStateStartsClean(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(cfg.StateFile), 0o755))
	require.NoError(t, os.WriteFile(cfg.StateFile, []byte("{not json"), 0o644))

	g := New(cfg)
	state, _ := g.Snapshot()
	assert.Nil(t, state.ActivePlan)
	assert.Nil(t, state.LastChangeAt)
}

func TestInvalidateStopsExecution(t *testing.T) {
	t0 := time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)
	g := newTestGovernor(t, t0)
	require.NoError(t, g.Adopt(planWith("plan-a", 0,
		plan.Allocation{Coin: "BTC", TargetPct: 50, MarketType: "perp", Leverage: 1})))
	require.NotNil(t, g.CurrentTargets())

	g.Invalidate("pnl drawdown > 8%")

	state, decisions := g.Snapshot()
	assert.Equal(t, plan.StatusInvalidated, state.ActivePlan.Status)
	assert.Nil(t, g.CurrentTargets())
	assert.Equal(t, "invalidated", decisions[len(decisions)-1].Verdict)

	// invalidated plan does not block adopting a successor
	require.NoError(t, g.Adopt(planWith("plan-b", 0,
		plan.Allocation{Coin: "ETH", TargetPct: 40, MarketType: "perp", Leverage: 1})))
}

func TestCurrentTargetsDuringRebalance(t *testing.T) {
	t0 := time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)
	g := newTestGovernor(t, t0)
	require.NoError(t, g.Adopt(planWith("plan-a", 0,
		plan.Allocation{Coin: "BTC", TargetPct: 100, MarketType: "perp", Leverage: 1})))

	g.now = func() time.Time { return t0.Add(2 * time.Hour) }
	_, _, err := g.EvaluateProposal(Proposal{
		NewPlan: planWith("plan-b", 0,
			plan.Allocation{Coin: "BTC", TargetPct: 50, MarketType: "perp", Leverage: 1},
			plan.Allocation{Coin: "ETH", TargetPct: 50, MarketType: "perp", Leverage: 1}),
		ExpectedAdvantageBps: 200,
		ChangeCostBps:        30,
	})
	require.NoError(t, err)

	targets := g.CurrentTargets()
	require.Len(t, targets, 2)
	byCoin := map[string]float64{}
	for _, a := range targets {
		byCoin[a.Coin] = a.TargetPct
	}
	assert.InDelta(t, 87.5, byCoin["BTC"], 1e-9)
	assert.InDelta(t, 12.5, byCoin["ETH"], 1e-9)
}

func TestComputeChangeCost(t *testing.T) {
	from := planWith("plan-a", 0,
		plan.Allocation{Coin: "BTC", TargetPct: 100, MarketType: "perp", Leverage: 1})
	to := planWith("plan-b", 0,
		plan.Allocation{Coin: "BTC", TargetPct: 50, MarketType: "perp", Leverage: 1},
		plan.Allocation{Coin: "ETH", TargetPct: 50, MarketType: "perp", Leverage: 1})

	cost := ComputeChangeCost(from, to, nil)
	// turnover = |50-100| + |50-0| = 100
	assert.InDelta(t, 100*feeBpsPerTurnoverUnit, cost.FeesBps, 1e-9)
	assert.InDelta(t, slippageBaseBps+100*slippageBpsPerTurnoverUnit, cost.SlippageBps, 1e-9)
	assert.Zero(t, cost.FundingChangeBps)
	assert.Zero(t, cost.OpportunityCostBps)
	assert.Greater(t, cost.TotalBps(), 0.0)
}

type fixedOpp struct{ bps float64 }

func (f fixedOpp) OpportunityCostBps(_ *plan.StrategyPlanCard) float64 { return f.bps }

func TestChangeCostOpportunityFloor(t *testing.T) {
	from := planWith("carry-harvest", 0,
		plan.Allocation{Coin: "BTC", TargetPct: 50, MarketType: "perp", Leverage: 1})
	from.CompatibleRegimes = []string{"carry-friendly"}
	to := planWith("plan-b", 0,
		plan.Allocation{Coin: "BTC", TargetPct: 20, MarketType: "perp", Leverage: 1})

	cost := ComputeChangeCost(from, to, fixedOpp{bps: -25})
	assert.Zero(t, cost.OpportunityCostBps) // floored at zero
	assert.Equal(t, fundingShiftBps, cost.FundingChangeBps)

	cost = ComputeChangeCost(from, to, fixedOpp{bps: 12})
	assert.InDelta(t, 12.0, cost.OpportunityCostBps, 1e-9)
}
