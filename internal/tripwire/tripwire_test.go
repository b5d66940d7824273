package tripwire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/helmsman/internal/account"
	"github.com/quantfold/helmsman/internal/config"
	"github.com/quantfold/helmsman/internal/plan"
)

func testTripwireConfig() config.GovernanceConfig {
	return config.GovernanceConfig{
		DailyLossLimitPct:             5.0,
		MinMarginRatio:                0.10,
		LiquidationProximityThreshold: 0.15,
		MaxDataStalenessSeconds:       60,
		MaxAPIFailureCount:            3,
	}
}

func newTestTripwire(at time.Time) *Tripwire {
	tw := New(testTripwireConfig())
	tw.now = func() time.Time { return at }
	return tw
}

func healthyState(at time.Time, portfolio float64) *account.AccountState {
	return &account.AccountState{
		PortfolioValue:   portfolio,
		AvailableBalance: portfolio * 0.5,
		Timestamp:        at.Unix(),
	}
}

func TestParseTrigger(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		valid     bool
		metric    Metric
		threshold float64
	}{
		{"position size", "position size > 40% of portfolio", true, MetricPositionSize, 40},
		{"pnl drawdown", "pnl drawdown > 8%", true, MetricPnlDrawdown, 8},
		{"volatility", "volatility > 120%", true, MetricVolatility, 120},
		{"funding rate", "funding rate > 0.15%", true, MetricFundingRate, 0.15},
		{"gte operator", "pnl drawdown >= 8%", true, MetricPnlDrawdown, 8},
		{"uppercase tolerated", "Position Size > 40% of portfolio", true, MetricPositionSize, 40},
		{"unknown metric", "sharpe ratio < 1%", false, "", 0},
		{"prose", "if the thesis breaks, get out", false, "", 0},
		{"missing percent", "volatility > 120", false, "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pred := ParseTrigger(tt.raw)
			assert.Equal(t, tt.valid, pred.Valid())
			if tt.valid {
				assert.Equal(t, tt.metric, pred.Metric)
				assert.Equal(t, tt.threshold, pred.Threshold)
			} else {
				assert.False(t, pred.Evaluate(1e9))
			}
		})
	}
}

func TestDailyLossLimit(t *testing.T) {
	at := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	tw := newTestTripwire(at)

	// first sight sets the baseline without firing
	events := tw.CheckAll(healthyState(at, 10_000), nil)
	assert.Empty(t, events)

	// 6% down from baseline
	events = tw.CheckAll(healthyState(at, 9_400), nil)
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, SeverityCritical, ev.Severity)
	assert.Equal(t, CategoryAccountSafety, ev.Category)
	assert.Equal(t, "daily_loss_limit", ev.Trigger)
	assert.Equal(t, ActionCutSizeToFloor, ev.Action)
	assert.GreaterOrEqual(t, ev.Details["loss_pct"].(float64), 5.0)
}

func TestDailyBaselineResetsNextDay(t *testing.T) {
	at := time.Date(2026, 8, 26, 23, 0, 0, 0, time.UTC)
	tw := newTestTripwire(at)
	assert.Empty(t, tw.CheckAll(healthyState(at, 10_000), nil))

	next := at.Add(2 * time.Hour) // crosses midnight UTC
	tw.now = func() time.Time { return next }
	// 9400 would fire against yesterday's baseline; the new day rebases
	assert.Empty(t, tw.CheckAll(healthyState(next, 9_400), nil))
}

func TestLowMarginRatio(t *testing.T) {
	at := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	tw := newTestTripwire(at)
	state := healthyState(at, 10_000)
	state.AvailableBalance = 500 // 5% < 10% floor

	events := tw.CheckAll(state, nil)
	require.Len(t, events, 1)
	assert.Equal(t, "low_margin_ratio", events[0].Trigger)
	assert.Equal(t, ActionCutSizeToFloor, events[0].Action)
}

func TestLiquidationProximityEscalates(t *testing.T) {
	at := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	tw := newTestTripwire(at)
	state := healthyState(at, 10_000)
	state.Positions = []account.Position{
		{Coin: "BTC", UnrealizedPnl: -1_200},
		{Coin: "ETH", UnrealizedPnl: -500},
		{Coin: "SOL", UnrealizedPnl: 300},
	}

	// (1200 + 500) / 10000 = 0.17 >= 0.15
	events := tw.CheckAll(state, nil)
	require.Len(t, events, 1)
	assert.Equal(t, "liquidation_proximity", events[0].Trigger)
	assert.Equal(t, ActionEscalateToSlowLoop, events[0].Action)
}

func activePlanWithTriggers(triggers ...string) *plan.StrategyPlanCard {
	return &plan.StrategyPlanCard{
		PlanID: "plan-t",
		Status: plan.StatusActive,
		ExitRules: plan.ExitRules{
			InvalidationTriggers: triggers,
		},
	}
}

func TestPositionSizeTriggerFires(t *testing.T) {
	at := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	tw := newTestTripwire(at)
	state := healthyState(at, 10_000)
	state.Positions = []account.Position{
		{Coin: "BTC", Size: 0.1, CurrentPrice: 45_000}, // 45% of portfolio
	}

	events := tw.CheckAll(state, activePlanWithTriggers("position size > 40% of portfolio"))
	require.Len(t, events, 1)
	assert.Equal(t, CategoryPlanInvalidation, events[0].Category)
	assert.Equal(t, ActionInvalidatePlan, events[0].Action)
	assert.InDelta(t, 45.0, events[0].Details["observed"].(float64), 1e-9)
}

func TestUnknownTriggerNeverFires(t *testing.T) {
	at := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	tw := newTestTripwire(at)
	state := healthyState(at, 10_000)
	state.Positions = []account.Position{
		{Coin: "BTC", Size: 1, CurrentPrice: 9_000},
	}

	events := tw.CheckAll(state, activePlanWithTriggers("exit if vibes are off"))
	assert.Empty(t, events)
}

func TestVolatilityTriggerNeedsObservation(t *testing.T) {
	at := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	tw := newTestTripwire(at)
	state := healthyState(at, 10_000)
	card := activePlanWithTriggers("volatility > 120%")

	// no observation yet, predicate is unevaluable
	assert.Empty(t, tw.CheckAll(state, card))

	vol := 140.0
	tw.UpdateObservations(Observations{RealizedVolPct: &vol})
	events := tw.CheckAll(state, card)
	require.Len(t, events, 1)
	assert.Equal(t, "volatility > 120%", events[0].Trigger)
}

func TestInvalidatedPlanSkipsTriggers(t *testing.T) {
	at := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	tw := newTestTripwire(at)
	state := healthyState(at, 10_000)
	state.Positions = []account.Position{
		{Coin: "BTC", Size: 0.1, CurrentPrice: 45_000},
	}
	card := activePlanWithTriggers("position size > 40% of portfolio")
	card.Status = plan.StatusInvalidated

	assert.Empty(t, tw.CheckAll(state, card))
}

func TestStaleDataFreezes(t *testing.T) {
	at := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	tw := newTestTripwire(at)
	state := healthyState(at, 10_000)
	state.IsStale = true

	events := tw.CheckAll(state, nil)
	require.Len(t, events, 1)
	assert.Equal(t, SeverityWarning, events[0].Severity)
	assert.Equal(t, CategoryOperational, events[0].Category)
	assert.Equal(t, "stale_data", events[0].Trigger)
	assert.Equal(t, ActionFreezeNewRisk, events[0].Action)
}

func TestOldSnapshotFreezes(t *testing.T) {
	at := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	tw := newTestTripwire(at)
	state := healthyState(at.Add(-2*time.Minute), 10_000)

	events := tw.CheckAll(state, nil)
	require.Len(t, events, 1)
	assert.Equal(t, "stale_data", events[0].Trigger)
}

func TestAPIFailureBurst(t *testing.T) {
	at := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	tw := newTestTripwire(at)
	state := healthyState(at, 10_000)
	tw.CheckAll(state, nil) // set baseline

	tw.RecordAPIFailure()
	tw.RecordAPIFailure()
	assert.Empty(t, tw.CheckAll(state, nil))

	tw.RecordAPIFailure()
	events := tw.CheckAll(state, nil)
	require.Len(t, events, 1)
	assert.Equal(t, "api_failure_burst", events[0].Trigger)
	assert.Equal(t, SeverityCritical, events[0].Severity)

	tw.RecordAPISuccess()
	assert.Empty(t, tw.CheckAll(state, nil))
}

func TestEventPriorityOrdering(t *testing.T) {
	at := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	tw := newTestTripwire(at)
	tw.CheckAll(healthyState(at, 10_000), nil) // set baseline

	state := healthyState(at, 9_000) // 10% daily loss
	state.IsStale = true
	state.Positions = []account.Position{
		{Coin: "BTC", Size: 0.1, CurrentPrice: 45_000},
	}
	card := activePlanWithTriggers("position size > 40% of portfolio")

	events := tw.CheckAll(state, card)
	require.Len(t, events, 3)
	assert.Equal(t, CategoryAccountSafety, events[0].Category)
	assert.Equal(t, CategoryPlanInvalidation, events[1].Category)
	assert.Equal(t, CategoryOperational, events[2].Category)
}
