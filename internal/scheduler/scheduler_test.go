package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/helmsman/internal/account"
	"github.com/quantfold/helmsman/internal/config"
	"github.com/quantfold/helmsman/internal/exchange"
	"github.com/quantfold/helmsman/internal/executor"
	"github.com/quantfold/helmsman/internal/governor"
	"github.com/quantfold/helmsman/internal/oracle"
	"github.com/quantfold/helmsman/internal/plan"
	"github.com/quantfold/helmsman/internal/regime"
	"github.com/quantfold/helmsman/internal/scorekeeper"
	"github.com/quantfold/helmsman/internal/signals"
	"github.com/quantfold/helmsman/internal/tripwire"
)

// stubOracle counts calls and serves a fixed classification plus a
// scripted proposal.
type stubOracle struct {
	mu         sync.Mutex
	classified int
	proposed   int
	proposal   *oracle.Proposal
}

func (o *stubOracle) ClassifyRegime(ctx context.Context, sig regime.Signals) (*regime.Classification, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.classified++
	return &regime.Classification{
		Regime:     regime.TrendingBull,
		Confidence: 0.9,
		Timestamp:  time.Now(),
		Reasoning:  "steady drift with higher highs",
	}, nil
}

func (o *stubOracle) ProposePlan(ctx context.Context, state *account.AccountState, bundle *signals.SignalBundle, current regime.Regime, active *plan.StrategyPlanCard) (*oracle.Proposal, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.proposed++
	if o.proposal != nil {
		return o.proposal, nil
	}
	return &oracle.Proposal{NoChange: true, Rationale: "hold"}, nil
}

func (o *stubOracle) TotalCostUSD() float64 { return 0 }

func (o *stubOracle) counts() (int, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.classified, o.proposed
}

func testSchedulerConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Agent: config.AgentConfig{TickIntervalSeconds: 10},
		Risk: config.RiskConfig{
			MinOrderNotionalUSD: 10,
		},
		Governance: config.GovernanceConfig{
			MediumLoopIntervalMinutes:     30,
			SlowLoopIntervalHours:         24,
			CooldownAfterChangeMinutes:    60,
			MinimumAdvantageOverCostBps:   50,
			PartialRotationPctPerCycle:    25,
			ConfirmationCycles:            1,
			HysteresisEnterThreshold:      0.7,
			HysteresisExitThreshold:       0.4,
			DailyLossLimitPct:             5,
			MinMarginRatio:                0.0,
			LiquidationProximityThreshold: 0.15,
			MaxDataStalenessSeconds:       3600,
			MaxAPIFailureCount:            5,
			EmergencyReductionPct:         50,
			StateFile:                     filepath.Join(t.TempDir(), "governor_state.json"),
		},
		Observability: config.ObservabilityConfig{
			SnapshotDir: filepath.Join(t.TempDir(), "snapshots"),
		},
	}
}

func newTestScheduler(t *testing.T, orc *stubOracle) (*Scheduler, *config.Config) {
	t.Helper()
	cfg := testSchedulerConfig(t)

	mock := exchange.NewMockExchange(100_000)
	registry := account.NewRegistry()
	require.NoError(t, registry.Hydrate(context.Background(), mock))

	sk := scorekeeper.New(filepath.Join(t.TempDir(), "completed.jsonl"))
	exec := executor.New(mock, registry, cfg.Risk)
	exec.SetRecorder(sk)

	s := New(cfg, Deps{
		Monitor:  account.NewMonitor(mock, registry),
		Signals:  signals.NewOrchestrator(cfg.Signals),
		Detector: regime.NewDetector(orc, cfg.Governance),
		Oracle:   orc,
		Governor: governor.New(cfg.Governance),
		Tripwire: tripwire.New(cfg.Governance),
		Executor: exec,
		Scores:   sk,
	})
	return s, cfg
}

func TestTickCadence(t *testing.T) {
	orc := &stubOracle{}
	s, _ := newTestScheduler(t, orc)
	t0 := time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return t0 }

	// first tick: medium and slow both due, each classifies once
	s.Tick(context.Background())
	classified, _ := orc.counts()
	assert.Equal(t, 2, classified)

	// ten seconds later nothing extra is due
	s.now = func() time.Time { return t0.Add(10 * time.Second) }
	s.Tick(context.Background())
	classified, _ = orc.counts()
	assert.Equal(t, 2, classified)

	// 31 minutes later the medium loop runs again
	s.now = func() time.Time { return t0.Add(31 * time.Minute) }
	s.Tick(context.Background())
	classified, _ = orc.counts()
	assert.Equal(t, 3, classified)
}

func TestForceSlowRunsNextTick(t *testing.T) {
	orc := &stubOracle{}
	s, _ := newTestScheduler(t, orc)
	t0 := time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return t0 }
	s.Tick(context.Background())
	classified, _ := orc.counts()
	require.Equal(t, 2, classified)

	s.ForceSlow()
	s.now = func() time.Time { return t0.Add(10 * time.Second) }
	s.Tick(context.Background())
	classified, _ = orc.counts()
	assert.Equal(t, 3, classified) // slow ran again, medium did not
}

func TestProposalAdoptedThroughMediumLoop(t *testing.T) {
	orc := &stubOracle{
		proposal: &oracle.Proposal{
			Plan: &plan.StrategyPlanCard{
				PlanID:       "plan-oracle-1",
				StrategyName: "trend-rider",
				CreatedAt:    time.Now().UTC(),
				Status:       plan.StatusActive,
				TargetAllocations: []plan.Allocation{
					{Coin: "BTC", TargetPct: 40, MarketType: "perp", Leverage: 2},
				},
				AllowedLeverageRange: plan.LeverageRange{Lo: 1, Hi: 3},
			},
			ExpectedAdvantageBps: 500,
			Rationale:            "strong trend, flat book",
		},
	}
	s, _ := newTestScheduler(t, orc)
	t0 := time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return t0 }

	s.Tick(context.Background())

	active := s.deps.Governor.ActivePlan()
	require.NotNil(t, active)
	assert.Equal(t, "plan-oracle-1", active.PlanID)

	// scorecard opened for the adopted plan
	m := s.deps.Scores.Active()
	require.NotNil(t, m)
	assert.Equal(t, "plan-oracle-1", m.PlanID)
}

func TestSnapshotFilesWritten(t *testing.T) {
	orc := &stubOracle{}
	s, cfg := newTestScheduler(t, orc)
	t0 := time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return t0 }

	s.Tick(context.Background())

	for _, name := range []string{"status.json", "regime.json", "tripwire.json", "scorekeeper.json"} {
		_, err := os.Stat(filepath.Join(cfg.Observability.SnapshotDir, name))
		assert.NoError(t, err, name)
	}
}

func TestRunLoopContainsPanic(t *testing.T) {
	orc := &stubOracle{}
	s, _ := newTestScheduler(t, orc)

	assert.NotPanics(t, func() {
		s.runLoop(context.Background(), "fast", func(context.Context) error {
			panic("boom")
		})
	})
}

func TestRunStopsOnCancel(t *testing.T) {
	orc := &stubOracle{}
	s, cfg := newTestScheduler(t, orc)
	cfg.Agent.TickIntervalSeconds = 1

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("scheduler did not stop on cancel")
	}
}
