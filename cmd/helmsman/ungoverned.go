package main

import (
	"context"
	"time"

	"github.com/quantfold/helmsman/internal/account"
	"github.com/quantfold/helmsman/internal/oracle"
	"github.com/quantfold/helmsman/internal/plan"
	"github.com/quantfold/helmsman/internal/regime"
	"github.com/quantfold/helmsman/internal/signals"
)

// ungoverned stands in for the LLM oracle when plan reviews are
// disabled: the regime stays wherever the detector left it and every
// review endorses the current plan. Tripwires, execution, and the
// persisted plan keep working.
type ungoverned struct{}

func (ungoverned) ClassifyRegime(ctx context.Context, sig regime.Signals) (*regime.Classification, error) {
	return &regime.Classification{
		Regime:     regime.Unknown,
		Confidence: 0,
		Timestamp:  time.Now().UTC(),
		Reasoning:  "plan reviews disabled, no classification performed",
	}, nil
}

func (ungoverned) ProposePlan(ctx context.Context, state *account.AccountState, bundle *signals.SignalBundle, current regime.Regime, active *plan.StrategyPlanCard) (*oracle.Proposal, error) {
	return &oracle.Proposal{NoChange: true, Rationale: "plan reviews disabled"}, nil
}

func (ungoverned) TotalCostUSD() float64 { return 0 }
