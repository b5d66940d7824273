// Package scorekeeper tracks how well the active plan is actually
// doing: PnL since activation, drawdown, drift from targets, and trade
// quality. Completed plans are appended to a JSONL log. Shadow
// portfolios paper-trade competing strategies to price the opportunity
// cost of staying put.
package scorekeeper

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/helmsman/internal/account"
	"github.com/quantfold/helmsman/internal/config"
	"github.com/quantfold/helmsman/internal/plan"
)

// PlanMetrics is the running scorecard for one plan.
type PlanMetrics struct {
	PlanID       string    `json:"plan_id"`
	StrategyName string    `json:"strategy_name"`
	StartedAt    time.Time `json:"started_at"`

	StartValue   float64 `json:"start_value"`
	CurrentValue float64 `json:"current_value"`
	PeakValue    float64 `json:"peak_value"`

	PnlUSD         float64 `json:"pnl_usd"`
	PnlPct         float64 `json:"pnl_pct"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
	DriftPct       float64 `json:"drift_pct"`

	Trades         int     `json:"trades"`
	WinningTrades  int     `json:"winning_trades"`
	AvgSlippageBps float64 `json:"avg_slippage_bps"`
	RebalanceSteps int     `json:"rebalance_steps"`

	FinalStatus string     `json:"final_status,omitempty"`
	FinalizedAt *time.Time `json:"finalized_at,omitempty"`
	Summary     string     `json:"summary,omitempty"`
}

// WinRate is winning trades over total, 0 with no trades.
func (m *PlanMetrics) WinRate() float64 {
	if m.Trades == 0 {
		return 0
	}
	return float64(m.WinningTrades) / float64(m.Trades)
}

// Scorekeeper is the single writer for plan metrics and shadows.
type Scorekeeper struct {
	mu      sync.Mutex
	active  *PlanMetrics
	shadows map[string]*ShadowPortfolio

	completedPath string
	log           zerolog.Logger
	now           func() time.Time
}

func New(completedPath string) *Scorekeeper {
	return &Scorekeeper{
		shadows:       map[string]*ShadowPortfolio{},
		completedPath: completedPath,
		log:           config.NewLogger("scorekeeper"),
		now:           time.Now,
	}
}

// StartPlan opens a scorecard for a freshly activated plan. Any
// previous unfinalized card is discarded.
func (s *Scorekeeper) StartPlan(card *plan.StrategyPlanCard, portfolioValue float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = &PlanMetrics{
		PlanID:       card.PlanID,
		StrategyName: card.StrategyName,
		StartedAt:    s.now(),
		StartValue:   portfolioValue,
		CurrentValue: portfolioValue,
		PeakValue:    portfolioValue,
	}
	s.log.Info().Str("plan_id", card.PlanID).Float64("start_value", portfolioValue).Msg("Plan scorecard opened")
}

// ObserveSnapshot folds one account snapshot into the active
// scorecard: PnL, peak, max drawdown, and allocation drift.
func (s *Scorekeeper) ObserveSnapshot(card *plan.StrategyPlanCard, state *account.AccountState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil || state == nil || card == nil || card.PlanID != s.active.PlanID {
		return
	}
	m := s.active

	m.CurrentValue = state.PortfolioValue
	if m.CurrentValue > m.PeakValue {
		m.PeakValue = m.CurrentValue
	}
	m.PnlUSD = m.CurrentValue - m.StartValue
	if m.StartValue > 0 {
		m.PnlPct = m.PnlUSD / m.StartValue * 100
	}
	if m.PeakValue > 0 {
		dd := (m.PeakValue - m.CurrentValue) / m.PeakValue * 100
		if dd > m.MaxDrawdownPct {
			m.MaxDrawdownPct = dd
		}
	}
	m.DriftPct = driftFromTargets(card, state)
}

// driftFromTargets is the mean absolute deviation between actual and
// target allocation percentages across the plan's allocations.
func driftFromTargets(card *plan.StrategyPlanCard, state *account.AccountState) float64 {
	if len(card.TargetAllocations) == 0 || state.PortfolioValue <= 0 {
		return 0
	}
	var total float64
	for _, target := range card.TargetAllocations {
		actual := 0.0
		if pos, ok := state.Position(target.Coin, account.MarketType(target.MarketType)); ok {
			actual = pos.Notional() / state.PortfolioValue * 100
		}
		total += math.Abs(actual - target.TargetPct)
	}
	return total / float64(len(card.TargetAllocations))
}

// RecordTrade folds one fill into the incremental trade averages.
func (s *Scorekeeper) RecordTrade(winning bool, slippageBps float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return
	}
	m := s.active
	m.AvgSlippageBps = (m.AvgSlippageBps*float64(m.Trades) + slippageBps) / float64(m.Trades+1)
	m.Trades++
	if winning {
		m.WinningTrades++
	}
}

// RecordRebalanceStep counts one executed rotation step.
func (s *Scorekeeper) RecordRebalanceStep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		s.active.RebalanceSteps++
	}
}

// Active returns a copy of the current scorecard, nil if none.
func (s *Scorekeeper) Active() *PlanMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil
	}
	cp := *s.active
	return &cp
}

// FinalizePlan closes the scorecard, appends it to the completed-plans
// log, and returns the finalized copy.
func (s *Scorekeeper) FinalizePlan(finalStatus string) (*PlanMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil, fmt.Errorf("no active plan scorecard")
	}
	m := s.active
	now := s.now()
	m.FinalStatus = finalStatus
	m.FinalizedAt = &now
	m.Summary = fmt.Sprintf("%s (%s): pnl %+.2f%% ($%+.2f), max drawdown %.2f%%, %d trades (%.0f%% win), avg slippage %.1f bps, %d rebalance steps",
		m.StrategyName, finalStatus, m.PnlPct, m.PnlUSD, m.MaxDrawdownPct,
		m.Trades, m.WinRate()*100, m.AvgSlippageBps, m.RebalanceSteps)
	s.active = nil

	if err := s.appendCompleted(m); err != nil {
		s.log.Error().Err(err).Str("plan_id", m.PlanID).Msg("Failed to append completed plan")
		return m, err
	}
	s.log.Info().Str("plan_id", m.PlanID).Msg(m.Summary)
	return m, nil
}

func (s *Scorekeeper) appendCompleted(m *PlanMetrics) error {
	if s.completedPath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.completedPath), 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(s.completedPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open completed plans log: %w", err)
	}
	defer f.Close()
	line, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode plan metrics: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append plan metrics: %w", err)
	}
	return nil
}

// ReadCompleted loads the completed-plans log, newest last. Malformed
// lines are skipped.
func ReadCompleted(path string) ([]PlanMetrics, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []PlanMetrics
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var m PlanMetrics
		if err := json.Unmarshal(line, &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}
