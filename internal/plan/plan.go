// Package plan defines the StrategyPlanCard, the governed entity the
// whole agent revolves around.
package plan

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Plan status values
type Status string

const (
	StatusActive      Status = "active"
	StatusRebalancing Status = "rebalancing"
	StatusInvalidated Status = "invalidated"
	StatusCompleted   Status = "completed"
)

// TimeHorizon buckets the plan's intended holding period
type TimeHorizon string

const (
	HorizonMinutes TimeHorizon = "minutes"
	HorizonHours   TimeHorizon = "hours"
	HorizonDays    TimeHorizon = "days"
)

// Allocation is one target holding
type Allocation struct {
	Coin       string  `json:"coin"`
	TargetPct  float64 `json:"target_pct"`
	MarketType string  `json:"market_type"` // "spot" or "perp"
	Leverage   float64 `json:"leverage"`
}

// LeverageRange bounds the leverage the plan may use
type LeverageRange struct {
	Lo float64 `json:"lo"`
	Hi float64 `json:"hi"`
}

// RiskBudget caps the plan's risk envelope
type RiskBudget struct {
	MaxPositionPct         float64 `json:"max_position_pct"` // per coin
	MaxLeverage            float64 `json:"max_leverage"`
	MaxAdverseExcursionPct float64 `json:"max_adverse_excursion_pct"`
	PlanMaxDrawdownPct     float64 `json:"plan_max_drawdown_pct"`
	PerTradeRiskPct        float64 `json:"per_trade_risk_pct"`
}

// ExitRules describe when the plan is done or wrong
type ExitRules struct {
	ProfitTargetPct      *float64 `json:"profit_target_pct,omitempty"`
	StopLossPct          *float64 `json:"stop_loss_pct,omitempty"`
	TimeBasedReviewHours float64  `json:"time_based_review_hours"`
	InvalidationTriggers []string `json:"invalidation_triggers"`
}

// ChangeCost itemizes the cost of switching into this plan, in bps
type ChangeCost struct {
	FeesBps           float64 `json:"fees_bps"`
	SlippageBps       float64 `json:"slippage_bps"`
	FundingChangeBps  float64 `json:"funding_change_bps"`
	OpportunityCostBps float64 `json:"opportunity_cost_bps"`
}

// TotalBps sums the cost components
func (c ChangeCost) TotalBps() float64 {
	return c.FeesBps + c.SlippageBps + c.FundingChangeBps + c.OpportunityCostBps
}

// StrategyPlanCard is the full governed plan document
type StrategyPlanCard struct {
	PlanID          string    `json:"plan_id"`
	StrategyName    string    `json:"strategy_name"`
	StrategyVersion string    `json:"strategy_version"`
	CreatedAt       time.Time `json:"created_at"`

	Objective                string      `json:"objective"`
	TargetHoldingPeriodHours float64     `json:"target_holding_period_hours"`
	TimeHorizon              TimeHorizon `json:"time_horizon"`
	KeyThesis                string      `json:"key_thesis"`

	TargetAllocations   []Allocation  `json:"target_allocations"`
	AllowedLeverageRange LeverageRange `json:"allowed_leverage_range"`

	RiskBudget RiskBudget `json:"risk_budget"`
	ExitRules  ExitRules  `json:"exit_rules"`
	ChangeCost ChangeCost `json:"change_cost"`

	ExpectedEdgeBps     float64  `json:"expected_edge_bps"`
	KPIsToTrack         []string `json:"kpis_to_track"`
	MinimumDwellMinutes float64  `json:"minimum_dwell_minutes"`

	CompatibleRegimes []string `json:"compatible_regimes"`
	AvoidRegimes      []string `json:"avoid_regimes"`

	Status              Status     `json:"status"`
	ActivatedAt         *time.Time `json:"activated_at,omitempty"`
	LastReviewedAt      *time.Time `json:"last_reviewed_at,omitempty"`
	RebalanceProgressPct float64   `json:"rebalance_progress_pct"`
}

// New builds a plan skeleton with identity fields filled
func New(strategyName, version string) *StrategyPlanCard {
	return &StrategyPlanCard{
		PlanID:          uuid.NewString(),
		StrategyName:    strategyName,
		StrategyVersion: version,
		CreatedAt:       time.Now().UTC(),
		Status:          StatusActive,
	}
}

// Validate enforces the card's structural invariants
func (p *StrategyPlanCard) Validate() error {
	if p.PlanID == "" {
		return fmt.Errorf("plan_id is required")
	}
	if p.StrategyName == "" {
		return fmt.Errorf("strategy_name is required")
	}

	totalPct := 0.0
	for i, a := range p.TargetAllocations {
		if a.Coin == "" {
			return fmt.Errorf("allocation %d: coin is required", i)
		}
		if a.TargetPct < 0 || a.TargetPct > 100 {
			return fmt.Errorf("allocation %d: target_pct %.2f out of [0,100]", i, a.TargetPct)
		}
		if a.MarketType != "spot" && a.MarketType != "perp" {
			return fmt.Errorf("allocation %d: invalid market_type %q", i, a.MarketType)
		}
		if a.Leverage < 1 {
			return fmt.Errorf("allocation %d: leverage %.2f below 1", i, a.Leverage)
		}
		totalPct += a.TargetPct
	}
	// remainder is implicit cash
	if totalPct > 100+1e-9 {
		return fmt.Errorf("target allocations sum to %.2f%%, above 100", totalPct)
	}

	if p.AllowedLeverageRange.Lo > p.AllowedLeverageRange.Hi {
		return fmt.Errorf("allowed_leverage_range lo %.2f above hi %.2f",
			p.AllowedLeverageRange.Lo, p.AllowedLeverageRange.Hi)
	}
	if p.RebalanceProgressPct < 0 || p.RebalanceProgressPct > 100 {
		return fmt.Errorf("rebalance_progress_pct %.2f out of [0,100]", p.RebalanceProgressPct)
	}
	switch p.Status {
	case StatusActive, StatusRebalancing, StatusInvalidated, StatusCompleted:
	default:
		return fmt.Errorf("invalid status %q", p.Status)
	}
	return nil
}

// Allocation returns the target for coin, if present
func (p *StrategyPlanCard) Allocation(coin string) (Allocation, bool) {
	for _, a := range p.TargetAllocations {
		if a.Coin == coin {
			return a, true
		}
	}
	return Allocation{}, false
}

// CompatibleWith reports whether the plan tolerates the given regime
func (p *StrategyPlanCard) CompatibleWith(regime string) bool {
	for _, r := range p.AvoidRegimes {
		if r == regime {
			return false
		}
	}
	if len(p.CompatibleRegimes) == 0 {
		return true
	}
	for _, r := range p.CompatibleRegimes {
		if r == regime {
			return true
		}
	}
	return false
}

// Clone deep-copies the card so governor mutations never alias
// oracle-held memory
func (p *StrategyPlanCard) Clone() *StrategyPlanCard {
	c := *p
	c.TargetAllocations = append([]Allocation(nil), p.TargetAllocations...)
	c.KPIsToTrack = append([]string(nil), p.KPIsToTrack...)
	c.CompatibleRegimes = append([]string(nil), p.CompatibleRegimes...)
	c.AvoidRegimes = append([]string(nil), p.AvoidRegimes...)
	c.ExitRules.InvalidationTriggers = append([]string(nil), p.ExitRules.InvalidationTriggers...)
	if p.ExitRules.ProfitTargetPct != nil {
		v := *p.ExitRules.ProfitTargetPct
		c.ExitRules.ProfitTargetPct = &v
	}
	if p.ExitRules.StopLossPct != nil {
		v := *p.ExitRules.StopLossPct
		c.ExitRules.StopLossPct = &v
	}
	if p.ActivatedAt != nil {
		v := *p.ActivatedAt
		c.ActivatedAt = &v
	}
	if p.LastReviewedAt != nil {
		v := *p.LastReviewedAt
		c.LastReviewedAt = &v
	}
	return &c
}
