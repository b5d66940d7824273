// Package tripwire evaluates account-safety, plan-invalidation, and
// operational-health predicates every fast loop. Firings are not
// errors; they are control signals the loop must act on.
package tripwire

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/helmsman/internal/account"
	"github.com/quantfold/helmsman/internal/config"
	"github.com/quantfold/helmsman/internal/metrics"
	"github.com/quantfold/helmsman/internal/plan"
)

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

type Category string

const (
	CategoryAccountSafety    Category = "account_safety"
	CategoryPlanInvalidation Category = "plan_invalidation"
	CategoryOperational      Category = "operational"
)

type Action string

const (
	ActionFreezeNewRisk      Action = "FREEZE_NEW_RISK"
	ActionCutSizeToFloor     Action = "CUT_SIZE_TO_FLOOR"
	ActionEscalateToSlowLoop Action = "ESCALATE_TO_SLOW_LOOP"
	ActionInvalidatePlan     Action = "INVALIDATE_PLAN"
)

// Event is an emitted tripwire firing with its mandated action.
type Event struct {
	Severity  Severity               `json:"severity"`
	Category  Category               `json:"category"`
	Trigger   string                 `json:"trigger"`
	Action    Action                 `json:"action"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Observations carries signal-derived measurements the plan predicates
// need but the account snapshot cannot provide. Nil pointers mean the
// measurement is unavailable this cycle.
type Observations struct {
	RealizedVolPct    *float64
	AvgFundingRatePct *float64
}

// Tripwire holds session state for the safety probes: the daily loss
// baseline, the API failure counter, and the latest observations.
type Tripwire struct {
	cfg config.GovernanceConfig
	log zerolog.Logger

	mu           sync.Mutex
	baseline     float64
	baselineDay  string
	baselineSet  bool
	apiFailures  int
	obs          Observations
	badTriggers  map[string]struct{}

	now func() time.Time
}

func New(cfg config.GovernanceConfig) *Tripwire {
	return &Tripwire{
		cfg:         cfg,
		log:         config.NewLogger("tripwire"),
		badTriggers: map[string]struct{}{},
		now:         time.Now,
	}
}

// RecordAPIFailure bumps the consecutive failure counter. The burst
// probe fires once the configured ceiling is reached.
func (t *Tripwire) RecordAPIFailure() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.apiFailures++
}

// RecordAPISuccess resets the consecutive failure counter.
func (t *Tripwire) RecordAPISuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.apiFailures = 0
}

// UpdateObservations is called by the fast loop after signal
// collection so volatility and funding predicates see fresh values.
func (t *Tripwire) UpdateObservations(obs Observations) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.obs = obs
}

// CheckAll runs every probe against the latest snapshot and returns
// events sorted by handling priority: account_safety first, then
// plan_invalidation, then operational; critical before warning within
// a category. A probe that panics is converted into a critical
// FREEZE_NEW_RISK event; CheckAll itself never raises.
func (t *Tripwire) CheckAll(state *account.AccountState, activePlan *plan.StrategyPlanCard) []Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var events []Event
	run := func(name string, probe func() []Event) {
		defer func() {
			if r := recover(); r != nil {
				t.log.Error().Str("probe", name).Interface("panic", r).Msg("Tripwire probe panicked")
				events = append(events, Event{
					Severity:  SeverityCritical,
					Category:  CategoryOperational,
					Trigger:   "probe_panic",
					Action:    ActionFreezeNewRisk,
					Timestamp: now,
					Details:   map[string]interface{}{"probe": name, "panic": fmt.Sprint(r)},
				})
			}
		}()
		events = append(events, probe()...)
	}

	run("account_safety", func() []Event { return t.accountSafetyLocked(state, now) })
	run("plan_invalidation", func() []Event { return t.planInvalidationLocked(state, activePlan, now) })
	run("operational", func() []Event { return t.operationalLocked(state, now) })

	sortEvents(events)
	for _, ev := range events {
		metrics.TripwireEvents.WithLabelValues(string(ev.Category), string(ev.Action)).Inc()
		t.log.Warn().
			Str("category", string(ev.Category)).
			Str("trigger", ev.Trigger).
			Str("action", string(ev.Action)).
			Str("severity", string(ev.Severity)).
			Msg("Tripwire fired")
	}
	return events
}

func (t *Tripwire) accountSafetyLocked(state *account.AccountState, now time.Time) []Event {
	if state == nil {
		return nil
	}
	var events []Event

	day := now.UTC().Format("2006-01-02")
	if !t.baselineSet || t.baselineDay != day {
		t.baseline = state.PortfolioValue
		t.baselineDay = day
		t.baselineSet = true
		t.log.Info().Float64("baseline", t.baseline).Str("day", day).Msg("Daily loss baseline set")
	} else if t.baseline > 0 {
		lossPct := (t.baseline - state.PortfolioValue) / t.baseline * 100
		if lossPct >= t.cfg.DailyLossLimitPct {
			events = append(events, Event{
				Severity:  SeverityCritical,
				Category:  CategoryAccountSafety,
				Trigger:   "daily_loss_limit",
				Action:    ActionCutSizeToFloor,
				Timestamp: now,
				Details: map[string]interface{}{
					"loss_pct": lossPct,
					"baseline": t.baseline,
					"current":  state.PortfolioValue,
				},
			})
		}
	}

	if state.PortfolioValue > 0 {
		marginRatio := state.AvailableBalance / state.PortfolioValue
		if marginRatio < t.cfg.MinMarginRatio {
			events = append(events, Event{
				Severity:  SeverityCritical,
				Category:  CategoryAccountSafety,
				Trigger:   "low_margin_ratio",
				Action:    ActionCutSizeToFloor,
				Timestamp: now,
				Details: map[string]interface{}{
					"margin_ratio": marginRatio,
					"minimum":      t.cfg.MinMarginRatio,
				},
			})
		}

		var negativePnl float64
		for _, pos := range state.Positions {
			if pos.UnrealizedPnl < 0 {
				negativePnl += -pos.UnrealizedPnl
			}
		}
		proximity := negativePnl / state.PortfolioValue
		if proximity >= t.cfg.LiquidationProximityThreshold {
			events = append(events, Event{
				Severity:  SeverityCritical,
				Category:  CategoryAccountSafety,
				Trigger:   "liquidation_proximity",
				Action:    ActionEscalateToSlowLoop,
				Timestamp: now,
				Details: map[string]interface{}{
					"proximity": proximity,
					"threshold": t.cfg.LiquidationProximityThreshold,
				},
			})
		}
	}
	return events
}

func (t *Tripwire) planInvalidationLocked(state *account.AccountState, activePlan *plan.StrategyPlanCard, now time.Time) []Event {
	if activePlan == nil || activePlan.Status != plan.StatusActive && activePlan.Status != plan.StatusRebalancing {
		return nil
	}
	var events []Event
	for _, raw := range activePlan.ExitRules.InvalidationTriggers {
		pred := ParseTrigger(raw)
		if !pred.Valid() {
			if _, seen := t.badTriggers[raw]; !seen {
				t.badTriggers[raw] = struct{}{}
				t.log.Warn().Str("trigger", raw).Msg("Invalidation trigger outside grammar, will never fire")
			}
			continue
		}
		observed, ok := t.observeLocked(pred.Metric, state)
		if !ok || !pred.Evaluate(observed) {
			continue
		}
		events = append(events, Event{
			Severity:  SeverityWarning,
			Category:  CategoryPlanInvalidation,
			Trigger:   raw,
			Action:    ActionInvalidatePlan,
			Timestamp: now,
			Details: map[string]interface{}{
				"metric":    string(pred.Metric),
				"observed":  observed,
				"threshold": pred.Threshold,
				"plan_id":   activePlan.PlanID,
			},
		})
	}
	return events
}

// observeLocked resolves a predicate metric to a measurement in
// percent. Missing measurements make the predicate unevaluable.
func (t *Tripwire) observeLocked(metric Metric, state *account.AccountState) (float64, bool) {
	switch metric {
	case MetricPositionSize:
		if state == nil || state.PortfolioValue <= 0 {
			return 0, false
		}
		var largest float64
		for _, pos := range state.Positions {
			if n := pos.Notional(); n > largest {
				largest = n
			}
		}
		return largest / state.PortfolioValue * 100, true
	case MetricPnlDrawdown:
		if state == nil || state.PortfolioValue <= 0 {
			return 0, false
		}
		var negativePnl float64
		for _, pos := range state.Positions {
			if pos.UnrealizedPnl < 0 {
				negativePnl += -pos.UnrealizedPnl
			}
		}
		return negativePnl / state.PortfolioValue * 100, true
	case MetricVolatility:
		if t.obs.RealizedVolPct == nil {
			return 0, false
		}
		return *t.obs.RealizedVolPct, true
	case MetricFundingRate:
		if t.obs.AvgFundingRatePct == nil {
			return 0, false
		}
		return *t.obs.AvgFundingRatePct, true
	}
	return 0, false
}

func (t *Tripwire) operationalLocked(state *account.AccountState, now time.Time) []Event {
	var events []Event

	if state != nil {
		age := now.Unix() - state.Timestamp
		if state.IsStale || age > int64(t.cfg.MaxDataStalenessSeconds) {
			events = append(events, Event{
				Severity:  SeverityWarning,
				Category:  CategoryOperational,
				Trigger:   "stale_data",
				Action:    ActionFreezeNewRisk,
				Timestamp: now,
				Details: map[string]interface{}{
					"age_seconds": age,
					"is_stale":    state.IsStale,
				},
			})
		}
	}

	if t.apiFailures >= t.cfg.MaxAPIFailureCount {
		events = append(events, Event{
			Severity:  SeverityCritical,
			Category:  CategoryOperational,
			Trigger:   "api_failure_burst",
			Action:    ActionFreezeNewRisk,
			Timestamp: now,
			Details: map[string]interface{}{
				"failures": t.apiFailures,
				"ceiling":  t.cfg.MaxAPIFailureCount,
			},
		})
	}
	return events
}

var categoryRank = map[Category]int{
	CategoryAccountSafety:    0,
	CategoryPlanInvalidation: 1,
	CategoryOperational:      2,
}

var severityRank = map[Severity]int{
	SeverityCritical: 0,
	SeverityWarning:  1,
}

func sortEvents(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if categoryRank[a.Category] != categoryRank[b.Category] {
			return categoryRank[a.Category] < categoryRank[b.Category]
		}
		return severityRank[a.Severity] < severityRank[b.Severity]
	})
}
