package scorekeeper

import (
	"sort"

	"github.com/quantfold/helmsman/internal/plan"
)

// ShadowPortfolio paper-trades a competing strategy. Units are fixed
// at creation from the allocation targets and entry prices, so value
// moves only with marks.
type ShadowPortfolio struct {
	Name         string             `json:"name"`
	StartValue   float64            `json:"start_value"`
	CurrentValue float64            `json:"current_value"`
	CashUSD      float64            `json:"cash_usd"`
	Units        map[string]float64 `json:"units"`
}

// PnlBps is the shadow's return since creation in basis points.
func (sp *ShadowPortfolio) PnlBps() float64 {
	if sp.StartValue <= 0 {
		return 0
	}
	return (sp.CurrentValue - sp.StartValue) / sp.StartValue * 10_000
}

// TrackShadow registers (or replaces) a paper portfolio sized off the
// given allocations at current prices. Coins without a price are left
// in cash.
func (s *Scorekeeper) TrackShadow(name string, allocations []plan.Allocation, prices map[string]float64, portfolioValue float64) {
	sp := &ShadowPortfolio{
		Name:         name,
		StartValue:   portfolioValue,
		CurrentValue: portfolioValue,
		CashUSD:      portfolioValue,
		Units:        map[string]float64{},
	}
	for _, a := range allocations {
		px, ok := prices[a.Coin]
		if !ok || px <= 0 {
			continue
		}
		usd := portfolioValue * a.TargetPct / 100
		sp.Units[a.Coin] += usd / px
		sp.CashUSD -= usd
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.shadows[name] = sp
	s.log.Debug().Str("shadow", name).Float64("start_value", portfolioValue).Msg("Shadow portfolio tracked")
}

// DropShadow removes a paper portfolio.
func (s *Scorekeeper) DropShadow(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.shadows, name)
}

// MarkShadows revalues every shadow at the given prices. Coins missing
// from the map contribute nothing this mark, so callers should pass a
// full price map.
func (s *Scorekeeper) MarkShadows(prices map[string]float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sp := range s.shadows {
		value := sp.CashUSD
		for coin, units := range sp.Units {
			if px, ok := prices[coin]; ok && px > 0 {
				value += units * px
			}
		}
		sp.CurrentValue = value
	}
}

// Shadows returns copies of the tracked portfolios, sorted by name.
func (s *Scorekeeper) Shadows() []ShadowPortfolio {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ShadowPortfolio, 0, len(s.shadows))
	for _, sp := range s.shadows {
		cp := *sp
		cp.Units = make(map[string]float64, len(sp.Units))
		for k, v := range sp.Units {
			cp.Units[k] = v
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// OpportunityCostBps estimates what staying on the active plan is
// leaving on the table: the best shadow's return minus the active
// plan's return over the same window. Negative when the active plan is
// winning; the governor floors it at zero.
func (s *Scorekeeper) OpportunityCostBps(active *plan.StrategyPlanCard) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.shadows) == 0 {
		return 0
	}

	best := 0.0
	first := true
	for _, sp := range s.shadows {
		if first || sp.PnlBps() > best {
			best = sp.PnlBps()
			first = false
		}
	}

	activeBps := 0.0
	if s.active != nil && active != nil && s.active.PlanID == active.PlanID {
		activeBps = s.active.PnlPct * 100
	}
	return best - activeBps
}
