package executor

import (
	"context"
	"math"
	"sort"

	"github.com/quantfold/helmsman/internal/account"
	"github.com/quantfold/helmsman/internal/exchange"
	"github.com/quantfold/helmsman/internal/plan"
)

// BuildActions computes the orders that move current holdings toward
// the target allocations. Deltas below the minimum notional are left
// alone. Sells come before buys so exits release collateral first.
func (e *Executor) BuildActions(state *account.AccountState, targets []plan.Allocation, prices map[string]float64) []Action {
	if state == nil || state.PortfolioValue <= 0 {
		return nil
	}

	var sells, buys []Action
	seen := map[string]bool{}
	for _, target := range targets {
		market := account.MarketType(target.MarketType)
		seen[target.Coin+"/"+target.MarketType] = true

		px, ok := prices[target.Coin]
		if !ok || px <= 0 {
			continue
		}
		targetUSD := state.PortfolioValue * target.TargetPct / 100
		currentUSD := 0.0
		if pos, found := state.Position(target.Coin, market); found {
			currentUSD = pos.Notional()
			if pos.Direction == "short" {
				currentUSD = -currentUSD
			}
		}
		deltaUSD := targetUSD - currentUSD
		if math.Abs(deltaUSD) < e.risk.MinOrderNotionalUSD {
			continue
		}

		a := Action{
			Coin:       target.Coin,
			MarketType: market,
			Size:       math.Abs(deltaUSD) / px,
			Reason:     "tracking plan targets",
		}
		if deltaUSD > 0 {
			a.Type = ActionBuy
			buys = append(buys, a)
		} else {
			a.Type = ActionSell
			sells = append(sells, a)
		}
	}

	// positions with no allocation in the plan are closed out
	for _, pos := range state.Positions {
		key := pos.Coin + "/" + string(pos.MarketType)
		if seen[key] || pos.Notional() < e.risk.MinOrderNotionalUSD {
			continue
		}
		sells = append(sells, Action{
			Type:       ActionClose,
			Coin:       pos.Coin,
			MarketType: pos.MarketType,
			Size:       pos.Size,
			Reason:     "position absent from plan targets",
		})
	}

	sort.SliceStable(sells, func(i, j int) bool { return sells[i].Coin < sells[j].Coin })
	sort.SliceStable(buys, func(i, j int) bool { return buys[i].Coin < buys[j].Coin })
	return append(sells, buys...)
}

// ExecuteToward runs the full trade cycle for one set of targets:
// build actions, plan spot funding, insert the transfer, then execute
// in order. Individual failures are logged and do not stop the batch.
func (e *Executor) ExecuteToward(ctx context.Context, state *account.AccountState, targets []plan.Allocation, prices map[string]float64) []Result {
	actions := e.BuildActions(state, targets, prices)
	if len(actions) == 0 {
		return nil
	}

	var spotBuys []Action
	spotBuyIdx := map[int]int{} // action index -> spot buy index
	for i, a := range actions {
		if a.Type == ActionBuy && a.MarketType == account.MarketSpot {
			spotBuyIdx[i] = len(spotBuys)
			spotBuys = append(spotBuys, a)
		}
	}
	funding := e.PlanFunding(state, spotBuys, prices)
	if e.risk.AutoTransfer && funding.TransferToSpotUSD > 0 {
		transfer := Action{
			Type:      ActionTransfer,
			Direction: exchange.TransferPerpToSpot,
			AmountUSD: funding.TransferToSpotUSD,
			Reason:    "funding spot buys",
		}
		if res, err := e.Execute(ctx, transfer, state); err != nil {
			e.log.Error().Err(err).Msg("Funding transfer failed, spot buys may be skipped")
		} else if res.Skipped {
			e.log.Warn().Str("reason", res.Reason).Msg("Funding transfer skipped")
		}
	}

	results := make([]Result, 0, len(actions))
	for i, a := range actions {
		if buyIdx, isSpotBuy := spotBuyIdx[i]; isSpotBuy {
			if reason, skipped := funding.SkippedBuys[buyIdx]; skipped {
				e.log.Warn().Str("coin", a.Coin).Str("reason", reason).Msg("Spot buy skipped")
				results = append(results, Result{Skipped: true, Reason: reason})
				continue
			}
		}
		res, err := e.Execute(ctx, a, state)
		if err != nil {
			e.log.Error().Err(err).Str("coin", a.Coin).Str("action", string(a.Type)).Msg("Order failed")
			results = append(results, Result{Reason: err.Error()})
			continue
		}
		results = append(results, res)
	}
	return results
}
