package executor

import (
	"fmt"
	"math"

	"github.com/quantfold/helmsman/internal/account"
	"github.com/quantfold/helmsman/internal/exchange"
)

// FundingPlan is the transfer the planner wants executed before a
// batch of spot buys, plus the buys it could not fund.
type FundingPlan struct {
	TransferToSpotUSD float64
	SkippedBuys       map[int]string // index into the buy slice
}

// perpFloor is the USDC the perp wallet must retain: the configured
// fraction of initial margin, never below the absolute minimum.
func (e *Executor) perpFloor(state *account.AccountState) float64 {
	floor := e.risk.TargetInitialMarginRatio * state.TotalInitialMargin
	if floor < e.risk.MinPerpBalanceUSD {
		floor = e.risk.MinPerpBalanceUSD
	}
	return floor
}

// safeTransferable is how much the perp wallet can give up without
// breaching its floor.
func (e *Executor) safeTransferable(state *account.AccountState) float64 {
	return math.Max(0, state.AvailableBalance-e.perpFloor(state))
}

// spotExcess is the spot USDC above the configured buffer.
func (e *Executor) spotExcess(state *account.AccountState) float64 {
	return math.Max(0, state.SpotBalances["USDC"]-e.risk.TargetSpotUSDCBufferUSD)
}

// PlanFunding decides, before executing spot buys, how much USDC to
// pull from the perp wallet and which buys cannot be funded at all.
// Buys are funded greedily in order; each needs a price to cost it.
func (e *Executor) PlanFunding(state *account.AccountState, buys []Action, prices map[string]float64) FundingPlan {
	plan := FundingPlan{SkippedBuys: map[int]string{}}
	if state == nil {
		for i := range buys {
			plan.SkippedBuys[i] = "no account snapshot"
		}
		return plan
	}

	spotFree := state.SpotBalances["USDC"] - e.risk.TargetSpotUSDCBufferUSD
	budget := spotFree + e.safeTransferable(state)

	var fundedCost float64
	for i, buy := range buys {
		if buy.Type != ActionBuy || buy.MarketType != account.MarketSpot {
			continue
		}
		px, ok := prices[buy.Coin]
		if buy.Price != nil {
			px, ok = *buy.Price, true
		}
		if !ok || px <= 0 {
			plan.SkippedBuys[i] = fmt.Sprintf("no price for %s, cannot cost the buy", buy.Coin)
			continue
		}
		cost := buy.Size * px
		if fundedCost+cost > budget {
			plan.SkippedBuys[i] = fmt.Sprintf(
				"insufficient USDC: need $%.2f, $%.2f fundable after perp floor and spot buffer",
				cost, math.Max(0, budget-fundedCost))
			continue
		}
		fundedCost += cost
	}

	if fundedCost > spotFree {
		plan.TransferToSpotUSD = math.Min(fundedCost-spotFree, e.safeTransferable(state))
	}
	return plan
}

// ClampTransfer bounds a proposed cross-wallet transfer by the safety
// rules: perp-to-spot is clamped to the safe transferable amount,
// spot-to-perp to the spot excess above the buffer. Requests with no
// headroom at all are rejected.
func (e *Executor) ClampTransfer(state *account.AccountState, direction exchange.TransferDirection, usd float64) (float64, error) {
	if state == nil {
		return 0, fmt.Errorf("no account snapshot")
	}
	switch direction {
	case exchange.TransferPerpToSpot:
		safe := e.safeTransferable(state)
		if safe <= 0 {
			return 0, fmt.Errorf("transfer of $%.2f would breach the perp safety floor ($%.2f)", usd, e.perpFloor(state))
		}
		return math.Min(usd, safe), nil
	case exchange.TransferSpotToPerp:
		excess := e.spotExcess(state)
		if excess <= 0 {
			return 0, fmt.Errorf("transfer of $%.2f exceeds spot USDC above the $%.2f buffer", usd, e.risk.TargetSpotUSDCBufferUSD)
		}
		return math.Min(usd, excess), nil
	}
	return 0, fmt.Errorf("invalid transfer direction %q", direction)
}
