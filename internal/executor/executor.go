// Package executor turns plan targets and override actions into venue
// orders: validation, decimal size rounding, freeze semantics, funding
// transfers, and emergency reduction.
package executor

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantfold/helmsman/internal/account"
	"github.com/quantfold/helmsman/internal/config"
	"github.com/quantfold/helmsman/internal/exchange"
	"github.com/quantfold/helmsman/internal/metrics"
)

type ActionType string

const (
	ActionBuy      ActionType = "buy"
	ActionSell     ActionType = "sell"
	ActionHold     ActionType = "hold"
	ActionClose    ActionType = "close"
	ActionTransfer ActionType = "transfer"
)

// Action is one unit of work for the executor.
type Action struct {
	Type       ActionType
	Coin       string
	MarketType account.MarketType
	Size       float64
	Price      *float64 // nil places a market order
	Reason     string

	// transfer fields
	Direction exchange.TransferDirection
	AmountUSD float64
}

// Result reports what happened to one action. Skipped actions carry a
// reason and are not errors.
type Result struct {
	Success  bool    `json:"success"`
	Skipped  bool    `json:"skipped,omitempty"`
	Reason   string  `json:"reason,omitempty"`
	OrderID  string  `json:"order_id,omitempty"`
	FilledSz float64 `json:"filled_sz,omitempty"`
	AvgPx    float64 `json:"avg_px,omitempty"`
}

// TradeRecorder receives completed round trips for scoring. Only
// exits are reported since a win is unknowable before the position
// unwinds.
type TradeRecorder interface {
	RecordTrade(winning bool, slippageBps float64)
}

// Executor is the only component that talks to the venue's write API.
type Executor struct {
	ex       exchange.Exchange
	registry *account.AssetIdentityRegistry
	risk     config.RiskConfig
	log      zerolog.Logger
	recorder TradeRecorder

	frozen atomic.Bool
}

func New(ex exchange.Exchange, registry *account.AssetIdentityRegistry, risk config.RiskConfig) *Executor {
	return &Executor{
		ex:       ex,
		registry: registry,
		risk:     risk,
		log:      config.NewLogger("executor"),
	}
}

// SetFrozen toggles FREEZE_NEW_RISK mode: risk-increasing orders are
// skipped, exits and transfers still go through.
func (e *Executor) SetFrozen(frozen bool) {
	was := e.frozen.Swap(frozen)
	if was != frozen {
		e.log.Warn().Bool("frozen", frozen).Msg("Freeze state changed")
	}
}

func (e *Executor) Frozen() bool { return e.frozen.Load() }

// SetRecorder wires the scorekeeper in. Optional.
func (e *Executor) SetRecorder(r TradeRecorder) { e.recorder = r }

// validate applies the pre-trade checks. It does not touch the venue.
func validate(a Action) error {
	switch a.Type {
	case ActionBuy, ActionSell, ActionClose:
		if a.Coin == "" {
			return fmt.Errorf("action %s missing coin", a.Type)
		}
		if a.MarketType != account.MarketSpot && a.MarketType != account.MarketPerp {
			return fmt.Errorf("invalid market type %q", a.MarketType)
		}
		if a.Size <= 0 {
			return fmt.Errorf("action %s requires size > 0", a.Type)
		}
	case ActionHold:
	case ActionTransfer:
		if a.AmountUSD <= 0 {
			return fmt.Errorf("transfer requires amount > 0")
		}
		if a.Direction != exchange.TransferPerpToSpot && a.Direction != exchange.TransferSpotToPerp {
			return fmt.Errorf("invalid transfer direction %q", a.Direction)
		}
	default:
		return fmt.Errorf("unrecognized action type %q", a.Type)
	}
	return nil
}

// roundSize rounds a size down to the venue's precision using decimal
// arithmetic so binary float noise never produces an oversized order.
func (e *Executor) roundSize(coin string, market account.MarketType, size float64) (float64, error) {
	dp, err := e.registry.SzDecimals(coin, market)
	if err != nil {
		return 0, err
	}
	rounded := decimal.NewFromFloat(size).RoundDown(int32(dp))
	return rounded.InexactFloat64(), nil
}

// riskIncreasing reports whether the order grows gross exposure given
// current positions. Exits, closes, and transfers never do.
func riskIncreasing(a Action, state *account.AccountState) bool {
	switch a.Type {
	case ActionHold, ActionClose, ActionTransfer:
		return false
	}
	if a.MarketType == account.MarketSpot {
		return a.Type == ActionBuy
	}
	if state == nil {
		return true
	}
	pos, ok := state.Position(a.Coin, account.MarketPerp)
	if !ok {
		return true
	}
	if pos.Direction == "long" && a.Type == ActionSell && a.Size <= pos.Size {
		return false
	}
	if pos.Direction == "short" && a.Type == ActionBuy && a.Size <= pos.Size {
		return false
	}
	return true
}

// Execute runs one action against the venue. The account snapshot is
// used for freeze classification and close sizing; it is not mutated.
func (e *Executor) Execute(ctx context.Context, a Action, state *account.AccountState) (Result, error) {
	if err := validate(a); err != nil {
		return Result{}, err
	}

	switch a.Type {
	case ActionHold:
		return Result{Success: true, Reason: a.Reason}, nil
	case ActionTransfer:
		return e.executeTransfer(ctx, a, state)
	}

	if e.frozen.Load() && riskIncreasing(a, state) {
		e.log.Warn().
			Str("action", string(a.Type)).
			Str("coin", a.Coin).
			Msg("Order skipped: new risk frozen")
		return Result{Skipped: true, Reason: "new risk frozen"}, nil
	}

	size, err := e.roundSize(a.Coin, a.MarketType, a.Size)
	if err != nil {
		return Result{}, fmt.Errorf("size rounding: %w", err)
	}
	if size <= 0 {
		return Result{Skipped: true, Reason: "size rounds to zero at venue precision"}, nil
	}

	req := exchange.OrderRequest{
		Coin:   a.Coin,
		Size:   size,
		IsSpot: a.MarketType == account.MarketSpot,
	}

	var res *exchange.OrderResult
	switch a.Type {
	case ActionClose:
		pos, ok := state.Position(a.Coin, a.MarketType)
		if !ok {
			return Result{Skipped: true, Reason: "no position to close"}, nil
		}
		req.IsBuy = pos.Direction == "short"
		if a.MarketType == account.MarketSpot {
			req.IsBuy = false
		}
		req.ReduceOnly = a.MarketType == account.MarketPerp
		res, err = e.ex.MarketOpen(ctx, req)
	case ActionBuy, ActionSell:
		req.IsBuy = a.Type == ActionBuy
		if a.Price != nil {
			px := *a.Price
			req.LimitPx = &px
			res, err = e.ex.Order(ctx, req)
		} else {
			res, err = e.ex.MarketOpen(ctx, req)
		}
	}
	if err != nil {
		return Result{}, fmt.Errorf("order %s %s: %w", a.Type, a.Coin, err)
	}
	if res.Status == "error" {
		return Result{}, fmt.Errorf("order %s %s rejected: %s", a.Type, a.Coin, res.Error)
	}

	metrics.OrdersPlaced.WithLabelValues(string(a.Type), res.Status).Inc()
	e.recordExit(a, state, res)
	e.log.Info().
		Str("action", string(a.Type)).
		Str("coin", a.Coin).
		Str("market", string(a.MarketType)).
		Float64("size", size).
		Str("order_id", res.OrderID).
		Str("status", res.Status).
		Msg("Order placed")
	return Result{
		Success:  true,
		OrderID:  res.OrderID,
		FilledSz: res.FilledSz,
		AvgPx:    res.AvgPx,
	}, nil
}

// recordExit reports a filled position-reducing order to the trade
// recorder: the win is the sign of the realized PnL against entry,
// slippage is the fill's distance from the pre-trade mark.
func (e *Executor) recordExit(a Action, state *account.AccountState, res *exchange.OrderResult) {
	if e.recorder == nil || res.FilledSz <= 0 || state == nil {
		return
	}
	pos, ok := state.Position(a.Coin, a.MarketType)
	if !ok || riskIncreasing(a, state) || pos.EntryPrice <= 0 {
		return
	}
	dir := 1.0
	if pos.Direction == "short" {
		dir = -1
	}
	winning := (res.AvgPx-pos.EntryPrice)*dir > 0

	slippageBps := 0.0
	if pos.CurrentPrice > 0 && res.AvgPx > 0 {
		// exits sell into the book for longs and buy it back for
		// shorts; either way a worse fill costs dir*(mark - fill)
		slippageBps = (pos.CurrentPrice - res.AvgPx) / pos.CurrentPrice * 10_000 * dir
	}
	e.recorder.RecordTrade(winning, slippageBps)
}

func (e *Executor) executeTransfer(ctx context.Context, a Action, state *account.AccountState) (Result, error) {
	amount, err := e.ClampTransfer(state, a.Direction, a.AmountUSD)
	if err != nil {
		return Result{Skipped: true, Reason: err.Error()}, nil
	}
	if err := e.ex.Transfer(ctx, a.Direction, amount); err != nil {
		return Result{}, fmt.Errorf("transfer %s $%.2f: %w", a.Direction, amount, err)
	}
	e.log.Info().
		Str("direction", string(a.Direction)).
		Float64("requested_usd", a.AmountUSD).
		Float64("transferred_usd", amount).
		Msg("Wallet transfer executed")
	return Result{Success: true}, nil
}
