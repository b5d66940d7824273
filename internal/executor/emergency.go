package executor

import (
	"context"

	"github.com/quantfold/helmsman/internal/account"
)

// EmergencyReduce market-exits reductionPct of every open position in
// response to CUT_SIZE_TO_FLOOR. Freeze state is ignored since every
// order reduces exposure. Individual failures are logged and skipped;
// the reduction counts as successful if any exit went through (or
// there was nothing to cut).
func (e *Executor) EmergencyReduce(ctx context.Context, state *account.AccountState, reductionPct float64) ([]Result, bool) {
	if state == nil || len(state.Positions) == 0 {
		return nil, true
	}

	results := make([]Result, 0, len(state.Positions))
	succeeded := 0
	for _, pos := range state.Positions {
		cut := Action{
			Type:       ActionClose,
			Coin:       pos.Coin,
			MarketType: pos.MarketType,
			Size:       pos.Size * reductionPct / 100,
			Reason:     "emergency size reduction",
		}
		res, err := e.Execute(ctx, cut, state)
		if err != nil {
			e.log.Error().Err(err).
				Str("coin", pos.Coin).
				Str("market", string(pos.MarketType)).
				Msg("Emergency exit failed, continuing with remaining positions")
			results = append(results, Result{Reason: err.Error()})
			continue
		}
		if res.Success {
			succeeded++
		}
		results = append(results, res)
	}

	e.log.Warn().
		Int("positions", len(state.Positions)).
		Int("exited", succeeded).
		Float64("reduction_pct", reductionPct).
		Msg("Emergency reduction complete")
	return results, succeeded > 0
}
