package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFloatUnmarshal(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    float64
		wantErr bool
	}{
		{"quoted number", `"65000.5"`, 65000.5, false},
		{"bare number", `42.25`, 42.25, false},
		{"quoted negative", `"-0.1234"`, -0.1234, false},
		{"empty string", `""`, 0, false},
		{"garbage string", `"abc"`, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f Float
			err := json.Unmarshal([]byte(tt.input), &f)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, float64(f), 1e-12)
		})
	}
}

func TestUserStateDecode(t *testing.T) {
	raw := `{
		"marginSummary": {
			"accountValue": "10000.0",
			"totalNtlPos": "2500.0",
			"totalRawUsd": "7500.0",
			"totalMarginUsed": "500.0"
		},
		"withdrawable": "7000.0",
		"assetPositions": [
			{"coin": "BTC", "szi": "-0.05", "entryPx": "64000", "liquidationPx": "72000"}
		],
		"time": 1700000000000
	}`

	var state UserState
	require.NoError(t, json.Unmarshal([]byte(raw), &state))
	assert.InDelta(t, 10000.0, float64(state.MarginSummary.AccountValue), 1e-9)
	require.Len(t, state.AssetPositions, 1)
	assert.Equal(t, "BTC", state.AssetPositions[0].Coin)
	assert.InDelta(t, -0.05, float64(state.AssetPositions[0].Szi), 1e-9)
}

func TestMockMarketOpenAndClose(t *testing.T) {
	ctx := context.Background()
	ex := NewMockExchange(10000)
	ex.SetMark("BTC", 60000)

	res, err := ex.MarketOpen(ctx, OrderRequest{Coin: "BTC", IsBuy: true, Size: 0.1})
	require.NoError(t, err)
	assert.Equal(t, "filled", res.Status)
	assert.Greater(t, res.AvgPx, 60000.0) // buy pays slippage

	state, err := ex.UserState(ctx)
	require.NoError(t, err)
	require.Len(t, state.AssetPositions, 1)
	assert.InDelta(t, 0.1, float64(state.AssetPositions[0].Szi), 1e-9)

	// full close
	res, err = ex.MarketOpen(ctx, OrderRequest{Coin: "BTC", IsBuy: false, Size: 0.1, ReduceOnly: true})
	require.NoError(t, err)
	assert.Equal(t, "filled", res.Status)

	state, err = ex.UserState(ctx)
	require.NoError(t, err)
	assert.Empty(t, state.AssetPositions)
}

func TestMockReduceOnlyRejectsIncrease(t *testing.T) {
	ctx := context.Background()
	ex := NewMockExchange(10000)

	res, err := ex.MarketOpen(ctx, OrderRequest{Coin: "ETH", IsBuy: true, Size: 1, ReduceOnly: true})
	require.NoError(t, err)
	assert.Equal(t, "error", res.Status)
	assert.Contains(t, res.Error, "reduce-only")
}

func TestMockShortRealizedPnl(t *testing.T) {
	ctx := context.Background()
	ex := NewMockExchange(10000)
	ex.SetMark("SOL", 100)
	ex.slippageBps = 0

	_, err := ex.MarketOpen(ctx, OrderRequest{Coin: "SOL", IsBuy: false, Size: 10})
	require.NoError(t, err)

	// price falls, close the short at a profit
	ex.SetMark("SOL", 90)
	_, err = ex.MarketOpen(ctx, OrderRequest{Coin: "SOL", IsBuy: true, Size: 10, ReduceOnly: true})
	require.NoError(t, err)

	state, err := ex.UserState(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 10100.0, float64(state.MarginSummary.AccountValue), 1e-6)
}

func TestMockTransfer(t *testing.T) {
	ctx := context.Background()
	ex := NewMockExchange(1000)

	require.NoError(t, ex.Transfer(ctx, TransferPerpToSpot, 400))
	spot, err := ex.SpotUserState(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, spot.Balances)
	assert.InDelta(t, 400.0, float64(spot.Balances[0].Total), 1e-9)

	err = ex.Transfer(ctx, TransferPerpToSpot, 10000)
	assert.ErrorContains(t, err, "insufficient perp balance")

	err = ex.Transfer(ctx, TransferSpotToPerp, -5)
	assert.ErrorContains(t, err, "must be positive")
}

func TestMockFailNext(t *testing.T) {
	ctx := context.Background()
	ex := NewMockExchange(1000)
	boom := errors.New("venue down")
	ex.FailNext(boom)

	_, err := ex.MarketOpen(ctx, OrderRequest{Coin: "BTC", IsBuy: true, Size: 0.01})
	assert.ErrorIs(t, err, boom)

	// cleared after one use
	res, err := ex.MarketOpen(ctx, OrderRequest{Coin: "BTC", IsBuy: true, Size: 0.01})
	require.NoError(t, err)
	assert.Equal(t, "filled", res.Status)
}

func TestMockL2Snapshot(t *testing.T) {
	ctx := context.Background()
	ex := NewMockExchange(1000)
	ex.SetMark("BTC", 50000)

	book, err := ex.L2Snapshot(ctx, "BTC")
	require.NoError(t, err)
	require.NotEmpty(t, book.Levels[0])
	require.NotEmpty(t, book.Levels[1])
	assert.Less(t, float64(book.Levels[0][0].Px), float64(book.Levels[1][0].Px))

	_, err = ex.L2Snapshot(ctx, "DOGE")
	assert.ErrorContains(t, err, "unknown coin")
}
