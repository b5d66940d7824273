package processor

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/helmsman/internal/exchange"
)

func TestSMA(t *testing.T) {
	tests := []struct {
		name    string
		closes  []float64
		period  int
		want    float64
		wantErr error
	}{
		{"exact window", []float64{1, 2, 3, 4, 5}, 5, 3, nil},
		{"tail of longer series", []float64{100, 1, 2, 3}, 3, 2, nil},
		{"too short", []float64{1, 2}, 5, 0, ErrInsufficientData},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SMA(tt.closes, tt.period)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestRealizedVolConstantSeries(t *testing.T) {
	closes := []float64{100, 100, 100, 100, 100}
	vol, err := RealizedVol(closes, PeriodsPerYearHourly)
	require.NoError(t, err)
	assert.Zero(t, vol)
}

func TestRealizedVolScalesWithCadence(t *testing.T) {
	closes := []float64{100, 101, 99.5, 102, 100.8, 103, 101.5}
	hourly, err := RealizedVol(closes, PeriodsPerYearHourly)
	require.NoError(t, err)
	daily, err := RealizedVol(closes, PeriodsPerYearDaily)
	require.NoError(t, err)

	// same returns, different annualization factor
	ratio := hourly / daily
	assert.InDelta(t, math.Sqrt(float64(PeriodsPerYearHourly)/float64(PeriodsPerYearDaily)), ratio, 1e-9)
}

func TestRealizedVolRejectsNonPositive(t *testing.T) {
	_, err := RealizedVol([]float64{100, 0, 101}, PeriodsPerYearDaily)
	assert.ErrorContains(t, err, "non-positive price")
}

func TestCorrelation(t *testing.T) {
	a := []float64{100, 102, 101, 105, 103, 108}
	b := make([]float64, len(a))
	for i, v := range a {
		b[i] = v * 2 // perfectly correlated returns
	}
	corr, err := Correlation(a, b)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, corr, 1e-9)

	inv := make([]float64, len(a))
	for i, v := range a {
		inv[i] = 1000 / v
	}
	corr, err = Correlation(a, inv)
	require.NoError(t, err)
	assert.Less(t, corr, -0.99)
}

func TestCorrelationZeroVariance(t *testing.T) {
	_, err := Correlation([]float64{100, 100, 100}, []float64{1, 2, 3})
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestPortfolioBeta(t *testing.T) {
	btc := []float64{100, 104, 102, 107, 105, 110}
	// portfolio that moves half as much in return space
	portfolio := make([]float64, len(btc))
	portfolio[0] = 1000
	for i := 1; i < len(btc); i++ {
		r := math.Log(btc[i] / btc[i-1])
		portfolio[i] = portfolio[i-1] * math.Exp(r/2)
	}
	beta, err := PortfolioBeta(portfolio, btc)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, beta, 1e-6)
}

func TestMaxDrawdown(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		want   float64
	}{
		{"monotonic up", []float64{100, 110, 120}, 0},
		{"single dip", []float64{100, 120, 90, 130}, 0.25},
		{"ends at trough", []float64{100, 80}, 0.2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MaxDrawdown(tt.values)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestPctReturnAndSMADistance(t *testing.T) {
	closes := []float64{100, 105, 110}

	ret, err := PctReturn(closes, 2)
	require.NoError(t, err)
	assert.InDelta(t, 10.0, ret, 1e-9)

	dist, err := SMADistance(closes, 3)
	require.NoError(t, err)
	assert.InDelta(t, (110.0-105.0)/105.0*100, dist, 1e-9)

	_, err = PctReturn(closes, 5)
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestPropagateConfidence(t *testing.T) {
	assert.Equal(t, 0.3, PropagateConfidence(1.0, 0.3, 0.9))
	assert.Equal(t, 1.0, PropagateConfidence())
	assert.Equal(t, 0.0, PropagateConfidence(-0.5))
}

func trendingCandles(n int, drift float64) []exchange.Candle {
	candles := make([]exchange.Candle, n)
	px := 100.0
	for i := range candles {
		px *= 1 + drift
		candles[i] = exchange.Candle{
			Open:  exchange.Float(px * 0.998),
			High:  exchange.Float(px * 1.004),
			Low:   exchange.Float(px * 0.996),
			Close: exchange.Float(px),
		}
	}
	return candles
}

func choppyCandles(n int) []exchange.Candle {
	candles := make([]exchange.Candle, n)
	for i := range candles {
		px := 100.0 + 2*math.Sin(float64(i)*2.1)
		candles[i] = exchange.Candle{
			Open:  exchange.Float(px),
			High:  exchange.Float(px + 1),
			Low:   exchange.Float(px - 1),
			Close: exchange.Float(px),
		}
	}
	return candles
}

func TestADXTrendVsChop(t *testing.T) {
	trending, err := ADX(trendingCandles(80, 0.01), 14)
	require.NoError(t, err)
	choppy, err := ADX(choppyCandles(80), 14)
	require.NoError(t, err)

	assert.Greater(t, trending, 50.0, "steady drift should read as a very strong trend")
	assert.Greater(t, trending, choppy)
	assert.GreaterOrEqual(t, trending, 0.0)
	assert.LessOrEqual(t, trending, 100.0)
}

func TestADXInsufficientData(t *testing.T) {
	_, err := ADX(trendingCandles(20, 0.01), 14)
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestTrendStrength(t *testing.T) {
	assert.Equal(t, "weak", TrendStrength(10))
	assert.Equal(t, "strong", TrendStrength(30))
	assert.Equal(t, "very_strong", TrendStrength(60))
}

func TestHigherHighsLows(t *testing.T) {
	hh, hl, err := HigherHighsLows(trendingCandles(20, 0.01))
	require.NoError(t, err)
	assert.True(t, hh)
	assert.True(t, hl)

	hh, hl, err = HigherHighsLows(trendingCandles(20, -0.01))
	require.NoError(t, err)
	assert.False(t, hh)
	assert.False(t, hl)

	_, _, err = HigherHighsLows(trendingCandles(3, 0.01))
	assert.ErrorIs(t, err, ErrInsufficientData)
}
