package processor

import (
	"fmt"
	"math"

	"github.com/quantfold/helmsman/internal/exchange"
)

// ADX computes the Average Directional Index over the candle window
// using the full Wilder definition: smoothed TR and directional
// movement, DX per bar, then Wilder-smoothed DX. The DX-as-ADX
// shortcut is not used; short windows return ErrInsufficientData
// instead of a degraded value.
func ADX(candles []exchange.Candle, period int) (float64, error) {
	if period < 1 {
		return 0, fmt.Errorf("invalid period %d", period)
	}
	n := len(candles)
	// period bars to seed the first smoothed values, another period of
	// DX readings to seed the ADX average
	if n < period*2+1 {
		return 0, fmt.Errorf("%w: need %d candles, have %d", ErrInsufficientData, period*2+1, n)
	}

	high := make([]float64, n)
	low := make([]float64, n)
	closes := make([]float64, n)
	for i, c := range candles {
		high[i] = float64(c.High)
		low[i] = float64(c.Low)
		closes[i] = float64(c.Close)
	}

	tr := make([]float64, n)
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)
	for i := 1; i < n; i++ {
		tr[i] = math.Max(high[i]-low[i],
			math.Max(math.Abs(high[i]-closes[i-1]),
				math.Abs(low[i]-closes[i-1])))

		upMove := high[i] - high[i-1]
		downMove := low[i-1] - low[i]
		if upMove > downMove && upMove > 0 {
			plusDM[i] = upMove
		}
		if downMove > upMove && downMove > 0 {
			minusDM[i] = downMove
		}
	}

	smoothTR := smoothWilder(tr, period)
	smoothPlus := smoothWilder(plusDM, period)
	smoothMinus := smoothWilder(minusDM, period)

	dx := make([]float64, 0, n)
	for i := period; i < n; i++ {
		if smoothTR[i] == 0 {
			dx = append(dx, 0)
			continue
		}
		plusDI := 100 * smoothPlus[i] / smoothTR[i]
		minusDI := 100 * smoothMinus[i] / smoothTR[i]
		sum := plusDI + minusDI
		if sum == 0 {
			dx = append(dx, 0)
			continue
		}
		dx = append(dx, 100*math.Abs(plusDI-minusDI)/sum)
	}
	if len(dx) < period {
		return 0, fmt.Errorf("%w: only %d DX readings for period %d", ErrInsufficientData, len(dx), period)
	}

	// seed ADX with the mean of the first period DX values, then
	// continue with Wilder smoothing
	adx := 0.0
	for i := 0; i < period; i++ {
		adx += dx[i]
	}
	adx /= float64(period)
	for i := period; i < len(dx); i++ {
		adx = (adx*float64(period-1) + dx[i]) / float64(period)
	}
	return adx, nil
}

// smoothWilder applies Wilder's smoothing: a simple sum over the first
// period, then prev - prev/period + current.
func smoothWilder(values []float64, period int) []float64 {
	n := len(values)
	smoothed := make([]float64, n)
	if n <= period {
		return smoothed
	}

	sum := 0.0
	for i := 1; i <= period; i++ {
		sum += values[i]
	}
	smoothed[period] = sum
	for i := period + 1; i < n; i++ {
		smoothed[i] = smoothed[i-1] - smoothed[i-1]/float64(period) + values[i]
	}
	return smoothed
}

// TrendStrength buckets an ADX reading the way chartists read it
func TrendStrength(adx float64) string {
	switch {
	case adx >= 50:
		return "very_strong"
	case adx >= 25:
		return "strong"
	default:
		return "weak"
	}
}
