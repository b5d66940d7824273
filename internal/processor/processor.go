// Package processor holds the pure derived-metric functions. Nothing
// here suspends or touches I/O; every function is deterministic over
// its inputs.
package processor

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/quantfold/helmsman/internal/exchange"
)

// ErrInsufficientData marks a metric that cannot be computed from the
// window given. Callers must treat it as a missing field, not a zero.
var ErrInsufficientData = errors.New("insufficient data for metric")

// Annualization factors for realized volatility
const (
	PeriodsPerYearHourly = 24 * 365
	PeriodsPerYearDaily  = 365
	PeriodsPerYearWeekly = 52
)

// Metric pairs a derived value with the confidence inherited from its
// inputs.
type Metric struct {
	Value      float64 `json:"value"`
	Confidence float64 `json:"confidence"`
}

// PropagateConfidence caps an output confidence at the weakest input
func PropagateConfidence(inputs ...float64) float64 {
	conf := 1.0
	for _, c := range inputs {
		if c < conf {
			conf = c
		}
	}
	if conf < 0 {
		return 0
	}
	return conf
}

// SMA returns the arithmetic mean of the last period closes
func SMA(closes []float64, period int) (float64, error) {
	if period < 1 {
		return 0, fmt.Errorf("invalid period %d", period)
	}
	if len(closes) < period {
		return 0, fmt.Errorf("%w: need %d closes, have %d", ErrInsufficientData, period, len(closes))
	}
	window := closes[len(closes)-period:]
	return stat.Mean(window, nil), nil
}

// LogReturns converts a price series into log returns. Non-positive
// prices make the series unusable.
func LogReturns(prices []float64) ([]float64, error) {
	if len(prices) < 2 {
		return nil, fmt.Errorf("%w: need at least 2 prices, have %d", ErrInsufficientData, len(prices))
	}
	returns := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] <= 0 || prices[i] <= 0 {
			return nil, fmt.Errorf("non-positive price at index %d", i)
		}
		returns = append(returns, math.Log(prices[i]/prices[i-1]))
	}
	return returns, nil
}

// RealizedVol is the annualized standard deviation of log returns.
// periodsPerYear selects the sampling cadence (PeriodsPerYearHourly
// for hourly closes, and so on).
func RealizedVol(closes []float64, periodsPerYear float64) (float64, error) {
	returns, err := LogReturns(closes)
	if err != nil {
		return 0, err
	}
	if len(returns) < 2 {
		return 0, fmt.Errorf("%w: need at least 2 returns", ErrInsufficientData)
	}
	sd := stat.StdDev(returns, nil)
	return sd * math.Sqrt(periodsPerYear), nil
}

// Correlation is the Pearson correlation of the two price series'
// returns, clamped to [-1, 1].
func Correlation(a, b []float64) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("series length mismatch: %d vs %d", len(a), len(b))
	}
	ra, err := LogReturns(a)
	if err != nil {
		return 0, err
	}
	rb, err := LogReturns(b)
	if err != nil {
		return 0, err
	}
	if len(ra) < 2 {
		return 0, fmt.Errorf("%w: need at least 2 returns", ErrInsufficientData)
	}
	corr := stat.Correlation(ra, rb, nil)
	if math.IsNaN(corr) {
		return 0, fmt.Errorf("%w: zero-variance series", ErrInsufficientData)
	}
	return clamp(corr, -1, 1), nil
}

// PortfolioBeta regresses portfolio returns against BTC returns:
// cov(p, btc) / var(btc).
func PortfolioBeta(portfolio, btc []float64) (float64, error) {
	if len(portfolio) != len(btc) {
		return 0, fmt.Errorf("series length mismatch: %d vs %d", len(portfolio), len(btc))
	}
	rp, err := LogReturns(portfolio)
	if err != nil {
		return 0, err
	}
	rb, err := LogReturns(btc)
	if err != nil {
		return 0, err
	}
	if len(rb) < 2 {
		return 0, fmt.Errorf("%w: need at least 2 returns", ErrInsufficientData)
	}
	variance := stat.Variance(rb, nil)
	if variance == 0 {
		return 0, fmt.Errorf("%w: benchmark has zero variance", ErrInsufficientData)
	}
	cov := stat.Covariance(rp, rb, nil)
	return cov / variance, nil
}

// MaxDrawdown is the largest peak-to-trough decline as a fraction of
// the running peak.
func MaxDrawdown(values []float64) (float64, error) {
	if len(values) == 0 {
		return 0, fmt.Errorf("%w: empty series", ErrInsufficientData)
	}
	peak := values[0]
	maxDD := 0.0
	for _, v := range values {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			dd := (peak - v) / peak
			if dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD, nil
}

// PctReturn is the simple percentage return over the last n bars
func PctReturn(closes []float64, n int) (float64, error) {
	if len(closes) < n+1 {
		return 0, fmt.Errorf("%w: need %d closes, have %d", ErrInsufficientData, n+1, len(closes))
	}
	base := closes[len(closes)-1-n]
	if base == 0 {
		return 0, fmt.Errorf("zero base price")
	}
	return (closes[len(closes)-1] - base) / base * 100, nil
}

// SMADistance is the percent distance of the last close from its SMA
func SMADistance(closes []float64, period int) (float64, error) {
	sma, err := SMA(closes, period)
	if err != nil {
		return 0, err
	}
	if sma == 0 {
		return 0, fmt.Errorf("zero SMA")
	}
	return (closes[len(closes)-1] - sma) / sma * 100, nil
}

// HigherHighsLows reports whether the most recent half of the candle
// window prints a higher high and a higher low than the earlier half.
func HigherHighsLows(candles []exchange.Candle) (higherHigh, higherLow bool, err error) {
	if len(candles) < 4 {
		return false, false, fmt.Errorf("%w: need at least 4 candles, have %d", ErrInsufficientData, len(candles))
	}
	mid := len(candles) / 2
	firstHigh, firstLow := extremes(candles[:mid])
	lastHigh, lastLow := extremes(candles[mid:])
	return lastHigh > firstHigh, lastLow > firstLow, nil
}

func extremes(candles []exchange.Candle) (high, low float64) {
	high = math.Inf(-1)
	low = math.Inf(1)
	for _, c := range candles {
		if float64(c.High) > high {
			high = float64(c.High)
		}
		if float64(c.Low) < low {
			low = float64(c.Low)
		}
	}
	return high, low
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
