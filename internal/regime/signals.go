package regime

import (
	"math"

	"github.com/quantfold/helmsman/internal/exchange"
	"github.com/quantfold/helmsman/internal/processor"
	"github.com/quantfold/helmsman/internal/signals"
)

// benchmark anchors the classification; derived metrics come from its
// candle window
const benchmark = "BTC"

// DeriveSignals turns a medium signal bundle into the classification
// input. Fields whose inputs are missing stay nil; the overall
// confidence is the weakest present input.
func DeriveSignals(medium, fast *signals.SignalBundle) Signals {
	out := Signals{Confidence: 1.0}
	confs := []float64{}

	if medium != nil {
		if series, ok := medium.Candles[benchmark]; ok && len(series.Candles) > 0 {
			confs = append(confs, series.Confidence)
			closes := make([]float64, len(series.Candles))
			for i, c := range series.Candles {
				closes[i] = float64(c.Close)
			}
			fillReturns(&out, closes)
			fillTrend(&out, closes, series.Candles)
		}
		if medium.Sentiment != nil {
			out.SentimentIndex = ptr(medium.Sentiment.Value)
			confs = append(confs, medium.Sentiment.Confidence)
		}
	}

	if fast != nil {
		if avg, conf, ok := averageScalar(fast.Funding); ok {
			out.AvgFundingRate = ptr(avg)
			confs = append(confs, conf)
		}
		if s, ok := fast.SpreadBps[benchmark]; ok {
			out.BidAskSpreadBps = ptr(s.Value)
			confs = append(confs, s.Confidence)
		}
		if d, ok := fast.DepthUSD[benchmark]; ok {
			out.OrderBookDepthUSD = ptr(d.Value)
			confs = append(confs, d.Confidence)
		}
	}

	out.Confidence = processor.PropagateConfidence(confs...)
	if len(confs) == 0 {
		out.Confidence = 0
	}
	return out
}

// AttachSlow folds slow-bundle fields (macro risk, cross-asset
// correlation) into an already derived signal set
func AttachSlow(sig *Signals, slow *signals.SignalBundle) {
	if slow == nil {
		return
	}
	if slow.MacroRisk != nil {
		sig.MacroRiskScore = ptr(slow.MacroRisk.Value)
		sig.Confidence = processor.PropagateConfidence(sig.Confidence, slow.MacroRisk.Confidence)
	}
}

// fillReturns computes the multi-timeframe returns available from an
// hourly close series
func fillReturns(out *Signals, closes []float64) {
	windows := []struct {
		hours int
		dest  **float64
	}{
		{24, &out.Return1dPct},
		{24 * 7, &out.Return7dPct},
		{24 * 30, &out.Return30dPct},
		{24 * 90, &out.Return90dPct},
	}
	for _, w := range windows {
		if r, err := processor.PctReturn(closes, w.hours); err == nil {
			*w.dest = ptr(r)
		}
	}
}

// fillTrend computes SMA distances, structure booleans, trend
// strength, and realized vol
func fillTrend(out *Signals, closes []float64, candles []exchange.Candle) {
	if d, err := processor.SMADistance(closes, 20); err == nil {
		out.SMA20DistancePct = ptr(d)
	}
	if d, err := processor.SMADistance(closes, 50); err == nil {
		out.SMA50DistancePct = ptr(d)
	}
	if hh, hl, err := processor.HigherHighsLows(candles); err == nil {
		out.HigherHighs = ptr(hh)
		out.HigherLows = ptr(hl)
	}
	if adx, err := processor.ADX(candles, 14); err == nil {
		out.ADX = ptr(adx)
	}
	window := closes
	if len(window) > 25 {
		window = window[len(window)-25:]
	}
	if vol, err := processor.RealizedVol(window, processor.PeriodsPerYearHourly); err == nil {
		out.RealizedVol24h = ptr(vol)
	}
}

func averageScalar(m map[string]signals.Scalar) (avg, conf float64, ok bool) {
	if len(m) == 0 {
		return 0, 0, false
	}
	conf = math.Inf(1)
	for _, s := range m {
		avg += s.Value
		if s.Confidence < conf {
			conf = s.Confidence
		}
	}
	return avg / float64(len(m)), conf, true
}

func ptr[T any](v T) *T { return &v }
