package regime

import (
	"context"
	"time"
)

// Regime labels the market environment
type Regime string

const (
	TrendingBull  Regime = "trending-bull"
	TrendingBear  Regime = "trending-bear"
	RangeBound    Regime = "range-bound"
	CarryFriendly Regime = "carry-friendly"
	EventRisk     Regime = "event-risk"
	Unknown       Regime = "unknown"
)

// Valid reports whether r is a known regime label
func (r Regime) Valid() bool {
	switch r {
	case TrendingBull, TrendingBear, RangeBound, CarryFriendly, EventRisk, Unknown:
		return true
	}
	return false
}

// Signals is the input bundle for regime classification. Optional
// fields are pointers; nil means the upstream could not produce them.
type Signals struct {
	Return1dPct  *float64 `json:"return_1d_pct,omitempty"`
	Return7dPct  *float64 `json:"return_7d_pct,omitempty"`
	Return30dPct *float64 `json:"return_30d_pct,omitempty"`
	Return90dPct *float64 `json:"return_90d_pct,omitempty"`

	SMA20DistancePct *float64 `json:"sma20_distance_pct,omitempty"`
	SMA50DistancePct *float64 `json:"sma50_distance_pct,omitempty"`
	HigherHighs      *bool    `json:"higher_highs,omitempty"`
	HigherLows       *bool    `json:"higher_lows,omitempty"`

	ADX            *float64 `json:"adx,omitempty"`
	RealizedVol24h *float64 `json:"realized_vol_24h,omitempty"`
	AvgFundingRate *float64 `json:"avg_funding_rate,omitempty"`

	BidAskSpreadBps       *float64 `json:"bid_ask_spread_bps,omitempty"`
	OrderBookDepthUSD     *float64 `json:"order_book_depth_usd,omitempty"`
	CrossAssetCorrelation *float64 `json:"cross_asset_correlation,omitempty"`

	MacroRiskScore *float64 `json:"macro_risk_score,omitempty"`
	SentimentIndex *float64 `json:"sentiment_index,omitempty"`

	Confidence float64 `json:"confidence"`
}

// Classification is one regime reading
type Classification struct {
	Regime     Regime    `json:"regime"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
	Signals    Signals   `json:"signals"`
	Reasoning  string    `json:"reasoning"`
}

// Classifier is the oracle surface the detector consumes
type Classifier interface {
	ClassifyRegime(ctx context.Context, signals Signals) (*Classification, error)
}
