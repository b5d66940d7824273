package exchange

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Float accepts the venue's habit of encoding numbers as JSON strings
type Float float64

// UnmarshalJSON parses either a bare number or a quoted decimal string
func (f *Float) UnmarshalJSON(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("empty numeric field")
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*f = 0
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("invalid numeric string %q: %w", s, err)
		}
		*f = Float(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = Float(v)
	return nil
}

// MarshalJSON renders the value as a plain number
func (f Float) MarshalJSON() ([]byte, error) {
	return json.Marshal(float64(f))
}

// MarginSummary describes the perp wallet's margin usage
type MarginSummary struct {
	AccountValue    Float `json:"accountValue"`
	TotalNtlPos     Float `json:"totalNtlPos"`
	TotalRawUsd     Float `json:"totalRawUsd"`
	TotalMarginUsed Float `json:"totalMarginUsed"`
}

// AssetPosition is one open perp position as reported by the venue.
// Szi is signed: negative means short.
type AssetPosition struct {
	Coin           string `json:"coin"`
	Szi            Float  `json:"szi"`
	EntryPx        Float  `json:"entryPx"`
	PositionValue  Float  `json:"positionValue"`
	UnrealizedPnl  Float  `json:"unrealizedPnl"`
	Leverage       Float  `json:"leverage"`
	LiquidationPx  Float  `json:"liquidationPx"`
	MaxTradeSzs    Float  `json:"maxTradeSzs,omitempty"`
	MarginUsed     Float  `json:"marginUsed"`
}

// UserState is the perp-wallet account snapshot
type UserState struct {
	MarginSummary              MarginSummary `json:"marginSummary"`
	CrossMaintenanceMarginUsed Float         `json:"crossMaintenanceMarginUsed"`
	Withdrawable               Float         `json:"withdrawable"`
	AssetPositions             []AssetPosition `json:"assetPositions"`
	Time                       int64         `json:"time"`
}

// SpotBalance is one spot holding
type SpotBalance struct {
	Coin  string `json:"coin"`
	Hold  Float  `json:"hold"`
	Total Float  `json:"total"`
}

// SpotUserState is the spot-wallet snapshot
type SpotUserState struct {
	Balances []SpotBalance `json:"balances"`
}

// AssetMeta describes a tradeable perp market
type AssetMeta struct {
	Name       string `json:"name"`
	SzDecimals int    `json:"szDecimals"`
	MaxLeverage int   `json:"maxLeverage"`
}

// Meta is the perp universe listing
type Meta struct {
	Universe []AssetMeta `json:"universe"`
}

// SpotTokenMeta describes one spot token
type SpotTokenMeta struct {
	Name        string `json:"name"`
	SzDecimals  int    `json:"szDecimals"`
	WeiDecimals int    `json:"weiDecimals"`
	Index       int    `json:"index"`
}

// SpotPairMeta describes one spot trading pair
type SpotPairMeta struct {
	Name   string `json:"name"`
	Tokens [2]int `json:"tokens"`
	Index  int    `json:"index"`
}

// SpotMeta is the spot universe listing
type SpotMeta struct {
	Tokens   []SpotTokenMeta `json:"tokens"`
	Universe []SpotPairMeta  `json:"universe"`
}

// AssetCtx is the per-market live context (mid, funding, OI)
type AssetCtx struct {
	Coin         string `json:"coin"`
	MarkPx       Float  `json:"markPx"`
	MidPx        Float  `json:"midPx"`
	Funding      Float  `json:"funding"`
	OpenInterest Float  `json:"openInterest"`
	DayNtlVlm    Float  `json:"dayNtlVlm"`
}

// SpotMetaAndAssetCtxs pairs spot meta with live contexts
type SpotMetaAndAssetCtxs struct {
	Meta SpotMeta   `json:"meta"`
	Ctxs []AssetCtx `json:"ctxs"`
}

// BookLevel is one price level of the L2 book
type BookLevel struct {
	Px Float `json:"px"`
	Sz Float `json:"sz"`
	N  int   `json:"n"`
}

// L2Book is an order book snapshot; Levels[0] bids, Levels[1] asks,
// both best-first.
type L2Book struct {
	Coin   string         `json:"coin"`
	Time   int64          `json:"time"`
	Levels [2][]BookLevel `json:"levels"`
}

// FundingEntry is one historical funding payment rate
type FundingEntry struct {
	Coin        string `json:"coin"`
	FundingRate Float  `json:"fundingRate"`
	Premium     Float  `json:"premium"`
	Time        int64  `json:"time"`
}

// Candle is one OHLCV bar
type Candle struct {
	Time   int64  `json:"t"`
	Open   Float  `json:"o"`
	High   Float  `json:"h"`
	Low    Float  `json:"l"`
	Close  Float  `json:"c"`
	Volume Float  `json:"v"`
	Coin   string `json:"s"`
}

// OrderRequest is a single order submission
type OrderRequest struct {
	Coin       string   `json:"coin"`
	IsBuy      bool     `json:"is_buy"`
	Size       float64  `json:"sz"`
	LimitPx    *float64 `json:"limit_px,omitempty"` // nil = market
	ReduceOnly bool     `json:"reduce_only"`
	ClientID   string   `json:"cloid,omitempty"`
	IsSpot     bool     `json:"-"`
}

// OrderResult is the venue's acknowledgement
type OrderResult struct {
	OrderID  string  `json:"oid"`
	Status   string  `json:"status"` // "resting", "filled", "error"
	FilledSz float64 `json:"filled_sz"`
	AvgPx    float64 `json:"avg_px"`
	Error    string  `json:"error,omitempty"`
}

// TransferDirection names a cross-wallet USDC move
type TransferDirection string

const (
	TransferPerpToSpot TransferDirection = "perp_to_spot"
	TransferSpotToPerp TransferDirection = "spot_to_perp"
)
