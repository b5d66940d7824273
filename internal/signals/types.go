package signals

import (
	"time"

	"github.com/quantfold/helmsman/internal/exchange"
)

// Bundle kinds, matching the three control loops
const (
	KindFast   = "fast"
	KindMedium = "medium"
	KindSlow   = "slow"
)

// SourceUnavailable tags a field whose provider failed
const SourceUnavailable = "unavailable"

// Scalar is one numeric signal field with its provenance
type Scalar struct {
	Value      float64 `json:"value"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`
}

// CandleSeries carries one coin's OHLCV window with provenance
type CandleSeries struct {
	Candles    []exchange.Candle `json:"candles"`
	Confidence float64           `json:"confidence"`
	Source     string            `json:"source"`
}

// MacroEvent is one scheduled macro calendar entry
type MacroEvent struct {
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
	Impact    string    `json:"impact"` // "low", "medium", "high"
}

// UnlockEvent is one scheduled token unlock
type UnlockEvent struct {
	Coin        string    `json:"coin"`
	Timestamp   time.Time `json:"timestamp"`
	AmountUSD   float64   `json:"amount_usd"`
	PctOfSupply float64   `json:"pct_of_supply"`
}

// MissingField records a field a provider could not deliver
type MissingField struct {
	Field  string `json:"field"`
	Source string `json:"source"`
	Reason string `json:"reason"`
}

// BundleMetadata summarizes a bundle's overall quality
type BundleMetadata struct {
	Confidence  float64   `json:"confidence"` // min over critical fields
	CollectedAt time.Time `json:"collected_at"`
	Sources     []string  `json:"sources"`
}

// SignalBundle is the union of fast, medium, and slow fields. A field
// absent from its map (or nil for pointers) is missing, never zero;
// Missing lists every absence with its reason.
type SignalBundle struct {
	Kind string `json:"kind"`

	// fast
	Prices    map[string]Scalar `json:"prices,omitempty"`
	SpreadBps map[string]Scalar `json:"spread_bps,omitempty"`
	DepthUSD  map[string]Scalar `json:"depth_usd,omitempty"`
	Funding   map[string]Scalar `json:"funding,omitempty"`

	// medium
	Candles      map[string]CandleSeries `json:"candles,omitempty"`
	MarketCapUSD map[string]Scalar       `json:"market_cap_usd,omitempty"`
	Volume24hUSD map[string]Scalar       `json:"volume_24h_usd,omitempty"`
	Sentiment    *Scalar                 `json:"sentiment,omitempty"`

	// slow
	MacroRisk    *Scalar        `json:"macro_risk,omitempty"`
	MacroEvents  []MacroEvent   `json:"macro_events,omitempty"`
	UnlockEvents []UnlockEvent  `json:"unlock_events,omitempty"`

	Missing  []MissingField `json:"missing,omitempty"`
	Metadata BundleMetadata `json:"metadata"`
}

// NewBundle allocates an empty bundle of the given kind
func NewBundle(kind string, at time.Time) *SignalBundle {
	return &SignalBundle{
		Kind:         kind,
		Prices:       make(map[string]Scalar),
		SpreadBps:    make(map[string]Scalar),
		DepthUSD:     make(map[string]Scalar),
		Funding:      make(map[string]Scalar),
		Candles:      make(map[string]CandleSeries),
		MarketCapUSD: make(map[string]Scalar),
		Volume24hUSD: make(map[string]Scalar),
		Metadata:     BundleMetadata{CollectedAt: at},
	}
}

// MarkMissing records an absent field
func (b *SignalBundle) MarkMissing(field, source, reason string) {
	b.Missing = append(b.Missing, MissingField{Field: field, Source: source, Reason: reason})
}

// criticalConfidences lists the confidences of the fields the loops
// decide on. Missing fields count as zero.
func (b *SignalBundle) criticalConfidences() []float64 {
	var confs []float64
	switch b.Kind {
	case KindFast:
		if len(b.Prices) == 0 {
			confs = append(confs, 0)
		}
		for _, s := range b.Prices {
			confs = append(confs, s.Confidence)
		}
	case KindMedium:
		if len(b.Candles) == 0 {
			confs = append(confs, 0)
		}
		for _, c := range b.Candles {
			confs = append(confs, c.Confidence)
		}
	case KindSlow:
		if b.MacroRisk == nil {
			confs = append(confs, 0)
		} else {
			confs = append(confs, b.MacroRisk.Confidence)
		}
	}
	return confs
}

// finalize computes the bundle-level confidence
func (b *SignalBundle) finalize() {
	conf := 1.0
	for _, c := range b.criticalConfidences() {
		if c < conf {
			conf = c
		}
	}
	b.Metadata.Confidence = conf
}
