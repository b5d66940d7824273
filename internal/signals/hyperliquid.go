package signals

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/helmsman/internal/cache"
	"github.com/quantfold/helmsman/internal/config"
	"github.com/quantfold/helmsman/internal/exchange"
)

const candleTTL = 5 * time.Minute

// HyperliquidProvider sources prices, books, funding, and candles
// from the venue itself
type HyperliquidProvider struct {
	ex      exchange.Exchange
	fetcher *Fetcher
	ttl     time.Duration
	log     zerolog.Logger
}

// NewHyperliquidProvider wires the venue signal provider
func NewHyperliquidProvider(ex exchange.Exchange, store *cache.Store, cfg config.ProviderConfig) *HyperliquidProvider {
	return &HyperliquidProvider{
		ex:      ex,
		fetcher: NewFetcher("hyperliquid", store, cfg),
		ttl:     time.Duration(cfg.TTLSeconds) * time.Second,
		log:     config.NewProviderLogger("hyperliquid"),
	}
}

func (p *HyperliquidProvider) Name() string { return "hyperliquid" }

func (p *HyperliquidProvider) Serves(kind string) bool {
	return kind == KindFast || kind == KindMedium
}

func (p *HyperliquidProvider) Fields(kind string) []string {
	switch kind {
	case KindFast:
		return []string{"prices", "spread_bps", "depth_usd", "funding"}
	case KindMedium:
		return []string{"candles"}
	default:
		return nil
	}
}

func (p *HyperliquidProvider) Collect(ctx context.Context, req Request) (*SignalBundle, error) {
	b := NewBundle(req.Kind, time.Now())
	switch req.Kind {
	case KindFast:
		return b, p.collectFast(ctx, req.Coins, b)
	case KindMedium:
		return b, p.collectMedium(ctx, req.Coins, b)
	default:
		return b, nil
	}
}

func (p *HyperliquidProvider) collectFast(ctx context.Context, coins []string, b *SignalBundle) error {
	var ctxs []exchange.AssetCtx
	resp, err := p.fetcher.Cached(ctx, "hl:asset_ctxs", p.ttl, &ctxs, func(ctx context.Context) (interface{}, error) {
		return p.ex.AssetCtxs(ctx)
	})
	if err != nil {
		return fmt.Errorf("asset ctxs: %w", err)
	}

	byCoin := make(map[string]exchange.AssetCtx, len(ctxs))
	for _, c := range ctxs {
		byCoin[c.Coin] = c
	}
	for _, coin := range coins {
		c, ok := byCoin[coin]
		if !ok || c.MidPx == 0 {
			b.MarkMissing("prices."+coin, p.Name(), "coin not in asset ctxs")
			continue
		}
		b.Prices[coin] = Scalar{Value: float64(c.MidPx), Confidence: resp.Confidence, Source: resp.Source}
		b.Funding[coin] = Scalar{Value: float64(c.Funding), Confidence: resp.Confidence, Source: resp.Source}
	}

	for _, coin := range coins {
		var book exchange.L2Book
		key := "hl:book:" + coin
		resp, err := p.fetcher.Cached(ctx, key, p.ttl, &book, func(ctx context.Context) (interface{}, error) {
			return p.ex.L2Snapshot(ctx, coin)
		})
		if err != nil {
			b.MarkMissing("spread_bps."+coin, p.Name(), err.Error())
			b.MarkMissing("depth_usd."+coin, p.Name(), err.Error())
			continue
		}
		spread, depth, err := bookStats(&book)
		if err != nil {
			b.MarkMissing("spread_bps."+coin, p.Name(), err.Error())
			continue
		}
		b.SpreadBps[coin] = Scalar{Value: spread, Confidence: resp.Confidence, Source: resp.Source}
		b.DepthUSD[coin] = Scalar{Value: depth, Confidence: resp.Confidence, Source: resp.Source}
	}
	return nil
}

// bookStats derives the bid-ask spread in bps and two-sided top-5
// depth in USD from a book snapshot
func bookStats(book *exchange.L2Book) (spreadBps, depthUSD float64, err error) {
	if len(book.Levels[0]) == 0 || len(book.Levels[1]) == 0 {
		return 0, 0, fmt.Errorf("one-sided book for %s", book.Coin)
	}
	bestBid := float64(book.Levels[0][0].Px)
	bestAsk := float64(book.Levels[1][0].Px)
	mid := (bestBid + bestAsk) / 2
	if mid <= 0 {
		return 0, 0, fmt.Errorf("degenerate book for %s", book.Coin)
	}
	spreadBps = (bestAsk - bestBid) / mid * 10000

	for side := 0; side < 2; side++ {
		levels := book.Levels[side]
		for i := 0; i < len(levels) && i < 5; i++ {
			depthUSD += float64(levels[i].Px) * float64(levels[i].Sz)
		}
	}
	return spreadBps, depthUSD, nil
}

func (p *HyperliquidProvider) collectMedium(ctx context.Context, coins []string, b *SignalBundle) error {
	end := time.Now()
	start := end.Add(-100 * time.Hour) // enough hourly bars for ADX-14

	for _, coin := range coins {
		var candles []exchange.Candle
		key := fmt.Sprintf("hl:candles:%s:1h", coin)
		resp, err := p.fetcher.Cached(ctx, key, candleTTL, &candles, func(ctx context.Context) (interface{}, error) {
			return p.ex.CandlesSnapshot(ctx, coin, "1h", start.UnixMilli(), end.UnixMilli())
		})
		if err != nil {
			b.MarkMissing("candles."+coin, p.Name(), err.Error())
			continue
		}
		if len(candles) == 0 {
			b.MarkMissing("candles."+coin, p.Name(), "empty candle window")
			continue
		}
		b.Candles[coin] = CandleSeries{Candles: candles, Confidence: resp.Confidence, Source: resp.Source}
	}
	return nil
}
