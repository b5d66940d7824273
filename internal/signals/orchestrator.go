package signals

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/quantfold/helmsman/internal/config"
)

// defaultCoins is the universe always tracked, before account
// positions widen it
var defaultCoins = []string{"BTC", "ETH", "SOL"}

// Orchestrator fans a signal request out to every provider serving
// the requested kind and merges their partial bundles. One provider
// failing never fails the request; its fields go missing instead.
type Orchestrator struct {
	providers []Provider
	cfg       config.SignalsConfig
	log       zerolog.Logger
	now       func() time.Time
}

// NewOrchestrator builds the fan-out over the providers given.
// Providers are kept sorted by name so aggregation order is stable.
func NewOrchestrator(cfg config.SignalsConfig, providers ...Provider) *Orchestrator {
	sorted := make([]Provider, len(providers))
	copy(sorted, providers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name() < sorted[j].Name() })
	return &Orchestrator{
		providers: sorted,
		cfg:       cfg,
		log:       config.NewLogger("orchestrator"),
		now:       time.Now,
	}
}

// Collect gathers one bundle of the requested kind within the kind's
// deadline. Always returns a bundle; with zero contributing fields it
// is the fallback bundle with confidence 0.
func (o *Orchestrator) Collect(ctx context.Context, req Request) *SignalBundle {
	if len(req.Coins) == 0 {
		req.Coins = o.universe(req)
	}

	deadline := o.cfg.BundleTimeout(req.Kind)
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	serving := make([]Provider, 0, len(o.providers))
	for _, p := range o.providers {
		if p.Serves(req.Kind) {
			serving = append(serving, p)
		}
	}

	partials := make([]*SignalBundle, len(serving))
	var mu sync.Mutex
	failures := make(map[string]string)

	g, gctx := errgroup.WithContext(ctx)
	for i, p := range serving {
		i, p := i, p
		g.Go(func() error {
			partial, err := p.Collect(gctx, req)
			if err != nil {
				o.log.Warn().
					Err(err).
					Str("provider", p.Name()).
					Str("kind", req.Kind).
					Msg("Provider failed, marking fields missing")
				mu.Lock()
				failures[p.Name()] = err.Error()
				mu.Unlock()
				return nil
			}
			partials[i] = partial
			return nil
		})
	}
	_ = g.Wait()

	bundle := NewBundle(req.Kind, o.now())
	for i, p := range serving {
		partial := partials[i]
		if partial == nil {
			reason, ok := failures[p.Name()]
			if !ok {
				reason = "abandoned at deadline"
			}
			for _, field := range p.Fields(req.Kind) {
				bundle.MarkMissing(field, SourceUnavailable, reason)
			}
			continue
		}
		merge(bundle, partial)
		bundle.Metadata.Sources = append(bundle.Metadata.Sources, p.Name())
	}

	bundle.finalize()
	if bundle.Metadata.Confidence == 0 && len(bundle.Metadata.Sources) == 0 {
		o.log.Error().
			Str("kind", req.Kind).
			Msg("All providers failed, emitting fallback bundle")
	}
	return bundle
}

// universe is the default coin set widened by open positions
func (o *Orchestrator) universe(req Request) []string {
	seen := make(map[string]bool, len(defaultCoins))
	coins := make([]string, 0, len(defaultCoins))
	for _, c := range defaultCoins {
		seen[c] = true
		coins = append(coins, c)
	}
	if req.Account != nil {
		for _, pos := range req.Account.Positions {
			if !seen[pos.Coin] {
				seen[pos.Coin] = true
				coins = append(coins, pos.Coin)
			}
		}
	}
	sort.Strings(coins)
	return coins
}

// merge folds a partial bundle into dst. Later providers win on key
// collisions, which is deterministic because providers merge in name
// order.
func merge(dst, src *SignalBundle) {
	for k, v := range src.Prices {
		dst.Prices[k] = v
	}
	for k, v := range src.SpreadBps {
		dst.SpreadBps[k] = v
	}
	for k, v := range src.DepthUSD {
		dst.DepthUSD[k] = v
	}
	for k, v := range src.Funding {
		dst.Funding[k] = v
	}
	for k, v := range src.Candles {
		dst.Candles[k] = v
	}
	for k, v := range src.MarketCapUSD {
		dst.MarketCapUSD[k] = v
	}
	for k, v := range src.Volume24hUSD {
		dst.Volume24hUSD[k] = v
	}
	if src.Sentiment != nil {
		dst.Sentiment = src.Sentiment
	}
	if src.MacroRisk != nil {
		dst.MacroRisk = src.MacroRisk
	}
	dst.MacroEvents = append(dst.MacroEvents, src.MacroEvents...)
	dst.UnlockEvents = append(dst.UnlockEvents, src.UnlockEvents...)
	dst.Missing = append(dst.Missing, src.Missing...)
}
