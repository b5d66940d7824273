package signals

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/quantfold/helmsman/internal/cache"
	"github.com/quantfold/helmsman/internal/config"
)

// coingeckoIDs maps canonical symbols to CoinGecko asset ids
var coingeckoIDs = map[string]string{
	"BTC":  "bitcoin",
	"ETH":  "ethereum",
	"SOL":  "solana",
	"HYPE": "hyperliquid",
}

// CoinGeckoProvider sources market cap and volume figures
type CoinGeckoProvider struct {
	baseURL string
	apiKey  string
	ttl     time.Duration
	fetcher *Fetcher
	client  *http.Client
}

// NewCoinGeckoProvider wires the CoinGecko provider
func NewCoinGeckoProvider(store *cache.Store, cfg config.ProviderConfig) *CoinGeckoProvider {
	return &CoinGeckoProvider{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		ttl:     time.Duration(cfg.TTLSeconds) * time.Second,
		fetcher: NewFetcher("coingecko", store, cfg),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *CoinGeckoProvider) Name() string { return "coingecko" }

func (p *CoinGeckoProvider) Serves(kind string) bool { return kind == KindMedium }

func (p *CoinGeckoProvider) Fields(kind string) []string {
	if kind != KindMedium {
		return nil
	}
	return []string{"market_cap_usd", "volume_24h_usd"}
}

type coingeckoMarket struct {
	Symbol       string  `json:"symbol" msgpack:"symbol"`
	MarketCap    float64 `json:"market_cap" msgpack:"market_cap"`
	TotalVolume  float64 `json:"total_volume" msgpack:"total_volume"`
	CurrentPrice float64 `json:"current_price" msgpack:"current_price"`
}

func (p *CoinGeckoProvider) Collect(ctx context.Context, req Request) (*SignalBundle, error) {
	b := NewBundle(req.Kind, time.Now())
	if req.Kind != KindMedium {
		return b, nil
	}

	ids := make([]string, 0, len(req.Coins))
	idToCoin := make(map[string]string, len(req.Coins))
	for _, coin := range req.Coins {
		id, ok := coingeckoIDs[coin]
		if !ok {
			b.MarkMissing("market_cap_usd."+coin, p.Name(), "no coingecko id mapping")
			continue
		}
		ids = append(ids, id)
		idToCoin[strings.ToUpper(coin)] = coin
	}
	if len(ids) == 0 {
		return b, nil
	}

	url := fmt.Sprintf("%s/coins/markets?vs_currency=usd&ids=%s", p.baseURL, strings.Join(ids, ","))
	headers := map[string]string{}
	if p.apiKey != "" {
		headers["x-cg-demo-api-key"] = p.apiKey
	}

	var markets []coingeckoMarket
	resp, err := p.fetcher.Cached(ctx, "cg:markets:"+strings.Join(ids, ","), p.ttl, &markets, func(ctx context.Context) (interface{}, error) {
		var out []coingeckoMarket
		if err := getJSON(ctx, p.client, url, headers, &out); err != nil {
			return nil, err
		}
		return out, nil
	})
	if err != nil {
		return b, fmt.Errorf("markets: %w", err)
	}

	for _, m := range markets {
		coin, ok := idToCoin[strings.ToUpper(m.Symbol)]
		if !ok {
			continue
		}
		b.MarketCapUSD[coin] = Scalar{Value: m.MarketCap, Confidence: resp.Confidence, Source: resp.Source}
		b.Volume24hUSD[coin] = Scalar{Value: m.TotalVolume, Confidence: resp.Confidence, Source: resp.Source}
	}
	return b, nil
}
