package signals

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/quantfold/helmsman/internal/cache"
	"github.com/quantfold/helmsman/internal/config"
)

// UnlocksProvider sources scheduled token unlocks from an on-chain
// data API. It requires an API key and is disabled by default.
type UnlocksProvider struct {
	enabled bool
	baseURL string
	apiKey  string
	ttl     time.Duration
	fetcher *Fetcher
	client  *http.Client
}

// NewUnlocksProvider wires the token-unlock provider
func NewUnlocksProvider(store *cache.Store, cfg config.ProviderConfig) *UnlocksProvider {
	return &UnlocksProvider{
		enabled: cfg.Enabled && cfg.APIKey != "",
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		ttl:     time.Duration(cfg.TTLSeconds) * time.Second,
		fetcher: NewFetcher("unlocks", store, cfg),
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (p *UnlocksProvider) Name() string { return "unlocks" }

func (p *UnlocksProvider) Serves(kind string) bool { return kind == KindSlow }

func (p *UnlocksProvider) Fields(kind string) []string {
	if kind != KindSlow {
		return nil
	}
	return []string{"unlock_events"}
}

type unlockRecord struct {
	Symbol      string  `json:"symbol" msgpack:"symbol"`
	TimestampMS int64   `json:"timestamp_ms" msgpack:"timestamp_ms"`
	AmountUSD   float64 `json:"amount_usd" msgpack:"amount_usd"`
	PctOfSupply float64 `json:"pct_of_supply" msgpack:"pct_of_supply"`
}

func (p *UnlocksProvider) Collect(ctx context.Context, req Request) (*SignalBundle, error) {
	b := NewBundle(req.Kind, time.Now())
	if req.Kind != KindSlow {
		return b, nil
	}
	if !p.enabled {
		b.MarkMissing("unlock_events", p.Name(), "provider disabled or no API key")
		return b, nil
	}

	coinSet := make(map[string]bool, len(req.Coins))
	for _, c := range req.Coins {
		coinSet[strings.ToUpper(c)] = true
	}

	var records []unlockRecord
	_, err := p.fetcher.Cached(ctx, "unlocks:upcoming", p.ttl, &records, func(ctx context.Context) (interface{}, error) {
		var out []unlockRecord
		headers := map[string]string{"Authorization": "Bearer " + p.apiKey}
		if err := getJSON(ctx, p.client, p.baseURL+"/v1/unlocks/upcoming", headers, &out); err != nil {
			return nil, err
		}
		return out, nil
	})
	if err != nil {
		return b, err
	}

	horizon := time.Now().Add(30 * 24 * time.Hour)
	for _, r := range records {
		if !coinSet[strings.ToUpper(r.Symbol)] {
			continue
		}
		at := time.UnixMilli(r.TimestampMS)
		if at.After(horizon) {
			continue
		}
		b.UnlockEvents = append(b.UnlockEvents, UnlockEvent{
			Coin:        strings.ToUpper(r.Symbol),
			Timestamp:   at,
			AmountUSD:   r.AmountUSD,
			PctOfSupply: r.PctOfSupply,
		})
	}
	return b, nil
}
