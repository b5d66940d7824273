package signals

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/quantfold/helmsman/internal/cache"
	"github.com/quantfold/helmsman/internal/config"
)

// FearGreedProvider sources the alternative.me crypto fear & greed
// index, normalized to [-1, 1]. When disabled it degrades to a
// neutral 0.0 with half confidence rather than going missing, so
// sentiment never blocks a bundle.
type FearGreedProvider struct {
	enabled bool
	baseURL string
	ttl     time.Duration
	fetcher *Fetcher
	client  *http.Client
}

// NewFearGreedProvider wires the sentiment provider
func NewFearGreedProvider(store *cache.Store, cfg config.ProviderConfig) *FearGreedProvider {
	return &FearGreedProvider{
		enabled: cfg.Enabled,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		ttl:     time.Duration(cfg.TTLSeconds) * time.Second,
		fetcher: NewFetcher("feargreed", store, cfg),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *FearGreedProvider) Name() string { return "feargreed" }

func (p *FearGreedProvider) Serves(kind string) bool { return kind == KindMedium }

func (p *FearGreedProvider) Fields(kind string) []string {
	if kind != KindMedium {
		return nil
	}
	return []string{"sentiment"}
}

type fearGreedPayload struct {
	Data []struct {
		Value string `json:"value" msgpack:"value"`
	} `json:"data" msgpack:"data"`
}

func (p *FearGreedProvider) Collect(ctx context.Context, req Request) (*SignalBundle, error) {
	b := NewBundle(req.Kind, time.Now())
	if req.Kind != KindMedium {
		return b, nil
	}

	if !p.enabled {
		b.Sentiment = &Scalar{Value: 0.0, Confidence: NeutralConfidence, Source: "neutral"}
		return b, nil
	}

	var payload fearGreedPayload
	resp, err := p.fetcher.Cached(ctx, "fng:index", p.ttl, &payload, func(ctx context.Context) (interface{}, error) {
		var out fearGreedPayload
		if err := getJSON(ctx, p.client, p.baseURL+"/fng/", nil, &out); err != nil {
			return nil, err
		}
		if len(out.Data) == 0 {
			return nil, fmt.Errorf("empty fear & greed payload")
		}
		return out, nil
	})
	if err != nil {
		// degrade to neutral instead of missing
		b.Sentiment = &Scalar{Value: 0.0, Confidence: NeutralConfidence, Source: "neutral"}
		b.MarkMissing("sentiment", p.Name(), err.Error())
		return b, nil
	}

	raw, err := strconv.ParseFloat(payload.Data[0].Value, 64)
	if err != nil {
		b.Sentiment = &Scalar{Value: 0.0, Confidence: NeutralConfidence, Source: "neutral"}
		b.MarkMissing("sentiment", p.Name(), "unparseable index value")
		return b, nil
	}

	// index is 0 (extreme fear) to 100 (extreme greed)
	b.Sentiment = &Scalar{
		Value:      (raw - 50) / 50,
		Confidence: resp.Confidence,
		Source:     resp.Source,
	}
	return b, nil
}
