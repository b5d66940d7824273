package signals

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/helmsman/internal/cache"
	"github.com/quantfold/helmsman/internal/config"
	"github.com/quantfold/helmsman/internal/exchange"
)

func TestDecayedConfidence(t *testing.T) {
	ttl := 60 * time.Second

	tests := []struct {
		name string
		age  time.Duration
		want float64
	}{
		{"fresh", 0, 1.0},
		{"half ttl", 30 * time.Second, 0.75},
		{"full ttl", 60 * time.Second, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, DecayedConfidence(tt.age, ttl), 1e-9)
		})
	}

	// past ten minutes the cap applies regardless of ttl
	longTTL := 2 * time.Hour
	conf := DecayedConfidence(11*time.Minute, longTTL)
	assert.LessOrEqual(t, conf, 0.4)

	assert.GreaterOrEqual(t, DecayedConfidence(10*time.Hour, time.Minute), 0.0)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"rate limited", &exchange.HTTPError{StatusCode: http.StatusTooManyRequests}, true},
		{"server error", &exchange.HTTPError{StatusCode: 503}, true},
		{"not found", &exchange.HTTPError{StatusCode: 404}, false},
		{"unauthorized", &exchange.HTTPError{StatusCode: 401}, false},
		{"deadline", context.DeadlineExceeded, true},
		{"plain error", errors.New("schema violation"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestWithRetryFatalSurfacesImmediately(t *testing.T) {
	attempts := 0
	fatal := &exchange.HTTPError{StatusCode: 400, Body: "bad request"}
	err := WithRetry(context.Background(), DefaultRetryConfig(), "test", func() error {
		attempts++
		return fatal
	})
	assert.ErrorIs(t, err, error(fatal))
	assert.Equal(t, 1, attempts)
}

func TestWithRetrySucceedsFirstTry(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), DefaultRetryConfig(), "test", func() error {
		attempts++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func openTestStore(t *testing.T) *cache.Store {
	t.Helper()
	store, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestFetcherCachedRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	f := NewFetcher("testprov", store, config.ProviderConfig{RequestsPerMinute: 600})

	calls := 0
	fill := func(ctx context.Context) (interface{}, error) {
		calls++
		return map[string]float64{"BTC": 65000}, nil
	}

	var out map[string]float64
	resp, err := f.Cached(ctx, "test:key", time.Minute, &out, fill)
	require.NoError(t, err)
	assert.False(t, resp.IsCached)
	assert.Equal(t, 1.0, resp.Confidence)
	assert.Equal(t, 65000.0, out["BTC"])
	assert.Equal(t, 1, calls)

	// second read is served from cache with decayed confidence
	var out2 map[string]float64
	resp2, err := f.Cached(ctx, "test:key", time.Minute, &out2, fill)
	require.NoError(t, err)
	assert.True(t, resp2.IsCached)
	assert.LessOrEqual(t, resp2.Confidence, 1.0)
	assert.Greater(t, resp2.Confidence, 0.4)
	assert.Equal(t, 65000.0, out2["BTC"])
	assert.Equal(t, 1, calls)
}

func TestFetcherUpstreamFailure(t *testing.T) {
	ctx := context.Background()
	f := NewFetcher("failprov", nil, config.ProviderConfig{RequestsPerMinute: 600})

	var out map[string]float64
	_, err := f.Cached(ctx, "k", time.Minute, &out, func(ctx context.Context) (interface{}, error) {
		return nil, &exchange.HTTPError{StatusCode: 404, Body: "gone"}
	})
	assert.Error(t, err)
}

func TestBookStats(t *testing.T) {
	book := &exchange.L2Book{Coin: "BTC"}
	book.Levels[0] = []exchange.BookLevel{{Px: 99.9, Sz: 10}}
	book.Levels[1] = []exchange.BookLevel{{Px: 100.1, Sz: 10}}

	spread, depth, err := bookStats(book)
	require.NoError(t, err)
	assert.InDelta(t, 20.0, spread, 0.01) // 0.2 / 100 in bps
	assert.InDelta(t, 2000.0, depth, 0.01)

	_, _, err = bookStats(&exchange.L2Book{Coin: "BTC"})
	assert.ErrorContains(t, err, "one-sided")
}

// stubProvider contributes one price field or fails outright
type stubProvider struct {
	name string
	fail error
	slow time.Duration
}

func (s *stubProvider) Name() string             { return s.name }
func (s *stubProvider) Serves(kind string) bool  { return kind == KindFast }
func (s *stubProvider) Fields(kind string) []string {
	return []string{"prices." + s.name}
}

func (s *stubProvider) Collect(ctx context.Context, req Request) (*SignalBundle, error) {
	if s.slow > 0 {
		select {
		case <-time.After(s.slow):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.fail != nil {
		return nil, s.fail
	}
	b := NewBundle(req.Kind, time.Now())
	b.Prices[s.name] = Scalar{Value: 42, Confidence: 0.9, Source: s.name}
	return b, nil
}

func testSignalsConfig() config.SignalsConfig {
	return config.SignalsConfig{
		FastTimeoutSeconds:   1,
		MediumTimeoutSeconds: 1,
		SlowTimeoutSeconds:   1,
	}
}

func TestOrchestratorPartialFailure(t *testing.T) {
	good := &stubProvider{name: "good"}
	bad := &stubProvider{name: "bad", fail: fmt.Errorf("exploded")}
	o := NewOrchestrator(testSignalsConfig(), good, bad)

	bundle := o.Collect(context.Background(), Request{Kind: KindFast, Coins: []string{"BTC"}})
	require.NotNil(t, bundle)

	assert.Contains(t, bundle.Prices, "good")
	require.NotEmpty(t, bundle.Missing)
	assert.Equal(t, SourceUnavailable, bundle.Missing[0].Source)
	assert.Equal(t, "prices.bad", bundle.Missing[0].Field)
	assert.Contains(t, bundle.Metadata.Sources, "good")
	assert.NotContains(t, bundle.Metadata.Sources, "bad")
}

func TestOrchestratorFallbackBundle(t *testing.T) {
	bad1 := &stubProvider{name: "a", fail: fmt.Errorf("down")}
	bad2 := &stubProvider{name: "b", fail: fmt.Errorf("down")}
	o := NewOrchestrator(testSignalsConfig(), bad1, bad2)

	bundle := o.Collect(context.Background(), Request{Kind: KindFast, Coins: []string{"BTC"}})
	require.NotNil(t, bundle)
	assert.Zero(t, bundle.Metadata.Confidence)
	assert.Empty(t, bundle.Prices)
	assert.Len(t, bundle.Missing, 2)
}

func TestOrchestratorDeadlineAbandonsSlowProvider(t *testing.T) {
	fast := &stubProvider{name: "fast"}
	laggard := &stubProvider{name: "laggard", slow: 3 * time.Second}
	o := NewOrchestrator(testSignalsConfig(), fast, laggard)

	start := time.Now()
	bundle := o.Collect(context.Background(), Request{Kind: KindFast, Coins: []string{"BTC"}})
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.Contains(t, bundle.Prices, "fast")
	require.NotEmpty(t, bundle.Missing)
	assert.Equal(t, "prices.laggard", bundle.Missing[0].Field)
}

func TestFearGreedNeutralFallback(t *testing.T) {
	p := NewFearGreedProvider(nil, config.ProviderConfig{Enabled: false, RequestsPerMinute: 10})
	b, err := p.Collect(context.Background(), Request{Kind: KindMedium, Coins: []string{"BTC"}})
	require.NoError(t, err)
	require.NotNil(t, b.Sentiment)
	assert.Zero(t, b.Sentiment.Value)
	assert.Equal(t, NeutralConfidence, b.Sentiment.Confidence)
	assert.Equal(t, "neutral", b.Sentiment.Source)
}

func TestHyperliquidProviderFast(t *testing.T) {
	ctx := context.Background()
	ex := exchange.NewMockExchange(10000)
	p := NewHyperliquidProvider(ex, openTestStore(t), config.ProviderConfig{
		TTLSeconds:        5,
		RequestsPerMinute: 600,
	})

	b, err := p.Collect(ctx, Request{Kind: KindFast, Coins: []string{"BTC", "ETH"}})
	require.NoError(t, err)
	assert.Contains(t, b.Prices, "BTC")
	assert.Contains(t, b.Funding, "ETH")
	assert.Contains(t, b.SpreadBps, "BTC")
	assert.Greater(t, b.DepthUSD["BTC"].Value, 0.0)
}

func TestMacroProviderBuiltinCalendar(t *testing.T) {
	p := NewMacroProvider(nil, config.ProviderConfig{RequestsPerMinute: 5})
	b, err := p.Collect(context.Background(), Request{Kind: KindSlow})
	require.NoError(t, err)
	require.NotNil(t, b.MacroRisk)
	assert.GreaterOrEqual(t, b.MacroRisk.Value, 0.0)
	assert.LessOrEqual(t, b.MacroRisk.Value, 1.0)
	assert.NotEmpty(t, b.MacroEvents)
	assert.Equal(t, "builtin", b.MacroRisk.Source)
}
