package signals

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/time/rate"

	"github.com/quantfold/helmsman/internal/cache"
	"github.com/quantfold/helmsman/internal/config"
	"github.com/quantfold/helmsman/internal/metrics"
)

// staleConfidenceCap bounds the confidence of any cached read older
// than ten minutes
const (
	staleConfidenceCap = 0.4
	staleAfter         = 10 * time.Minute
)

// NeutralConfidence is attached to neutral fallback values (sentiment
// without an API key, and similar)
const NeutralConfidence = 0.5

// Response wraps a provider payload with its provenance
type Response struct {
	Timestamp       time.Time
	Source          string
	Confidence      float64
	IsCached        bool
	CacheAgeSeconds float64
}

// DecayedConfidence implements the cache confidence policy:
// 1 - 0.5*(age/ttl) while fresh, capped at 0.4 past ten minutes.
func DecayedConfidence(age, ttl time.Duration) float64 {
	if ttl <= 0 {
		return 0
	}
	conf := 1 - 0.5*(age.Seconds()/ttl.Seconds())
	if conf < 0 {
		conf = 0
	}
	if age > staleAfter && conf > staleConfidenceCap {
		conf = staleConfidenceCap
	}
	return conf
}

// Fetcher is the shared transport stack under every provider: a rate
// limiter and circuit breaker in front of the upstream, the durable
// cache behind it.
type Fetcher struct {
	source  string
	store   *cache.Store
	limiter *rate.Limiter
	breaker breakerLike
	retry   RetryConfig
	log     zerolog.Logger
	now     func() time.Time
}

// breakerLike is the gobreaker surface the fetcher needs
type breakerLike interface {
	Execute(func() (interface{}, error)) (interface{}, error)
}

// NewFetcher builds the transport stack for one provider
func NewFetcher(source string, store *cache.Store, cfg config.ProviderConfig) *Fetcher {
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 60
	}
	return &Fetcher{
		source:  source,
		store:   store,
		limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm/6+1),
		breaker: newBreaker(source, DefaultBreakerConfig()),
		retry:   DefaultRetryConfig(),
		log:     config.NewProviderLogger(source),
		now:     time.Now,
	}
}

// Cached runs one fetch through the full stack. A fresh cache row is
// served with decayed confidence and no upstream call; otherwise the
// upstream is called through limiter, breaker, and retry, and the
// result is cached under key for ttl. dest receives the payload either
// way.
func (f *Fetcher) Cached(ctx context.Context, key string, ttl time.Duration, dest interface{}, fill func(ctx context.Context) (interface{}, error)) (*Response, error) {
	if f.store != nil {
		age, err := f.store.GetObject(ctx, key, dest)
		if err == nil {
			metrics.CacheHits.Inc()
			ageDur := time.Duration(age * float64(time.Second))
			return &Response{
				Timestamp:       f.now().Add(-ageDur),
				Source:          f.source,
				Confidence:      DecayedConfidence(ageDur, ttl),
				IsCached:        true,
				CacheAgeSeconds: age,
			}, nil
		}
		metrics.CacheMisses.Inc()
	}

	value, err := f.live(ctx, fill)
	if err != nil {
		metrics.ProviderRequests.WithLabelValues(f.source, "error").Inc()
		return nil, err
	}
	metrics.ProviderRequests.WithLabelValues(f.source, "ok").Inc()

	if f.store != nil {
		if err := f.store.SetObject(ctx, key, value, ttl); err != nil {
			f.log.Warn().Err(err).Str("key", key).Msg("Failed to cache provider response")
		}
	}
	if err := reassign(value, dest); err != nil {
		return nil, err
	}
	return &Response{
		Timestamp:  f.now(),
		Source:     f.source,
		Confidence: 1.0,
	}, nil
}

// reassign moves a live value into dest through the same codec used
// for cached rows, so both paths hand callers identical shapes
func reassign(value, dest interface{}) error {
	raw, err := msgpack.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode provider payload: %w", err)
	}
	if err := msgpack.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("failed to decode provider payload: %w", err)
	}
	return nil
}

// live calls the upstream through the limiter, breaker, and retry
func (f *Fetcher) live(ctx context.Context, fill func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	result, err := f.breaker.Execute(func() (interface{}, error) {
		var value interface{}
		retryErr := WithRetry(ctx, f.retry, f.source, func() error {
			v, err := fill(ctx)
			if err != nil {
				return err
			}
			value = v
			return nil
		})
		return value, retryErr
	})
	if err != nil {
		if isBreakerOpen(err) {
			return nil, fmt.Errorf("%w: %s circuit open", ErrUpstreamUnavailable, f.source)
		}
		return nil, err
	}
	return result, nil
}
