package signals

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/quantfold/helmsman/internal/config"
	"github.com/quantfold/helmsman/internal/metrics"
)

// ErrUpstreamUnavailable is returned while a provider's breaker is
// open; callers fall back to cache or neutral defaults.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// BreakerConfig tunes the per-provider circuit breaker
type BreakerConfig struct {
	ConsecutiveFailures uint32
	Cooldown            time.Duration
	HalfOpenProbes      uint32
}

// DefaultBreakerConfig returns the standard provider breaker policy
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		ConsecutiveFailures: 5,
		Cooldown:            60 * time.Second,
		HalfOpenProbes:      1,
	}
}

// newBreaker builds a named circuit breaker whose state transitions
// are logged and exported as a gauge
func newBreaker(provider string, cfg BreakerConfig) *gobreaker.CircuitBreaker {
	logger := config.NewProviderLogger(provider)

	settings := gobreaker.Settings{
		Name:        provider,
		MaxRequests: cfg.HalfOpenProbes,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
			metrics.BreakerState.WithLabelValues(name).Set(breakerStateValue(to))
		},
	}
	metrics.BreakerState.WithLabelValues(provider).Set(breakerStateValue(gobreaker.StateClosed))
	return gobreaker.NewCircuitBreaker(settings)
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 2
	}
}

// isBreakerOpen reports whether err came from an open breaker
func isBreakerOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
