package signals

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfold/helmsman/internal/exchange"
)

// RetryConfig configures upstream retry behavior
type RetryConfig struct {
	MaxAttempts int     // total attempts including the first
	BackoffBase float64 // delay = base^attempt seconds
	MaxBackoff  time.Duration
}

// DefaultRetryConfig returns the standard provider retry policy
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 5,
		BackoffBase: 2.0,
		MaxBackoff:  30 * time.Second,
	}
}

// IsRetryable classifies an upstream error: 429, 5xx, and network
// failures retry; any other 4xx and schema violations are fatal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var httpErr *exchange.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}

// isRateLimited reports whether the error is a 429
func isRateLimited(err error) bool {
	var httpErr *exchange.HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusTooManyRequests
}

// WithRetry runs operation with exponential backoff. Rate-limit
// responses add uniform jitter in [0,1) seconds to the delay.
func WithRetry(ctx context.Context, cfg RetryConfig, source string, operation func() error) error {
	var lastErr error

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(math.Pow(cfg.BackoffBase, float64(attempt)) * float64(time.Second))
			if isRateLimited(lastErr) {
				delay += time.Duration(rand.Float64() * float64(time.Second))
			}
			if delay > cfg.MaxBackoff {
				delay = cfg.MaxBackoff
			}
			log.Debug().
				Str("source", source).
				Int("attempt", attempt+1).
				Dur("delay", delay).
				Msg("Retrying upstream call")

			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		err := operation()
		if err == nil {
			if attempt > 0 {
				log.Info().
					Str("source", source).
					Int("attempt", attempt+1).
					Msg("Upstream call succeeded after retry")
			}
			return nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return err
		}
	}

	return fmt.Errorf("all %d attempts failed: %w", cfg.MaxAttempts, lastErr)
}
