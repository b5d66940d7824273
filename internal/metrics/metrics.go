// Package metrics exposes the Prometheus instruments shared by the
// governance core. All metrics use promauto against the default registry
// and bounded label sets.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Loop names (bounded set)
const (
	LoopFast   = "fast"
	LoopMedium = "medium"
	LoopSlow   = "slow"
)

var (
	// LoopDuration tracks wall time per scheduler loop run
	LoopDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "helmsman_loop_duration_seconds",
		Help:    "Duration of one scheduler loop run",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"loop"})

	// LoopFailures counts loop runs that ended in error
	LoopFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "helmsman_loop_failures_total",
		Help: "Scheduler loop runs that ended in error",
	}, []string{"loop"})

	// CacheHits / CacheMisses back the cache metrics report
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "helmsman_cache_hits_total",
		Help: "Signal cache hits",
	})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "helmsman_cache_misses_total",
		Help: "Signal cache misses (including TTL expiry)",
	})

	// BreakerState exports per-provider circuit breaker state
	// (0=closed, 1=open, 2=half_open)
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "helmsman_breaker_state",
		Help: "Provider circuit breaker state (0=closed, 1=open, 2=half_open)",
	}, []string{"provider"})

	// ProviderRequests counts provider fetches by outcome
	ProviderRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "helmsman_provider_requests_total",
		Help: "Provider fetch attempts by outcome",
	}, []string{"provider", "result"})

	// TripwireEvents counts tripwire firings by category and action
	TripwireEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "helmsman_tripwire_events_total",
		Help: "Tripwire events by category and mandated action",
	}, []string{"category", "action"})

	// PlanChanges counts governor decisions
	PlanChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "helmsman_plan_changes_total",
		Help: "Plan change proposals by decision",
	}, []string{"decision"})

	// PortfolioValue is the last observed account portfolio value
	PortfolioValue = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "helmsman_portfolio_value_usd",
		Help: "Last observed portfolio value in USD",
	})

	// OracleCost accumulates oracle spend
	OracleCost = promauto.NewCounter(prometheus.CounterOpts{
		Name: "helmsman_oracle_cost_usd_total",
		Help: "Cumulative oracle cost in USD",
	})

	// OrdersPlaced counts executor orders by action and result
	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "helmsman_orders_total",
		Help: "Orders submitted by the executor",
	}, []string{"action", "result"})
)
