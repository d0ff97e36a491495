// Package metrics exposes Prometheus collectors for the pieces of the
// trading core an operator watches in production: rate-limiter pressure,
// risk-pipeline rejections by step, order-state transitions, and the
// current drawdown level.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// RateLimiterTokens tracks the current token count in the REST rate
	// limiter's bucket.
	RateLimiterTokens = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kats",
		Subsystem: "ratelimit",
		Name:      "tokens_available",
		Help:      "Current tokens available in the REST rate limiter bucket.",
	})

	// RateLimiterWaitSeconds observes how long callers block in Acquire.
	RateLimiterWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kats",
		Subsystem: "ratelimit",
		Name:      "acquire_wait_seconds",
		Help:      "Time spent waiting for a rate-limit token.",
		Buckets:   prometheus.DefBuckets,
	})

	// RiskRejections counts rejections from the risk pipeline by step.
	RiskRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kats",
		Subsystem: "risk",
		Name:      "rejections_total",
		Help:      "Risk pipeline rejections, labeled by step name.",
	}, []string{"step"})

	// OrderTransitions counts order state machine transitions.
	OrderTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kats",
		Subsystem: "order",
		Name:      "transitions_total",
		Help:      "Order state machine transitions, labeled by from/to state.",
	}, []string{"from", "to"})

	// DrawdownLevel reports the current drawdown ladder level as an
	// integer (NONE=0 .. BLACK=5) for dashboarding.
	DrawdownLevel = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kats",
		Subsystem: "risk",
		Name:      "drawdown_level",
		Help:      "Current drawdown protocol level, 0=NONE through 5=BLACK.",
	})
)

// Registry is the collector registry the binary registers every metric
// above into and serves on /metrics.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		RateLimiterTokens,
		RateLimiterWaitSeconds,
		RiskRejections,
		OrderTransitions,
		DrawdownLevel,
	)
}
