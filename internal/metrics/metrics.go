// Package metrics exposes the Prometheus counters/histograms the
// Dispatcher, Cooldown Manager, Pricing & Cost Calculator, and Quota
// Enforcer feed: attempt counts, cooldown trips, cost totals, TTFT, and
// quota denials.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus collector Plexus registers.
type Metrics struct {
	DispatchAttemptsTotal *prometheus.CounterVec
	DispatchFailuresTotal *prometheus.CounterVec
	CooldownTripsTotal    *prometheus.CounterVec
	CostUSDTotal          *prometheus.CounterVec
	QuotaDenialsTotal     *prometheus.CounterVec
	TTFTSeconds           *prometheus.HistogramVec
	TokensPerSecond       *prometheus.HistogramVec
}

// New creates and registers every collector against registry. A nil
// registry registers against prometheus.DefaultRegisterer.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		DispatchAttemptsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "plexus_dispatch_attempts_total",
			Help: "Total dispatch attempts per (provider, model).",
		}, []string{"provider", "model"}),

		DispatchFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "plexus_dispatch_failures_total",
			Help: "Total dispatch attempts that failed per (provider, model, reason).",
		}, []string{"provider", "model", "reason"}),

		CooldownTripsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "plexus_cooldown_trips_total",
			Help: "Total times a (provider, model) was placed on cooldown, by reason.",
		}, []string{"provider", "model", "reason"}),

		CostUSDTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "plexus_cost_usd_total",
			Help: "Total calculated cost in USD, by provider and model.",
		}, []string{"provider", "model"}),

		QuotaDenialsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "plexus_quota_denials_total",
			Help: "Total requests denied by the Quota Enforcer, by API key name.",
		}, []string{"key_name"}),

		TTFTSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "plexus_ttft_seconds",
			Help:    "Time to first token for streamed responses.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"provider", "model"}),

		TokensPerSecond: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "plexus_tokens_per_second",
			Help:    "Output tokens per second for streamed responses.",
			Buckets: []float64{5, 10, 25, 50, 100, 200, 400},
		}, []string{"provider", "model"}),
	}
}

// Handler serves the Prometheus exposition format for a /metrics route.
func Handler() http.Handler {
	return promhttp.Handler()
}
