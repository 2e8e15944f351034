package observ

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	cacheOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "price_cache_operations_total",
			Help: "Cache operations by type (hit, miss, set, clear, delete).",
		},
		[]string{"op"},
	)

	upstreamRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_requests_total",
			Help: "Upstream HTTP requests by vendor and outcome.",
		},
		[]string{"upstream", "outcome"},
	)

	upstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_request_duration_seconds",
			Help:    "Upstream HTTP request latency by vendor.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"upstream"},
	)

	rateLimitDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_denials_total",
			Help: "Requests denied by the local rate-limit ledger.",
		},
		[]string{"upstream"},
	)

	schedulerRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_refresh_total",
			Help: "Background refresh attempts by outcome.",
		},
		[]string{"outcome"},
	)

	fallbacksServed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "price_fallback_served_total",
			Help: "Responses that substituted the configured fallback for a key.",
		},
		[]string{"key"},
	)

	staleServed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "price_stale_served_total",
			Help: "Responses that served an expired cache entry for a key.",
		},
		[]string{"key"},
	)
)

func init() {
	prometheus.MustRegister(
		cacheOps,
		upstreamRequests,
		upstreamDuration,
		rateLimitDenials,
		schedulerRefreshes,
		fallbacksServed,
		staleServed,
	)
}

// MetricsHandler exposes the Prometheus registry over HTTP.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

func IncCacheOp(op string) {
	cacheOps.WithLabelValues(op).Inc()
}

func IncUpstreamRequest(upstream, outcome string) {
	upstreamRequests.WithLabelValues(upstream, outcome).Inc()
}

func ObserveUpstreamDuration(upstream string, d time.Duration) {
	upstreamDuration.WithLabelValues(upstream).Observe(d.Seconds())
}

func IncRateLimitDenial(upstream string) {
	rateLimitDenials.WithLabelValues(upstream).Inc()
}

func IncSchedulerRefresh(outcome string) {
	schedulerRefreshes.WithLabelValues(outcome).Inc()
}

func IncFallbackServed(key string) {
	fallbacksServed.WithLabelValues(key).Inc()
}

func IncStaleServed(key string) {
	staleServed.WithLabelValues(key).Inc()
}
