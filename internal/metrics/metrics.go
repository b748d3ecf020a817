// Package metrics defines Prometheus metrics for polygraph.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "polygraph_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "polygraph_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	TraversalDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "polygraph_traversal_duration_seconds",
			Help:    "Graph traversal duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	CacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "polygraph_cache_hits_total",
			Help: "Result cache hits",
		},
	)

	CacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "polygraph_cache_misses_total",
			Help: "Result cache misses",
		},
	)

	CacheBypasses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "polygraph_cache_bypasses_total",
			Help: "Result cache deliberate bypasses",
		},
	)
)

// Register adds all polygraph metrics to the given registry.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		RequestDuration,
		RequestsTotal,
		TraversalDuration,
		CacheHits,
		CacheMisses,
		CacheBypasses,
	)
}
