// Package metrics exposes Prometheus instrumentation for the layer pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FetchAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "solarscan_fetch_attempts_total",
		Help: "Total upstream GeoTIFF fetch attempts",
	}, []string{"outcome"})
	FetchRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "solarscan_fetch_retries_total",
		Help: "Total upstream fetch retries after a transient failure",
	})
	FetchDurationMs = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "solarscan_fetch_duration_ms",
		Help:    "Upstream fetch duration in milliseconds",
		Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
	})
	LayerRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "solarscan_layer_requests_total",
		Help: "Total layer render requests by type and outcome",
	}, []string{"layer", "outcome"})
	LayerDurationMs = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "solarscan_layer_duration_ms",
		Help:    "End-to-end layer pipeline duration in milliseconds",
		Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"layer"})
	SyntheticFallbacksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "solarscan_synthetic_fallbacks_total",
		Help: "Total responses served from the synthetic fallback renderer",
	})
	CacheHitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "solarscan_cache_hits_total",
		Help: "Cache hits by cache tier",
	}, []string{"tier"})
	CacheMissesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "solarscan_cache_misses_total",
		Help: "Cache misses by cache tier",
	}, []string{"tier"})
)

func init() {
	prometheus.MustRegister(FetchAttemptsTotal)
	prometheus.MustRegister(FetchRetriesTotal)
	prometheus.MustRegister(FetchDurationMs)
	prometheus.MustRegister(LayerRequestsTotal)
	prometheus.MustRegister(LayerDurationMs)
	prometheus.MustRegister(SyntheticFallbacksTotal)
	prometheus.MustRegister(CacheHitsTotal)
	prometheus.MustRegister(CacheMissesTotal)
}

// Handler returns the Prometheus scrape handler mounted at /metrics.
func Handler() http.Handler { return promhttp.Handler() }
