// Package metrics registers the prometheus collectors for the cache
// tiers and the write coalescer.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registry = prometheus.NewRegistry()

var (
	// Cache tier counters. tier is "local" or "remote".
	CacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ember",
		Name:      "cache_hits_total",
		Help:      "Cache hits by tier",
	}, []string{"tier"})

	CacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ember",
		Name:      "cache_misses_total",
		Help:      "Full cache misses (absent from both tiers)",
	})

	RemoteErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ember",
		Name:      "cache_remote_errors_total",
		Help:      "Remote store failures absorbed by the cache, by operation",
	}, []string{"op"})

	Invalidations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ember",
		Name:      "cache_invalidated_keys_total",
		Help:      "Keys removed by pattern invalidation",
	})

	// Coalescer counters. trigger is "size", "timer" or "drain".
	Flushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ember",
		Name:      "coalescer_flushes_total",
		Help:      "Batch flushes by category and trigger",
	}, []string{"category", "trigger"})

	FlushBatchSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ember",
		Name:      "coalescer_batch_size",
		Help:      "Items per flushed batch",
		Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
	}, []string{"category"})

	DroppedBatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ember",
		Name:      "coalescer_dropped_batches_total",
		Help:      "Batches lost to persist failures on the deferred flush path",
	}, []string{"category"})

	DedupedEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ember",
		Name:      "coalescer_deduped_events_total",
		Help:      "Events suppressed by idempotency-key marks",
	}, []string{"category"})
)

func init() {
	registry.MustRegister(
		CacheHits,
		CacheMisses,
		RemoteErrors,
		Invalidations,
		Flushes,
		FlushBatchSize,
		DroppedBatches,
		DedupedEvents,
	)
}

// Handler serves the prometheus exposition endpoint.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
