// Package metrics publishes the Prometheus series the lake cache and
// backfill pipeline emit.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// LakeCacheLockWaitSeconds times how long callers wait to acquire the
	// lake cache's LRU mutex. The lock is only ever held for map
	// manipulation, so this should stay in the microseconds.
	LakeCacheLockWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "lake_cache_lock_wait_seconds",
		Help: "Time spent waiting to acquire the lake cache LRU lock.",
	})

	// LakeCacheSize reports the current number of entries in the LRU.
	LakeCacheSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lake_cache_size",
		Help: "Current number of entries in the lake cache LRU.",
	})

	// LakeCacheHits/Misses count cache hit/miss outcomes.
	LakeCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lake_cache_hits_total",
		Help: "Number of lake cache lookups that found an existing entry.",
	})
	LakeCacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lake_cache_misses_total",
		Help: "Number of lake cache lookups that created a new entry.",
	})

	// LakeS3GetRequestCount counts underlying object-store GET calls that
	// actually reached the origin (i.e. were not served from the cache).
	LakeS3GetRequestCount = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lake_s3_get_request_count",
		Help: "Number of GetObject calls issued to the object store.",
	})

	// BackfillRunsTotal counts pipeline runs by terminal outcome.
	BackfillRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "backfill_runs_total",
		Help: "Backfill pipeline runs by outcome.",
	}, []string{"outcome"})

	// BackfillBlocksPublishedTotal counts block heights enqueued for execution.
	BackfillBlocksPublishedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "backfill_blocks_published_total",
		Help: "Total block heights published to indexer streams by the backfill pipeline.",
	})
)

func init() {
	prometheus.MustRegister(
		LakeCacheLockWaitSeconds,
		LakeCacheSize,
		LakeCacheHits,
		LakeCacheMisses,
		LakeS3GetRequestCount,
		BackfillRunsTotal,
		BackfillBlocksPublishedTotal,
	)
}
