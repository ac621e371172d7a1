// Package metrics exposes Lexis's Prometheus collectors: one block per
// concern, registered at package init and scraped via Handler().
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Index/merge metrics (C2).
	MergeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lexis_merge_duration_seconds",
			Help:    "Time taken by one inverted-list merge pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	MergesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lexis_merges_total",
			Help: "Total number of merge passes completed",
		},
	)

	ReadviewGeneration = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lexis_readview_generation",
			Help: "Monotonic generation number of the currently published readview",
		},
	)

	DirtyListsAtMerge = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lexis_merge_dirty_lists",
			Help:    "Number of inverted lists touched per merge pass",
			Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000},
		},
	)

	// Quadtree metrics (C3).
	QuadtreeSplitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lexis_quadtree_splits_total",
			Help: "Total number of quadtree leaf splits",
		},
	)

	QuadtreeMergesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lexis_quadtree_node_merges_total",
			Help: "Total number of quadtree internal-node merges back to leaf",
		},
	)

	// Cache metrics (C8).
	CacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lexis_cache_hits_total",
			Help: "Total number of cache lookups that hit",
		},
	)

	CacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lexis_cache_misses_total",
			Help: "Total number of cache lookups that missed",
		},
	)

	CacheEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lexis_cache_evictions_total",
			Help: "Total number of cache entries evicted to satisfy the byte budget",
		},
	)

	CacheBytesInUse = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lexis_cache_bytes_in_use",
			Help: "Current number of bytes held by the artifact cache",
		},
	)

	// Lock manager metrics (C11).
	LockWaitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lexis_lock_wait_duration_seconds",
			Help:    "Time a blocking lock batch spent queued before being granted",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"level"},
	)

	LockDeniesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lexis_lock_denies_total",
			Help: "Total number of non-blocking lock batches denied",
		},
		[]string{"level"},
	)

	// Cluster state-machine metrics (C12).
	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lexis_cluster_operation_duration_seconds",
			Help:    "Time taken by a cluster operation from start to terminal state",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	OperationsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lexis_cluster_operations_active",
			Help: "Number of in-flight cluster operations by kind",
		},
		[]string{"kind"},
	)

	NotificationsBouncedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lexis_notifications_bounced_total",
			Help: "Total number of notifications bounced back to an unjoined sender",
		},
	)

	// Query/optimiser metrics (C6/C7).
	QueryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lexis_query_latency_seconds",
			Help:    "Per-shard query latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"shard"},
	)

	PlanAlternativesEvaluated = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lexis_plan_alternatives_evaluated",
			Help:    "Number of physical-plan alternatives the optimiser costed before choosing one",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256, 500},
		},
	)

	HistogramRefreshesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lexis_histogram_refreshes_total",
			Help: "Total number of times the optimiser's cost-model histogram statistics were refreshed",
		},
	)

	// Shard migration metrics (C15).
	MigrationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lexis_migration_duration_seconds",
			Help:    "Time taken to stream one shard's index state to another node",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	MigrationsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lexis_migrations_failed_total",
			Help: "Total number of shard migrations that aborted before completing",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(
		MergeDuration,
		MergesTotal,
		ReadviewGeneration,
		DirtyListsAtMerge,
		QuadtreeSplitsTotal,
		QuadtreeMergesTotal,
		CacheHitsTotal,
		CacheMissesTotal,
		CacheEvictionsTotal,
		CacheBytesInUse,
		LockWaitDuration,
		LockDeniesTotal,
		OperationDuration,
		OperationsActive,
		NotificationsBouncedTotal,
		QueryLatency,
		PlanAlternativesEvaluated,
		HistogramRefreshesTotal,
		MigrationDuration,
		MigrationsFailedTotal,
	)
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a small helper for timing an operation and observing it on a
// histogram when done.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer { return &Timer{start: time.Now()} }

// ObserveDuration records the elapsed time on the given histogram.
func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time on a labeled histogram vec.
func (t *Timer) ObserveDurationVec(h prometheus.ObserverVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration { return time.Since(t.start) }
