// Package metrics exposes the storage node's Prometheus instrumentation:
// disk health and usage, rowset lifecycle counts, and transaction/publish
// latencies.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Disk / DataDir metrics.
	DataDirsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "storagenode_data_dirs_total",
			Help: "Total number of configured data directories by health state",
		},
		[]string{"state"},
	)

	DataDirUsageRatio = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "storagenode_data_dir_usage_ratio",
			Help: "Fraction of capacity used, per data directory path",
		},
		[]string{"path"},
	)

	DiskStatCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "storagenode_disk_stat_cycles_total",
			Help: "Total number of disk-stat monitor cycles completed",
		},
	)

	// Placement metrics.
	PlacementLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "storagenode_placement_latency_seconds",
			Help:    "Time taken to compute stores_for_create_tablet",
			Buckets: prometheus.DefBuckets,
		},
	)

	TabletsPlacedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storagenode_tablets_placed_total",
			Help: "Total number of tablet placements by storage medium",
		},
		[]string{"medium"},
	)

	// Rowset lifecycle metrics.
	PendingRowsetsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "storagenode_pending_rowsets_total",
			Help: "Current number of rowsets held by writers (pending set)",
		},
	)

	UnusedRowsetsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "storagenode_unused_rowsets_total",
			Help: "Current number of rowsets awaiting GC deletion",
		},
	)

	QueryingRowsetsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "storagenode_querying_rowsets_total",
			Help: "Current number of rowsets pinned by open query snapshots",
		},
	)

	RowsetsDeletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "storagenode_rowsets_deleted_total",
			Help: "Total number of rowsets removed by the unused-rowset GC sweeper",
		},
	)

	GCSweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "storagenode_gc_sweep_duration_seconds",
			Help:    "Time taken for one unused-rowset GC sweep",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Trash / snapshot sweep metrics.
	TrashEntriesDeletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storagenode_trash_entries_deleted_total",
			Help: "Total number of trash/snapshot entries deleted by kind",
		},
		[]string{"kind"},
	)

	TrashSweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "storagenode_trash_sweep_duration_seconds",
			Help:    "Time taken for one trash sweep cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	MetaCleanupOrphansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storagenode_meta_cleanup_orphans_total",
			Help: "Total number of orphaned meta records removed by kind",
		},
		[]string{"kind"},
	)

	// Transaction metrics.
	TransactionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "storagenode_transactions_total",
			Help: "Number of transitions into each transaction status since start",
		},
		[]string{"status"},
	)

	TransactionBeginTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storagenode_transaction_begin_total",
			Help: "Total number of begin-transaction calls by result",
		},
		[]string{"result"},
	)

	TransactionCommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "storagenode_transaction_commit_duration_seconds",
			Help:    "Time taken to commit a transaction",
			Buckets: prometheus.DefBuckets,
		},
	)

	TransactionLockHoldDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "storagenode_transaction_lock_hold_duration_seconds",
			Help:    "Time the per-database write lock was held",
			Buckets: prometheus.DefBuckets,
		},
	)

	TransactionsExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "storagenode_transactions_expired_total",
			Help: "Total number of final transactions drained by expiry",
		},
	)

	TransactionsTimedOutTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "storagenode_transactions_timed_out_total",
			Help: "Total number of running transactions aborted for timeout",
		},
	)

	// Publish metrics.
	PublishQuorumResult = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storagenode_publish_quorum_result_total",
			Help: "Total publish finish attempts by verdict",
		},
		[]string{"verdict"},
	)

	PublishWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "storagenode_publish_wait_duration_seconds",
			Help:    "Time from first publish attempt to VISIBLE or timeout promotion",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		},
	)
)

func init() {
	prometheus.MustRegister(
		DataDirsTotal,
		DataDirUsageRatio,
		DiskStatCyclesTotal,
		PlacementLatency,
		TabletsPlacedTotal,
		PendingRowsetsTotal,
		UnusedRowsetsTotal,
		QueryingRowsetsTotal,
		RowsetsDeletedTotal,
		GCSweepDuration,
		TrashEntriesDeletedTotal,
		TrashSweepDuration,
		MetaCleanupOrphansTotal,
		TransactionsTotal,
		TransactionBeginTotal,
		TransactionCommitDuration,
		TransactionLockHoldDuration,
		TransactionsExpiredTotal,
		TransactionsTimedOutTotal,
		PublishQuorumResult,
		PublishWaitDuration,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed time for observing into a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time into histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time into a labeled histogram vec.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
