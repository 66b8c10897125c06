package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry metrics (§3, §8 — the two cluster-state custom sections)
	SnapshotEntriesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "snapguard_snapshot_entries_total",
			Help: "Number of SnapshotsInProgress entries by repository and state",
		},
		[]string{"repository", "state"},
	)

	DeletionEntriesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "snapguard_deletion_entries_total",
			Help: "Number of SnapshotDeletionsInProgress entries by repository and state",
		},
		[]string{"repository", "state"},
	)

	RepositoriesQuarantinedTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "snapguard_repositories_quarantined_total",
			Help: "Number of repositories currently quarantined",
		},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "snapguard_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "snapguard_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	// Arbiter / finalization metrics (§4.5, §8)
	FinalizationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "snapguard_finalization_duration_seconds",
			Help:    "Time spent writing a new index-N, by repository",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"repository"},
	)

	FinalizationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapguard_finalizations_total",
			Help: "Total number of repository generation finalizations, by repository and outcome",
		},
		[]string{"repository", "outcome"},
	)

	ArbiterQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "snapguard_arbiter_queue_depth",
			Help: "Number of finalization requests queued per repository",
		},
		[]string{"repository"},
	)

	// Shard upload metrics (§4.2)
	ShardUploadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "snapguard_shard_upload_duration_seconds",
			Help:    "Time taken to upload a single shard's segments",
			Buckets: prometheus.DefBuckets,
		},
	)

	ShardUploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapguard_shard_uploads_total",
			Help: "Total number of shard uploads by outcome",
		},
		[]string{"outcome"},
	)

	// Failover metrics (§4.6, §9)
	FailoverReconciliationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "snapguard_failover_reconciliations_total",
			Help: "Total number of times this node redrove in-flight entries after becoming master",
		},
	)
)

func init() {
	prometheus.MustRegister(SnapshotEntriesTotal)
	prometheus.MustRegister(DeletionEntriesTotal)
	prometheus.MustRegister(RepositoriesQuarantinedTotal)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftAppliedIndex)
	prometheus.MustRegister(FinalizationDuration)
	prometheus.MustRegister(FinalizationsTotal)
	prometheus.MustRegister(ArbiterQueueDepth)
	prometheus.MustRegister(ShardUploadDuration)
	prometheus.MustRegister(ShardUploadsTotal)
	prometheus.MustRegister(FailoverReconciliationsTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
