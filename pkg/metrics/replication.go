package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ============================================================================
// Prometheus Metrics for Internet Archive Replication
// ============================================================================

// ReplicationMetrics tracks replication task outcomes, retry pressure, and
// queue depths. All methods are nil-safe: calls on a nil *ReplicationMetrics
// are no-ops.
type ReplicationMetrics struct {
	// tasksTotal counts finished replication tasks, labeled by kind and outcome.
	tasksTotal *prometheus.CounterVec

	// retriesTotal counts task retries, labeled by error class.
	retriesTotal *prometheus.CounterVec

	// confirmationsTotal counts confirmed file transitions, labeled by terminal state.
	confirmationsTotal *prometheus.CounterVec

	// queueDepth tracks the number of queued tasks per named queue.
	queueDepth *prometheus.GaugeVec

	// tasksInProgress tracks in-flight tasks summed over all daily items.
	tasksInProgress prometheus.Gauge

	// uploadDuration observes wall-clock time per upload attempt.
	uploadDuration prometheus.Histogram

	// uploadedBytesTotal counts bytes shipped to the external archive.
	uploadedBytesTotal prometheus.Counter

	// schedulerSkips counts scheduler passes skipped, labeled by reason.
	schedulerSkips *prometheus.CounterVec
}

// NewReplicationMetrics creates and registers replication metrics with the
// given Prometheus registerer. If reg is nil, metrics are created but not
// registered (useful for testing).
func NewReplicationMetrics(reg prometheus.Registerer) *ReplicationMetrics {
	m := &ReplicationMetrics{
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replication",
			Name:      "tasks_total",
			Help:      "Total number of finished replication tasks",
		}, []string{"kind", "outcome"}),
		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replication",
			Name:      "retries_total",
			Help:      "Total number of replication task retries by error class",
		}, []string{"class"}),
		confirmationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replication",
			Name:      "confirmations_total",
			Help:      "Total number of confirmed file transitions",
		}, []string{"state"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "replication",
			Name:      "queue_depth",
			Help:      "Number of tasks waiting in each named queue",
		}, []string{"queue"}),
		tasksInProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "replication",
			Name:      "tasks_in_progress",
			Help:      "In-flight replication tasks summed over all daily items",
		}),
		uploadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "replication",
			Name:      "upload_duration_seconds",
			Help:      "Wall-clock duration of upload attempts",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		uploadedBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replication",
			Name:      "uploaded_bytes_total",
			Help:      "Total bytes shipped to the external archive",
		}),
		schedulerSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replication",
			Name:      "scheduler_skips_total",
			Help:      "Total number of scheduler passes skipped, by reason",
		}, []string{"reason"}),
	}

	if reg != nil {
		m.tasksTotal = registerOrReuse(reg, m.tasksTotal).(*prometheus.CounterVec)
		m.retriesTotal = registerOrReuse(reg, m.retriesTotal).(*prometheus.CounterVec)
		m.confirmationsTotal = registerOrReuse(reg, m.confirmationsTotal).(*prometheus.CounterVec)
		m.queueDepth = registerOrReuse(reg, m.queueDepth).(*prometheus.GaugeVec)
		m.tasksInProgress = registerOrReuse(reg, m.tasksInProgress).(prometheus.Gauge)
		m.uploadDuration = registerOrReuse(reg, m.uploadDuration).(prometheus.Histogram)
		m.uploadedBytesTotal = registerOrReuse(reg, m.uploadedBytesTotal).(prometheus.Counter)
		m.schedulerSkips = registerOrReuse(reg, m.schedulerSkips).(*prometheus.CounterVec)
	}

	return m
}

// TaskFinished records a finished task with its kind and outcome.
func (m *ReplicationMetrics) TaskFinished(kind, outcome string) {
	if m == nil {
		return
	}
	m.tasksTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordRetry counts a retry by error class.
func (m *ReplicationMetrics) RecordRetry(class string) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(class).Inc()
}

// RecordConfirmation counts a file reaching a confirmed terminal state
// (present or absent).
func (m *ReplicationMetrics) RecordConfirmation(state string) {
	if m == nil {
		return
	}
	m.confirmationsTotal.WithLabelValues(state).Inc()
}

// SetQueueDepth sets the current depth of a named queue.
func (m *ReplicationMetrics) SetQueueDepth(queue string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// SetTasksInProgress sets the global in-flight task gauge.
func (m *ReplicationMetrics) SetTasksInProgress(n int) {
	if m == nil {
		return
	}
	m.tasksInProgress.Set(float64(n))
}

// RecordSchedulerSkip counts a skipped scheduler pass by reason
// (queue_busy, at_capacity).
func (m *ReplicationMetrics) RecordSchedulerSkip(reason string) {
	if m == nil {
		return
	}
	m.schedulerSkips.WithLabelValues(reason).Inc()
}

// ObserveUpload records one upload attempt's duration and payload size.
func (m *ReplicationMetrics) ObserveUpload(bytes int64, duration time.Duration) {
	if m == nil {
		return
	}
	m.uploadDuration.Observe(duration.Seconds())
	if bytes > 0 {
		m.uploadedBytesTotal.Add(float64(bytes))
	}
}
