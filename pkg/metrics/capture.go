package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ============================================================================
// Prometheus Metrics for Capture Jobs
// ============================================================================

// CaptureMetrics tracks capture job lifecycle, proxy traffic, and WARC output.
// All methods are nil-safe: calls on a nil *CaptureMetrics are no-ops.
type CaptureMetrics struct {
	// jobsTotal counts finished capture jobs, labeled by outcome.
	jobsTotal *prometheus.CounterVec

	// jobDuration observes wall-clock time per finished capture job.
	jobDuration prometheus.Histogram

	// phaseDuration observes wall-clock time per orchestrator phase.
	phaseDuration *prometheus.HistogramVec

	// activeJobs tracks the number of captures currently in flight.
	activeJobs prometheus.Gauge

	// proxyResponsesTotal counts proxied responses, labeled by final state.
	proxyResponsesTotal *prometheus.CounterVec

	// truncationsTotal counts truncated records, labeled by reason.
	truncationsTotal *prometheus.CounterVec

	// recordedBytesTotal counts bytes written into temporary WARCs.
	recordedBytesTotal prometheus.Counter

	// warcBytes observes the size of finished WARC files.
	warcBytes prometheus.Histogram
}

// NewCaptureMetrics creates and registers capture metrics with the given
// Prometheus registerer. If reg is nil, metrics are created but not
// registered (useful for testing).
//
// On re-registration, existing collectors from the registry are reused so
// that metrics continue to be exported correctly.
func NewCaptureMetrics(reg prometheus.Registerer) *CaptureMetrics {
	m := &CaptureMetrics{
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "jobs_total",
			Help:      "Total number of finished capture jobs",
		}, []string{"outcome"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "job_duration_seconds",
			Help:      "Wall-clock duration of finished capture jobs",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "phase_duration_seconds",
			Help:      "Wall-clock duration of capture phases",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120},
		}, []string{"phase"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "active_jobs",
			Help:      "Number of capture jobs currently in progress",
		}),
		proxyResponsesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "responses_total",
			Help:      "Total number of proxied responses by final state",
		}, []string{"state"}),
		truncationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "truncations_total",
			Help:      "Total number of truncated response records by reason",
		}, []string{"reason"}),
		recordedBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "recorded_bytes_total",
			Help:      "Total bytes recorded into temporary WARC files",
		}),
		warcBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "warc_bytes",
			Help:      "Size of finished WARC files in bytes",
			Buckets:   prometheus.ExponentialBuckets(64*1024, 4, 10),
		}),
	}

	if reg != nil {
		m.jobsTotal = registerOrReuse(reg, m.jobsTotal).(*prometheus.CounterVec)
		m.jobDuration = registerOrReuse(reg, m.jobDuration).(prometheus.Histogram)
		m.phaseDuration = registerOrReuse(reg, m.phaseDuration).(*prometheus.HistogramVec)
		m.activeJobs = registerOrReuse(reg, m.activeJobs).(prometheus.Gauge)
		m.proxyResponsesTotal = registerOrReuse(reg, m.proxyResponsesTotal).(*prometheus.CounterVec)
		m.truncationsTotal = registerOrReuse(reg, m.truncationsTotal).(*prometheus.CounterVec)
		m.recordedBytesTotal = registerOrReuse(reg, m.recordedBytesTotal).(prometheus.Counter)
		m.warcBytes = registerOrReuse(reg, m.warcBytes).(prometheus.Histogram)
	}

	return m
}

// JobStarted increments the active job gauge.
func (m *CaptureMetrics) JobStarted() {
	if m == nil {
		return
	}
	m.activeJobs.Inc()
}

// JobFinished records a finished job with its outcome and duration,
// and decrements the active job gauge.
func (m *CaptureMetrics) JobFinished(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.activeJobs.Dec()
	m.jobsTotal.WithLabelValues(outcome).Inc()
	m.jobDuration.Observe(duration.Seconds())
}

// ObservePhase records the duration of one orchestrator phase.
func (m *CaptureMetrics) ObservePhase(phase string, duration time.Duration) {
	if m == nil {
		return
	}
	m.phaseDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

// RecordResponse counts a proxied response reaching a final state
// (complete, truncated, or failed).
func (m *CaptureMetrics) RecordResponse(state string) {
	if m == nil {
		return
	}
	m.proxyResponsesTotal.WithLabelValues(state).Inc()
}

// RecordTruncation counts a truncated record by reason (length or time).
func (m *CaptureMetrics) RecordTruncation(reason string) {
	if m == nil {
		return
	}
	m.truncationsTotal.WithLabelValues(reason).Inc()
}

// AddRecordedBytes adds to the total bytes recorded by the proxy.
func (m *CaptureMetrics) AddRecordedBytes(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.recordedBytesTotal.Add(float64(n))
}

// ObserveWARCSize records the size of a finished WARC file.
func (m *CaptureMetrics) ObserveWARCSize(bytes int64) {
	if m == nil {
		return
	}
	m.warcBytes.Observe(float64(bytes))
}
