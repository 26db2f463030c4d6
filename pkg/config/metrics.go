package config

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/permacap/permacap/pkg/metrics"
)

// MetricsResult holds the initialized metrics surface.
// All fields are nil when metrics are disabled; the metric types are
// nil-safe so components can use them unconditionally.
type MetricsResult struct {
	// Registry collects every permacap metric, for exposure on the
	// operational API.
	Registry *prometheus.Registry

	// Server is the /metrics HTTP server, nil when metrics are disabled.
	Server *metrics.Server

	// Capture instruments the capture engine.
	Capture *metrics.CaptureMetrics

	// Replication instruments the replication state machine.
	Replication *metrics.ReplicationMetrics
}

// InitializeMetrics creates the Prometheus registry, metric sets, and the
// metrics HTTP server when metrics are enabled. When disabled it returns a
// zero MetricsResult, which costs nothing at runtime.
func InitializeMetrics(cfg *Config) MetricsResult {
	if !cfg.Metrics.Enabled {
		return MetricsResult{}
	}

	reg := prometheus.NewRegistry()
	return MetricsResult{
		Registry:    reg,
		Server:      metrics.NewServer(cfg.Metrics.Port, reg),
		Capture:     metrics.NewCaptureMetrics(reg),
		Replication: metrics.NewReplicationMetrics(reg),
	}
}
