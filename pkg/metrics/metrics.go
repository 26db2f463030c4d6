// Package metrics provides Prometheus instrumentation for the capture
// engine and the replication state machine, plus the HTTP server that
// exposes them.
//
// All metric types are nil-safe: methods called on a nil receiver are
// no-ops, so components can be handed a nil metrics handle when
// collection is disabled and pay nothing for it.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "permacap"

// registerOrReuse registers a collector with the given registerer.
// If the collector is already registered, it returns the existing one
// from the registry so that metrics continue to be exported correctly
// on restart. Panics on non-AlreadyRegisteredError failures.
func registerOrReuse(reg prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
		panic(err)
	}
	return c
}

// Server exposes a Prometheus registry over HTTP on /metrics.
type Server struct {
	httpServer *http.Server
}

// NewServer creates a metrics HTTP server for the given registry.
// The registry is pre-populated with Go runtime and process collectors.
func NewServer(port int, reg *prometheus.Registry) *Server {
	registerOrReuse(reg, collectors.NewGoCollector())
	registerOrReuse(reg, collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start serves the metrics endpoint. Blocks until the server stops.
// Returns nil on graceful shutdown.
func (s *Server) Start() error {
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the metrics server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Addr returns the listen address of the metrics server.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}
