package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/permacap/permacap/internal/logger"
	"github.com/permacap/permacap/internal/telemetry"
	"github.com/permacap/permacap/pkg/api"
	"github.com/permacap/permacap/pkg/blob"
	"github.com/permacap/permacap/pkg/capture"
	"github.com/permacap/permacap/pkg/config"
	"github.com/permacap/permacap/pkg/replication"
	"github.com/permacap/permacap/pkg/store"
)

var (
	foreground bool
	pidFile    string
	logFile    string
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the permacap daemon",
	Long: `Start the permacap daemon with the specified configuration.

The daemon runs the capture workers, the replication state machine, and
the operational HTTP API. By default it runs in the background (daemon
mode). Use --foreground to run in the foreground for debugging or when
managed by a process supervisor.

Use --config to specify a custom configuration file, or it will use the
default location at $XDG_CONFIG_HOME/permacap/config.yaml.

Examples:
  # Start in background (default)
  permacap start

  # Start in foreground
  permacap start --foreground

  # Start with custom config file
  permacap start --config /etc/permacap/config.yaml

  # Start with environment variable overrides
  PERMACAP_LOGGING_LEVEL=DEBUG permacap start --foreground`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().BoolVarP(&foreground, "foreground", "f", false, "Run in foreground (default: background/daemon mode)")
	startCmd.Flags().StringVar(&pidFile, "pid-file", "", "Path to PID file (default: $XDG_STATE_HOME/permacap/permacap.pid)")
	startCmd.Flags().StringVar(&logFile, "log-file", "", "Path to log file for daemon mode (default: $XDG_STATE_HOME/permacap/permacap.log)")
}

func runStart(cmd *cobra.Command, args []string) error {
	// Handle daemon mode (background)
	if !foreground {
		return startDaemon()
	}

	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	// Initialize the structured logger
	if err := InitLogger(cfg); err != nil {
		return err
	}

	// Create cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize OpenTelemetry (if enabled)
	telemetryCfg := telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "permacap",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	}
	telemetryShutdown, err := telemetry.Init(ctx, telemetryCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := telemetryShutdown(ctx); err != nil {
			logger.Error("telemetry shutdown error", "error", err)
		}
	}()

	// Initialize Pyroscope profiling (if enabled)
	profilingCfg := telemetry.ProfilingConfig{
		Enabled:        cfg.Telemetry.Profiling.Enabled,
		ServiceName:    "permacap",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Profiling.Endpoint,
		ProfileTypes:   cfg.Telemetry.Profiling.ProfileTypes,
	}
	profilingShutdown, err := telemetry.InitProfiling(profilingCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize profiling: %w", err)
	}
	defer func() {
		if err := profilingShutdown(); err != nil {
			logger.Error("profiling shutdown error", "error", err)
		}
	}()

	logger.Info("Permacap starting", "version", Version)
	logger.Info("Configuration loaded", "source", getConfigSource(GetConfigFile()))
	if telemetry.IsEnabled() {
		logger.Info("Telemetry enabled", "endpoint", cfg.Telemetry.Endpoint, "sample_rate", cfg.Telemetry.SampleRate)
	}
	if telemetry.IsProfilingEnabled() {
		logger.Info("Profiling enabled", "endpoint", cfg.Telemetry.Profiling.Endpoint)
	}

	// Initialize metrics (if enabled)
	metricsResult := config.InitializeMetrics(cfg)

	// Initialize the link store
	st, err := store.New(ctx, &cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer func() { _ = st.Close() }()
	logger.Info("Store initialized", "type", cfg.Database.Type)

	// Initialize the blob store for finished archives
	blobs, err := blob.New(ctx, &cfg.Blob)
	if err != nil {
		return fmt.Errorf("failed to initialize blob store: %w", err)
	}
	logger.Info("Blob store initialized", "type", cfg.Blob.Type)

	// Build the capture engine
	captureEngine, err := capture.NewEngine(capture.Options{
		Config:  cfg.Capture,
		Store:   st,
		Blobs:   blobs,
		Metrics: metricsResult.Capture,
	})
	if err != nil {
		return fmt.Errorf("failed to build capture engine: %w", err)
	}

	// Build the replication engine (capture-only nodes leave it off)
	var replicationEngine *replication.Engine
	if cfg.Replication.Enabled {
		replicationEngine, err = replication.New(replication.Options{
			Config:  cfg.Replication,
			IA:      cfg.InternetArchive,
			Store:   st,
			Blobs:   blobs,
			Metrics: metricsResult.Replication,
		})
		if err != nil {
			return fmt.Errorf("failed to build replication engine: %w", err)
		}
	} else {
		logger.Info("Replication disabled, running capture-only")
	}

	// Build the operational API server. The metrics registry rides along
	// when metrics are enabled.
	var gatherer prometheus.Gatherer
	if metricsResult.Registry != nil {
		gatherer = metricsResult.Registry
	}
	apiServer := api.NewServer(cfg.API, st, gatherer)
	logger.Info("API server configured", "port", apiServer.Port())

	// Write PID file if specified
	if pidFile != "" {
		if err := os.WriteFile(pidFile, []byte(fmt.Sprintf("%d", os.Getpid())), 0644); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = os.Remove(pidFile) }()
	}

	// Start every component; the first failure stops the daemon.
	var wg sync.WaitGroup
	errChan := make(chan error, 4)
	runComponent := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				errChan <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	runComponent("capture engine", func() error { return captureEngine.Run(ctx) })
	if replicationEngine != nil {
		runComponent("replication engine", func() error { return replicationEngine.Run(ctx) })
	}
	runComponent("api server", func() error { return apiServer.Start(ctx) })
	if metricsResult.Server != nil {
		logger.Info("Metrics enabled", "port", cfg.Metrics.Port)
		runComponent("metrics server", func() error { return metricsResult.Server.Start() })
	}

	// Wait for interrupt signal or component error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Permacap is running. Press Ctrl+C to stop.")

	var runErr error
	select {
	case <-sigChan:
		logger.Info("Shutdown signal received, initiating graceful shutdown")
	case err := <-errChan:
		logger.Error("Component failed", "error", err)
		runErr = err
	}
	signal.Stop(sigChan)
	cancel()

	// The metrics server does not watch the context; stop it explicitly.
	if metricsResult.Server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		if err := metricsResult.Server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Metrics server shutdown error", "error", err)
		}
		shutdownCancel()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("Permacap stopped gracefully")
	case <-time.After(cfg.ShutdownTimeout):
		logger.Warn("Shutdown timed out", "timeout", cfg.ShutdownTimeout.String())
	}

	return runErr
}

// getConfigSource returns a description of where the config was loaded from.
func getConfigSource(configFile string) string {
	if configFile != "" {
		return configFile
	}
	if config.DefaultConfigExists() {
		return config.GetDefaultConfigPath()
	}
	return "defaults"
}
