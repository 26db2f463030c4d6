// Package capture implements the capture engine: it pulls pending jobs
// from the store, renders each link's URL in a headless browser behind a
// recording proxy, applies the archiving policies the page declares, and
// assembles the finished WARC into the blob store.
//
// One Engine runs a configurable number of capture workers. Every job
// gets its own proxy, browser, and spool directory; all of it is torn
// down when the job finalizes, whatever the outcome.
package capture

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/permacap/permacap/internal/logger"
	"github.com/permacap/permacap/internal/telemetry"
	"github.com/permacap/permacap/pkg/blob"
	"github.com/permacap/permacap/pkg/capture/browser"
	"github.com/permacap/permacap/pkg/metrics"
	"github.com/permacap/permacap/pkg/models"
	"github.com/permacap/permacap/pkg/store"
)

// Link tags recording degraded outcomes.
const (
	tagTimeoutFailure = "timeout-failure"
	tagBrowserCrashed = "browser-crashed"
	tagMetaFailure    = "meta-tag-retrieval-failure"
)

// idleBackoff is how long a worker sleeps when the queue is empty or a
// deployment sentinel has paused intake.
const idleBackoff = 5 * time.Second

// errHaltCapture aborts the capture phase early. Finalization still
// runs: the link keeps whatever was recorded and the job fails cleanly.
var errHaltCapture = errors.New("capture halted")

// haltf wraps errHaltCapture with the reason the capture stopped.
func haltf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, errHaltCapture)...)
}

// Browser is the rendering side of a capture. *browser.Chrome is the
// production implementation; tests substitute their own.
type Browser interface {
	Navigate(url string)
	AwaitLoad(d time.Duration) error
	Alive() bool
	CurrentURL(ctx context.Context) (string, error)
	Evaluate(ctx context.Context, js string) error
	DOMSnapshot(ctx context.Context) (string, error)
	Scroll(ctx context.Context) error
	Screenshot(ctx context.Context, maxPixels int64) ([]byte, error)
	WalkFrames(ctx context.Context, visit func(browser.Frame)) error
	Close()
}

var _ Browser = (*browser.Chrome)(nil)

// BrowserFactory launches the browser for one job, configured to send
// all page traffic through proxyAddr.
type BrowserFactory func(ctx context.Context, userAgent, proxyAddr string) (Browser, error)

func chromeFactory(ctx context.Context, userAgent, proxyAddr string) (Browser, error) {
	return browser.New(ctx, browser.Options{
		UserAgent: userAgent,
		ProxyAddr: proxyAddr,
	})
}

// Options wires an Engine's dependencies.
type Options struct {
	Config  Config
	Store   *store.GORMStore
	Blobs   blob.Store
	Metrics *metrics.CaptureMetrics

	// NewBrowser overrides the browser launcher. Defaults to headless
	// Chrome.
	NewBrowser BrowserFactory
}

// Engine runs capture workers against the job queue.
type Engine struct {
	cfg        Config
	store      *store.GORMStore
	blobs      blob.Store
	metrics    *metrics.CaptureMetrics
	newBrowser BrowserFactory
	sentinel   *sentinelWatcher
	banned     []*net.IPNet
	hostname   string
}

// NewEngine validates opts and builds an engine. The configuration is
// defaulted and validated here, so a zero-value Config works.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("capture: store is required")
	}
	if opts.Blobs == nil {
		return nil, errors.New("capture: blob store is required")
	}

	cfg := opts.Config
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid capture config: %w", err)
	}

	banned, err := cfg.ParseBannedRanges()
	if err != nil {
		return nil, fmt.Errorf("invalid banned IP ranges: %w", err)
	}

	if cfg.SpoolDir != "" {
		if err := os.MkdirAll(cfg.SpoolDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create spool directory: %w", err)
		}
	}

	factory := opts.NewBrowser
	if factory == nil {
		factory = chromeFactory
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	return &Engine{
		cfg:        cfg,
		store:      opts.Store,
		blobs:      opts.Blobs,
		metrics:    opts.Metrics,
		newBrowser: factory,
		sentinel:   newSentinelWatcher(cfg.DeploymentSentinelPath),
		banned:     banned,
		hostname:   hostname,
	}, nil
}

// Run starts the configured number of capture workers and blocks until
// ctx is cancelled and every worker has drained.
func (e *Engine) Run(ctx context.Context) error {
	e.sentinel.Start()
	defer e.sentinel.Stop()

	logger.Info("capture engine starting", "workers", e.cfg.Workers)

	var wg sync.WaitGroup
	for i := 0; i < e.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			e.workerLoop(ctx, id)
		}(i)
	}
	wg.Wait()

	logger.Info("capture engine stopped")
	return nil
}

// workerLoop claims and runs jobs until ctx is cancelled. An empty queue
// or a present deployment sentinel backs off instead of spinning.
func (e *Engine) workerLoop(ctx context.Context, id int) {
	name := fmt.Sprintf("capture-%d", id)
	logger.Debug("capture worker started", logger.KeyWorker, name)

	for {
		select {
		case <-ctx.Done():
			logger.Debug("capture worker stopping", logger.KeyWorker, name)
			return
		default:
		}

		if e.sentinel.Present() {
			logger.Info("deployment sentinel present, intake paused",
				logger.KeyWorker, name,
				logger.KeyPath, e.cfg.DeploymentSentinelPath)
			sleepCtx(ctx, idleBackoff)
			continue
		}

		ran, err := e.RunNext(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("capture worker error", logger.KeyWorker, name, logger.Err(err))
		}
		if !ran {
			sleepCtx(ctx, idleBackoff)
		}
	}
}

// RunNext reclaims stale jobs, reserves the next pending one, and runs
// it to completion. Returns false when the queue is empty.
func (e *Engine) RunNext(ctx context.Context) (bool, error) {
	reclaimed, err := e.store.ReclaimStaleJobs(ctx, e.cfg.HardTaskTimeLimit)
	if err != nil {
		logger.Warn("failed to reclaim stale jobs", logger.Err(err))
	} else if reclaimed > 0 {
		logger.Info("reclaimed stale capture jobs", "count", reclaimed)
	}

	job, err := e.store.ReserveNextJob(ctx)
	if errors.Is(err, models.ErrNoPendingJobs) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to reserve capture job: %w", err)
	}

	e.runJob(ctx, job)
	return true, nil
}

// runJob drives one reserved job through capture and finalization.
func (e *Engine) runJob(ctx context.Context, job *models.CaptureJob) {
	start := time.Now()
	e.metrics.JobStarted()

	ctx, span := telemetry.StartCaptureSpan(ctx, "job", job.LinkID,
		telemetry.Attempt(job.Attempt))
	defer span.End()
	lc := logger.NewLogContext(job.LinkID, job.ID).
		WithTrace(telemetry.TraceID(ctx), telemetry.SpanID(ctx))
	ctx = logger.WithContext(ctx, lc)

	r := newJobRun(e, job)
	captureErr := r.capture(ctx)
	if captureErr != nil {
		telemetry.RecordError(ctx, captureErr)
	}
	outcome := r.finalize(ctx, captureErr)

	e.metrics.JobFinished(outcome, time.Since(start))
	logger.InfoCtx(ctx, "capture job finished",
		logger.KeyAttempt, job.Attempt,
		logger.KeyStatus, outcome,
		logger.KeyDurationMs, time.Since(start).Milliseconds())
}

// sleepCtx waits for d or until ctx is done, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
