// Package replication ships finished WARCs to the Internet Archive and
// tracks each link's presence there through a per-file state machine.
//
// Links are bucketed into daily items named after their creation day. An
// upload moves a file through upload_attempted and upload_submitted; the
// archive processes uploads asynchronously, so a separate confirmation
// poller later verifies the file's metadata and flips it to
// confirmed_present. Deletions mirror that path. Retries are governed by
// per-class budgets, and a daily-batch scheduler spreads work across days
// without exceeding the archive's appetite.
package replication

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/permacap/permacap/internal/logger"
	"github.com/permacap/permacap/pkg/blob"
	"github.com/permacap/permacap/pkg/ia"
	"github.com/permacap/permacap/pkg/metrics"
	"github.com/permacap/permacap/pkg/store"
)

// Archive is the external archive surface the tasks call. *ia.Client is
// the production implementation; tests substitute their own.
type Archive interface {
	GetItem(ctx context.Context, identifier string) (*ia.Item, error)
	UploadFile(ctx context.Context, up ia.UploadRequest) error
	DeleteFile(ctx context.Context, bucket, key string) error
	GetS3LoadInfo(ctx context.Context, bucket string) (*ia.LoadInfo, error)
}

var _ Archive = (*ia.Client)(nil)

// Options wires an Engine's dependencies.
type Options struct {
	Config Config
	IA     ia.Config

	Store   *store.GORMStore
	Blobs   blob.Store
	Metrics *metrics.ReplicationMetrics

	// Archive overrides the external archive client. Defaults to
	// ia.New(IA).
	Archive Archive
}

// Engine owns the two task queues and the periodic schedulers.
type Engine struct {
	cfg     Config
	iaCfg   ia.Config
	store   *store.GORMStore
	blobs   blob.Store
	archive Archive
	metrics *metrics.ReplicationMetrics

	writes *TaskQueue
	reads  *TaskQueue
}

// New validates opts and builds an engine. Configurations are defaulted
// and validated here, so zero-value configs work in tests.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("replication: store is required")
	}
	if opts.Blobs == nil {
		return nil, errors.New("replication: blob store is required")
	}

	cfg := opts.Config
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid replication config: %w", err)
	}

	iaCfg := opts.IA
	iaCfg.ApplyDefaults()

	archive := opts.Archive
	if archive == nil {
		archive = ia.New(iaCfg)
	}

	return &Engine{
		cfg:     cfg,
		iaCfg:   iaCfg,
		store:   opts.Store,
		blobs:   opts.Blobs,
		archive: archive,
		metrics: opts.Metrics,
		writes:  NewTaskQueue(QueueIA, cfg.QueueWorkers, cfg.QueueSize, cfg.SoftTaskTimeLimit, opts.Metrics),
		reads:   NewTaskQueue(QueueIAReadonly, cfg.ReadonlyQueueWorkers, cfg.QueueSize, cfg.SoftTaskTimeLimit, opts.Metrics),
	}, nil
}

// Run starts the queues and drives the schedulers until ctx is
// cancelled, then drains the queues.
func (e *Engine) Run(ctx context.Context) error {
	e.writes.Start()
	e.reads.Start()

	logger.Info("replication engine starting",
		"scheduler_interval", e.cfg.SchedulerInterval.String(),
		"confirmation_interval", e.cfg.ConfirmationInterval.String())

	scheduler := time.NewTicker(e.cfg.SchedulerInterval)
	defer scheduler.Stop()
	confirmations := time.NewTicker(e.cfg.ConfirmationInterval)
	defer confirmations.Stop()

	for {
		select {
		case <-ctx.Done():
			e.writes.Stop(e.cfg.StopTimeout)
			e.reads.Stop(e.cfg.StopTimeout)
			logger.Info("replication engine stopped")
			return nil
		case <-scheduler.C:
			e.ScheduleCycle(ctx)
			e.publishGauges(ctx)
		case <-confirmations.C:
			e.ScheduleConfirmations(ctx)
		}
	}
}

// publishGauges refreshes the in-flight task gauge from the database.
func (e *Engine) publishGauges(ctx context.Context) {
	if e.metrics == nil {
		return
	}
	inFlight, err := e.store.SumTasksInProgress(ctx)
	if err != nil {
		return
	}
	e.metrics.SetTasksInProgress(inFlight)
}

// newBudgets builds the retry budgets one logical task carries across
// its re-enqueues.
func (e *Engine) newBudgets() *RetryBudgets {
	return &RetryBudgets{
		RateLimit:  e.cfg.RetryForRateLimitingLimit,
		Timeout:    e.cfg.UploadMaxTimeouts,
		Error:      e.cfg.RetryForErrorLimit,
		Connection: e.cfg.RetryForConfirmationConnectionError,
	}
}

// budgetExhausted logs a task giving up. Exhaustion leaves the file in
// its current status with the item's in-flight counter still held;
// operators see the stuck counter in the capacity numbers and the log.
func (e *Engine) budgetExhausted(kind, guid string, class Class, budgets *RetryBudgets) {
	e.metrics.TaskFinished(kind, "budget_exhausted")
	msg := "not retrying: retry maximum reached"
	args := []any{
		logger.KeyTask, kind,
		logger.GUID(guid),
		logger.KeyRetryClass, string(class),
		logger.KeyRetries, budgets.Attempts(class),
	}
	if e.cfg.StrictBudgets {
		logger.Error(msg, args...)
		return
	}
	logger.Warn(msg, args...)
}
