package replication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/permacap/permacap/internal/logger"
	"github.com/permacap/permacap/internal/telemetry"
	"github.com/permacap/permacap/pkg/blob"
	"github.com/permacap/permacap/pkg/ia"
	"github.com/permacap/permacap/pkg/models"
)

const taskUpload = "upload"

// EnqueueUpload queues a link's WARC for upload to its daily item with a
// fresh set of retry budgets. Returns false when the write queue is full
// or stopped; the scheduler rediscovers the link on its next pass.
func (e *Engine) EnqueueUpload(guid string) bool {
	return e.writes.Enqueue(e.uploadTask(guid, e.newBudgets()))
}

func (e *Engine) uploadTask(guid string, budgets *RetryBudgets) Task {
	return Task{
		Kind: taskUpload,
		GUID: guid,
		Run: func(ctx context.Context) {
			ctx, span := telemetry.StartTaskSpan(ctx, taskUpload, guid)
			defer span.End()
			e.runUpload(ctx, guid, budgets)
		},
	}
}

// runUpload ships one link's WARC into its daily item. The archive
// accepts uploads asynchronously, so success here means upload_submitted;
// the confirmation poller later flips the file to confirmed_present and
// releases the item's in-flight slot.
func (e *Engine) runUpload(ctx context.Context, guid string, budgets *RetryBudgets) {
	link, err := e.store.GetLink(ctx, guid)
	if err != nil {
		logger.Error("failed to load link for upload", logger.Err(err), logger.GUID(guid))
		e.metrics.TaskFinished(taskUpload, "error")
		return
	}
	if !link.EligibleForReplication() {
		logger.Info("queued link no longer eligible for upload", logger.GUID(guid))
		e.metrics.TaskFinished(taskUpload, "skipped")
		return
	}

	item, err := e.store.GetOrCreateItemForTime(ctx, e.iaCfg.IdentifierPrefix, link.CreatedAt)
	if err != nil {
		logger.Error("failed to resolve daily item", logger.Err(err), logger.GUID(guid))
		e.metrics.TaskFinished(taskUpload, "error")
		return
	}
	telemetry.SetAttributes(ctx, telemetry.Item(item.Identifier))

	file, err := e.store.GetFileForLink(ctx, item.ID, guid)
	switch {
	case err == nil:
		switch file.Status {
		case models.FileStatusConfirmedPresent:
			logger.Info("not uploading: already confirmed present",
				logger.GUID(guid), logger.Item(item.Identifier))
			e.metrics.TaskFinished(taskUpload, "skipped")
			return
		case models.FileStatusDeletionAttempted, models.FileStatusDeletionSubmitted:
			// Both paths active at once needs a human to untangle.
			logger.Error("please investigate: deletion in progress but an upload was attempted",
				logger.GUID(guid), logger.Item(item.Identifier), logger.KeyStatus, string(file.Status))
			e.metrics.TaskFinished(taskUpload, "conflict")
			return
		case models.FileStatusUploadAttempted, models.FileStatusUploadSubmitted:
			logger.Info("potentially redundant upload attempt",
				logger.GUID(guid), logger.Item(item.Identifier), logger.KeyStatus, string(file.Status))
		case models.FileStatusConfirmedAbsent:
			logger.Info("re-uploading previously deleted link",
				logger.GUID(guid), logger.Item(item.Identifier))
		default:
			logger.Warn("not uploading: unhandled file status",
				logger.GUID(guid), logger.Item(item.Identifier), logger.KeyStatus, string(file.Status))
			e.metrics.TaskFinished(taskUpload, "skipped")
			return
		}
	case errors.Is(err, models.ErrFileNotFound):
		file = &models.InternetArchiveFile{
			ItemID: item.ID,
			LinkID: guid,
			Status: models.FileStatusUploadAttempted,
		}
		if cerr := e.store.CreateFile(ctx, file); cerr != nil {
			if !errors.Is(cerr, models.ErrDuplicateFile) {
				logger.Error("failed to create file record", logger.Err(cerr), logger.GUID(guid))
				e.metrics.TaskFinished(taskUpload, "error")
				return
			}
			// Lost a create race; use the winner's row.
			file, err = e.store.GetFileForLink(ctx, item.ID, guid)
			if err != nil {
				logger.Error("failed to load file record", logger.Err(err), logger.GUID(guid))
				e.metrics.TaskFinished(taskUpload, "error")
				return
			}
		}
		logger.Info("uploading link to daily item", logger.GUID(guid), logger.Item(item.Identifier))
	default:
		logger.Error("failed to load file record", logger.Err(err), logger.GUID(guid))
		e.metrics.TaskFinished(taskUpload, "error")
		return
	}

	// Hold an in-flight slot for the item and record the attempt. The
	// slot stays held until a retry, or until the poller confirms.
	if err := e.store.UpdateFileStatus(ctx, file.ID, models.FileStatusUploadAttempted, 1); err != nil {
		logger.Error("failed to record upload attempt", logger.Err(err), logger.GUID(guid))
		e.metrics.TaskFinished(taskUpload, "error")
		return
	}

	info, err := e.archive.GetS3LoadInfo(ctx, item.Identifier)
	if err != nil {
		if ia.IsConnectionError(err) {
			logger.Info("requeued upload after a connection error",
				logger.GUID(guid), logger.Item(item.Identifier), logger.Err(err))
			e.retryUpload(item.ID, guid, budgets, ClassConnection)
			return
		}
		logger.Warn("load probe failed, deferring upload",
			logger.Err(err), logger.Item(item.Identifier))
		info = nil
	}
	margin := e.iaCfg.TaskLimitMargin
	if info == nil || info.Overloaded() ||
		info.AccessKeyShareApproaching(margin) ||
		info.GlobalShareApproaching(margin) ||
		info.BucketShareApproaching(margin) {
		logger.Warn("upload deferred by archive load",
			logger.GUID(guid), logger.Item(item.Identifier))
		if budgets.Allow(ClassRateLimit) {
			e.retryUpload(item.ID, guid, budgets, ClassRateLimit)
		} else {
			e.budgetExhausted(taskUpload, guid, ClassRateLimit, budgets)
		}
		return
	}

	// The item listing decides whether this upload must also create the
	// item: the first file of a new day carries the item metadata.
	extItem, err := e.archive.GetItem(ctx, item.Identifier)
	if err != nil {
		if ia.IsConnectionError(err) {
			logger.Info("requeued upload after a connection error",
				logger.GUID(guid), logger.Item(item.Identifier), logger.Err(err))
			e.retryUpload(item.ID, guid, budgets, ClassConnection)
			return
		}
		logger.Warn("failed to fetch item metadata, will retry if allowed",
			logger.Err(err), logger.Item(item.Identifier))
		if budgets.Allow(ClassError) {
			e.retryUpload(item.ID, guid, budgets, ClassError)
		} else {
			e.budgetExhausted(taskUpload, guid, ClassError, budgets)
		}
		return
	}

	tmp, size, err := e.stageWARC(ctx, guid)
	if err != nil {
		e.classifyUploadFailure(ctx, item, guid, budgets, err)
		return
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	var itemMeta map[string]string
	if !extItem.Exists() {
		itemMeta = ItemMetadataForDate(e.iaCfg.Collection, item.SpanStart)
	}

	started := time.Now()
	err = e.archive.UploadFile(ctx, ia.UploadRequest{
		Bucket:       item.Identifier,
		Key:          ia.WARCKey(guid),
		Body:         tmp,
		Size:         size,
		ItemMetadata: itemMeta,
		FileMetadata: FileMetadataForLink(link),
		QueueDerive:  false,
	})
	if err != nil {
		e.classifyUploadFailure(ctx, item, guid, budgets, err)
		return
	}

	// The archive accepted the body; record that even if the task clock
	// ran out while it streamed.
	if err := e.store.UpdateFileStatus(context.Background(), file.ID, models.FileStatusUploadSubmitted, 0); err != nil {
		logger.Error("failed to record submitted upload", logger.Err(err),
			logger.GUID(guid), logger.Item(item.Identifier))
		e.metrics.TaskFinished(taskUpload, "error")
		return
	}

	elapsed := time.Since(started)
	e.metrics.ObserveUpload(size, elapsed)
	e.metrics.TaskFinished(taskUpload, "success")
	logger.Info("upload submitted, confirmation pending",
		logger.GUID(guid), logger.Item(item.Identifier), logger.Bytes(size),
		logger.DurationMs(float64(elapsed)/float64(time.Millisecond)))
}

// classifyUploadFailure routes one failed upload attempt to its retry
// class. The task context doubles as the soft time limit, so an expired
// deadline is a timeout no matter what error rode in on it.
func (e *Engine) classifyUploadFailure(ctx context.Context, item *models.InternetArchiveItem, guid string, budgets *RetryBudgets, err error) {
	telemetry.RecordError(ctx, err)
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		logger.Warn("upload ran past the soft time limit",
			logger.GUID(guid), logger.Item(item.Identifier))
		if budgets.Allow(ClassTimeout) {
			e.retryUpload(item.ID, guid, budgets, ClassTimeout)
		} else {
			e.budgetExhausted(taskUpload, guid, ClassTimeout, budgets)
		}
	case ia.IsConnectionError(err):
		logger.Info("requeued upload after a connection error",
			logger.GUID(guid), logger.Item(item.Identifier), logger.Err(err))
		e.retryUpload(item.ID, guid, budgets, ClassConnection)
	case ia.IsRateLimited(err):
		logger.Warn("upload prevented by rate limiting, will retry if allowed",
			logger.GUID(guid), logger.Item(item.Identifier))
		if budgets.Allow(ClassRateLimit) {
			e.retryUpload(item.ID, guid, budgets, ClassRateLimit)
		} else {
			e.budgetExhausted(taskUpload, guid, ClassRateLimit, budgets)
		}
	case ia.IsBucketRace(err):
		// Concurrent first uploads race to create the item; the losers
		// requeue without spending any budget.
		logger.Info("requeued upload after an item creation race",
			logger.GUID(guid), logger.Item(item.Identifier))
		e.retryUpload(item.ID, guid, budgets, ClassRace)
	default:
		logger.Warn("upload failed, will retry if allowed",
			logger.GUID(guid), logger.Item(item.Identifier), logger.Err(err))
		if budgets.Allow(ClassError) {
			e.retryUpload(item.ID, guid, budgets, ClassError)
		} else {
			e.budgetExhausted(taskUpload, guid, ClassError, budgets)
		}
	}
}

// retryUpload releases the item's in-flight slot and requeues the task
// with its budgets carried over. Bookkeeping runs on a fresh context so
// an expired task clock cannot strand the counter.
func (e *Engine) retryUpload(itemID uint, guid string, budgets *RetryBudgets, class Class) {
	e.metrics.RecordRetry(string(class))
	if err := e.store.AdjustTasksInProgress(context.Background(), itemID, -1); err != nil {
		logger.Error("failed to release in-flight slot", logger.Err(err), logger.GUID(guid))
	}
	e.writes.EnqueueAfter(e.uploadTask(guid, budgets), e.cfg.RetryDelay)
}

// stageWARC copies the stored WARC to a local temp file and rewinds it,
// so the PUT streams from local disk rather than from the blob backend.
func (e *Engine) stageWARC(ctx context.Context, guid string) (*os.File, int64, error) {
	src, err := e.blobs.Open(ctx, blob.WARCPath(guid))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open stored warc: %w", err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp("", "permacap-upload-*.warc.gz")
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create staging file: %w", err)
	}
	size, err := io.Copy(tmp, src)
	if err == nil {
		_, err = tmp.Seek(0, io.SeekStart)
	}
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, 0, fmt.Errorf("failed to stage warc: %w", err)
	}
	return tmp, size, nil
}
