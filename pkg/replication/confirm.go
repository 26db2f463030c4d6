package replication

import (
	"context"

	"github.com/permacap/permacap/internal/logger"
	"github.com/permacap/permacap/internal/telemetry"
	"github.com/permacap/permacap/pkg/ia"
	"github.com/permacap/permacap/pkg/models"
)

const (
	taskConfirmUpload   = "confirm_upload"
	taskConfirmDeletion = "confirm_deletion"
)

// EnqueueUploadConfirmation queues a poll verifying that a submitted
// upload became visible in its item's listing.
func (e *Engine) EnqueueUploadConfirmation(file *models.InternetArchiveFile) bool {
	return e.reads.Enqueue(e.confirmUploadTask(file.ID, file.LinkID, e.newBudgets()))
}

func (e *Engine) confirmUploadTask(fileID uint, guid string, budgets *RetryBudgets) Task {
	return Task{
		Kind: taskConfirmUpload,
		GUID: guid,
		Run: func(ctx context.Context) {
			ctx, span := telemetry.StartTaskSpan(ctx, taskConfirmUpload, guid)
			defer span.End()
			e.runConfirmUpload(ctx, fileID, budgets)
		},
	}
}

// runConfirmUpload checks whether the archive has finished processing a
// submitted upload. A file counts as confirmed only when it appears in
// the item listing with every expected metadata key matching; anything
// less is left for the next poller pass. Confirmation flips the file to
// confirmed_present, caches the external listing, flags the item for a
// derive run, and releases the in-flight slot held since the upload.
func (e *Engine) runConfirmUpload(ctx context.Context, fileID uint, budgets *RetryBudgets) {
	file, err := e.store.GetFile(ctx, fileID)
	if err != nil {
		logger.Error("failed to load file for upload confirmation", logger.Err(err), "file_id", fileID)
		e.metrics.TaskFinished(taskConfirmUpload, "error")
		return
	}
	if file.Item == nil || file.Link == nil {
		logger.Error("file record missing item or link", "file_id", fileID)
		e.metrics.TaskFinished(taskConfirmUpload, "error")
		return
	}
	guid := file.LinkID
	identifier := file.Item.Identifier
	telemetry.SetAttributes(ctx, telemetry.Item(identifier))

	if file.Status == models.FileStatusConfirmedPresent {
		logger.Info("already confirmed present", logger.GUID(guid), logger.Item(identifier))
		e.metrics.TaskFinished(taskConfirmUpload, "skipped")
		return
	}

	extItem, err := e.archive.GetItem(ctx, identifier)
	if err != nil {
		if ia.IsConnectionError(err) {
			if budgets.Allow(ClassConnection) {
				e.metrics.RecordRetry(string(ClassConnection))
				logger.Info("requeued upload confirmation after a connection error",
					logger.GUID(guid), logger.Item(identifier), logger.Err(err))
				e.reads.EnqueueAfter(e.confirmUploadTask(fileID, guid, budgets), e.cfg.RetryDelay)
			} else {
				e.budgetExhausted(taskConfirmUpload, guid, ClassConnection, budgets)
			}
			return
		}
		// Status stays upload_submitted; the next poll retries.
		logger.Warn("failed to fetch item metadata for confirmation",
			logger.Err(err), logger.GUID(guid), logger.Item(identifier))
		e.metrics.TaskFinished(taskConfirmUpload, "error")
		return
	}

	key := ia.WARCKey(guid)
	extFile := extItem.File(key)
	expected := FileMetadataForLink(file.Link)
	if extFile == nil || !metadataMatches(expected, extFile.Metadata) {
		logger.Info("submitted upload not yet confirmed",
			logger.GUID(guid), logger.Item(identifier), logger.KeyFile, key)
		e.metrics.TaskFinished(taskConfirmUpload, "unconfirmed")
		return
	}

	err = e.store.ConfirmFilePresent(ctx, fileID, extFile.Size, extFile.Format,
		extFile.MD5, extFile.SHA1, extItem.FilesCount, extItem.Metadata)
	if err != nil {
		logger.Error("failed to record confirmed upload", logger.Err(err),
			logger.GUID(guid), logger.Item(identifier))
		e.metrics.TaskFinished(taskConfirmUpload, "error")
		return
	}

	e.metrics.RecordConfirmation("present")
	e.metrics.TaskFinished(taskConfirmUpload, "success")
	logger.Info("confirmed upload", logger.GUID(guid), logger.Item(identifier),
		logger.Bytes(extFile.Size))
}

// EnqueueDeletionConfirmation queues a poll verifying that a submitted
// deletion removed the file from its item's listing.
func (e *Engine) EnqueueDeletionConfirmation(file *models.InternetArchiveFile) bool {
	return e.reads.Enqueue(e.confirmDeletionTask(file.ID, file.LinkID, e.newBudgets()))
}

func (e *Engine) confirmDeletionTask(fileID uint, guid string, budgets *RetryBudgets) Task {
	return Task{
		Kind: taskConfirmDeletion,
		GUID: guid,
		Run: func(ctx context.Context) {
			ctx, span := telemetry.StartTaskSpan(ctx, taskConfirmDeletion, guid)
			defer span.End()
			e.runConfirmDeletion(ctx, fileID, budgets)
		},
	}
}

// runConfirmDeletion checks whether the archive has finished processing
// a submitted deletion. Absence from the item listing flips the file to
// confirmed_absent, zeroes its cached listing, flags the item for a
// derive run, and releases the in-flight slot; a file still listed
// requeues under the error budget.
func (e *Engine) runConfirmDeletion(ctx context.Context, fileID uint, budgets *RetryBudgets) {
	file, err := e.store.GetFile(ctx, fileID)
	if err != nil {
		logger.Error("failed to load file for deletion confirmation", logger.Err(err), "file_id", fileID)
		e.metrics.TaskFinished(taskConfirmDeletion, "error")
		return
	}
	if file.Item == nil {
		logger.Error("file record missing item", "file_id", fileID)
		e.metrics.TaskFinished(taskConfirmDeletion, "error")
		return
	}
	guid := file.LinkID
	identifier := file.Item.Identifier
	telemetry.SetAttributes(ctx, telemetry.Item(identifier))

	if file.Status == models.FileStatusConfirmedAbsent {
		logger.Info("already confirmed absent", logger.GUID(guid), logger.Item(identifier))
		e.metrics.TaskFinished(taskConfirmDeletion, "skipped")
		return
	}

	extItem, err := e.archive.GetItem(ctx, identifier)
	if err != nil {
		if ia.IsConnectionError(err) {
			if budgets.Allow(ClassConnection) {
				e.metrics.RecordRetry(string(ClassConnection))
				logger.Info("requeued deletion confirmation after a connection error",
					logger.GUID(guid), logger.Item(identifier), logger.Err(err))
				e.reads.EnqueueAfter(e.confirmDeletionTask(fileID, guid, budgets), e.cfg.RetryDelay)
			} else {
				e.budgetExhausted(taskConfirmDeletion, guid, ClassConnection, budgets)
			}
			return
		}
		logger.Warn("failed to fetch item metadata for confirmation",
			logger.Err(err), logger.GUID(guid), logger.Item(identifier))
		e.metrics.TaskFinished(taskConfirmDeletion, "error")
		return
	}

	key := ia.WARCKey(guid)
	if extItem.File(key) != nil {
		logger.Info("file still in the external listing",
			logger.GUID(guid), logger.Item(identifier), logger.KeyFile, key)
		if budgets.Allow(ClassError) {
			e.metrics.RecordRetry(string(ClassError))
			e.reads.EnqueueAfter(e.confirmDeletionTask(fileID, guid, budgets), e.cfg.RetryDelay)
		} else {
			e.budgetExhausted(taskConfirmDeletion, guid, ClassError, budgets)
		}
		return
	}

	if err := e.store.ConfirmFileAbsent(ctx, fileID, extItem.FilesCount); err != nil {
		logger.Error("failed to record confirmed deletion", logger.Err(err),
			logger.GUID(guid), logger.Item(identifier))
		e.metrics.TaskFinished(taskConfirmDeletion, "error")
		return
	}

	e.metrics.RecordConfirmation("absent")
	e.metrics.TaskFinished(taskConfirmDeletion, "success")
	logger.Info("confirmed deletion", logger.GUID(guid), logger.Item(identifier))
}
