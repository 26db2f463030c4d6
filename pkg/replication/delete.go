package replication

import (
	"context"

	"github.com/permacap/permacap/internal/logger"
	"github.com/permacap/permacap/internal/telemetry"
	"github.com/permacap/permacap/pkg/ia"
	"github.com/permacap/permacap/pkg/models"
)

const taskDelete = "delete"

// EnqueueDeletion queues removal of a link's WARC from its daily item,
// for links that became private or were deleted after replication.
func (e *Engine) EnqueueDeletion(guid string) bool {
	return e.writes.Enqueue(e.deletionTask(guid, e.newBudgets()))
}

func (e *Engine) deletionTask(guid string, budgets *RetryBudgets) Task {
	return Task{
		Kind: taskDelete,
		GUID: guid,
		Run: func(ctx context.Context) {
			ctx, span := telemetry.StartTaskSpan(ctx, taskDelete, guid)
			defer span.End()
			e.runDeletion(ctx, guid, budgets)
		},
	}
}

// runDeletion removes one link's WARC from the external archive. Like
// uploads, deletions complete asynchronously: success here means
// deletion_submitted, and the confirmation poller later verifies the
// file's absence and releases the item's in-flight slot.
func (e *Engine) runDeletion(ctx context.Context, guid string, budgets *RetryBudgets) {
	file, err := e.store.GetFileByLink(ctx, guid)
	if err != nil {
		logger.Error("failed to load file for deletion", logger.Err(err), logger.GUID(guid))
		e.metrics.TaskFinished(taskDelete, "error")
		return
	}
	item := file.Item
	if item == nil {
		logger.Error("file record has no daily item", logger.GUID(guid))
		e.metrics.TaskFinished(taskDelete, "error")
		return
	}
	telemetry.SetAttributes(ctx, telemetry.Item(item.Identifier))

	switch file.Status {
	case models.FileStatusConfirmedAbsent:
		logger.Info("not deleting: already confirmed absent",
			logger.GUID(guid), logger.Item(item.Identifier))
		e.metrics.TaskFinished(taskDelete, "skipped")
		return
	case models.FileStatusUploadAttempted, models.FileStatusUploadSubmitted:
		// Both paths active at once needs a human to untangle.
		logger.Error("please investigate: upload in progress but a deletion was attempted",
			logger.GUID(guid), logger.Item(item.Identifier), logger.KeyStatus, string(file.Status))
		e.metrics.TaskFinished(taskDelete, "conflict")
		return
	case models.FileStatusDeletionAttempted, models.FileStatusDeletionSubmitted:
		logger.Info("potentially redundant deletion attempt",
			logger.GUID(guid), logger.Item(item.Identifier), logger.KeyStatus, string(file.Status))
	case models.FileStatusConfirmedPresent:
		logger.Info("deleting link from daily item",
			logger.GUID(guid), logger.Item(item.Identifier))
	default:
		logger.Warn("not deleting: unhandled file status",
			logger.GUID(guid), logger.Item(item.Identifier), logger.KeyStatus, string(file.Status))
		e.metrics.TaskFinished(taskDelete, "skipped")
		return
	}

	if err := e.store.UpdateFileStatus(ctx, file.ID, models.FileStatusDeletionAttempted, 1); err != nil {
		logger.Error("failed to record deletion attempt", logger.Err(err), logger.GUID(guid))
		e.metrics.TaskFinished(taskDelete, "error")
		return
	}

	// Deletions never create items, so the bucket share is not consulted.
	info, err := e.archive.GetS3LoadInfo(ctx, item.Identifier)
	if err != nil {
		if ia.IsConnectionError(err) {
			logger.Info("requeued deletion after a connection error",
				logger.GUID(guid), logger.Item(item.Identifier), logger.Err(err))
			e.retryDeletion(item.ID, guid, budgets, ClassConnection)
			return
		}
		logger.Warn("load probe failed, deferring deletion",
			logger.Err(err), logger.Item(item.Identifier))
		info = nil
	}
	margin := e.iaCfg.TaskLimitMargin
	if info == nil || info.Overloaded() ||
		info.AccessKeyShareApproaching(margin) ||
		info.GlobalShareApproaching(margin) {
		logger.Warn("deletion deferred by archive load",
			logger.GUID(guid), logger.Item(item.Identifier))
		if budgets.Allow(ClassRateLimit) {
			e.retryDeletion(item.ID, guid, budgets, ClassRateLimit)
		} else {
			e.budgetExhausted(taskDelete, guid, ClassRateLimit, budgets)
		}
		return
	}

	extItem, err := e.archive.GetItem(ctx, item.Identifier)
	if err != nil {
		if ia.IsConnectionError(err) {
			logger.Info("requeued deletion after a connection error",
				logger.GUID(guid), logger.Item(item.Identifier), logger.Err(err))
			e.retryDeletion(item.ID, guid, budgets, ClassConnection)
			return
		}
		logger.Warn("failed to fetch item metadata, will retry if allowed",
			logger.Err(err), logger.Item(item.Identifier))
		if budgets.Allow(ClassError) {
			e.retryDeletion(item.ID, guid, budgets, ClassError)
		} else {
			e.budgetExhausted(taskDelete, guid, ClassError, budgets)
		}
		return
	}

	key := ia.WARCKey(guid)
	if extItem.File(key) == nil {
		// Nothing listed under the key; the poller verifies absence.
		logger.Info("file not in the external listing, submitting for confirmation",
			logger.GUID(guid), logger.Item(item.Identifier), logger.KeyFile, key)
		e.recordDeletionSubmitted(file.ID, guid, item.Identifier)
		return
	}

	if err := e.archive.DeleteFile(ctx, item.Identifier, key); err != nil {
		e.classifyDeletionFailure(ctx, item, guid, budgets, err)
		return
	}

	e.recordDeletionSubmitted(file.ID, guid, item.Identifier)
}

// recordDeletionSubmitted flips the file to deletion_submitted, keeping
// the in-flight slot held for the confirmation poller. Runs on a fresh
// context so an expired task clock cannot lose the transition.
func (e *Engine) recordDeletionSubmitted(fileID uint, guid, identifier string) {
	if err := e.store.UpdateFileStatus(context.Background(), fileID, models.FileStatusDeletionSubmitted, 0); err != nil {
		logger.Error("failed to record submitted deletion", logger.Err(err),
			logger.GUID(guid), logger.Item(identifier))
		e.metrics.TaskFinished(taskDelete, "error")
		return
	}
	e.metrics.TaskFinished(taskDelete, "success")
	logger.Info("deletion requested, confirmation pending",
		logger.GUID(guid), logger.Item(identifier))
}

// classifyDeletionFailure routes one failed deletion attempt to its
// retry class. Deletions see no item creation races, so the ladder is
// the upload's without the race rung.
func (e *Engine) classifyDeletionFailure(ctx context.Context, item *models.InternetArchiveItem, guid string, budgets *RetryBudgets, err error) {
	telemetry.RecordError(ctx, err)
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		logger.Warn("deletion ran past the soft time limit",
			logger.GUID(guid), logger.Item(item.Identifier))
		if budgets.Allow(ClassTimeout) {
			e.retryDeletion(item.ID, guid, budgets, ClassTimeout)
		} else {
			e.budgetExhausted(taskDelete, guid, ClassTimeout, budgets)
		}
	case ia.IsConnectionError(err):
		logger.Info("requeued deletion after a connection error",
			logger.GUID(guid), logger.Item(item.Identifier), logger.Err(err))
		e.retryDeletion(item.ID, guid, budgets, ClassConnection)
	case ia.IsRateLimited(err):
		logger.Warn("deletion prevented by rate limiting, will retry if allowed",
			logger.GUID(guid), logger.Item(item.Identifier))
		if budgets.Allow(ClassRateLimit) {
			e.retryDeletion(item.ID, guid, budgets, ClassRateLimit)
		} else {
			e.budgetExhausted(taskDelete, guid, ClassRateLimit, budgets)
		}
	default:
		logger.Warn("deletion failed, will retry if allowed",
			logger.GUID(guid), logger.Item(item.Identifier), logger.Err(err))
		if budgets.Allow(ClassError) {
			e.retryDeletion(item.ID, guid, budgets, ClassError)
		} else {
			e.budgetExhausted(taskDelete, guid, ClassError, budgets)
		}
	}
}

// retryDeletion releases the item's in-flight slot and requeues the task
// with its budgets carried over.
func (e *Engine) retryDeletion(itemID uint, guid string, budgets *RetryBudgets, class Class) {
	e.metrics.RecordRetry(string(class))
	if err := e.store.AdjustTasksInProgress(context.Background(), itemID, -1); err != nil {
		logger.Error("failed to release in-flight slot", logger.Err(err), logger.GUID(guid))
	}
	e.writes.EnqueueAfter(e.deletionTask(guid, budgets), e.cfg.RetryDelay)
}
