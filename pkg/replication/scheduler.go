package replication

import (
	"context"
	"time"

	"github.com/permacap/permacap/internal/logger"
	"github.com/permacap/permacap/pkg/models"
	"github.com/permacap/permacap/pkg/store"
)

// ScheduleCycle runs one scheduler pass: the upload day walk, then the
// deletion sweep. The pass is skipped while the write queue still holds
// work, including retries waiting out their delay.
func (e *Engine) ScheduleCycle(ctx context.Context) {
	if n := e.writes.Len(); n > 0 {
		logger.Info("skipped scheduling: write queue busy", logger.Queue(QueueIA), "pending", n)
		e.metrics.RecordSchedulerSkip("queue_busy")
		return
	}
	e.ScheduleUploads(ctx)
	e.ScheduleDeletions(ctx)
}

// ScheduleUploads walks days from the oldest incomplete item to today
// and queues pending links for upload, spread so that no day exceeds the
// daily limit and the total stays within the archive's headroom.
func (e *Engine) ScheduleUploads(ctx context.Context) {
	inFlight, err := e.store.SumTasksInProgress(ctx)
	if err != nil {
		logger.Error("failed to sum in-flight tasks", logger.Err(err))
		return
	}
	capacity := e.cfg.MaxSimultaneousUploads - inFlight
	if capacity <= 0 {
		logger.Info("skipped upload scheduling: max tasks already in progress",
			"in_flight", inFlight)
		e.metrics.RecordSchedulerSkip("at_capacity")
		return
	}

	start, err := e.scheduleStart(ctx)
	if err != nil {
		logger.Error("failed to find the scheduling start day", logger.Err(err))
		return
	}
	today, _ := store.DaySpan(time.Now())

	total := 0
	days := 0
	for day := start; !day.After(today) && total < capacity; day = day.AddDate(0, 0, 1) {
		date := day.Format("2006-01-02")
		identifier := store.IdentifierForDate(e.iaCfg.IdentifierPrefix, day)
		if e.cfg.dateBlocked(date) || e.cfg.identifierBlocked(identifier) {
			continue
		}

		// Every visited day gets an item row, so empty days can be
		// marked complete and the walk keeps moving forward.
		item, err := e.store.GetOrCreateItemForTime(ctx, e.iaCfg.IdentifierPrefix, day)
		if err != nil {
			logger.Error("failed to resolve daily item", logger.Err(err), logger.Item(identifier))
			continue
		}

		dayLimit := min(e.cfg.DailyLimit, capacity-total) - item.TasksInProgress
		if dayLimit <= 0 {
			continue
		}
		if n := e.queueUploadsForDay(ctx, item, dayLimit); n > 0 {
			total += n
			days++
		}
	}

	logger.Info("scheduled uploads", "queued", total, "days", days)
}

// scheduleStart picks the first day of the walk: the oldest incomplete
// item's day, or the oldest link's day when no item history exists yet,
// or today.
func (e *Engine) scheduleStart(ctx context.Context) (time.Time, error) {
	item, err := e.store.OldestIncompleteItem(ctx, e.iaCfg.IdentifierPrefix)
	if err != nil {
		return time.Time{}, err
	}
	if item != nil {
		return item.SpanStart, nil
	}

	earliest, err := e.store.EarliestLinkTime(ctx)
	if err != nil {
		return time.Time{}, err
	}
	if earliest != nil {
		day, _ := store.DaySpan(*earliest)
		return day, nil
	}

	day, _ := store.DaySpan(time.Now())
	return day, nil
}

// queueUploadsForDay queues up to limit pending links for the item's day
// and returns the number queued. A day with nothing pending is marked
// complete so future walks start past it.
func (e *Engine) queueUploadsForDay(ctx context.Context, item *models.InternetArchiveItem, limit int) int {
	links, err := e.store.ListLinksPendingUpload(ctx, item, limit)
	if err != nil {
		logger.Error("failed to list links pending upload", logger.Err(err), logger.Item(item.Identifier))
		return 0
	}

	if len(links) == 0 {
		if !item.Complete {
			if err := e.store.MarkItemComplete(ctx, item.ID); err != nil {
				logger.Error("failed to mark item complete", logger.Err(err), logger.Item(item.Identifier))
			} else {
				logger.Info("no pending links: marked item complete", logger.Item(item.Identifier))
			}
		}
		return 0
	}

	queued := 0
	for _, link := range links {
		if !e.EnqueueUpload(link.GUID) {
			break
		}
		queued++
	}
	logger.Info("queued links for upload", logger.Item(item.Identifier), "queued", queued)
	return queued
}

// ScheduleDeletions sweeps for replicated links that have since become
// private or were deleted by their owner, and queues their removal. The
// sweep also picks deletion_attempted files back up, so a deletion lost
// to a crash resumes on the next pass.
func (e *Engine) ScheduleDeletions(ctx context.Context) {
	files, err := e.store.ListFilesPendingDeletion(ctx, 0)
	if err != nil {
		logger.Error("failed to list files pending deletion", logger.Err(err))
		return
	}

	queued := 0
	for _, f := range files {
		if f.Item != nil && e.cfg.identifierBlocked(f.Item.Identifier) {
			continue
		}
		if !e.EnqueueDeletion(f.LinkID) {
			break
		}
		queued++
	}
	if queued > 0 {
		logger.Info("queued links for deletion", "queued", queued)
	}
}

// ScheduleConfirmations queues polls for files awaiting upload or
// deletion verdicts. Skipped while the read-only queue still holds work,
// which spaces polls out while the archive processes submissions.
func (e *Engine) ScheduleConfirmations(ctx context.Context) {
	if n := e.reads.Len(); n > 0 {
		logger.Info("skipped confirmation scheduling: read queue busy",
			logger.Queue(QueueIAReadonly), "pending", n)
		e.metrics.RecordSchedulerSkip("queue_busy")
		return
	}

	uploads := e.queueConfirmations(ctx, models.FileStatusUploadSubmitted, e.EnqueueUploadConfirmation)
	deletions := e.queueConfirmations(ctx, models.FileStatusDeletionSubmitted, e.EnqueueDeletionConfirmation)
	if uploads > 0 || deletions > 0 {
		logger.Info("queued confirmation polls", "uploads", uploads, "deletions", deletions)
	}
}

// queueConfirmations enqueues one poll per file sitting in the given
// submitted status, skipping blocklisted items.
func (e *Engine) queueConfirmations(ctx context.Context, status models.FileStatus, enqueue func(*models.InternetArchiveFile) bool) int {
	files, err := e.store.ListFilesByStatus(ctx, status, e.cfg.ConfirmationBatchLimit)
	if err != nil {
		logger.Error("failed to list files awaiting confirmation",
			logger.Err(err), logger.KeyStatus, string(status))
		return 0
	}

	queued := 0
	for _, f := range files {
		if f.Item != nil && e.cfg.identifierBlocked(f.Item.Identifier) {
			continue
		}
		if !enqueue(f) {
			break
		}
		queued++
	}
	return queued
}
