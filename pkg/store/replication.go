package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/permacap/permacap/pkg/models"
)

// ============================================
// REPLICATION STATE OPERATIONS
// ============================================

// IdentifierForDate builds a daily item identifier: prefix_YYYY-MM-DD.
func IdentifierForDate(prefix string, ts time.Time) string {
	return fmt.Sprintf("%s_%s", prefix, ts.UTC().Format("2006-01-02"))
}

// DaySpan returns the UTC day span [midnight, next midnight) covering ts.
func DaySpan(ts time.Time) (time.Time, time.Time) {
	ts = ts.UTC()
	start := time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.Add(24 * time.Hour)
}

// GetOrCreateItemForTime returns the daily item covering ts, creating it
// when absent. Creation races between workers resolve to the winner's row.
func (s *GORMStore) GetOrCreateItemForTime(ctx context.Context, prefix string, ts time.Time) (*models.InternetArchiveItem, error) {
	identifier := IdentifierForDate(prefix, ts)

	var item models.InternetArchiveItem
	err := s.db.WithContext(ctx).Where("identifier = ?", identifier).First(&item).Error
	if err == nil {
		return &item, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}

	start, end := DaySpan(ts)
	item = models.InternetArchiveItem{
		Identifier: identifier,
		SpanStart:  start,
		SpanEnd:    end,
	}
	if err := s.db.WithContext(ctx).Create(&item).Error; err != nil {
		if isUniqueConstraintError(err) {
			// Lost a create race; the row exists now.
			if err := s.db.WithContext(ctx).Where("identifier = ?", identifier).First(&item).Error; err != nil {
				return nil, err
			}
			return &item, nil
		}
		return nil, err
	}
	return &item, nil
}

// GetItem returns an item by identifier.
// Returns models.ErrItemNotFound if the item doesn't exist.
func (s *GORMStore) GetItem(ctx context.Context, identifier string) (*models.InternetArchiveItem, error) {
	var item models.InternetArchiveItem
	err := s.db.WithContext(ctx).Where("identifier = ?", identifier).First(&item).Error
	if err != nil {
		return nil, convertNotFoundError(err, models.ErrItemNotFound)
	}
	return &item, nil
}

// GetFileForLink returns the file row for (item, link).
// Returns models.ErrFileNotFound if no row exists yet.
func (s *GORMStore) GetFileForLink(ctx context.Context, itemID uint, linkID string) (*models.InternetArchiveFile, error) {
	var file models.InternetArchiveFile
	err := s.db.WithContext(ctx).
		Where("item_id = ? AND link_id = ?", itemID, linkID).
		First(&file).Error
	if err != nil {
		return nil, convertNotFoundError(err, models.ErrFileNotFound)
	}
	return &file, nil
}

// GetFile returns a file row by ID with item and link preloaded.
// Returns models.ErrFileNotFound if no row exists.
func (s *GORMStore) GetFile(ctx context.Context, fileID uint) (*models.InternetArchiveFile, error) {
	var file models.InternetArchiveFile
	err := s.db.WithContext(ctx).
		Preload("Item").
		Preload("Link").
		Where("id = ?", fileID).
		First(&file).Error
	if err != nil {
		return nil, convertNotFoundError(err, models.ErrFileNotFound)
	}
	return &file, nil
}

// GetFileByLink returns the link's file row with item and link preloaded.
// Every link belongs to exactly one daily item, so at most one row exists.
// Returns models.ErrFileNotFound if the link was never uploaded.
func (s *GORMStore) GetFileByLink(ctx context.Context, linkID string) (*models.InternetArchiveFile, error) {
	var file models.InternetArchiveFile
	err := s.db.WithContext(ctx).
		Preload("Item").
		Preload("Link").
		Where("link_id = ?", linkID).
		First(&file).Error
	if err != nil {
		return nil, convertNotFoundError(err, models.ErrFileNotFound)
	}
	return &file, nil
}

// CreateFile creates a file row.
// Returns models.ErrDuplicateFile when (item, link) already exists.
func (s *GORMStore) CreateFile(ctx context.Context, file *models.InternetArchiveFile) error {
	if err := s.db.WithContext(ctx).Create(file).Error; err != nil {
		if isUniqueConstraintError(err) {
			return models.ErrDuplicateFile
		}
		return err
	}
	return nil
}

// taskCounterExpr adjusts tasks_in_progress by delta, floored at zero.
// CASE keeps the SQL portable between SQLite and Postgres.
func taskCounterExpr(delta int) any {
	return gorm.Expr(
		"CASE WHEN tasks_in_progress + ? < 0 THEN 0 ELSE tasks_in_progress + ? END",
		delta, delta,
	)
}

// AdjustTasksInProgress moves the item's in-flight task counter by delta,
// floored at zero.
func (s *GORMStore) AdjustTasksInProgress(ctx context.Context, itemID uint, delta int) error {
	result := s.db.WithContext(ctx).
		Model(&models.InternetArchiveItem{}).
		Where("id = ?", itemID).
		Update("tasks_in_progress", taskCounterExpr(delta))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrItemNotFound
	}
	return nil
}

// UpdateFileStatus transitions a file's status and applies the item's
// tasks_in_progress delta in the same transaction, so the observable
// status and the counter always move together.
func (s *GORMStore) UpdateFileStatus(ctx context.Context, fileID uint, status models.FileStatus, counterDelta int) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var file models.InternetArchiveFile
		if err := tx.Where("id = ?", fileID).First(&file).Error; err != nil {
			return convertNotFoundError(err, models.ErrFileNotFound)
		}

		if err := tx.Model(&file).Update("status", status).Error; err != nil {
			return err
		}

		if counterDelta == 0 {
			return nil
		}
		return tx.Model(&models.InternetArchiveItem{}).
			Where("id = ?", file.ItemID).
			Update("tasks_in_progress", taskCounterExpr(counterDelta)).Error
	})
}

// ConfirmFilePresent records a confirmed upload: the file becomes
// confirmed_present with the external listing cached, the item's counter
// drops by one, derive is flagged, and the first confirmation of an item
// also snapshots the item metadata and sets confirmed_exists.
func (s *GORMStore) ConfirmFilePresent(ctx context.Context, fileID uint, size int64, format, md5, sha1 string, filesCount int, itemMetadata map[string]string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var file models.InternetArchiveFile
		if err := tx.Where("id = ?", fileID).First(&file).Error; err != nil {
			return convertNotFoundError(err, models.ErrFileNotFound)
		}

		if err := tx.Model(&file).Updates(map[string]any{
			"status":        models.FileStatusConfirmedPresent,
			"cached_size":   size,
			"cached_format": format,
			"cached_md5":    md5,
			"cached_sha1":   sha1,
		}).Error; err != nil {
			return err
		}

		var item models.InternetArchiveItem
		if err := tx.Where("id = ?", file.ItemID).First(&item).Error; err != nil {
			return convertNotFoundError(err, models.ErrItemNotFound)
		}

		updates := map[string]any{
			"tasks_in_progress": taskCounterExpr(-1),
			"derive_required":   true,
			"cached_file_count": filesCount,
		}
		if !item.ConfirmedExists {
			updates["confirmed_exists"] = true
			if itemMetadata != nil {
				snapshot := models.InternetArchiveItem{}
				if err := snapshot.SetCachedMetadata(itemMetadata); err != nil {
					return err
				}
				updates["cached_metadata"] = snapshot.CachedMetadata
			}
		}
		return tx.Model(&item).Updates(updates).Error
	})
}

// ConfirmFileAbsent records a confirmed deletion: the file becomes
// confirmed_absent with its cached listing zeroed, the item's counter
// drops by one, and derive is flagged so the external side regenerates
// its derived files without the removed WARC.
func (s *GORMStore) ConfirmFileAbsent(ctx context.Context, fileID uint, filesCount int) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var file models.InternetArchiveFile
		if err := tx.Where("id = ?", fileID).First(&file).Error; err != nil {
			return convertNotFoundError(err, models.ErrFileNotFound)
		}

		if err := tx.Model(&file).Updates(map[string]any{
			"status":        models.FileStatusConfirmedAbsent,
			"cached_size":   nil,
			"cached_format": "",
			"cached_md5":    "",
			"cached_sha1":   "",
		}).Error; err != nil {
			return err
		}

		return tx.Model(&models.InternetArchiveItem{}).
			Where("id = ?", file.ItemID).
			Updates(map[string]any{
				"tasks_in_progress": taskCounterExpr(-1),
				"derive_required":   true,
				"cached_file_count": filesCount,
			}).Error
	})
}

// ListFilesByStatus returns up to limit files in the given status, oldest
// first, with item and link preloaded (the confirmation poller's working set).
func (s *GORMStore) ListFilesByStatus(ctx context.Context, status models.FileStatus, limit int) ([]*models.InternetArchiveFile, error) {
	var files []*models.InternetArchiveFile
	q := s.db.WithContext(ctx).
		Preload("Item").
		Preload("Link").
		Where("status = ?", status).
		Order("updated_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&files).Error; err != nil {
		return nil, err
	}
	return files, nil
}

// CountFilesByStatus returns the number of files per status.
func (s *GORMStore) CountFilesByStatus(ctx context.Context) (map[models.FileStatus]int64, error) {
	type row struct {
		Status models.FileStatus
		N      int64
	}
	var rows []row
	err := s.db.WithContext(ctx).
		Model(&models.InternetArchiveFile{}).
		Select("status, count(*) as n").
		Group("status").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[models.FileStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}

// SumTasksInProgress totals the in-flight task counters over all items.
func (s *GORMStore) SumTasksInProgress(ctx context.Context) (int, error) {
	var total *int
	err := s.db.WithContext(ctx).
		Model(&models.InternetArchiveItem{}).
		Select("SUM(tasks_in_progress)").
		Scan(&total).Error
	if err != nil {
		return 0, err
	}
	if total == nil {
		return 0, nil
	}
	return *total, nil
}

// OldestIncompleteItem returns the earliest-spanning item not yet marked
// complete, or nil when every known item is complete.
func (s *GORMStore) OldestIncompleteItem(ctx context.Context, prefix string) (*models.InternetArchiveItem, error) {
	var item models.InternetArchiveItem
	err := s.db.WithContext(ctx).
		Where("identifier LIKE ? AND complete = ?", prefix+"_%", false).
		Order("span_start ASC").
		First(&item).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// EarliestLinkTime returns the creation time of the oldest link, or nil
// when no links exist. The scheduler's day walk starts here when no item
// history exists yet.
func (s *GORMStore) EarliestLinkTime(ctx context.Context) (*time.Time, error) {
	var link models.Link
	err := s.db.WithContext(ctx).
		Select("created_at").
		Order("created_at ASC").
		First(&link).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &link.CreatedAt, nil
}

// MarkItemComplete flags a day whose pending links have all been scheduled.
func (s *GORMStore) MarkItemComplete(ctx context.Context, itemID uint) error {
	result := s.db.WithContext(ctx).
		Model(&models.InternetArchiveItem{}).
		Where("id = ?", itemID).
		Update("complete", true)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrItemNotFound
	}
	return nil
}

// eligibleLinksQuery filters links that may be shipped to the external
// archive: public, not deleted, successfully captured, with a playable WARC.
func (s *GORMStore) eligibleLinksQuery(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).
		Model(&models.Link{}).
		Where("is_private = ?", false).
		Where("user_deleted = ?", false).
		Where("warc_size IS NOT NULL AND warc_size > 0").
		Where("(cached_can_play_back IS NULL OR cached_can_play_back = ?)", true).
		Where("EXISTS (SELECT 1 FROM captures c WHERE c.link_id = links.guid AND c.role = ? AND c.status = ?)",
			models.CaptureRolePrimary, models.CaptureStatusSuccess)
}

// ListLinksPendingUpload returns up to limit links created within the
// item's span that are eligible for upload and have no active file row in
// the item (no row at all, or a confirmed_absent row ready for re-upload).
func (s *GORMStore) ListLinksPendingUpload(ctx context.Context, item *models.InternetArchiveItem, limit int) ([]*models.Link, error) {
	var links []*models.Link
	q := s.eligibleLinksQuery(ctx).
		Where("created_at >= ? AND created_at < ?", item.SpanStart, item.SpanEnd).
		Where("NOT EXISTS (SELECT 1 FROM internet_archive_files f WHERE f.item_id = ? AND f.link_id = links.guid AND f.status <> ?)",
			item.ID, models.FileStatusConfirmedAbsent).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&links).Error; err != nil {
		return nil, err
	}
	return links, nil
}

// ListFilesPendingDeletion returns files whose link has since become
// private or was deleted by its owner and whose WARC still needs removing:
// confirmed_present files, plus deletion_attempted files whose delete task
// died before submitting. Item and link come preloaded.
func (s *GORMStore) ListFilesPendingDeletion(ctx context.Context, limit int) ([]*models.InternetArchiveFile, error) {
	var files []*models.InternetArchiveFile
	q := s.db.WithContext(ctx).
		Preload("Item").
		Preload("Link").
		Where("status IN ?", []models.FileStatus{models.FileStatusConfirmedPresent, models.FileStatusDeletionAttempted}).
		Where("EXISTS (SELECT 1 FROM links l WHERE l.guid = internet_archive_files.link_id AND (l.is_private = ? OR l.user_deleted = ?))",
			true, true).
		Order("updated_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&files).Error; err != nil {
		return nil, err
	}
	return files, nil
}
