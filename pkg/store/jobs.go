package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/permacap/permacap/pkg/models"
)

// TagHardTimeout marks links whose job died mid-capture and was reclaimed.
const TagHardTimeout = "hard-timeout-failure"

// ============================================
// CAPTURE JOB OPERATIONS
// ============================================

// EnqueueCapture creates a link together with its capture job and the
// pending primary capture, all in one transaction.
// Returns models.ErrDuplicateLink or models.ErrDuplicateJob on conflicts.
func (s *GORMStore) EnqueueCapture(ctx context.Context, link *models.Link) (*models.CaptureJob, error) {
	if link.CreatedAt.IsZero() {
		link.CreatedAt = time.Now().UTC()
	}

	job := &models.CaptureJob{
		LinkID: link.GUID,
		Status: models.JobStatusPending,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(link).Error; err != nil {
			if isUniqueConstraintError(err) {
				return models.ErrDuplicateLink
			}
			return err
		}

		if err := tx.Create(job).Error; err != nil {
			if isUniqueConstraintError(err) {
				return models.ErrDuplicateJob
			}
			return err
		}

		primary := &models.Capture{
			LinkID: link.GUID,
			Role:   models.CaptureRolePrimary,
			Status: models.CaptureStatusPending,
		}
		return tx.Create(primary).Error
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ReclaimStaleJobs fails every in_progress job whose capture started more
// than hardLimit ago: the worker died mid-capture. The job's link gets its
// pending captures failed and a hard-timeout tag so the loss is visible.
// Returns the number of reclaimed jobs.
func (s *GORMStore) ReclaimStaleJobs(ctx context.Context, hardLimit time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-hardLimit)
	reclaimed := 0

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stale []models.CaptureJob
		if err := tx.Where("status = ? AND capture_start_time < ?", models.JobStatusInProgress, cutoff).
			Find(&stale).Error; err != nil {
			return err
		}

		for i := range stale {
			job := &stale[i]
			if err := tx.Model(job).Updates(map[string]any{
				"status":  models.JobStatusFailed,
				"message": "Capture timed out; job reclaimed.",
			}).Error; err != nil {
				return err
			}

			if err := tx.Model(&models.Capture{}).
				Where("link_id = ? AND status = ?", job.LinkID, models.CaptureStatusPending).
				Update("status", models.CaptureStatusFailed).Error; err != nil {
				return err
			}

			var link models.Link
			if err := tx.Where("guid = ?", job.LinkID).First(&link).Error; err != nil {
				return convertNotFoundError(err, models.ErrLinkNotFound)
			}
			tag, err := ensureTag(tx, TagHardTimeout)
			if err != nil {
				return err
			}
			if err := tx.Model(&link).Association("Tags").Append(tag); err != nil {
				return err
			}

			reclaimed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return reclaimed, nil
}

// ReserveNextJob atomically claims the oldest pending job: status moves to
// in_progress, the attempt counter advances, and the capture start time is
// stamped. The returned job has its Link (with tags) preloaded.
//
// Returns models.ErrNoPendingJobs when the queue is empty.
func (s *GORMStore) ReserveNextJob(ctx context.Context) (*models.CaptureJob, error) {
	// A conditional update guarded on status keeps the claim atomic on
	// both backends; under Postgres concurrent workers also skip rows
	// already locked by someone else.
	for attempt := 0; attempt < 3; attempt++ {
		var candidate models.CaptureJob
		q := s.db.WithContext(ctx).
			Where("status = ?", models.JobStatusPending).
			Order("created_at ASC")
		if s.config.Type == DatabaseTypePostgres {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		if err := q.First(&candidate).Error; err != nil {
			return nil, convertNotFoundError(err, models.ErrNoPendingJobs)
		}

		now := time.Now().UTC()
		result := s.db.WithContext(ctx).
			Model(&models.CaptureJob{}).
			Where("id = ? AND status = ?", candidate.ID, models.JobStatusPending).
			Updates(map[string]any{
				"status":             models.JobStatusInProgress,
				"attempt":            gorm.Expr("attempt + 1"),
				"capture_start_time": now,
			})
		if result.Error != nil {
			return nil, result.Error
		}
		if result.RowsAffected == 0 {
			// Another worker claimed it between select and update.
			continue
		}

		var job models.CaptureJob
		if err := s.db.WithContext(ctx).
			Preload("Link").
			Preload("Link.Tags").
			Where("id = ?", candidate.ID).
			First(&job).Error; err != nil {
			return nil, err
		}
		return &job, nil
	}

	return nil, models.ErrNoPendingJobs
}

// UpdateJobProgress advances the job's progress fraction and phase label.
func (s *GORMStore) UpdateJobProgress(ctx context.Context, jobID uint, step float64, description string) error {
	result := s.db.WithContext(ctx).
		Model(&models.CaptureJob{}).
		Where("id = ?", jobID).
		Updates(map[string]any{
			"step_count":       step,
			"step_description": description,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrJobNotFound
	}
	return nil
}

// FinalizeJob writes the job's terminal status and message.
func (s *GORMStore) FinalizeJob(ctx context.Context, jobID uint, status models.JobStatus, message string) error {
	if !status.Terminal() {
		return fmt.Errorf("cannot finalize job %d with non-terminal status %q", jobID, status)
	}
	result := s.db.WithContext(ctx).
		Model(&models.CaptureJob{}).
		Where("id = ?", jobID).
		Updates(map[string]any{
			"status":  status,
			"message": message,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrJobNotFound
	}
	return nil
}

// GetJob returns a capture job by ID with its link preloaded.
func (s *GORMStore) GetJob(ctx context.Context, jobID uint) (*models.CaptureJob, error) {
	var job models.CaptureJob
	err := s.db.WithContext(ctx).
		Preload("Link").
		Preload("Link.Tags").
		Where("id = ?", jobID).
		First(&job).Error
	if err != nil {
		return nil, convertNotFoundError(err, models.ErrJobNotFound)
	}
	return &job, nil
}

// ListRecentJobs returns the most recently created jobs, newest first.
func (s *GORMStore) ListRecentJobs(ctx context.Context, limit int) ([]*models.CaptureJob, error) {
	var jobs []*models.CaptureJob
	err := s.db.WithContext(ctx).
		Preload("Link").
		Order("created_at DESC").
		Limit(limit).
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// CountJobsByStatus returns the number of jobs per status.
func (s *GORMStore) CountJobsByStatus(ctx context.Context) (map[models.JobStatus]int64, error) {
	type row struct {
		Status models.JobStatus
		N      int64
	}
	var rows []row
	err := s.db.WithContext(ctx).
		Model(&models.CaptureJob{}).
		Select("status, count(*) as n").
		Group("status").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[models.JobStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}
