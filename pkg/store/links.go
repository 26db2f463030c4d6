package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/permacap/permacap/pkg/models"
)

// ============================================
// LINK OPERATIONS
// ============================================

// GetLink returns a link by GUID with tags and captures preloaded.
// Returns models.ErrLinkNotFound if the link doesn't exist.
func (s *GORMStore) GetLink(ctx context.Context, guid string) (*models.Link, error) {
	var link models.Link
	err := s.db.WithContext(ctx).
		Preload("Tags").
		Preload("Captures").
		Where("guid = ?", guid).
		First(&link).Error
	if err != nil {
		return nil, convertNotFoundError(err, models.ErrLinkNotFound)
	}
	return &link, nil
}

// CreateLink creates a new link.
// Returns models.ErrDuplicateLink if a link with the same GUID exists.
func (s *GORMStore) CreateLink(ctx context.Context, link *models.Link) error {
	if link.CreatedAt.IsZero() {
		link.CreatedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(link).Error; err != nil {
		if isUniqueConstraintError(err) {
			return models.ErrDuplicateLink
		}
		return err
	}
	return nil
}

// UpdateLinkMetadata persists title and description extracted during capture,
// clamped to their column limits.
func (s *GORMStore) UpdateLinkMetadata(ctx context.Context, guid, title, description string) error {
	updates := map[string]any{}
	if title != "" {
		updates["submitted_title"] = models.TruncateForStorage(title, models.MaxTitleLength)
	}
	if description != "" {
		updates["submitted_description"] = models.TruncateForStorage(description, models.MaxDescriptionLength)
	}
	if len(updates) == 0 {
		return nil
	}
	return s.updateLinkFields(ctx, guid, updates)
}

// MarkLinkPrivate sets the privacy flag with a reason. An already-private
// link keeps its original reason.
func (s *GORMStore) MarkLinkPrivate(ctx context.Context, guid string, reason models.PrivateReason) error {
	result := s.db.WithContext(ctx).
		Model(&models.Link{}).
		Where("guid = ? AND is_private = ?", guid, false).
		Updates(map[string]any{
			"is_private":     true,
			"private_reason": reason,
		})
	if result.Error != nil {
		return result.Error
	}
	// Zero rows means the link is already private (keep first reason) or
	// missing; distinguish so callers can surface missing links.
	if result.RowsAffected == 0 {
		var count int64
		if err := s.db.WithContext(ctx).Model(&models.Link{}).Where("guid = ?", guid).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return models.ErrLinkNotFound
		}
	}
	return nil
}

// SetLinkWarcProperties records the finished WARC size and playback hint.
func (s *GORMStore) SetLinkWarcProperties(ctx context.Context, guid string, warcSize int64, canPlayBack bool) error {
	return s.updateLinkFields(ctx, guid, map[string]any{
		"warc_size":            warcSize,
		"cached_can_play_back": canPlayBack,
	})
}

func (s *GORMStore) updateLinkFields(ctx context.Context, guid string, updates map[string]any) error {
	result := s.db.WithContext(ctx).
		Model(&models.Link{}).
		Where("guid = ?", guid).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrLinkNotFound
	}
	return nil
}

// ============================================
// TAG OPERATIONS
// ============================================

// TagLink attaches the named tag to a link, creating the tag on first use.
// Attaching an already-attached tag is a no-op.
func (s *GORMStore) TagLink(ctx context.Context, guid, tagName string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var link models.Link
		if err := tx.Where("guid = ?", guid).First(&link).Error; err != nil {
			return convertNotFoundError(err, models.ErrLinkNotFound)
		}

		tag, err := ensureTag(tx, tagName)
		if err != nil {
			return err
		}

		return tx.Model(&link).Association("Tags").Append(tag)
	})
}

// ensureTag fetches or creates a tag by name inside the given transaction.
func ensureTag(tx *gorm.DB, name string) (*models.Tag, error) {
	var tag models.Tag
	err := tx.Where("name = ?", name).First(&tag).Error
	if err == nil {
		return &tag, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}

	tag = models.Tag{Name: name}
	if err := tx.Create(&tag).Error; err != nil {
		if isUniqueConstraintError(err) {
			// Lost a create race; the row exists now.
			if err := tx.Where("name = ?", name).First(&tag).Error; err != nil {
				return nil, err
			}
			return &tag, nil
		}
		return nil, err
	}
	return &tag, nil
}

// ============================================
// CAPTURE OPERATIONS
// ============================================

// GetCapture returns a link's capture with the given role.
// Returns models.ErrCaptureNotFound if no such capture exists.
func (s *GORMStore) GetCapture(ctx context.Context, guid string, role models.CaptureRole) (*models.Capture, error) {
	var capture models.Capture
	err := s.db.WithContext(ctx).
		Where("link_id = ? AND role = ?", guid, role).
		First(&capture).Error
	if err != nil {
		return nil, convertNotFoundError(err, models.ErrCaptureNotFound)
	}
	return &capture, nil
}

// SaveCapture upserts a capture row keyed by (link, role).
func (s *GORMStore) SaveCapture(ctx context.Context, capture *models.Capture) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Capture
		err := tx.Where("link_id = ? AND role = ?", capture.LinkID, capture.Role).First(&existing).Error
		switch {
		case err == nil:
			capture.ID = existing.ID
			capture.CreatedAt = existing.CreatedAt
			return tx.Save(capture).Error
		case err == gorm.ErrRecordNotFound:
			return tx.Create(capture).Error
		default:
			return err
		}
	})
}

// MarkPendingCapturesFailed fails every still-pending capture of a link.
// Called from the finalize step so no capture is left dangling in pending.
func (s *GORMStore) MarkPendingCapturesFailed(ctx context.Context, guid string) error {
	return s.db.WithContext(ctx).
		Model(&models.Capture{}).
		Where("link_id = ? AND status = ?", guid, models.CaptureStatusPending).
		Update("status", models.CaptureStatusFailed).Error
}

// UpdateCaptureStatus transitions one capture row.
func (s *GORMStore) UpdateCaptureStatus(ctx context.Context, guid string, role models.CaptureRole, status models.CaptureStatus) error {
	result := s.db.WithContext(ctx).
		Model(&models.Capture{}).
		Where("link_id = ? AND role = ?", guid, role).
		Update("status", status)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("capture %s/%s: %w", guid, role, models.ErrCaptureNotFound)
	}
	return nil
}
