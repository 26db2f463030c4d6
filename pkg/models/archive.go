package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// FileStatus is the replication state of one link within one daily item.
//
// The upload path and deletion path are each monotone:
//
//	upload_attempted → upload_submitted → confirmed_present
//	deletion_attempted → deletion_submitted → confirmed_absent
//
// Crossing between paths requires the current path's confirmed terminal
// state first (a file is deleted only after confirmed_present, and
// re-uploaded only after confirmed_absent).
type FileStatus string

const (
	FileStatusUploadAttempted   FileStatus = "upload_attempted"
	FileStatusUploadSubmitted   FileStatus = "upload_submitted"
	FileStatusConfirmedPresent  FileStatus = "confirmed_present"
	FileStatusDeletionAttempted FileStatus = "deletion_attempted"
	FileStatusDeletionSubmitted FileStatus = "deletion_submitted"
	FileStatusConfirmedAbsent   FileStatus = "confirmed_absent"
)

// OnUploadPath reports whether the status belongs to the upload path.
func (s FileStatus) OnUploadPath() bool {
	return s == FileStatusUploadAttempted || s == FileStatusUploadSubmitted || s == FileStatusConfirmedPresent
}

// OnDeletionPath reports whether the status belongs to the deletion path.
func (s FileStatus) OnDeletionPath() bool {
	return s == FileStatusDeletionAttempted || s == FileStatusDeletionSubmitted || s == FileStatusConfirmedAbsent
}

// InternetArchiveItem is a daily bucket of uploaded WARCs, identified by
// prefix + date (e.g. "permacap_2026-08-25"). Links are assigned to the
// item whose span covers their creation timestamp.
type InternetArchiveItem struct {
	ID         uint   `gorm:"primaryKey" json:"id"`
	Identifier string `gorm:"uniqueIndex;not null;size:255" json:"identifier"`

	// SpanStart and SpanEnd delimit the UTC day this item covers:
	// [midnight, next midnight).
	SpanStart time.Time `gorm:"not null;index" json:"span_start"`
	SpanEnd   time.Time `gorm:"not null" json:"span_end"`

	// ConfirmedExists flips true when the first file in the item is
	// confirmed present on the external side.
	ConfirmedExists bool `gorm:"default:false" json:"confirmed_exists"`

	// DeriveRequired marks the item as needing a derive run on the
	// external side after its contents changed.
	DeriveRequired bool `gorm:"default:false" json:"derive_required"`

	// Complete marks a day whose pending links have all been scheduled.
	Complete bool `gorm:"default:false;index" json:"complete"`

	// TasksInProgress counts in-flight upload/delete/confirm tasks for
	// this item. Every task increments it on start and decrements it
	// (floored at zero) when the task reaches a terminal outcome or
	// requeues itself.
	TasksInProgress int `gorm:"default:0" json:"tasks_in_progress"`

	// CachedFileCount mirrors the external side's file count, refreshed
	// on every confirmed upload or deletion.
	CachedFileCount int `gorm:"default:0" json:"cached_file_count"`

	// CachedMetadata is the JSON-serialized item metadata snapshot taken
	// when the item was first confirmed on the external side.
	CachedMetadata string `json:"cached_metadata,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for InternetArchiveItem.
func (InternetArchiveItem) TableName() string {
	return "internet_archive_items"
}

// SetCachedMetadata serializes and stores the item metadata snapshot.
func (i *InternetArchiveItem) SetCachedMetadata(meta map[string]string) error {
	if meta == nil {
		i.CachedMetadata = ""
		return nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal item metadata: %w", err)
	}
	i.CachedMetadata = string(data)
	return nil
}

// GetCachedMetadata deserializes the stored item metadata snapshot.
// Returns nil when no snapshot is cached.
func (i *InternetArchiveItem) GetCachedMetadata() (map[string]string, error) {
	if i.CachedMetadata == "" {
		return nil, nil
	}
	var meta map[string]string
	if err := json.Unmarshal([]byte(i.CachedMetadata), &meta); err != nil {
		return nil, fmt.Errorf("failed to unmarshal item metadata: %w", err)
	}
	return meta, nil
}

// ContainsTime reports whether ts falls within the item's daily span.
func (i *InternetArchiveItem) ContainsTime(ts time.Time) bool {
	ts = ts.UTC()
	return !ts.Before(i.SpanStart) && ts.Before(i.SpanEnd)
}

// InternetArchiveFile tracks one link's presence inside one daily item.
type InternetArchiveFile struct {
	ID     uint   `gorm:"primaryKey" json:"id"`
	ItemID uint   `gorm:"index:idx_ia_files_item_link,unique;not null" json:"item_id"`
	LinkID string `gorm:"index:idx_ia_files_item_link,unique;not null;size:255" json:"link_id"`

	Status FileStatus `gorm:"not null;index;size:50" json:"status"`

	// Cached* mirror the external side's file listing, filled when the
	// file is confirmed present and zeroed when confirmed absent.
	CachedSize   *int64 `json:"cached_size,omitempty"`
	CachedFormat string `gorm:"size:255" json:"cached_format,omitempty"`
	CachedMD5    string `gorm:"size:64" json:"cached_md5,omitempty"`
	CachedSHA1   string `gorm:"size:64" json:"cached_sha1,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	Item *InternetArchiveItem `gorm:"foreignKey:ItemID" json:"item,omitempty"`
	Link *Link                `gorm:"foreignKey:LinkID" json:"link,omitempty"`
}

// TableName returns the table name for InternetArchiveFile.
func (InternetArchiveFile) TableName() string {
	return "internet_archive_files"
}

// ClearCachedMetadata zeroes the external listing snapshot (used when a
// deletion is confirmed).
func (f *InternetArchiveFile) ClearCachedMetadata() {
	f.CachedSize = nil
	f.CachedFormat = ""
	f.CachedMD5 = ""
	f.CachedSHA1 = ""
}
