package models

import "time"

// CaptureRole identifies which artifact a Capture row describes.
type CaptureRole string

const (
	// CaptureRolePrimary is the main page capture (the WARC's payload).
	CaptureRolePrimary CaptureRole = "primary"

	// CaptureRoleScreenshot is the synthesized page screenshot.
	CaptureRoleScreenshot CaptureRole = "screenshot"

	// CaptureRoleFavicon is the site icon fetched alongside the page.
	CaptureRoleFavicon CaptureRole = "favicon"
)

// CaptureStatus is the lifecycle state of one Capture row.
type CaptureStatus string

const (
	CaptureStatusPending CaptureStatus = "pending"
	CaptureStatusSuccess CaptureStatus = "success"
	CaptureStatusFailed  CaptureStatus = "failed"
)

// Capture records one artifact produced (or attempted) for a Link.
//
// A link has at most one capture per role. The primary capture starts
// pending when the job is enqueued and is resolved by the orchestrator's
// finalize step; screenshot and favicon rows are only written on success.
type Capture struct {
	ID     uint   `gorm:"primaryKey" json:"id"`
	LinkID string `gorm:"index:idx_captures_link_role,unique;not null;size:255" json:"link_id"`

	Role   CaptureRole   `gorm:"index:idx_captures_link_role,unique;not null;size:50" json:"role"`
	Status CaptureStatus `gorm:"not null;size:50" json:"status"`

	// URL is the content URL this capture describes: the first useful
	// response for the primary role, the icon URL for favicons, and a
	// synthetic file URL for screenshots.
	URL string `gorm:"size:2100" json:"url,omitempty"`

	// RecordType is the WARC record type holding the payload
	// ("response" for proxied content, "resource" for synthesized records).
	RecordType string `gorm:"size:50" json:"record_type,omitempty"`

	ContentType string `gorm:"size:255" json:"content_type,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for Capture.
func (Capture) TableName() string {
	return "captures"
}

// JobStatus is the lifecycle state of a CaptureJob.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusDeleted    JobStatus = "deleted"
	JobStatusFailed     JobStatus = "failed"
)

// CaptureJob is the queue entry that drives one capture.
//
// Jobs are reserved atomically by capture workers. A job stuck in
// in_progress longer than the hard time limit is considered abandoned
// (worker died mid-capture) and is reclaimed as failed.
type CaptureJob struct {
	ID     uint   `gorm:"primaryKey" json:"id"`
	LinkID string `gorm:"uniqueIndex;not null;size:255" json:"link_id"`

	Status  JobStatus `gorm:"not null;default:pending;index" json:"status"`
	Attempt int       `gorm:"default:0" json:"attempt"`

	CaptureStartTime *time.Time `json:"capture_start_time,omitempty"`

	// StepCount is a monotonically increasing progress fraction and
	// StepDescription names the phase, both for operator visibility.
	StepCount       float64 `gorm:"default:0" json:"step_count"`
	StepDescription string  `gorm:"size:255" json:"step_description,omitempty"`

	// Message carries a human-readable completion or failure note.
	Message string `gorm:"size:255" json:"message,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	Link *Link `gorm:"foreignKey:LinkID" json:"link,omitempty"`
}

// TableName returns the table name for CaptureJob.
func (CaptureJob) TableName() string {
	return "capture_jobs"
}

// Terminal reports whether the job has reached a final state.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusDeleted || s == JobStatusFailed
}
