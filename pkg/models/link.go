package models

import (
	"net/url"
	"time"
)

// PrivateReason explains why a link was made private.
type PrivateReason string

const (
	// PrivateReasonPolicy means an archiving policy (robots.txt, x-robots-tag,
	// or a meta tag) forbade archiving.
	PrivateReasonPolicy PrivateReason = "policy"

	// PrivateReasonFailure means the capture degraded badly enough that the
	// archive should not be public (configurable behavior).
	PrivateReasonFailure PrivateReason = "failure"

	// PrivateReasonUser means the owner chose to make the link private.
	PrivateReasonUser PrivateReason = "user"
)

// MaxURLLength bounds the persisted submitted URL column.
const MaxURLLength = 2100

// MaxTitleLength bounds the persisted title column.
const MaxTitleLength = 2100

// MaxDescriptionLength bounds the persisted description column.
const MaxDescriptionLength = 300

// Link represents one archival request: a URL somebody asked to preserve.
//
// Links are created externally (by the submitting application); the capture
// engine mutates title, description, privacy, and WARC size during capture,
// and the replication state machine later ships the finished WARC to the
// external archive.
type Link struct {
	// GUID is the public identifier, e.g. "AB12-CD34".
	GUID string `gorm:"primaryKey;size:255" json:"guid"`

	SubmittedURL         string `gorm:"not null;size:2100" json:"submitted_url"`
	SubmittedTitle       string `gorm:"size:2100" json:"submitted_title,omitempty"`
	SubmittedDescription string `gorm:"size:300" json:"submitted_description,omitempty"`

	IsPrivate     bool          `gorm:"default:false" json:"is_private"`
	PrivateReason PrivateReason `gorm:"size:50" json:"private_reason,omitempty"`

	// UserDeleted marks links whose owner deleted them after submission.
	// A pending capture for a deleted link is skipped; a replicated WARC
	// for a deleted link is removed from the external archive.
	UserDeleted          bool       `gorm:"default:false" json:"user_deleted"`
	UserDeletedTimestamp *time.Time `json:"user_deleted_timestamp,omitempty"`

	// WarcSize is the size in bytes of the finished WARC, set once on success.
	WarcSize *int64 `json:"warc_size,omitempty"`

	// CachedCanPlayBack caches whether the archive contains playable content.
	CachedCanPlayBack *bool `json:"cached_can_play_back,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	Captures []Capture `gorm:"foreignKey:LinkID" json:"captures,omitempty"`
	Tags     []Tag     `gorm:"many2many:link_tags;" json:"tags,omitempty"`
}

// TableName returns the table name for Link.
func (Link) TableName() string {
	return "links"
}

// DefaultTitle returns the placeholder title derived from the submitted URL's
// host. A user-supplied title equal to this value is treated as absent and
// may be overwritten by the page's real title during capture.
func (l *Link) DefaultTitle() string {
	u, err := url.Parse(l.SubmittedURL)
	if err != nil {
		return ""
	}
	return u.Host
}

// HasTag reports whether the link carries the named tag.
// Requires Tags to be preloaded.
func (l *Link) HasTag(name string) bool {
	for _, t := range l.Tags {
		if t.Name == name {
			return true
		}
	}
	return false
}

// TagNames returns the names of all tags on the link.
func (l *Link) TagNames() []string {
	names := make([]string, len(l.Tags))
	for i, t := range l.Tags {
		names[i] = t.Name
	}
	return names
}

// CaptureByRole returns the link's capture with the given role, or nil.
// Requires Captures to be preloaded.
func (l *Link) CaptureByRole(role CaptureRole) *Capture {
	for i := range l.Captures {
		if l.Captures[i].Role == role {
			return &l.Captures[i]
		}
	}
	return nil
}

// PrimaryCapture returns the link's primary capture, or nil.
func (l *Link) PrimaryCapture() *Capture {
	return l.CaptureByRole(CaptureRolePrimary)
}

// EligibleForReplication reports whether the link may be shipped to the
// external archive: public, not deleted, successfully captured, with a
// playable WARC of nonzero size. Requires Captures to be preloaded.
// Store queries apply the same filter in SQL; tasks re-check here because
// eligibility can change between queuing and running.
func (l *Link) EligibleForReplication() bool {
	if l.IsPrivate || l.UserDeleted {
		return false
	}
	if l.WarcSize == nil || *l.WarcSize <= 0 {
		return false
	}
	if l.CachedCanPlayBack != nil && !*l.CachedCanPlayBack {
		return false
	}
	primary := l.PrimaryCapture()
	return primary != nil && primary.Status == CaptureStatusSuccess
}

// TruncateForStorage clamps title and description to their column limits.
func TruncateForStorage(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	// Cut on a rune boundary so we never store broken UTF-8.
	runes := []rune(s)
	for len(string(runes)) > limit {
		runes = runes[:len(runes)-1]
	}
	return string(runes)
}

// Tag is a free-form label attached to links, used to record degraded
// capture outcomes (e.g. browser-crashed, timeout-failure).
type Tag struct {
	ID   uint   `gorm:"primaryKey" json:"id"`
	Name string `gorm:"uniqueIndex;not null;size:100" json:"name"`
}

// TableName returns the table name for Tag.
func (Tag) TableName() string {
	return "tags"
}
