package models

import "errors"

// Common errors for link store operations.
var (
	// Link errors
	ErrLinkNotFound  = errors.New("link not found")
	ErrDuplicateLink = errors.New("link already exists")

	// Capture errors
	ErrCaptureNotFound = errors.New("capture not found")

	// Job errors
	ErrJobNotFound   = errors.New("capture job not found")
	ErrNoPendingJobs = errors.New("no pending capture jobs")
	ErrDuplicateJob  = errors.New("capture job already exists for link")

	// Tag errors
	ErrTagNotFound = errors.New("tag not found")

	// Replication errors
	ErrItemNotFound      = errors.New("internet archive item not found")
	ErrFileNotFound      = errors.New("internet archive file not found")
	ErrDuplicateItem     = errors.New("internet archive item already exists")
	ErrDuplicateFile     = errors.New("internet archive file already exists")
	ErrFileBeingDeleted  = errors.New("file is on the deletion path and needs attention")
	ErrFileAlreadyStored = errors.New("file is already confirmed present")
)
