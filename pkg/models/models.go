// Package models defines the persistent data model: links, captures,
// capture jobs, and the Internet Archive replication state.
package models

// AllModels returns all GORM models for auto-migration.
func AllModels() []any {
	return []any{
		&Link{},
		&Capture{},
		&CaptureJob{},
		&Tag{},
		&InternetArchiveItem{},
		&InternetArchiveFile{},
	}
}
