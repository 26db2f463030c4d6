package replication

import (
	"strings"
	"time"

	"github.com/permacap/permacap/pkg/models"
)

// ItemMetadataForDate builds the standardized metadata for a daily item.
// It rides along on the first upload that creates the item; later uploads
// to an existing item send no item metadata.
func ItemMetadataForDate(collection string, day time.Time) map[string]string {
	date := day.UTC().Format("2006-01-02")
	return map[string]string{
		"collection":  collection,
		"mediatype":   "web",
		"date":        date,
		"title":       "Permacap archives: " + date,
		"description": "Web captures preserved by Permacap on " + date + ".",
	}
}

// FileMetadataForLink builds the standardized per-file metadata attached
// to an uploaded WARC. The confirmation poller later requires every key
// here to match the external side, so this is both what we send and what
// we expect back.
func FileMetadataForLink(link *models.Link) map[string]string {
	md := map[string]string{
		"guid":          link.GUID,
		"submitted-url": link.SubmittedURL,
		"capture-date":  link.CreatedAt.UTC().Format(time.RFC3339),
	}
	if link.SubmittedTitle != "" {
		md["title"] = link.SubmittedTitle
	}
	return md
}

// normalizeWhitespace collapses whitespace runs to single spaces. The
// archive normalizes stored metadata whitespace idiosyncratically, so
// confirmations compare values with whitespace neutralized.
func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// metadataMatches reports whether every expected key matches the stored
// external metadata after whitespace normalization.
func metadataMatches(expected, actual map[string]string) bool {
	for k, want := range expected {
		if normalizeWhitespace(actual[k]) != normalizeWhitespace(want) {
			return false
		}
	}
	return true
}
