// Package ia is a client for the Internet Archive's S3-like upload API
// (ias3) and its item metadata API.
//
// The client speaks the two endpoints the replication engine needs:
//
//   - the ias3 endpoint (s3.us.archive.org) for PUT/DELETE of files inside
//     items, with item and file metadata carried as x-archive-* request
//     headers, and for the check_limit load probe;
//   - the metadata endpoint (archive.org/metadata/<identifier>) for reading
//     an item's metadata and file listing.
//
// All requests are paced by a shared client-side rate limiter so that a
// burst of replication tasks cannot hammer the service. Error classification
// helpers (IsRateLimited, IsBucketRace, IsConnectionError) let callers map
// failures onto their retry budgets.
package ia

// WARCKey returns the object key under which a link's WARC is stored
// inside its daily item.
func WARCKey(guid string) string {
	return "archive-" + guid + ".warc.gz"
}
