// Package warc reads and writes WARC/1.0 archives.
//
// Every record is written as its own gzip member, which is what makes the
// .warc.gz format seekable and lets the assembler concatenate records from
// different files without recompressing them. Block and payload digests are
// SHA1 in the conventional "sha1:" + base32 form.
package warc

import (
	"bytes"
	"crypto/sha1"
	"encoding/base32"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Record types defined by the WARC/1.0 specification that this engine emits.
const (
	TypeWarcinfo = "warcinfo"
	TypeRequest  = "request"
	TypeResponse = "response"
	TypeResource = "resource"
)

// Header field names.
const (
	HeaderType          = "WARC-Type"
	HeaderRecordID      = "WARC-Record-ID"
	HeaderDate          = "WARC-Date"
	HeaderTargetURI     = "WARC-Target-URI"
	HeaderConcurrentTo  = "WARC-Concurrent-To"
	HeaderWarcinfoID    = "WARC-Warcinfo-ID"
	HeaderIPAddress     = "WARC-IP-Address"
	HeaderTruncated     = "WARC-Truncated"
	HeaderBlockDigest   = "WARC-Block-Digest"
	HeaderPayloadDigest = "WARC-Payload-Digest"
	HeaderContentType   = "Content-Type"
	HeaderContentLength = "Content-Length"
)

// Truncation reasons (values of the WARC-Truncated header).
const (
	// TruncatedLength marks a record cut off by a size limit.
	TruncatedLength = "length"

	// TruncatedTime marks a record cut off by a time limit.
	TruncatedTime = "time"
)

// Content types for the HTTP message blocks of request/response records.
const (
	ContentTypeRequest  = "application/http;msgtype=request"
	ContentTypeResponse = "application/http;msgtype=response"
	ContentTypeWarcinfo = "application/warc-fields"
)

// Record is a single WARC record to be written.
//
// Block holds the full record block; for request/response records that is
// the HTTP message (headers + body). PayloadStart is the offset where the
// entity body begins within Block, used for the payload digest; a negative
// value means the record has no distinguished payload.
type Record struct {
	Type         string
	TargetURI    string
	Date         time.Time
	ContentType  string
	ConcurrentTo string
	WarcinfoID   string
	IPAddress    string
	Truncated    string
	Block        []byte
	PayloadStart int
}

// NewRecordID returns a fresh WARC record identifier in urn:uuid form,
// including the surrounding angle brackets.
func NewRecordID() string {
	return "<urn:uuid:" + uuid.NewString() + ">"
}

// Digest returns the WARC digest string for the given bytes:
// "sha1:" followed by the base32-encoded SHA1 sum.
func Digest(b []byte) string {
	sum := sha1.Sum(b)
	return "sha1:" + base32.StdEncoding.EncodeToString(sum[:])
}

// WarcinfoBlock renders warcinfo fields as an application/warc-fields block.
// Fields are emitted in sorted key order so output is deterministic.
func WarcinfoBlock(fields map[string]string) []byte {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for _, k := range keys {
		fmt.Fprintf(&buf, "%s: %s\r\n", k, fields[k])
	}
	return buf.Bytes()
}

// formatDate renders a WARC-Date value (UTC, second precision).
func formatDate(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

// parseDate parses a WARC-Date value.
func parseDate(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, strings.TrimSpace(s))
}
