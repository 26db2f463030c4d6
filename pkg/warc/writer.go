package warc

import (
	"bytes"
	"fmt"
	"io"
	"strconv"

	"github.com/klauspost/compress/gzip"
)

// Writer writes WARC records to an underlying stream, one gzip member per
// record. It is not safe for concurrent use; the proxy serializes writes
// through its writer queue.
type Writer struct {
	w       *countingWriter
	gz      *gzip.Writer
	started bool
}

// NewWriter returns a Writer emitting records to w.
func NewWriter(w io.Writer) *Writer {
	cw := &countingWriter{w: w}
	return &Writer{
		w:  cw,
		gz: gzip.NewWriter(cw),
	}
}

// BytesWritten reports the compressed bytes written so far. Safe to read
// between records only; a record in flight is partially buffered.
func (w *Writer) BytesWritten() int64 {
	return w.w.n
}

// WriteWarcinfo writes a warcinfo record from the given fields and returns
// its record ID, for use as the WARC-Warcinfo-ID of subsequent records.
func (w *Writer) WriteWarcinfo(fields map[string]string) (string, error) {
	return w.WriteRecord(&Record{
		Type:         TypeWarcinfo,
		ContentType:  ContentTypeWarcinfo,
		Block:        WarcinfoBlock(fields),
		PayloadStart: -1,
	})
}

// WriteRecord writes one record as a complete gzip member and returns the
// generated record ID.
func (w *Writer) WriteRecord(rec *Record) (string, error) {
	if rec.Type == "" {
		return "", fmt.Errorf("warc: record type is required")
	}

	id := NewRecordID()

	var hdr bytes.Buffer
	hdr.WriteString("WARC/1.0\r\n")
	writeField(&hdr, HeaderType, rec.Type)
	writeField(&hdr, HeaderRecordID, id)
	writeField(&hdr, HeaderDate, formatDate(rec.Date))
	if rec.TargetURI != "" {
		writeField(&hdr, HeaderTargetURI, rec.TargetURI)
	}
	if rec.ConcurrentTo != "" {
		writeField(&hdr, HeaderConcurrentTo, rec.ConcurrentTo)
	}
	if rec.WarcinfoID != "" {
		writeField(&hdr, HeaderWarcinfoID, rec.WarcinfoID)
	}
	if rec.IPAddress != "" {
		writeField(&hdr, HeaderIPAddress, rec.IPAddress)
	}
	if rec.Truncated != "" {
		writeField(&hdr, HeaderTruncated, rec.Truncated)
	}
	writeField(&hdr, HeaderBlockDigest, Digest(rec.Block))
	if rec.PayloadStart >= 0 && rec.PayloadStart <= len(rec.Block) {
		writeField(&hdr, HeaderPayloadDigest, Digest(rec.Block[rec.PayloadStart:]))
	}
	if rec.ContentType != "" {
		writeField(&hdr, HeaderContentType, rec.ContentType)
	}
	writeField(&hdr, HeaderContentLength, strconv.Itoa(len(rec.Block)))
	hdr.WriteString("\r\n")

	if w.started {
		w.gz.Reset(w.w)
	}
	w.started = true

	if _, err := w.gz.Write(hdr.Bytes()); err != nil {
		return "", fmt.Errorf("failed to write record header: %w", err)
	}
	if _, err := w.gz.Write(rec.Block); err != nil {
		return "", fmt.Errorf("failed to write record block: %w", err)
	}
	if _, err := w.gz.Write([]byte("\r\n\r\n")); err != nil {
		return "", fmt.Errorf("failed to write record trailer: %w", err)
	}
	if err := w.gz.Close(); err != nil {
		return "", fmt.Errorf("failed to finish record member: %w", err)
	}

	return id, nil
}

// AppendRawMember appends an already-compressed gzip member verbatim.
// This is the assembler's copy path: records move between files without
// being decompressed and recompressed.
func (w *Writer) AppendRawMember(member []byte) error {
	if _, err := w.w.Write(member); err != nil {
		return fmt.Errorf("failed to append raw member: %w", err)
	}
	return nil
}

func writeField(buf *bytes.Buffer, name, value string) {
	buf.WriteString(name)
	buf.WriteString(": ")
	buf.WriteString(value)
	buf.WriteString("\r\n")
}

// countingWriter tracks bytes reaching the underlying stream.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
