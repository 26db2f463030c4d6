package proxy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// ContinueDecision tells the recorder whether to keep streaming a response
// or cut it short with the given truncation reason.
type ContinueDecision int

const (
	// Continue keeps the stream going.
	Continue ContinueDecision = iota

	// TruncateLength stops the stream and marks the record truncated for
	// size (resource cap exceeded or stop requested).
	TruncateLength

	// TruncateTime stops the stream and marks the record truncated for
	// exceeding the unbounded-stream time cap.
	TruncateTime
)

// readChunkSize is the recorder's read granularity. Interruption checks
// run once per chunk.
const readChunkSize = 64 * 1024

// recorder relays an upstream response body to the proxy client while
// buffering every byte for the WARC record.
//
// A short read on a body with a declared length counts as a complete
// (partial) response rather than a failure; servers cutting streams early
// are routine and the partial bytes are worth keeping. Any other upstream
// or client error fails the exchange.
type recorder struct {
	src    io.Reader
	client io.Writer

	// count is called with each chunk's length, before the decision hook.
	count func(n int)

	// onChunk decides after every read whether to keep streaming.
	onChunk func(total int64) ContinueDecision

	buf   bytes.Buffer
	total int64
}

// run pumps the source until EOF or until onChunk cuts the stream.
// Returns the truncation reason ("" when the body completed) and the
// first fatal error.
func (r *recorder) run() (string, error) {
	chunk := make([]byte, readChunkSize)
	for {
		n, readErr := r.src.Read(chunk)
		if n > 0 {
			r.buf.Write(chunk[:n])
			r.total += int64(n)
			if r.count != nil {
				r.count(n)
			}
			if r.client != nil {
				if _, err := r.client.Write(chunk[:n]); err != nil {
					return "", fmt.Errorf("client went away: %w", err)
				}
			}
		}

		// The decision hook runs after every read, including the final
		// one, matching the per-chunk cadence of the interruption checks.
		if r.onChunk != nil {
			switch r.onChunk(r.total) {
			case TruncateLength:
				return "length", nil
			case TruncateTime:
				return "time", nil
			}
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
				return "", nil
			}
			return "", fmt.Errorf("upstream read failed: %w", readErr)
		}
	}
}

// body returns everything buffered so far.
func (r *recorder) body() []byte {
	return r.buf.Bytes()
}
