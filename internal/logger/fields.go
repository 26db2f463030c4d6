package logger

import (
	"fmt"
	"log/slog"
)

// Standard field keys for structured logging.
// Use these keys consistently across all log statements so that capture and
// replication records can be correlated in log aggregation.
const (
	// ========================================================================
	// Distributed Tracing
	// ========================================================================
	KeyTraceID = "trace_id" // OpenTelemetry trace ID for request correlation
	KeySpanID  = "span_id"  // OpenTelemetry span ID for operation tracking

	// ========================================================================
	// Capture
	// ========================================================================
	KeyGUID        = "guid"         // link GUID
	KeyJobID       = "job_id"       // capture job row ID
	KeyAttempt     = "attempt"      // capture or upload attempt number
	KeyPhase       = "phase"        // orchestrator phase name
	KeyURL         = "url"          // request or target URL
	KeyHost        = "host"         // remote host (host:port when relevant)
	KeyStatus      = "status"       // HTTP status or entity status string
	KeyContentType = "content_type" // response content type
	KeyBytes       = "bytes"        // byte count for a stream or record
	KeySize        = "size"         // artifact size in bytes
	KeyTruncated   = "truncated"    // truncation reason (length, time)
	KeyWorker      = "worker"       // worker kind (fetch, robots, favicon)
	KeyProxyPort   = "proxy_port"   // recording proxy listen port

	// ========================================================================
	// Replication
	// ========================================================================
	KeyItem       = "item"        // daily item identifier
	KeyFile       = "file"        // file key within an item
	KeyQueue      = "queue"       // task queue name
	KeyTask       = "task"        // task kind (upload, delete, confirm)
	KeyRetryClass = "retry_class" // budget class (rate_limit, timeout, ...)
	KeyRetries    = "retries"     // attempts consumed from a budget

	// ========================================================================
	// Generic
	// ========================================================================
	KeyPath       = "path"        // filesystem or blob path
	KeyComponent  = "component"   // subsystem name
	KeyDurationMs = "duration_ms" // elapsed milliseconds
	KeyError      = "error"       // error message
)

// ----------------------------------------------------------------------------
// Attr helpers
// ----------------------------------------------------------------------------

// Err returns a slog.Attr for an error, tolerating nil
func Err(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}

// GUID returns a slog.Attr for a link GUID
func GUID(guid string) slog.Attr {
	return slog.String(KeyGUID, guid)
}

// URL returns a slog.Attr for a URL
func URL(url string) slog.Attr {
	return slog.String(KeyURL, url)
}

// Bytes returns a slog.Attr for a byte count
func Bytes(n int64) slog.Attr {
	return slog.Int64(KeyBytes, n)
}

// Item returns a slog.Attr for a daily item identifier
func Item(identifier string) slog.Attr {
	return slog.String(KeyItem, identifier)
}

// Queue returns a slog.Attr for a task queue name
func Queue(name string) slog.Attr {
	return slog.String(KeyQueue, name)
}

// DurationMs returns a slog.Attr for elapsed milliseconds
func DurationMs(ms float64) slog.Attr {
	return slog.String(KeyDurationMs, fmt.Sprintf("%.3f", ms))
}
