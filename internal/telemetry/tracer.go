package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Common attribute keys for capture and replication spans.
// HTTP keys follow OpenTelemetry semantic conventions; domain keys use the
// "capture." and "archive." prefixes.
const (
	// ========================================================================
	// Capture attributes
	// ========================================================================
	AttrLinkGUID     = "capture.guid"         // link GUID under capture
	AttrJobID        = "capture.job_id"       // capture job row ID
	AttrAttempt      = "capture.attempt"      // attempt number
	AttrPhase        = "capture.phase"        // orchestrator phase
	AttrTargetURL    = "capture.target_url"   // submitted URL
	AttrContentURL   = "capture.content_url"  // URL of the first useful response
	AttrContentType  = "capture.content_type" // content type of the primary capture
	AttrWARCSize     = "capture.warc_size"    // final archive size in bytes
	AttrRecordedSize = "capture.recorded"     // bytes recorded by the proxy
	AttrTruncated    = "capture.truncated"    // truncation reason, if any
	AttrProxyPort    = "capture.proxy_port"   // recording proxy listen port

	// ========================================================================
	// HTTP attributes (semconv-aligned)
	// ========================================================================
	AttrHTTPMethod = "http.request.method"
	AttrHTTPStatus = "http.response.status_code"
	AttrHTTPURL    = "url.full"
	AttrHTTPHost   = "server.address"

	// ========================================================================
	// Replication attributes
	// ========================================================================
	AttrItemID     = "archive.item"        // daily item identifier
	AttrFileKey    = "archive.file"        // file key within the item
	AttrTaskKind   = "archive.task"        // upload, delete, confirm_upload, confirm_delete
	AttrFileStatus = "archive.file_status" // state-machine status
	AttrRetryClass = "archive.retry_class" // rate_limit, timeout, error, connection
	AttrRetries    = "archive.retries"     // attempts consumed
	AttrQueueName  = "archive.queue"       // task queue name

	// ========================================================================
	// Storage attributes
	// ========================================================================
	AttrBlobPath  = "blob.path"
	AttrBlobBytes = "blob.bytes"
)

// StartCaptureSpan starts a span for one orchestrator phase, pre-tagged with
// the link identity.
func StartCaptureSpan(ctx context.Context, phase, guid string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	base := []attribute.KeyValue{
		attribute.String(AttrLinkGUID, guid),
		attribute.String(AttrPhase, phase),
	}
	return StartSpan(ctx, "capture."+phase, trace.WithAttributes(append(base, attrs...)...))
}

// StartTaskSpan starts a span for one replication task run. The item is
// usually resolved mid-task; add it with SetAttributes once known.
func StartTaskSpan(ctx context.Context, task, guid string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	base := []attribute.KeyValue{
		attribute.String(AttrTaskKind, task),
		attribute.String(AttrLinkGUID, guid),
	}
	return StartSpan(ctx, "archive."+task, trace.WithAttributes(append(base, attrs...)...))
}

// Item returns an attribute for the daily item identifier
func Item(identifier string) attribute.KeyValue {
	return attribute.String(AttrItemID, identifier)
}

// FileKey returns an attribute for a file key within an item
func FileKey(key string) attribute.KeyValue {
	return attribute.String(AttrFileKey, key)
}

// TargetURL returns an attribute for the submitted URL
func TargetURL(url string) attribute.KeyValue {
	return attribute.String(AttrTargetURL, url)
}

// WARCSize returns an attribute for the final archive size in bytes
func WARCSize(bytes int64) attribute.KeyValue {
	return attribute.Int64(AttrWARCSize, bytes)
}

// Attempt returns an attribute for the capture attempt number
func Attempt(n int) attribute.KeyValue {
	return attribute.Int(AttrAttempt, n)
}

// RetryClass returns an attribute for the retry classification
func RetryClass(class string) attribute.KeyValue {
	return attribute.String(AttrRetryClass, class)
}

// TraceID returns the trace ID from the current span context.
// Returns empty string if no span is active.
func TraceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// SpanID returns the span ID from the current span context.
// Returns empty string if no span is active.
func SpanID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if sc.HasSpanID() {
		return sc.SpanID().String()
	}
	return ""
}
