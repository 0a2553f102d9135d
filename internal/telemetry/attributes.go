// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys for consistent tracing across the application.
const (
	// HTTP attributes
	HTTPMethodKey     = "http.method"
	HTTPStatusCodeKey = "http.status_code"
	HTTPRouteKey      = "http.route"

	// Stream attributes
	StreamIDKey      = "stream.id"
	StreamChannelKey = "stream.channel"
	StreamURLKey     = "stream.url"
	StreamResultKey  = "stream.result"

	// Capture attributes
	CaptureIDKey      = "capture.id"
	CaptureProfileKey = "capture.profile"

	// Process attributes
	ProcessKindKey = "process.kind"
	ProcessPIDKey  = "process.pid"

	// Recovery attributes
	RecoveryTierKey    = "recovery.tier"
	TerminateReasonKey = "terminate.reason"

	// Error attributes
	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// HTTPAttributes creates common HTTP span attributes.
func HTTPAttributes(method, route string, statusCode int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(HTTPMethodKey, method),
		attribute.String(HTTPRouteKey, route),
		attribute.Int(HTTPStatusCodeKey, statusCode),
	}
}

// StreamAttributes identifies a stream. Zero values are omitted.
func StreamAttributes(id int64, channel, url string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 3)
	if id != 0 {
		attrs = append(attrs, attribute.Int64(StreamIDKey, id))
	}
	if channel != "" {
		attrs = append(attrs, attribute.String(StreamChannelKey, channel))
	}
	if url != "" {
		attrs = append(attrs, attribute.String(StreamURLKey, url))
	}
	return attrs
}

// CaptureAttributes describes an acquired capture.
func CaptureAttributes(captureID, profile string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(CaptureIDKey, captureID),
		attribute.String(CaptureProfileKey, profile),
	}
}

// ProcessAttributes describes a spawned subprocess.
func ProcessAttributes(kind string, pid int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(ProcessKindKey, kind),
		attribute.Int(ProcessPIDKey, pid),
	}
}

// RecoveryAttributes describes a remediation.
func RecoveryAttributes(id int64, tier int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int64(StreamIDKey, id),
		attribute.Int(RecoveryTierKey, tier),
	}
}

// TerminateAttributes describes a teardown.
func TerminateAttributes(id int64, channel, reason string) []attribute.KeyValue {
	return append(StreamAttributes(id, channel, ""), attribute.String(TerminateReasonKey, reason))
}

// ErrorAttributes creates error-related span attributes.
func ErrorAttributes(_ error, errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errorType),
	}
}
