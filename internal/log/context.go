// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

import (
	"context"

	"github.com/rs/zerolog"
)

type ctxKey string

const (
	requestIDKey ctxKey = "request_id"
	streamKey    ctxKey = "stream"
)

type streamIdentity struct {
	id      int64
	channel string
}

// ContextWithRequestID stores the provided request ID in the context.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext extracts the request ID from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// ContextWithStream records which stream the work in ctx runs for.
func ContextWithStream(ctx context.Context, id int64, channel string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, streamKey, streamIdentity{id: id, channel: channel})
}

// StreamFromContext returns the stream identity stored by ContextWithStream.
func StreamFromContext(ctx context.Context) (id int64, channel string, ok bool) {
	if ctx == nil {
		return 0, "", false
	}
	v, ok := ctx.Value(streamKey).(streamIdentity)
	if !ok {
		return 0, "", false
	}
	return v.id, v.channel, true
}

// WithContext enriches the supplied logger with correlation fields from context.
func WithContext(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	if ctx == nil {
		return logger
	}
	builder := logger.With()
	added := false
	if rid := RequestIDFromContext(ctx); rid != "" {
		builder = builder.Str(FieldRequestID, rid)
		added = true
	}
	if id, channel, ok := StreamFromContext(ctx); ok {
		builder = builder.Int64(FieldStreamID, id)
		if channel != "" {
			builder = builder.Str(FieldChannel, channel)
		}
		added = true
	}
	if !added {
		return logger
	}
	return builder.Logger()
}

// WithComponentFromContext returns a logger that is annotated with the component
// name and enriched with correlation fields from ctx.
func WithComponentFromContext(ctx context.Context, component string) zerolog.Logger {
	return WithContext(ctx, WithComponent(component))
}
