// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package streamctx

import (
	"context"

	"github.com/ManuGH/webtuner/internal/log"
	"github.com/rs/zerolog"
)

// WithStream marks ctx as running on behalf of stream id.
func WithStream(ctx context.Context, id int64, channel string) context.Context {
	return log.ContextWithStream(ctx, id, channel)
}

// StreamID returns the stream ctx runs for.
func StreamID(ctx context.Context) (int64, bool) {
	id, _, ok := log.StreamFromContext(ctx)
	return id, ok
}

// Channel returns the channel key ctx runs for.
func Channel(ctx context.Context) string {
	_, ch, _ := log.StreamFromContext(ctx)
	return ch
}

// Rebind re-establishes stream identity at the start of a timer or deferred
// callback. The returned context is not cancelled by the stream token; wrapped
// calls made with it still observe the token through the registry.
func Rebind(id int64, channel string) context.Context {
	return WithStream(context.Background(), id, channel)
}

// Logger returns a component logger enriched with the stream identity in ctx.
func Logger(ctx context.Context, component string) zerolog.Logger {
	return log.WithComponentFromContext(ctx, component)
}
