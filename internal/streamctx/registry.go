// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package streamctx gives every stream a single source of cooperative
// cancellation and carries stream identity through context.Context.
package streamctx

import (
	"context"
	"sync"
	"time"
)

// DefaultCallTimeout bounds a wrapped remote call when no timeout is given.
const DefaultCallTimeout = 15 * time.Second

type token struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
}

// Registry maps stream ids to their cancellation tokens.
// The zero value is not usable; construct with NewRegistry.
type Registry struct {
	mu      sync.Mutex
	tokens  map[int64]*token
	timeout time.Duration
}

// NewRegistry creates a registry whose wrapped calls default to timeout.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Registry{
		tokens:  make(map[int64]*token),
		timeout: timeout,
	}
}

// Register creates the stream's token and returns its context, which carries the
// stream identity and is cancelled by Cancel. Registering an id twice returns
// the existing context.
func (r *Registry) Register(id int64, channel string) context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tokens[id]; ok {
		return t.ctx
	}
	ctx, cancel := context.WithCancelCause(WithStream(context.Background(), id, channel))
	r.tokens[id] = &token{ctx: ctx, cancel: cancel}
	return ctx
}

// Cancel signals the stream's token and removes it. It reports whether a token existed.
func (r *Registry) Cancel(id int64, reason string) bool {
	r.mu.Lock()
	t, ok := r.tokens[id]
	delete(r.tokens, id)
	r.mu.Unlock()
	if !ok {
		return false
	}
	t.cancel(&AbortError{Reason: reason})
	return true
}

// Context returns the live token context for id.
func (r *Registry) Context(id int64) (context.Context, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[id]
	if !ok {
		return nil, false
	}
	return t.ctx, true
}

// Len returns the number of live tokens.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tokens)
}

// Timeout is the default bound for wrapped calls.
func (r *Registry) Timeout() time.Duration {
	return r.timeout
}
