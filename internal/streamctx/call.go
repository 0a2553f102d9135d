// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package streamctx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ManuGH/webtuner/internal/metrics"
)

var (
	// ErrAborted is returned by wrapped calls abandoned because their stream was cancelled.
	ErrAborted = errors.New("stream operation aborted")
	// ErrTimeout is returned by wrapped calls that outlived their timeout.
	ErrTimeout = errors.New("stream operation timed out")
)

// AbortError carries the reason the stream was cancelled. It matches ErrAborted.
type AbortError struct {
	Reason string
}

func (e *AbortError) Error() string {
	if e.Reason == "" {
		return ErrAborted.Error()
	}
	return ErrAborted.Error() + ": " + e.Reason
}

// Is reports whether target is ErrAborted.
func (e *AbortError) Is(target error) bool {
	return target == ErrAborted
}

type result[T any] struct {
	val T
	err error
}

// Call runs fn racing three outcomes: fn itself, timeout, and cancellation of
// the stream ctx belongs to (if any). Abort wins over timeout when both are
// ready. fn receives a context that is cancelled as soon as Call returns, and
// its eventual result is discarded without blocking.
// A zero timeout uses the registry default.
func Call[T any](ctx context.Context, reg *Registry, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if timeout <= 0 {
		timeout = DefaultCallTimeout
		if reg != nil {
			timeout = reg.timeout
		}
	}

	var streamCtx context.Context
	if reg != nil {
		if id, ok := StreamID(ctx); ok {
			sc, live := reg.Context(id)
			if !live {
				metrics.IncRemoteCall("aborted")
				return zero, &AbortError{Reason: "stream no longer registered"}
			}
			streamCtx = sc
		}
	}
	var abort <-chan struct{}
	if streamCtx != nil {
		abort = streamCtx.Done()
	}
	// non-nil once the stream token has fired
	aborted := func() error {
		if streamCtx == nil || streamCtx.Err() == nil {
			return nil
		}
		return abortCause(streamCtx)
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan result[T], 1)
	go func() {
		v, err := fn(callCtx)
		done <- result[T]{val: v, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		if res.err != nil {
			if err := aborted(); err != nil {
				metrics.IncRemoteCall("aborted")
				return zero, err
			}
			metrics.IncRemoteCall("error")
			return res.val, res.err
		}
		metrics.IncRemoteCall("ok")
		return res.val, nil
	case <-abort:
		metrics.IncRemoteCall("aborted")
		return zero, abortCause(streamCtx)
	case <-timer.C:
		if err := aborted(); err != nil {
			metrics.IncRemoteCall("aborted")
			return zero, err
		}
		metrics.IncRemoteCall("timeout")
		return zero, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	case <-ctx.Done():
		if err := aborted(); err != nil {
			metrics.IncRemoteCall("aborted")
			return zero, err
		}
		metrics.IncRemoteCall("error")
		return zero, ctx.Err()
	}
}

// Do is Call for operations without a result.
func Do(ctx context.Context, reg *Registry, timeout time.Duration, fn func(context.Context) error) error {
	_, err := Call(ctx, reg, timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func abortCause(ctx context.Context) error {
	var ae *AbortError
	if errors.As(context.Cause(ctx), &ae) {
		return ae
	}
	return &AbortError{Reason: "cancelled"}
}
