// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package streamctx

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrSessionClosed marks a browser session or target that cannot recover.
var ErrSessionClosed = errors.New("browser session closed")

// Messages the DevTools endpoint uses once a session or target is gone.
var sessionClosedPatterns = []string{
	"session closed",
	"target closed",
	"session with given id not found",
	"no target with given id",
	"target page, context or browser has been closed",
	"websocket: close",
	"use of closed network connection",
}

// IsSessionClosed reports whether err means the remote session is gone for good.
func IsSessionClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSessionClosed) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range sessionClosedPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// Retry calls fn up to attempts times, waiting backoff between failures.
// It stops immediately on success, on an abort, on a closed session, or when ctx ends.
func Retry(ctx context.Context, attempts int, backoff time.Duration, fn func(attempt int) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 1; i <= attempts; i++ {
		err = fn(i)
		if err == nil || errors.Is(err, ErrAborted) || IsSessionClosed(err) {
			return err
		}
		if i == attempts {
			break
		}
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return errors.Join(err, ctx.Err())
		case <-t.C:
		}
	}
	return err
}
