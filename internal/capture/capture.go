// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package capture defines the acquisition capability the stream pipeline
// drives: something that opens a source page, starts playback and hands back
// a live media feed.
package capture

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrAcquire is wrapped by every acquisition failure.
var ErrAcquire = errors.New("capture acquisition failed")

// Profile tells the acquirer how to start playback on a page.
type Profile struct {
	Name      string
	Selector  string
	Script    string
	MimeType  string
	TimeSlice time.Duration
	Retries   int
}

// Handle is the exclusive ownership of one in-progress capture.
type Handle interface {
	// ID is unique per acquisition.
	ID() string
	// Media is the recorded container stream. It reports EOF after Close.
	Media() io.Reader
	// Reselect re-runs the start-playback action on the existing page.
	Reselect(ctx context.Context) error
	// Title returns the current page title for display.
	Title(ctx context.Context) (string, error)
	// LastData is when the last media chunk arrived.
	LastData() time.Time
	// Alive reports whether the backing session still exists.
	Alive() bool
	// Close releases the capture. It is safe to call more than once.
	Close() error
}

// Acquirer opens captures. Implementations may retry internally; the caller
// sees one bounded outcome.
type Acquirer interface {
	Acquire(ctx context.Context, url string, profile Profile) (Handle, error)
}

// AcquireError carries the reason an acquisition failed.
type AcquireError struct {
	URL    string
	Reason string
	Err    error
}

func (e *AcquireError) Error() string {
	if e.Err != nil {
		return "acquire " + e.URL + ": " + e.Reason + ": " + e.Err.Error()
	}
	return "acquire " + e.URL + ": " + e.Reason
}

func (e *AcquireError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrAcquire, e.Err}
	}
	return []error{ErrAcquire}
}
