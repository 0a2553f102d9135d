// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import "errors"

var (
	// ErrMissingLogger is returned by Deps.Validate without a logger.
	ErrMissingLogger = errors.New("logger is required")

	// ErrMissingAPIHandler is returned by Deps.Validate without an HTTP handler.
	ErrMissingAPIHandler = errors.New("API handler is required")

	// ErrMissingManager is returned by App.Run when no server manager was wired.
	ErrMissingManager = errors.New("manager is required")

	// ErrManagerNotStarted is returned by Shutdown before Start bound a listener.
	ErrManagerNotStarted = errors.New("manager not started")

	// ErrServerStartFailed wraps listener errors (port in use, bad address).
	ErrServerStartFailed = errors.New("server failed to start")
)
