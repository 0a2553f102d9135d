// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ManuGH/webtuner/internal/lifecycle"
	xglog "github.com/ManuGH/webtuner/internal/log"
	"github.com/ManuGH/webtuner/internal/registry"
	"github.com/ManuGH/webtuner/internal/segment"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error     string `json:"error"`
	Detail    string `json:"detail,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, kind, detail string) {
	writeJSON(w, code, errorBody{
		Error:     kind,
		Detail:    detail,
		RequestID: xglog.RequestIDFromContext(r.Context()),
	})
}

// writeNotFound writes a 404 Not Found response
func writeNotFound(w http.ResponseWriter, r *http.Request, detail string) {
	writeError(w, r, http.StatusNotFound, "not_found", detail)
}

// writeStreamError maps a lifecycle failure to a status code. A request
// whose client went away gets no response.
func writeStreamError(w http.ResponseWriter, r *http.Request, err error) {
	logger := xglog.WithComponentFromContext(r.Context(), "api")

	switch {
	case errors.Is(err, context.Canceled) && r.Context().Err() != nil:
		logger.Debug().Err(err).Msg("client went away while waiting for stream")
	case errors.Is(err, lifecycle.ErrCapacity), errors.Is(err, lifecycle.ErrShuttingDown):
		w.Header().Set("Retry-After", "10")
		writeError(w, r, http.StatusServiceUnavailable, "unavailable", err.Error())
	case errors.Is(err, lifecycle.ErrAcquireFailed):
		logger.Warn().Err(err).Msg("stream acquisition failed")
		writeError(w, r, http.StatusBadGateway, "acquire_failed", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusGatewayTimeout, "timeout", "stream did not become ready in time")
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, segment.ErrClosed):
		writeError(w, r, http.StatusGone, "stream_ended", err.Error())
	default:
		logger.Error().Err(err).Msg("stream request failed")
		writeError(w, r, http.StatusInternalServerError, "internal", err.Error())
	}
}
