// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package middleware

import (
	"net/http"
	"strings"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	xglog "github.com/ManuGH/webtuner/internal/log"
)

// AccessLog writes one structured line per finished request. Successful
// media fetches log at debug level; players poll them every few seconds.
func AccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		logger := xglog.WithComponentFromContext(r.Context(), "http")
		ev := logger.Info()
		switch {
		case status >= 500:
			ev = logger.Error()
		case status >= 400:
			ev = logger.Warn()
		case routePattern(r) != "unmatched" && isMedia(r.URL.Path):
			ev = logger.Debug()
		}
		if traceID, spanID := ExtractTraceContext(r); traceID != "" {
			ev = ev.Str(xglog.FieldTraceID, traceID).Str(xglog.FieldSpanID, spanID)
		}
		ev.Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("route", routePattern(r)).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str(xglog.FieldRemoteAddr, r.RemoteAddr).
			Msg("http request")
	})
}

func isMedia(path string) bool {
	return strings.HasSuffix(path, ".m3u8") || strings.HasSuffix(path, ".m4s") || strings.HasSuffix(path, ".mp4")
}
