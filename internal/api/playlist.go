// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"net/http"

	xglog "github.com/ManuGH/webtuner/internal/log"
	"github.com/ManuGH/webtuner/internal/playlist"
)

const contentTypeM3U = "audio/x-mpegurl"

// handleLineupPlaylist exports the lineup as an M3U playlist. ?format=hls
// points entries at the HLS playlists instead of the transport streams.
func (s *Server) handleLineupPlaylist(w http.ResponseWriter, r *http.Request) {
	format, err := playlist.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	base := s.baseURL
	if base == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		base = scheme + "://" + r.Host
	}

	w.Header().Set("Content-Type", contentTypeM3U)
	w.Header().Set("Cache-Control", "no-cache")
	if err := playlist.WriteM3U(w, playlist.Items(base, s.channels.Channels(), format)); err != nil {
		logger := xglog.WithComponentFromContext(r.Context(), "api")
		logger.Debug().Err(err).Msg("lineup playlist write failed")
	}
}
