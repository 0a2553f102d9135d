// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ManuGH/webtuner/internal/clients"
	"github.com/ManuGH/webtuner/internal/lifecycle"
	xglog "github.com/ManuGH/webtuner/internal/log"
	"github.com/ManuGH/webtuner/internal/registry"
	"github.com/ManuGH/webtuner/internal/status"
)

// sseKeepAlive is the comment interval that keeps idle proxies from closing
// the event stream between heartbeats.
const sseKeepAlive = 15 * time.Second

type channelView struct {
	Key       string `json:"key"`
	Name      string `json:"name,omitempty"`
	Number    string `json:"number,omitempty"`
	Streaming bool   `json:"streaming"`
	StreamID  int64  `json:"streamId,omitempty"`
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	lineup := s.channels.Channels()
	out := make([]channelView, 0, len(lineup))
	for _, ch := range lineup {
		v := channelView{Key: ch.Key, Name: ch.Name, Number: ch.Number}
		if st, ok := s.streams.Lookup(ch.Key); ok {
			v.Streaming = true
			v.StreamID = st.ID
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": out})
}

type streamView struct {
	registry.Stream
	Health  status.Health   `json:"health,omitempty"`
	Reasons []string        `json:"reasons,omitempty"`
	Clients []clients.Entry `json:"clients"`
}

func (s *Server) handleListStreams(w http.ResponseWriter, r *http.Request) {
	list := s.streams.Streams()
	out := make([]streamView, 0, len(list))
	for _, st := range list {
		v := streamView{Stream: st, Clients: s.clients.Entries(st.ID)}
		if v.Clients == nil {
			v.Clients = []clients.Entry{}
		}
		if state, ok := s.status.State(st.ID); ok {
			v.Health = state.Health
			v.Reasons = state.Reasons
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"streams": out})
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", "invalid stream id")
		return
	}
	if !s.streams.Terminate(r.Context(), id, "", lifecycle.ReasonAPI) {
		writeNotFound(w, r, fmt.Sprintf("stream %d not found", id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status.Snapshot())
}

// handleStatusEvents streams status events as server-sent events. The first
// event is always a full snapshot.
func (s *Server) handleStatusEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}

	events := make(chan status.Event, 16)
	done := make(chan struct{})
	unsubscribe := s.status.Subscribe(func(ev status.Event) {
		select {
		case events <- ev:
		case <-done:
		}
	})
	defer unsubscribe()
	defer close(done)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	logger := xglog.WithComponentFromContext(r.Context(), "api")
	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev := <-events:
			data, err := json.Marshal(ev)
			if err != nil {
				logger.Error().Err(err).Str(xglog.FieldEvent, ev.Name).Msg("failed to encode status event")
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
