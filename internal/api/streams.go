// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ManuGH/webtuner/internal/clients"
	"github.com/ManuGH/webtuner/internal/config"
	xglog "github.com/ManuGH/webtuner/internal/log"
	"github.com/ManuGH/webtuner/internal/registry"
	"github.com/ManuGH/webtuner/internal/segment"
)

const (
	contentTypeHLS = "application/vnd.apple.mpegurl"
	contentTypeMP4 = "video/mp4"
	contentTypeTS  = "video/mp2t"

	subscriberBuffer = 256
)

func (s *Server) channel(w http.ResponseWriter, r *http.Request) (config.Channel, bool) {
	key := chi.URLParam(r, "channel")
	ch, ok := s.channels.Channel(key)
	if !ok {
		writeNotFound(w, r, "unknown channel "+strconv.Quote(key))
		return config.Channel{}, false
	}
	return ch, true
}

// start attaches to or starts the channel's stream, bounded by the start
// timeout and the request.
func (s *Server) start(ctx context.Context, ch config.Channel) (registry.Stream, error) {
	ctx, cancel := context.WithTimeout(ctx, s.startTimeout)
	defer cancel()
	return s.streams.StartOrAttach(ctx, ch.Key, ch.URL)
}

// live returns the producer of a channel that is already streaming. Media
// requests for a stream that is not running never start one.
func (s *Server) live(w http.ResponseWriter, r *http.Request) (registry.Stream, *segment.Producer, bool) {
	ch, ok := s.channel(w, r)
	if !ok {
		return registry.Stream{}, nil, false
	}
	st, ok := s.streams.Lookup(ch.Key)
	if !ok {
		writeNotFound(w, r, "channel is not streaming")
		return registry.Stream{}, nil, false
	}
	p, ok := s.streams.Producer(st.ID)
	if !ok {
		writeNotFound(w, r, "channel is not streaming")
		return registry.Stream{}, nil, false
	}
	return st, p, true
}

func (s *Server) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.channel(w, r)
	if !ok {
		return
	}
	st, err := s.start(r.Context(), ch)
	if err != nil {
		writeStreamError(w, r, err)
		return
	}
	p, ok := s.streams.Producer(st.ID)
	if !ok {
		writeStreamError(w, r, registry.ErrNotFound)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.startTimeout)
	defer cancel()
	if err := p.WaitReady(ctx); err != nil {
		writeStreamError(w, r, err)
		return
	}

	s.clients.Register(st.ID, r.RemoteAddr, clients.ClassPoll)

	body, ok := p.Playlist("")
	if !ok {
		writeStreamError(w, r, segment.ErrClosed)
		return
	}
	w.Header().Set("Content-Type", contentTypeHLS)
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write([]byte(body))
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	st, p, ok := s.live(w, r)
	if !ok {
		return
	}
	data, ok := p.Init()
	if !ok {
		writeNotFound(w, r, "init section not available yet")
		return
	}
	s.clients.Register(st.ID, r.RemoteAddr, clients.ClassPoll)

	w.Header().Set("Content-Type", contentTypeMP4)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

func (s *Server) handleSegment(w http.ResponseWriter, r *http.Request) {
	seq, err := strconv.ParseUint(chi.URLParam(r, "seq"), 10, 64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", "invalid segment number")
		return
	}
	st, p, ok := s.live(w, r)
	if !ok {
		return
	}
	seg, ok := p.Segment(seq)
	if !ok {
		writeNotFound(w, r, "segment left the window")
		return
	}
	s.clients.Register(st.ID, r.RemoteAddr, clients.ClassPoll)

	w.Header().Set("Content-Type", contentTypeMP4)
	w.Header().Set("Content-Length", strconv.Itoa(len(seg.Data)))
	w.Header().Set("Cache-Control", "max-age=60")
	_, _ = w.Write(seg.Data)
}

func (s *Server) handleTransportStream(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.channel(w, r)
	if !ok {
		return
	}
	s.serveTransportStream(w, r, ch)
}

// handleTuner is the HDHomeRun tuning path.
func (s *Server) handleTuner(w http.ResponseWriter, r *http.Request) {
	number := chi.URLParam(r, "number")
	ch, ok := s.channels.ChannelByNumber(number)
	if !ok {
		writeNotFound(w, r, "unknown channel number "+strconv.Quote(number))
		return
	}
	s.serveTransportStream(w, r, ch)
}

func (s *Server) serveTransportStream(w http.ResponseWriter, r *http.Request, ch config.Channel) {
	st, err := s.start(r.Context(), ch)
	if err != nil {
		writeStreamError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.startTimeout)
	defer cancel()
	b, err := s.streams.TransportStream(ctx, st.ID)
	if err != nil {
		writeStreamError(w, r, err)
		return
	}
	if err := b.WaitReady(ctx); err != nil {
		writeStreamError(w, r, err)
		return
	}

	feed, unsubscribe := b.Subscribe(subscriberBuffer)
	defer unsubscribe()
	s.hold(w, r, st, contentTypeTS, feed)
}

// handleFragmentedStream serves the fMP4 output as one continuous body for
// players that cannot poll HLS.
func (s *Server) handleFragmentedStream(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.channel(w, r)
	if !ok {
		return
	}
	st, err := s.start(r.Context(), ch)
	if err != nil {
		writeStreamError(w, r, err)
		return
	}
	p, ok := s.streams.Producer(st.ID)
	if !ok {
		writeStreamError(w, r, registry.ErrNotFound)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.startTimeout)
	defer cancel()
	if err := p.WaitReady(ctx); err != nil {
		writeStreamError(w, r, err)
		return
	}

	feed, unsubscribe := p.Subscribe(subscriberBuffer)
	defer unsubscribe()
	s.hold(w, r, st, contentTypeMP4, feed)
}

// hold copies feed to the client until either side ends. The client counts
// as a held consumer for the duration.
func (s *Server) hold(w http.ResponseWriter, r *http.Request, st registry.Stream, contentType string, feed <-chan []byte) {
	flusher, _ := w.(http.Flusher)

	s.clients.Register(st.ID, r.RemoteAddr, clients.ClassHeld)
	defer s.clients.Unregister(st.ID, r.RemoteAddr, clients.ClassHeld)

	logger := xglog.WithContext(xglog.ContextWithStream(r.Context(), st.ID, st.ChannelKey), xglog.WithComponent("api"))
	logger.Info().Str(xglog.FieldRemoteAddr, r.RemoteAddr).Msg("held client attached")
	defer func() {
		logger.Info().Str(xglog.FieldRemoteAddr, r.RemoteAddr).Msg("held client detached")
	}()

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if flusher != nil {
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case chunk, ok := <-feed:
			if !ok {
				return
			}
			if _, err := w.Write(chunk); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}
