// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package api serves the HTTP surface of webtuner: HLS and transport-stream
// playback, stream administration, live status and HDHomeRun emulation.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ManuGH/webtuner/internal/api/middleware"
	"github.com/ManuGH/webtuner/internal/clients"
	"github.com/ManuGH/webtuner/internal/config"
	"github.com/ManuGH/webtuner/internal/hdhr"
	"github.com/ManuGH/webtuner/internal/health"
	"github.com/ManuGH/webtuner/internal/registry"
	"github.com/ManuGH/webtuner/internal/segment"
	"github.com/ManuGH/webtuner/internal/status"
)

// StreamService is the lifecycle surface the handlers drive.
// *lifecycle.Manager implements it.
type StreamService interface {
	StartOrAttach(ctx context.Context, channelKey, url string) (registry.Stream, error)
	Lookup(channelKey string) (registry.Stream, bool)
	Terminate(ctx context.Context, id int64, channelKey, reason string) bool
	Producer(id int64) (*segment.Producer, bool)
	TransportStream(ctx context.Context, id int64) (*segment.Broadcaster, error)
	Streams() []registry.Stream
}

// ChannelSource resolves the channel lineup. *config.Holder implements it.
type ChannelSource interface {
	Channel(key string) (config.Channel, bool)
	ChannelByNumber(number string) (config.Channel, bool)
	Channels() []config.Channel
}

// Deps are the collaborators of the HTTP server.
type Deps struct {
	Streams  StreamService
	Channels ChannelSource
	Status   *status.Emitter
	Clients  *clients.Tracker
	Health   *health.Manager
	// HDHR enables tuner emulation routes when set.
	HDHR *hdhr.Server
	// StartTimeout bounds how long a request waits for a stream to produce
	// its first media.
	StartTimeout time.Duration
	// BaseURL is the externally reachable address used in exported
	// playlists. Empty derives it from the request.
	BaseURL string
	Stack   middleware.StackConfig
}

// Server holds the HTTP handlers.
type Server struct {
	streams      StreamService
	channels     ChannelSource
	status       *status.Emitter
	clients      *clients.Tracker
	health       *health.Manager
	hdhr         *hdhr.Server
	startTimeout time.Duration
	baseURL      string
	stack        middleware.StackConfig
}

// New creates a Server.
func New(deps Deps) *Server {
	if deps.StartTimeout <= 0 {
		deps.StartTimeout = 30 * time.Second
	}
	return &Server{
		streams:      deps.Streams,
		channels:     deps.Channels,
		status:       deps.Status,
		clients:      deps.Clients,
		health:       deps.Health,
		hdhr:         deps.HDHR,
		startTimeout: deps.StartTimeout,
		baseURL:      deps.BaseURL,
		stack:        deps.Stack,
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := middleware.NewRouter(s.stack)

	if s.health != nil {
		r.Get("/healthz", s.health.ServeHealth)
		r.Get("/readyz", s.health.ServeReady)
	}
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/streams/{channel}", func(r chi.Router) {
		r.Get("/playlist.m3u8", s.handlePlaylist)
		r.Get("/init.mp4", s.handleInit)
		r.Get("/segments/{seq}.m4s", s.handleSegment)
		r.Get("/stream.ts", s.handleTransportStream)
		r.Get("/stream.mp4", s.handleFragmentedStream)
	})
	r.Get("/auto/v{number}", s.handleTuner)
	r.Get("/playlist.m3u", s.handleLineupPlaylist)

	r.Route("/api", func(r chi.Router) {
		r.Get("/channels", s.handleChannels)
		r.Get("/streams", s.handleListStreams)
		r.Delete("/streams/{id}", s.handleTerminate)
		r.Get("/status", s.handleStatus)
		r.Get("/status/events", s.handleStatusEvents)
	})

	if s.hdhr != nil {
		r.Get("/discover.json", s.hdhr.HandleDiscover)
		r.Get("/lineup_status.json", s.hdhr.HandleLineupStatus)
		r.Get("/lineup.json", s.hdhr.HandleLineup)
		r.Post("/lineup.json", s.hdhr.HandleLineupPost)
		r.Get("/device.xml", s.hdhr.HandleDeviceXML)
	}

	return r
}
