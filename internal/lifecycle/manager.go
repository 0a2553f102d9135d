// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package lifecycle is the single entry and exit point of a stream. It
// creates streams (acquire capture, register, spawn remuxers), terminates
// them through one idempotent path and applies tiered recovery when the
// status emitter reports degradation.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/ManuGH/webtuner/internal/capture"
	"github.com/ManuGH/webtuner/internal/clients"
	xglog "github.com/ManuGH/webtuner/internal/log"
	"github.com/ManuGH/webtuner/internal/metrics"
	"github.com/ManuGH/webtuner/internal/registry"
	"github.com/ManuGH/webtuner/internal/segment"
	"github.com/ManuGH/webtuner/internal/status"
	"github.com/ManuGH/webtuner/internal/streamctx"
	"github.com/ManuGH/webtuner/internal/supervisor"
	"github.com/ManuGH/webtuner/internal/telemetry"
)

const tracerName = "webtuner/lifecycle"

var (
	// ErrAcquireFailed is returned when no capture could be started. Nothing
	// is registered in that case.
	ErrAcquireFailed = errors.New("stream acquisition failed")
	// ErrCapacity is returned when the concurrent stream limit is reached.
	ErrCapacity = errors.New("concurrent stream limit reached")
	// ErrShuttingDown rejects new streams once Shutdown has begun.
	ErrShuttingDown = errors.New("stream manager is shutting down")
)

// Termination reasons used by the manager itself.
const (
	ReasonAPI         = "API request"
	ReasonIdle        = "idle"
	ReasonCaptureLost = "capture lost"
	ReasonSpawnFailed = "spawn failed"
	ReasonExhausted   = "recovery exhausted"
	ReasonShutdown    = "shutdown"
)

// Config holds manager settings.
type Config struct {
	MaxStreams     int
	AcquireTimeout time.Duration
	AcquireRate    float64
	AcquireBurst   int
	IdleGrace      time.Duration
	SweepInterval  time.Duration
	SegmentWindow  int
	AudioBitrate   string
	InputFormat    string
}

// SystemChecks report process-wide dependencies for the status aggregate.
// A nil check counts as passing.
type SystemChecks struct {
	Browser func(context.Context) error
	FFmpeg  func(context.Context) error
}

// Deps are the collaborators a Manager owns or drives.
type Deps struct {
	Registry *registry.Registry
	Clients  *clients.Tracker
	Cancel   *streamctx.Registry
	Emitter  *status.Emitter
	Acquirer capture.Acquirer
	Spawner  Spawner
	// Profile resolves the capture profile of a channel.
	Profile func(channelKey string) capture.Profile
	Checks  SystemChecks
}

// Manager owns every stream's lifecycle.
type Manager struct {
	cfg      Config
	reg      *registry.Registry
	clients  *clients.Tracker
	cancel   *streamctx.Registry
	emitter  *status.Emitter
	acquirer capture.Acquirer
	spawner  Spawner
	profile  func(string) capture.Profile
	checks   SystemChecks
	limiter  *rate.Limiter
	logger   zerolog.Logger
	now      func() time.Time

	starts singleflight.Group

	mu          sync.Mutex
	pipelines   map[int64]*pipeline
	terminating map[int64]chan struct{}
	lastClient  map[int64]time.Time
	pending     int
	closed      bool

	// starting holds channels whose record may be registered before its
	// pipeline is published; closed once the pipeline is visible.
	starting map[string]chan struct{}
}

// New wires a manager and attaches it to the emitter as sampler and remediator.
func New(cfg Config, deps Deps) *Manager {
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 60 * time.Second
	}
	if cfg.SegmentWindow <= 0 {
		cfg.SegmentWindow = segment.DefaultWindow
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.AcquireRate > 0 {
		limit = rate.Limit(cfg.AcquireRate)
	}
	burst := cfg.AcquireBurst
	if burst <= 0 {
		burst = 1
	}
	profile := deps.Profile
	if profile == nil {
		profile = func(string) capture.Profile { return capture.Profile{Name: "default"} }
	}

	m := &Manager{
		cfg:         cfg,
		reg:         deps.Registry,
		clients:     deps.Clients,
		cancel:      deps.Cancel,
		emitter:     deps.Emitter,
		acquirer:    deps.Acquirer,
		spawner:     deps.Spawner,
		profile:     profile,
		checks:      deps.Checks,
		limiter:     rate.NewLimiter(limit, burst),
		logger:      xglog.WithComponent("lifecycle"),
		now:         time.Now,
		pipelines:   make(map[int64]*pipeline),
		terminating: make(map[int64]chan struct{}),
		starting:    make(map[string]chan struct{}),
		lastClient:  make(map[int64]time.Time),
	}
	m.emitter.Attach(m, m)
	return m
}

// StartOrAttach returns the live stream for channelKey, starting one if
// needed. Concurrent callers for one key share a single acquisition.
// ctx bounds only the caller's wait; the acquisition itself is bounded by
// the configured acquire timeout so one impatient caller cannot fail the
// others.
func (m *Manager) StartOrAttach(ctx context.Context, channelKey, url string) (registry.Stream, error) {
	if st, ok := m.attach(ctx, channelKey); ok {
		metrics.IncStreamStart("attached", "")
		return st, nil
	}

	ch := m.starts.DoChan(channelKey, func() (any, error) {
		return m.start(channelKey, url)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return registry.Stream{}, res.Err
		}
		return res.Val.(registry.Stream), nil
	case <-ctx.Done():
		return registry.Stream{}, ctx.Err()
	}
}

// attach returns a live record. A record whose capture is gone or which is
// being torn down is terminated (or waited for) so a fresh start can follow.
func (m *Manager) attach(ctx context.Context, channelKey string) (registry.Stream, bool) {
	st, ok := m.reg.GetByChannel(channelKey)
	if !ok {
		return registry.Stream{}, false
	}
	if st.CaptureLive() && !m.isTerminating(st.ID) {
		return st, true
	}
	m.Terminate(ctx, st.ID, channelKey, ReasonCaptureLost)
	return registry.Stream{}, false
}

func (m *Manager) start(channelKey, url string) (registry.Stream, error) {
	if st, ok := m.reg.GetByChannel(channelKey); ok && st.CaptureLive() {
		metrics.IncStreamStart("attached", "")
		return st, nil
	}
	release, err := m.reserve()
	if err != nil {
		metrics.IncStreamStart("rejected", reasonOf(err))
		return registry.Stream{}, err
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.AcquireTimeout)
	defer cancel()
	ctx, span := telemetry.Start(ctx, tracerName, "stream.start", telemetry.StreamAttributes(0, channelKey, url)...)
	defer span.End()

	profile := m.profile(channelKey)
	h, err := m.acquire(ctx, url, profile)
	if err != nil {
		telemetry.Fail(span, err, "acquire_failed")
		metrics.IncStreamStart("failed", "acquire")
		return registry.Stream{}, err
	}
	span.SetAttributes(telemetry.CaptureAttributes(h.ID(), profile.Name)...)

	ready := make(chan struct{})
	m.mu.Lock()
	m.starting[channelKey] = ready
	m.mu.Unlock()
	defer m.unmarkStarting(channelKey, ready)

	st, err := m.reg.Create(channelKey, url, h)
	if err != nil {
		_ = h.Close()
		var dup *registry.DuplicateError
		if errors.As(err, &dup) {
			if existing, ok := m.reg.Get(dup.ExistingID); ok {
				metrics.IncStreamStart("attached", "duplicate")
				return existing, nil
			}
		}
		telemetry.Fail(span, err, "register_failed")
		metrics.IncStreamStart("failed", "register")
		return registry.Stream{}, fmt.Errorf("register %s: %w", channelKey, err)
	}

	sctx := m.cancel.Register(st.ID, channelKey)
	m.emitter.Track(st.ID, channelKey, st.StartedAt)
	p := newPipeline(sctx, st.ID, channelKey, url, profile, m.reg, m.cfg.SegmentWindow)
	m.mu.Lock()
	m.pipelines[st.ID] = p
	m.lastClient[st.ID] = st.StartedAt
	m.unmarkStartingLocked(channelKey, ready)
	m.mu.Unlock()

	if err := m.startFMP4(sctx, p); err != nil {
		telemetry.Fail(span, err, "spawn_failed")
		metrics.IncStreamStart("failed", "spawn")
		m.Terminate(context.Background(), st.ID, channelKey, ReasonSpawnFailed)
		return registry.Stream{}, fmt.Errorf("start %s: %w", channelKey, err)
	}
	go p.pumpCapture(h)
	p.armed.Store(true)
	go m.refreshTitle(sctx, p, h)

	metrics.IncStreamStart("created", "")
	p.logger.Info().
		Str(xglog.FieldEvent, "stream.created").
		Str(xglog.FieldCaptureID, h.ID()).
		Str(xglog.FieldURL, url).
		Msg("stream created")
	return st, nil
}

func (m *Manager) unmarkStarting(channelKey string, ready chan struct{}) {
	m.mu.Lock()
	m.unmarkStartingLocked(channelKey, ready)
	m.mu.Unlock()
}

func (m *Manager) unmarkStartingLocked(channelKey string, ready chan struct{}) {
	if m.starting[channelKey] == ready {
		delete(m.starting, channelKey)
		close(ready)
	}
}

// startingLocked returns the wait channel of a record that is registered but
// whose pipeline is not yet published.
func (m *Manager) startingLocked(id int64) <-chan struct{} {
	st, ok := m.reg.Get(id)
	if !ok {
		return nil
	}
	return m.starting[st.ChannelKey]
}

// reserve claims a slot under the concurrent stream limit.
func (m *Manager) reserve() (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrShuttingDown
	}
	if m.cfg.MaxStreams > 0 && m.reg.Len()+m.pending >= m.cfg.MaxStreams {
		return nil, ErrCapacity
	}
	m.pending++
	return func() {
		m.mu.Lock()
		m.pending--
		m.mu.Unlock()
	}, nil
}

func reasonOf(err error) string {
	switch {
	case errors.Is(err, ErrCapacity):
		return "capacity"
	case errors.Is(err, ErrShuttingDown):
		return "shutdown"
	}
	return "error"
}

// acquire paces and performs one capture acquisition.
func (m *Manager) acquire(ctx context.Context, url string, profile capture.Profile) (capture.Handle, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrAcquireFailed, url, err)
	}
	began := m.now()
	h, err := m.acquirer.Acquire(ctx, url, profile)
	metrics.ObserveAcquireDuration(err == nil, m.now().Sub(began))
	if err != nil {
		m.logger.Warn().Err(err).Str(xglog.FieldURL, url).Msg("capture acquisition failed")
		return nil, fmt.Errorf("%w: %w", ErrAcquireFailed, err)
	}
	return h, nil
}

func (m *Manager) params(p *pipeline) supervisor.Params {
	return supervisor.Params{
		StreamID:     p.id,
		AudioBitrate: m.cfg.AudioBitrate,
		InputFormat:  m.cfg.InputFormat,
		Comment:      p.channel,
	}
}

// onProcessError routes an unexpected subprocess exit into health escalation.
func (m *Manager) onProcessError(p *pipeline, kind supervisor.Kind) func(error) {
	return func(err error) {
		if !p.armed.Load() {
			return
		}
		logger := streamctx.Logger(streamctx.Rebind(p.id, p.channel), "lifecycle")
		logger.Warn().Err(err).Str(xglog.FieldKind, string(kind)).Msg("remux process failed")
		m.emitter.ReportFailure(p.id, status.ReasonProcessFailed, err)
	}
}

func (m *Manager) startFMP4(ctx context.Context, p *pipeline) error {
	proc, err := m.spawner.Spawn(ctx, supervisor.KindFMP4, m.params(p), m.onProcessError(p, supervisor.KindFMP4))
	if err != nil {
		return err
	}
	prev, err := p.installFMP4(proc)
	if err != nil {
		_ = proc.Kill()
		return err
	}
	if prev != nil {
		_ = prev.Kill()
	}
	return nil
}

func (m *Manager) startMPEGTS(ctx context.Context, p *pipeline) error {
	proc, err := m.spawner.Spawn(ctx, supervisor.KindMPEGTS, m.params(p), m.onProcessError(p, supervisor.KindMPEGTS))
	if err != nil {
		return err
	}
	prev, err := p.installMPEGTS(proc)
	if err != nil {
		_ = proc.Kill()
		return err
	}
	if prev != nil {
		_ = prev.Kill()
	}
	return nil
}

func (m *Manager) refreshTitle(ctx context.Context, p *pipeline, h capture.Handle) {
	title, err := h.Title(ctx)
	if err != nil {
		if !errors.Is(err, streamctx.ErrAborted) {
			p.logger.Debug().Err(err).Msg("page title unavailable")
		}
		return
	}
	p.setTitle(title)
}

// Terminate tears a stream down. It is idempotent and safe to call from any
// trigger: the first caller performs the teardown, concurrent callers wait
// for it, later callers find nothing. It reports whether this call performed
// the teardown. channelKey may be empty; the record's own key is used then.
//
// Order: cancel token, stop subprocesses, release capture, clear clients,
// unmap channel, remove record, drop health state. Every step tolerates the
// resource already being gone.
func (m *Manager) Terminate(ctx context.Context, id int64, channelKey, reason string) bool {
	m.mu.Lock()
	if done, busy := m.terminating[id]; busy {
		m.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return false
	}
	p := m.pipelines[id]
	if p == nil {
		if wait := m.startingLocked(id); wait != nil {
			m.mu.Unlock()
			select {
			case <-wait:
			case <-ctx.Done():
				return false
			}
			return m.Terminate(ctx, id, channelKey, reason)
		}
	}
	if p == nil && !m.reg.Exists(id) {
		m.mu.Unlock()
		return false
	}
	done := make(chan struct{})
	m.terminating[id] = done
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.terminating, id)
		delete(m.pipelines, id)
		delete(m.lastClient, id)
		m.mu.Unlock()
		close(done)
	}()

	if st, ok := m.reg.Get(id); ok && channelKey == "" {
		channelKey = st.ChannelKey
	}
	_, span := telemetry.Start(streamctx.WithStream(context.WithoutCancel(ctx), id, channelKey), tracerName, "stream.terminate",
		telemetry.TerminateAttributes(id, channelKey, reason)...)
	defer span.End()

	m.cancel.Cancel(id, reason)
	if p != nil {
		p.close()
	}
	if h := m.reg.TakeCapture(id); h != nil {
		if err := h.Close(); err != nil {
			m.logger.Debug().Err(err).Int64(xglog.FieldStreamID, id).Msg("capture close failed")
		}
	}
	m.clients.Clear(id)
	if channelKey != "" {
		m.reg.Unmap(channelKey, id)
	}
	m.reg.Remove(id)
	m.emitter.Drop(id)

	metrics.IncStreamTerminate(reason)
	m.logger.Info().
		Int64(xglog.FieldStreamID, id).
		Str(xglog.FieldChannel, channelKey).
		Str(xglog.FieldReason, reason).
		Str(xglog.FieldEvent, "stream.terminated").
		Msg("stream terminated")
	return true
}

func (m *Manager) isTerminating(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, busy := m.terminating[id]
	return busy
}

// Producer returns the fragmented-MP4 output of a stream.
func (m *Manager) Producer(id int64) (*segment.Producer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pipelines[id]
	if !ok {
		return nil, false
	}
	return p.producer, true
}

// TransportStream returns the transport-stream fan-out of a stream, starting
// its remuxer on first use.
func (m *Manager) TransportStream(ctx context.Context, id int64) (*segment.Broadcaster, error) {
	m.mu.Lock()
	p, ok := m.pipelines[id]
	m.mu.Unlock()
	if !ok {
		return nil, registry.ErrNotFound
	}
	if _, ts := p.processes(); ts == nil || !ts.Alive() {
		sctx, live := m.cancel.Context(id)
		if !live {
			return nil, registry.ErrNotFound
		}
		if err := m.startMPEGTS(sctx, p); err != nil {
			return nil, fmt.Errorf("start transport stream: %w", err)
		}
	}
	return p.broadcaster, nil
}

// Streams lists the live records.
func (m *Manager) Streams() []registry.Stream {
	return m.reg.List()
}

// Lookup returns the live record of a channel without starting one.
func (m *Manager) Lookup(channelKey string) (registry.Stream, bool) {
	st, ok := m.reg.GetByChannel(channelKey)
	if !ok || m.isTerminating(st.ID) {
		return registry.Stream{}, false
	}
	return st, true
}

// Shutdown rejects new streams and terminates every live one.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, st := range m.reg.List() {
		wg.Add(1)
		go func(st registry.Stream) {
			defer wg.Done()
			m.Terminate(ctx, st.ID, st.ChannelKey, ReasonShutdown)
		}(st)
	}
	wg.Wait()
}
