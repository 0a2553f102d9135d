// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package status

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ManuGH/webtuner/internal/clients"
	xglog "github.com/ManuGH/webtuner/internal/log"
	"github.com/ManuGH/webtuner/internal/metrics"
	"github.com/ManuGH/webtuner/internal/streamctx"
)

// Sampler reports the raw signals the emitter derives health from.
// The lifecycle manager implements it.
type Sampler interface {
	Samples(ctx context.Context) []Sample
	System(ctx context.Context) System
}

// Remediator applies a recovery tier to a stream.
type Remediator interface {
	Remediate(ctx context.Context, id int64, tier int) error
}

// Config tunes sampling and escalation.
type Config struct {
	Interval         time.Duration
	Heartbeat        time.Duration
	StaleAfter       time.Duration
	IdleGrace        time.Duration
	Settle           time.Duration
	RemediateTimeout time.Duration
	MaxTier          int
	CapacityWarn     float64
	Buffer           int
}

// DefaultConfig returns the production sampling settings.
func DefaultConfig() Config {
	return Config{
		Interval:         2 * time.Second,
		Heartbeat:        15 * time.Second,
		StaleAfter:       10 * time.Second,
		IdleGrace:        60 * time.Second,
		Settle:           15 * time.Second,
		RemediateTimeout: 90 * time.Second,
		MaxTier:          MaxTier,
		CapacityWarn:     0.9,
		Buffer:           64,
	}
}

type tracked struct {
	state      StreamState
	esc        *Escalation
	lastClient time.Time
}

type subscriber struct {
	ch chan Event
}

// Emitter owns the HealthState of every registered stream.
type Emitter struct {
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	streams map[int64]*tracked
	system  System
	sampler Sampler
	fix     Remediator
	base    context.Context

	subMu sync.Mutex
	subs  map[string]*subscriber

	work sync.WaitGroup
}

// NewEmitter creates an emitter. Attach must be called before Run.
func NewEmitter(cfg Config) *Emitter {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = def.Heartbeat
	}
	if cfg.RemediateTimeout <= 0 {
		cfg.RemediateTimeout = def.RemediateTimeout
	}
	if cfg.MaxTier <= 0 {
		cfg.MaxTier = MaxTier
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = def.Buffer
	}
	return &Emitter{
		cfg:     cfg,
		logger:  xglog.WithComponent("status"),
		now:     time.Now,
		streams: make(map[int64]*tracked),
		subs:    make(map[string]*subscriber),
		base:    context.Background(),
	}
}

// Attach wires the signal source and the recovery path.
func (e *Emitter) Attach(s Sampler, r Remediator) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sampler = s
	e.fix = r
}

// Track starts health tracking for a newly registered stream. A stream that
// is already tracked keeps its state.
func (e *Emitter) Track(id int64, channelKey string, startedAt time.Time) {
	now := e.now()
	e.mu.Lock()
	if _, ok := e.streams[id]; ok {
		e.mu.Unlock()
		return
	}
	t := &tracked{
		state: StreamState{
			ID:         id,
			ChannelKey: channelKey,
			Health:     Healthy,
			Clients:    clients.Summary{PerClass: map[clients.Class]int{}},
			StartedAt:  startedAt,
			UpdatedAt:  now,
		},
		esc:        NewEscalation(e.cfg.MaxTier, e.cfg.Settle),
		lastClient: startedAt,
	}
	e.streams[id] = t
	st := t.state
	e.mu.Unlock()

	e.refreshGauges()
	e.publish(Event{Name: EventStream, At: now, Stream: &st})
}

// Drop discards the state of a removed stream.
func (e *Emitter) Drop(id int64) {
	e.mu.Lock()
	_, ok := e.streams[id]
	delete(e.streams, id)
	e.mu.Unlock()
	if !ok {
		return
	}
	e.refreshGauges()
	e.publish(Event{Name: EventStreamRemoved, At: e.now(), StreamID: id})
}

// ReportFailure records a subprocess or capture failure outside the sampling
// tick. The stream degrades at once and the first tier runs if no
// remediation is already in progress.
func (e *Emitter) ReportFailure(id int64, reason string, cause error) {
	now := e.now()
	e.mu.Lock()
	t, ok := e.streams[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	prev := t.state
	if t.state.Health == Healthy {
		t.state.Health = Degraded
	}
	if !slices.Contains(t.state.Reasons, reason) {
		t.state.Reasons = append(slices.Clone(t.state.Reasons), reason)
	}
	tier := t.esc.Observe(t.state.Health, true, now)
	t.state.EscalationLevel = t.esc.Level()
	t.state.RecoveryAttempts = t.esc.Attempts()
	t.state.UpdatedAt = now
	st := t.state
	e.mu.Unlock()

	e.logger.Warn().
		Err(cause).
		Int64(xglog.FieldStreamID, id).
		Str(xglog.FieldChannel, st.ChannelKey).
		Str(xglog.FieldReason, reason).
		Msg("stream failure reported")
	e.transitioned(prev, st)
	e.publish(Event{Name: EventStream, At: now, Stream: &st})
	if tier > 0 {
		e.remediate(st.ID, st.ChannelKey, tier)
	}
}

// Evaluate runs one sampling pass.
func (e *Emitter) Evaluate(ctx context.Context) {
	e.mu.Lock()
	src := e.sampler
	e.mu.Unlock()
	if src == nil {
		return
	}
	samples := src.Samples(ctx)
	sys := src.System(ctx)
	now := e.now()

	type action struct {
		id      int64
		channel string
		tier    int
	}
	var (
		changed []StreamState
		prevs   []StreamState
		actions []action
	)

	e.mu.Lock()
	e.system = sys
	for _, s := range samples {
		t, ok := e.streams[s.ID]
		if !ok {
			continue
		}
		prev := t.state
		health, reasons, faulty := e.assess(s, t, sys, now)
		tier := t.esc.Observe(health, faulty, now)

		t.state.Health = health
		t.state.Reasons = reasons
		t.state.EscalationLevel = t.esc.Level()
		t.state.RecoveryAttempts = t.esc.Attempts()
		t.state.Clients = s.Clients
		t.state.Memory = s.Memory
		if s.Title != "" {
			t.state.Title = s.Title
		}
		t.state.UpdatedAt = now

		if !sameState(prev, t.state) {
			prevs = append(prevs, prev)
			changed = append(changed, t.state)
		}
		if tier > 0 {
			actions = append(actions, action{id: s.ID, channel: s.ChannelKey, tier: tier})
		}
	}
	e.mu.Unlock()

	for i := range changed {
		st := changed[i]
		e.transitioned(prevs[i], st)
		e.publish(Event{Name: EventStream, At: now, Stream: &st})
	}
	e.refreshGauges()
	for _, a := range actions {
		e.remediate(a.id, a.channel, a.tier)
	}
}

func (e *Emitter) assess(s Sample, t *tracked, sys System, now time.Time) (Health, []string, bool) {
	health := Healthy
	var reasons []string
	faulty := false
	worsen := func(h Health) {
		if h == Unhealthy || health == Healthy {
			health = h
		}
	}

	if !s.CaptureAlive {
		reasons = append(reasons, ReasonCaptureLost)
		worsen(Unhealthy)
		faulty = true
	}
	last := s.LastData
	if last.IsZero() {
		last = s.StartedAt
	}
	if age := now.Sub(last); e.cfg.StaleAfter > 0 && age > e.cfg.StaleAfter {
		reasons = append(reasons, ReasonStale)
		if age > 2*e.cfg.StaleAfter {
			worsen(Unhealthy)
		} else {
			worsen(Degraded)
		}
		faulty = true
	}
	if !s.ProcessesAlive {
		reasons = append(reasons, ReasonProcessFailed)
		worsen(Degraded)
		faulty = true
	}
	if s.Clients.Total > 0 {
		t.lastClient = now
	} else if e.cfg.IdleGrace > 0 && now.Sub(t.lastClient) > e.cfg.IdleGrace {
		reasons = append(reasons, ReasonIdle)
		worsen(Degraded)
	}
	if sys.MaxStreams > 0 && e.cfg.CapacityWarn > 0 &&
		float64(sys.ActiveStreams) >= e.cfg.CapacityWarn*float64(sys.MaxStreams) {
		reasons = append(reasons, ReasonCapacity)
		worsen(Degraded)
	}
	return health, reasons, faulty
}

// sameState ignores fields that change on every tick.
func sameState(a, b StreamState) bool {
	return a.Health == b.Health &&
		slices.Equal(a.Reasons, b.Reasons) &&
		a.EscalationLevel == b.EscalationLevel &&
		a.RecoveryAttempts == b.RecoveryAttempts &&
		a.Clients.Total == b.Clients.Total &&
		a.Title == b.Title
}

func (e *Emitter) transitioned(prev, cur StreamState) {
	if prev.Health == cur.Health {
		return
	}
	metrics.IncHealthTransition(string(prev.Health), string(cur.Health))
	ev := e.logger.Info()
	if cur.Health != Healthy {
		ev = e.logger.Warn()
	}
	ev.Int64(xglog.FieldStreamID, cur.ID).
		Str(xglog.FieldChannel, cur.ChannelKey).
		Str(xglog.FieldOldState, string(prev.Health)).
		Str(xglog.FieldNewState, string(cur.Health)).
		Strs("reasons", cur.Reasons).
		Int(xglog.FieldTier, cur.EscalationLevel).
		Int(xglog.FieldAttempts, cur.RecoveryAttempts).
		Msg("stream health changed")
}

func (e *Emitter) remediate(id int64, channel string, tier int) {
	e.mu.Lock()
	fix := e.fix
	base := e.base
	e.mu.Unlock()
	if fix == nil {
		e.finish(id)
		return
	}

	e.work.Add(1)
	go func() {
		defer e.work.Done()
		ctx, cancel := context.WithTimeout(streamctx.WithStream(base, id, channel), e.cfg.RemediateTimeout)
		defer cancel()

		logger := streamctx.Logger(ctx, "status")
		logger.Info().Int(xglog.FieldTier, tier).Msg("remediation started")
		err := fix.Remediate(ctx, id, tier)
		metrics.IncRecovery(tier, err == nil)
		if err != nil {
			logger.Warn().Err(err).Int(xglog.FieldTier, tier).Msg("remediation failed")
		} else {
			logger.Info().Int(xglog.FieldTier, tier).Msg("remediation finished")
		}
		e.finish(id)
	}()
}

func (e *Emitter) finish(id int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.streams[id]; ok {
		t.esc.Done(e.now())
	}
}

// Run samples on the configured interval and emits heartbeats until ctx ends.
// It waits for running remediations before returning.
func (e *Emitter) Run(ctx context.Context) error {
	e.mu.Lock()
	e.base = ctx
	e.mu.Unlock()

	tick := time.NewTicker(e.cfg.Interval)
	defer tick.Stop()
	beat := time.NewTicker(e.cfg.Heartbeat)
	defer beat.Stop()

	e.logger.Info().Dur("interval", e.cfg.Interval).Msg("health sampling started")
	for {
		select {
		case <-ctx.Done():
			e.work.Wait()
			return nil
		case <-tick.C:
			e.Evaluate(ctx)
		case <-beat.C:
			e.mu.Lock()
			sys := e.system
			e.mu.Unlock()
			e.publish(Event{Name: EventHeartbeat, At: e.now(), System: &sys})
		}
	}
}

// Snapshot returns the current state of every stream, ordered by id.
func (e *Emitter) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Emitter) snapshotLocked() Snapshot {
	out := Snapshot{System: e.system, At: e.now(), Streams: make([]StreamState, 0, len(e.streams))}
	for _, t := range e.streams {
		out.Streams = append(out.Streams, t.state)
	}
	slices.SortFunc(out.Streams, func(a, b StreamState) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// State returns one stream's health.
func (e *Emitter) State(id int64) (StreamState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.streams[id]
	if !ok {
		return StreamState{}, false
	}
	return t.state, true
}

// Subscribe delivers every event to fn, starting with a snapshot. fn runs on
// a goroutine owned by the subscription; events that arrive while its buffer
// is full are dropped for that subscriber only.
func (e *Emitter) Subscribe(fn func(Event)) (unsubscribe func()) {
	sub := &subscriber{ch: make(chan Event, e.cfg.Buffer)}
	id := uuid.NewString()

	e.mu.Lock()
	snap := e.snapshotLocked()
	e.subMu.Lock()
	sub.ch <- Event{Name: EventSnapshot, At: snap.At, Snapshot: &snap}
	e.subs[id] = sub
	e.subMu.Unlock()
	e.mu.Unlock()

	go func() {
		for ev := range sub.ch {
			fn(ev)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.subMu.Lock()
			defer e.subMu.Unlock()
			if _, ok := e.subs[id]; ok {
				delete(e.subs, id)
				close(sub.ch)
			}
		})
	}
}

// Subscribers returns the number of active subscriptions.
func (e *Emitter) Subscribers() int {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	return len(e.subs)
}

func (e *Emitter) publish(ev Event) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for _, s := range e.subs {
		select {
		case s.ch <- ev:
		default:
			metrics.IncSubscriberDrop(ev.Name)
		}
	}
}

// Close ends every subscription.
func (e *Emitter) Close() {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for id, s := range e.subs {
		delete(e.subs, id)
		close(s.ch)
	}
}

func (e *Emitter) refreshGauges() {
	counts := map[Health]int{Healthy: 0, Degraded: 0, Unhealthy: 0}
	perClass := map[clients.Class]int{clients.ClassPoll: 0, clients.ClassHeld: 0}
	e.mu.Lock()
	for _, t := range e.streams {
		counts[t.state.Health]++
		for c, n := range t.state.Clients.PerClass {
			perClass[c] += n
		}
	}
	e.mu.Unlock()
	for h, n := range counts {
		metrics.StreamHealth.WithLabelValues(string(h)).Set(float64(n))
	}
	for c, n := range perClass {
		metrics.ConnectedClients.WithLabelValues(string(c)).Set(float64(n))
	}
}
