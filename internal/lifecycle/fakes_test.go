// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package lifecycle

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ManuGH/webtuner/internal/clients"
	"github.com/ManuGH/webtuner/internal/registry"
	"github.com/ManuGH/webtuner/internal/status"
	"github.com/ManuGH/webtuner/internal/streamctx"
	"github.com/ManuGH/webtuner/internal/supervisor"
	"github.com/ManuGH/webtuner/internal/testutil"
)

// fakeProc copies stdin to stdout like cat.
type fakeProc struct {
	kind    supervisor.Kind
	inR     *io.PipeReader
	inW     *io.PipeWriter
	outR    *io.PipeReader
	outW    *io.PipeWriter
	done    chan struct{}
	once    sync.Once
	killed  atomic.Bool
	onError func(error)
}

func newFakeProc(kind supervisor.Kind, onError func(error)) *fakeProc {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	p := &fakeProc{kind: kind, inR: inR, inW: inW, outR: outR, outW: outW, done: make(chan struct{}), onError: onError}
	go func() {
		_, err := io.Copy(outW, inR)
		_ = outW.CloseWithError(err)
	}()
	return p
}

func (p *fakeProc) Stdin() io.WriteCloser { return p.inW }
func (p *fakeProc) Stdout() io.Reader     { return p.outR }
func (p *fakeProc) Done() <-chan struct{} { return p.done }

func (p *fakeProc) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *fakeProc) exit() {
	p.once.Do(func() {
		_ = p.inW.Close()
		_ = p.inR.Close()
		_ = p.outR.Close()
		close(p.done)
	})
}

func (p *fakeProc) Kill() error {
	p.killed.Store(true)
	p.exit()
	return nil
}

// crash ends the process without Kill and reports it like the supervisor does.
func (p *fakeProc) crash(err error) {
	p.exit()
	if p.onError != nil {
		p.onError(err)
	}
}

type fakeSpawner struct {
	mu    sync.Mutex
	procs []*fakeProc
	fail  map[supervisor.Kind]error
}

func (s *fakeSpawner) Spawn(_ context.Context, kind supervisor.Kind, _ supervisor.Params, onError func(error)) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail[kind]; err != nil {
		return nil, err
	}
	p := newFakeProc(kind, onError)
	s.procs = append(s.procs, p)
	return p, nil
}

func (s *fakeSpawner) failKind(kind supervisor.Kind, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail == nil {
		s.fail = make(map[supervisor.Kind]error)
	}
	s.fail[kind] = err
}

func (s *fakeSpawner) spawned(kind supervisor.Kind) []*fakeProc {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*fakeProc
	for _, p := range s.procs {
		if p.kind == kind {
			out = append(out, p)
		}
	}
	return out
}

func (s *fakeSpawner) last(kind supervisor.Kind) *fakeProc {
	procs := s.spawned(kind)
	if len(procs) == 0 {
		return nil
	}
	return procs[len(procs)-1]
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	m        *Manager
	reg      *registry.Registry
	clients  *clients.Tracker
	cancel   *streamctx.Registry
	emitter  *status.Emitter
	acquirer *testutil.FakeAcquirer
	spawner  *fakeSpawner
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	reg := registry.New()
	h := &harness{
		reg:      reg,
		clients:  clients.NewTracker(reg),
		cancel:   streamctx.NewRegistry(time.Second),
		emitter:  status.NewEmitter(status.Config{Settle: time.Hour, StaleAfter: time.Hour}),
		acquirer: &testutil.FakeAcquirer{},
		spawner:  &fakeSpawner{},
	}
	h.m = New(cfg, Deps{
		Registry: reg,
		Clients:  h.clients,
		Cancel:   h.cancel,
		Emitter:  h.emitter,
		Acquirer: h.acquirer,
		Spawner:  h.spawner,
	})
	t.Cleanup(func() {
		h.m.Shutdown(context.Background())
		h.emitter.Close()
	})
	return h
}

func (h *harness) start(t *testing.T, key string) registry.Stream {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := h.m.StartOrAttach(ctx, key, "https://example.test/"+key)
	if err != nil {
		t.Fatalf("start %s: %v", key, err)
	}
	return st
}

var errCrashed = errors.New("exit status 1")
