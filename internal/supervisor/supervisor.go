// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package supervisor owns the ffmpeg subprocesses attached to a stream.
package supervisor

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	xglog "github.com/ManuGH/webtuner/internal/log"
	"github.com/ManuGH/webtuner/internal/metrics"
	"github.com/ManuGH/webtuner/internal/procgroup"
	"github.com/ManuGH/webtuner/internal/streamctx"
)

// Config holds supervisor settings.
type Config struct {
	KillGrace  time.Duration
	StderrKeep int
}

// Supervisor spawns processes from fixed templates.
type Supervisor struct {
	cfg      Config
	resolver *Resolver
}

// New creates a Supervisor using resolver to locate ffmpeg.
func New(cfg Config, resolver *Resolver) *Supervisor {
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 3 * time.Second
	}
	if cfg.StderrKeep <= 0 {
		cfg.StderrKeep = 64
	}
	return &Supervisor{cfg: cfg, resolver: resolver}
}

// Resolver exposes the binary resolver (readiness checks).
func (s *Supervisor) Resolver() *Resolver {
	return s.resolver
}

// Spawn starts a subprocess of the given kind. ctx only supplies stream
// identity for logging; the process lives until Kill or its own exit.
// onError is invoked at most once, for spawn errors and for failure exits
// that happen before Kill.
func (s *Supervisor) Spawn(ctx context.Context, kind Kind, params Params, onError func(error)) (*Process, error) {
	logger := streamctx.Logger(ctx, "supervisor").With().Str(xglog.FieldKind, string(kind)).Logger()

	fail := func(err error) (*Process, error) {
		serr := &SpawnError{Kind: kind, Err: err}
		metrics.IncProcessSpawn(string(kind), false)
		logger.Error().Err(err).Str(xglog.FieldEvent, "process.spawn_failed").Msg("failed to spawn process")
		if onError != nil {
			onError(serr)
		}
		return nil, serr
	}

	bin, err := s.resolver.Resolve(ctx)
	if err != nil {
		return fail(err)
	}
	args, err := buildArgs(kind, params)
	if err != nil {
		return fail(err)
	}

	// #nosec G204 -- binary is resolved, args come from fixed templates
	cmd := exec.Command(bin, args...)
	procgroup.Set(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fail(err)
	}
	// A plain os.Pipe so Wait does not close stdout under the reader.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return fail(err)
	}
	cmd.Stdout = stdoutW
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return fail(err)
	}

	if err := cmd.Start(); err != nil {
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return fail(err)
	}
	_ = stdoutW.Close()

	p := &Process{
		kind:       kind,
		cmd:        cmd,
		stdin:      stdin,
		stdout:     stdoutR,
		ring:       NewLineRing(s.cfg.StderrKeep),
		grace:      s.cfg.KillGrace,
		done:       make(chan struct{}),
		stderrDone: make(chan struct{}),
		startedAt:  time.Now(),
		logger:     logger.With().Int(xglog.FieldPID, cmd.Process.Pid).Logger(),
	}
	if proc, err := process.NewProcess(int32(cmd.Process.Pid)); err == nil {
		p.stat = proc
	}

	metrics.IncProcessSpawn(string(kind), true)
	p.logger.Info().Str(xglog.FieldEvent, "process.started").Msg("process started")

	go p.drainStderr(stderr)
	go p.wait(onError)
	return p, nil
}

// Process is one supervised subprocess.
type Process struct {
	kind   Kind
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File
	ring   *LineRing
	grace  time.Duration
	stat   *process.Process
	logger zerolog.Logger

	startedAt    time.Time
	shuttingDown atomic.Bool
	exit         atomic.Pointer[Exit]
	killOnce     sync.Once
	done         chan struct{}
	stderrDone   chan struct{}
}

// Exit is the recorded outcome of a finished process.
type Exit struct {
	Class  ExitClass
	Code   int
	Signal string
}

// Kind returns the template the process was started from.
func (p *Process) Kind() Kind { return p.kind }

// PID returns the OS process id.
func (p *Process) PID() int { return p.cmd.Process.Pid }

// Stdin is the input sink.
func (p *Process) Stdin() io.WriteCloser { return p.stdin }

// Stdout is the output source. It reports EOF once the process exits.
func (p *Process) Stdout() io.Reader { return p.stdout }

// Done is closed once the process has been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Alive reports whether the process is still running.
func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// ShuttingDown reports whether Kill has been requested.
func (p *Process) ShuttingDown() bool { return p.shuttingDown.Load() }

// Exit returns the exit record, or nil while running.
func (p *Process) Exit() *Exit { return p.exit.Load() }

// LastStderr returns the most recent non-noisy diagnostic lines.
func (p *Process) LastStderr(n int) []string { return p.ring.LastN(n) }

// Kill marks the process as shutting down, closes its input and terminates
// its process group. It blocks until the process is reaped and is safe to
// call repeatedly and after a natural exit.
func (p *Process) Kill() error {
	p.shuttingDown.Store(true)
	p.killOnce.Do(func() {
		_ = p.stdin.Close()
		if p.Alive() {
			procgroup.Terminate(p.cmd, p.done, p.grace)
		}
		<-p.done
		_ = p.stdout.Close()
	})
	return nil
}

// Stats samples CPU and memory usage of the process.
type Stats struct {
	PID        int           `json:"pid"`
	CPUPercent float64       `json:"cpuPercent"`
	RSSBytes   uint64        `json:"rssBytes"`
	Uptime     time.Duration `json:"uptime"`
}

// Stats returns a usage sample. Dead processes report only PID and uptime.
func (p *Process) Stats(ctx context.Context) (Stats, error) {
	st := Stats{PID: p.PID(), Uptime: time.Since(p.startedAt)}
	if p.stat == nil || !p.Alive() {
		return st, nil
	}
	cpu, err := p.stat.CPUPercentWithContext(ctx)
	if err != nil {
		return st, err
	}
	st.CPUPercent = cpu
	mem, err := p.stat.MemoryInfoWithContext(ctx)
	if err != nil {
		return st, err
	}
	st.RSSBytes = mem.RSS
	return st, nil
}

func (p *Process) drainStderr(r io.Reader) {
	defer close(p.stderrDone)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 64*1024)
	sc.Split(scanLines)
	// keep the pipe drained even if a line overflows the scanner
	defer func() { _, _ = io.Copy(io.Discard, r) }()
	for sc.Scan() {
		line := sc.Text()
		if noisy(line) {
			continue
		}
		p.ring.Add(line)
		if p.shuttingDown.Load() {
			p.logger.Debug().Str("line", line).Msg("ffmpeg")
			continue
		}
		p.logger.Warn().Str("line", line).Msg("ffmpeg")
	}
}

// scanLines splits on '\n' or '\r' since progress output rewrites one line.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i, b := range data {
		if b == '\n' || b == '\r' {
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func (p *Process) wait(onError func(error)) {
	<-p.stderrDone
	_ = p.cmd.Wait()

	class, code, signal := classify(p.shuttingDown.Load(), p.cmd.ProcessState)
	p.exit.Store(&Exit{Class: class, Code: code, Signal: signal})
	close(p.done)

	metrics.IncProcessExit(string(p.kind), class.String())
	ev := p.logger.Info()
	if class == ExitFailure {
		ev = p.logger.Warn()
	}
	ev.Str(xglog.FieldEvent, "process.exited").
		Str("class", class.String()).
		Int(xglog.FieldExitCode, code).
		Str(xglog.FieldSignal, signal).
		Msg("process exited")

	if class == ExitFailure && onError != nil {
		onError(&ExitError{Kind: p.kind, Code: code, Signal: signal, Stderr: p.ring.LastN(5)})
	}
}
