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
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/webtuner/internal/capture"
	xglog "github.com/ManuGH/webtuner/internal/log"
	"github.com/ManuGH/webtuner/internal/segment"
)

const (
	captureReadSize = 64 * 1024
	tsFeedBuffer    = 256
)

var errPipelineClosed = errors.New("stream pipeline is closing")

// pipeline is the runtime plumbing of one stream:
//
//	capture media -> fmp4 remux -> segment.Producer -> poll clients
//	                               segment.Producer -> mpegts remux -> segment.Broadcaster -> held clients
//
// The mpegts branch is started on demand by the first held client.
type pipeline struct {
	ctx     context.Context
	id      int64
	channel string
	url     string
	profile capture.Profile
	logger  zerolog.Logger

	producer    *segment.Producer
	broadcaster *segment.Broadcaster

	// armed gates process error reporting until the stream is fully started.
	armed atomic.Bool

	mu          sync.Mutex
	fmp4        Process
	mpegts      Process
	unsubTS     func()
	sink        io.Writer
	closing     bool
	recoveredAt time.Time
	title       string
	wantTS      bool
}

func newPipeline(ctx context.Context, id int64, channel, url string, profile capture.Profile, acct segment.Accounting, window int) *pipeline {
	return &pipeline{
		ctx:         ctx,
		id:          id,
		channel:     channel,
		url:         url,
		profile:     profile,
		logger:      xglog.WithComponent("lifecycle").With().Int64(xglog.FieldStreamID, id).Str(xglog.FieldChannel, channel).Logger(),
		producer:    segment.NewProducer(id, acct, window),
		broadcaster: segment.NewBroadcaster(id),
	}
}

// pumpCapture copies capture media into whichever fmp4 process is current.
// Data arriving while no process accepts it is discarded. It returns when
// the capture's media ends.
func (p *pipeline) pumpCapture(h capture.Handle) {
	r := h.Media()
	buf := make([]byte, captureReadSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			p.write(buf[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				p.logger.Debug().Err(err).Str(xglog.FieldCaptureID, h.ID()).Msg("capture media ended")
			}
			return
		}
	}
}

func (p *pipeline) write(b []byte) {
	p.mu.Lock()
	w := p.sink
	p.mu.Unlock()
	if w == nil {
		return
	}
	if _, err := w.Write(b); err != nil {
		p.mu.Lock()
		if p.sink == w {
			p.sink = nil
		}
		p.mu.Unlock()
	}
}

// installFMP4 makes proc the current remuxer and feeds its output to the
// producer. The previous one, if any, is returned for the caller to kill.
func (p *pipeline) installFMP4(proc Process) (Process, error) {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return nil, errPipelineClosed
	}
	prev := p.fmp4
	p.fmp4 = proc
	p.sink = proc.Stdin()
	p.mu.Unlock()

	go func() {
		if err := p.producer.Run(proc.Stdout()); err != nil {
			p.logger.Debug().Err(err).Msg("fmp4 output ended")
		}
	}()
	return prev, nil
}

// installMPEGTS makes proc the current transport-stream remuxer, feeding it
// from the producer and fanning its output out through the broadcaster.
func (p *pipeline) installMPEGTS(proc Process) (Process, error) {
	feed, unsub := p.producer.Subscribe(tsFeedBuffer)

	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		unsub()
		return nil, errPipelineClosed
	}
	prev, prevUnsub := p.mpegts, p.unsubTS
	p.mpegts = proc
	p.unsubTS = unsub
	p.wantTS = true
	p.mu.Unlock()

	if prevUnsub != nil {
		prevUnsub()
	}
	go func() {
		stdin := proc.Stdin()
		for data := range feed {
			if _, err := stdin.Write(data); err != nil {
				break
			}
		}
		unsub()
		_ = stdin.Close()
	}()
	go func() {
		if err := p.broadcaster.Run(p.ctx, proc.Stdout()); err != nil {
			p.logger.Debug().Err(err).Msg("mpegts output ended")
		}
	}()
	return prev, nil
}

// processes returns the current subprocesses.
func (p *pipeline) processes() (fmp4, mpegts Process) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fmp4, p.mpegts
}

// processesAlive reports whether every expected subprocess runs.
func (p *pipeline) processesAlive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fmp4 == nil || !p.fmp4.Alive() {
		return false
	}
	if p.wantTS && (p.mpegts == nil || !p.mpegts.Alive()) {
		return false
	}
	return true
}

func (p *pipeline) wantsTS() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.wantTS
}

func (p *pipeline) markRecovered(at time.Time) {
	p.mu.Lock()
	p.recoveredAt = at
	p.mu.Unlock()
}

func (p *pipeline) recovered() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recoveredAt
}

func (p *pipeline) setTitle(title string) {
	p.mu.Lock()
	p.title = title
	p.mu.Unlock()
}

func (p *pipeline) currentTitle() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.title
}

// stopProcesses kills every subprocess. The pipeline stays usable for new ones.
func (p *pipeline) stopProcesses() {
	p.mu.Lock()
	fmp4, mpegts, unsub := p.fmp4, p.mpegts, p.unsubTS
	p.fmp4, p.mpegts, p.unsubTS, p.sink = nil, nil, nil, nil
	p.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	for _, proc := range []Process{mpegts, fmp4} {
		if proc != nil {
			_ = proc.Kill()
		}
	}
}

// close stops the subprocesses and releases the segment buffers. It is the
// subprocess step of termination and tolerates repeated calls.
func (p *pipeline) close() {
	p.armed.Store(false)
	p.mu.Lock()
	p.closing = true
	p.mu.Unlock()

	p.stopProcesses()
	p.broadcaster.Close()
	p.producer.Close()
}
