// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package segment

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	xglog "github.com/ManuGH/webtuner/internal/log"
)

const (
	// tsChunk is seven packets, the usual UDP/HTTP chunking for MPEG-TS.
	tsChunk = 7 * 188
	// maxPreamble caps the bytes replayed to late joiners before the PMT is known.
	maxPreamble = 512 * 1024
)

// Broadcaster fans a continuous transport stream out to held clients.
// Slow subscribers are dropped rather than stalling the source.
type Broadcaster struct {
	logger zerolog.Logger

	mu       sync.Mutex
	subs     map[uint64]chan []byte
	nextID   uint64
	preamble []byte
	info     *ProgramInfo
	lastData time.Time
	ended    bool

	ready chan struct{}
	done  chan struct{}
}

// NewBroadcaster creates an idle broadcaster.
func NewBroadcaster(streamID int64) *Broadcaster {
	return &Broadcaster{
		logger: xglog.WithComponent("segment").With().Int64(xglog.FieldStreamID, streamID).Logger(),
		subs:   make(map[uint64]chan []byte),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Run copies r to every subscriber until r ends. Subscribers stay attached
// across successive Run calls so a restarted remuxer does not disconnect them.
func (b *Broadcaster) Run(ctx context.Context, r io.Reader) error {
	b.mu.Lock()
	probing := b.info == nil
	b.mu.Unlock()

	var pw *io.PipeWriter
	if probing {
		var pr *io.PipeReader
		pr, pw = io.Pipe()
		go b.probe(ctx, pr)
		defer pw.Close()
	}

	buf := make([]byte, tsChunk)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if pw != nil {
				if _, werr := pw.Write(chunk); werr != nil {
					pw = nil
				}
			}
			b.publish(chunk)
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}
	}
}

func (b *Broadcaster) probe(ctx context.Context, pr *io.PipeReader) {
	info, err := ProbeTS(ctx, pr)
	_ = pr.Close()
	if err != nil {
		b.logger.Debug().Err(err).Msg("transport stream probe ended without program")
		return
	}
	b.mu.Lock()
	b.info = &info
	b.mu.Unlock()
	select {
	case <-b.ready:
	default:
		close(b.ready)
	}
	b.logger.Info().
		Uint16("program", info.ProgramNumber).
		Int("streams", len(info.Streams)).
		Bool("video", info.HasVideo()).
		Msg("transport stream ready")
}

func (b *Broadcaster) publish(chunk []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastData = time.Now()
	if b.info == nil && len(b.preamble)+len(chunk) <= maxPreamble {
		b.preamble = append(b.preamble, chunk...)
	}
	for id, ch := range b.subs {
		select {
		case ch <- chunk:
		default:
			delete(b.subs, id)
			close(ch)
			b.logger.Warn().Uint64("subscriber", id).Msg("transport stream client too slow, dropped")
		}
	}
}

// Subscribe attaches a client. The channel closes when the client falls
// behind by buf chunks or the broadcaster is closed.
func (b *Broadcaster) Subscribe(buf int) (<-chan []byte, func()) {
	if buf <= 0 {
		buf = 256
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan []byte, buf)
	if b.ended {
		close(ch)
		return ch, func() {}
	}
	if len(b.preamble) > 0 && b.info == nil {
		ch <- append([]byte(nil), b.preamble...)
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

// Subscribers returns the number of attached clients.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Info returns the probed program, if known.
func (b *Broadcaster) Info() (ProgramInfo, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.info == nil {
		return ProgramInfo{}, false
	}
	return *b.info, true
}

// LastData is when the last chunk was published.
func (b *Broadcaster) LastData() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastData
}

// WaitReady blocks until the program map is known.
func (b *Broadcaster) WaitReady(ctx context.Context) error {
	select {
	case <-b.ready:
		return nil
	case <-b.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close detaches every subscriber.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ended {
		return
	}
	b.ended = true
	close(b.done)
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	b.preamble = nil
}
