// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package segment turns remuxer output into deliverable media: a sliding
// window of fragmented-MP4 segments for poll clients and a fan-out of the
// continuous transport stream for held clients.
package segment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/rs/zerolog"

	xglog "github.com/ManuGH/webtuner/internal/log"
	"github.com/ManuGH/webtuner/internal/metrics"
	"github.com/ManuGH/webtuner/internal/registry"
)

// DefaultWindow is the number of segments kept for the playlist.
const DefaultWindow = 6

// ErrClosed is returned by WaitReady once the producer is closed.
var ErrClosed = errors.New("segment producer closed")

// Accounting receives memory deltas. registry.Registry implements it.
type Accounting interface {
	UpdateMemory(id int64, delta registry.Memory) error
}

// Segment is one media fragment (moof+mdat and any boxes before it).
type Segment struct {
	Seq           uint64
	Duration      time.Duration
	Data          []byte
	Discontinuity bool
	At            time.Time
}

// Producer splits a fragmented-MP4 byte stream into an init section and a
// bounded window of media segments. Run may be called again with a new
// source after the previous one ended; the sequence continues and a changed
// init section starts a discontinuity.
type Producer struct {
	streamID int64
	acct     Accounting
	window   int
	logger   zerolog.Logger

	mu          sync.RWMutex
	initSec     []byte
	timescale   uint32
	trackID     int
	segs        []*Segment
	nextSeq     uint64
	discSeq     uint64
	pendingDisc bool
	lastData    time.Time
	lastCut     time.Time
	ready       chan struct{}
	closed      chan struct{}
	closeOnce   sync.Once

	subMu  sync.Mutex
	subs   map[uint64]chan []byte
	nextSb uint64
}

// NewProducer creates a producer for one stream. acct may be nil.
func NewProducer(streamID int64, acct Accounting, window int) *Producer {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Producer{
		streamID: streamID,
		acct:     acct,
		window:   window,
		logger:   xglog.WithComponent("segment").With().Int64(xglog.FieldStreamID, streamID).Logger(),
		ready:    make(chan struct{}),
		closed:   make(chan struct{}),
		subs:     make(map[uint64]chan []byte),
	}
}

// Run consumes r until it ends. io.EOF is reported as nil.
func (p *Producer) Run(r io.Reader) error {
	var pending bytes.Buffer
	for {
		b, err := readBox(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read fmp4: %w", err)
		}
		switch b.typ {
		case "ftyp":
			pending.Reset()
			pending.Write(b.data)
		case "moov":
			pending.Write(b.data)
			p.setInit(append([]byte(nil), pending.Bytes()...))
			pending.Reset()
		case "mdat":
			pending.Write(b.data)
			p.cut(append([]byte(nil), pending.Bytes()...))
			pending.Reset()
		default:
			// styp, sidx, prft, moof: part of the next segment
			pending.Write(b.data)
		}
	}
}

func (p *Producer) setInit(data []byte) {
	var parsed fmp4.Init
	var timescale uint32
	trackID := 0
	if err := parsed.Unmarshal(bytes.NewReader(data)); err == nil && len(parsed.Tracks) > 0 {
		trackID = parsed.Tracks[0].ID
		timescale = parsed.Tracks[0].TimeScale
	} else if err != nil {
		p.logger.Debug().Err(err).Msg("init section not parsed, using wall-clock durations")
	}

	p.mu.Lock()
	prev := p.initSec
	changed := prev != nil && !bytes.Equal(prev, data)
	delta := registry.Memory{InitBytes: int64(len(data) - len(prev))}
	if changed {
		for _, s := range p.segs {
			delta.SegmentBytes -= int64(len(s.Data))
		}
		delta.SegmentsCount = -len(p.segs)
		p.segs = nil
		p.discSeq++
		p.pendingDisc = true
	}
	p.initSec = data
	p.timescale = timescale
	p.trackID = trackID
	p.mu.Unlock()

	p.account(delta)
	if changed {
		p.logger.Info().Str(xglog.FieldEvent, "segment.discontinuity").Msg("init section changed")
		p.closeSubscribers()
	}
}

func (p *Producer) cut(data []byte) {
	now := time.Now()

	p.mu.Lock()
	if p.initSec == nil {
		p.mu.Unlock()
		p.logger.Debug().Int("bytes", len(data)).Msg("fragment before init section dropped")
		return
	}
	dur := p.durationLocked(data, now)
	seg := &Segment{
		Seq:           p.nextSeq,
		Duration:      dur,
		Data:          data,
		Discontinuity: p.pendingDisc,
		At:            now,
	}
	p.nextSeq++
	p.pendingDisc = false
	p.segs = append(p.segs, seg)
	delta := registry.Memory{SegmentBytes: int64(len(data)), SegmentsCount: 1}
	for len(p.segs) > p.window {
		old := p.segs[0]
		p.segs[0] = nil
		p.segs = p.segs[1:]
		delta.SegmentBytes -= int64(len(old.Data))
		delta.SegmentsCount--
	}
	p.lastData = now
	p.lastCut = now
	p.mu.Unlock()

	p.account(delta)
	metrics.SegmentsProducedTotal.Inc()
	p.readyOnce()
	p.publish(data)
}

func (p *Producer) durationLocked(data []byte, now time.Time) time.Duration {
	if p.timescale > 0 {
		var parts fmp4.Parts
		if err := parts.Unmarshal(data); err == nil {
			var ticks uint64
			for _, part := range parts {
				for _, tr := range part.Tracks {
					if tr.ID != p.trackID {
						continue
					}
					for _, s := range tr.Samples {
						ticks += uint64(s.Duration)
					}
				}
			}
			if ticks > 0 {
				return time.Duration(float64(ticks) / float64(p.timescale) * float64(time.Second))
			}
		}
	}
	if !p.lastCut.IsZero() {
		return now.Sub(p.lastCut)
	}
	return time.Second
}

func (p *Producer) account(delta registry.Memory) {
	if p.acct == nil || delta == (registry.Memory{}) {
		return
	}
	if err := p.acct.UpdateMemory(p.streamID, delta); err != nil {
		p.logger.Debug().Err(err).Msg("memory accounting skipped")
	}
}

func (p *Producer) readyOnce() {
	select {
	case <-p.ready:
	default:
		close(p.ready)
	}
}

// WaitReady blocks until the first segment exists.
func (p *Producer) WaitReady(ctx context.Context) error {
	select {
	case <-p.ready:
		return nil
	case <-p.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Init returns the current init section.
func (p *Producer) Init() ([]byte, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.initSec, p.initSec != nil
}

// Segment returns a segment still in the window.
func (p *Producer) Segment(seq uint64) (*Segment, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, s := range p.segs {
		if s.Seq == seq {
			return s, true
		}
	}
	return nil, false
}

// LastData is when the last segment was cut.
func (p *Producer) LastData() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastData
}

// Playlist renders the live HLS media playlist. prefix is prepended to
// segment and init URIs.
func (p *Producer) Playlist(prefix string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.initSec == nil || len(p.segs) == 0 {
		return "", false
	}

	target := 1
	for _, s := range p.segs {
		if d := int(math.Ceil(s.Duration.Seconds())); d > target {
			target = d
		}
	}

	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:7\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", target)
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", p.segs[0].Seq)
	fmt.Fprintf(&b, "#EXT-X-DISCONTINUITY-SEQUENCE:%d\n", p.discSeq)
	fmt.Fprintf(&b, "#EXT-X-MAP:URI=\"%sinit.mp4\"\n", prefix)
	for i, s := range p.segs {
		if s.Discontinuity && i > 0 {
			b.WriteString("#EXT-X-DISCONTINUITY\n")
		}
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n%ssegments/%d.m4s\n", s.Duration.Seconds(), prefix, s.Seq)
	}
	return b.String(), true
}

// Subscribe returns a feed of the init section followed by every new
// fragment. A subscriber that falls buf messages behind is closed, as are
// all subscribers when the init section changes.
func (p *Producer) Subscribe(buf int) (<-chan []byte, func()) {
	if buf <= 0 {
		buf = 64
	}
	ch := make(chan []byte, buf)
	if data, ok := p.Init(); ok {
		ch <- data
	}

	p.subMu.Lock()
	id := p.nextSb
	p.nextSb++
	p.subs[id] = ch
	p.subMu.Unlock()

	return ch, func() {
		p.subMu.Lock()
		defer p.subMu.Unlock()
		if c, ok := p.subs[id]; ok {
			delete(p.subs, id)
			close(c)
		}
	}
}

func (p *Producer) publish(data []byte) {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- data:
		default:
			delete(p.subs, id)
			close(ch)
			p.logger.Warn().Msg("fragment subscriber too slow, dropped")
		}
	}
}

func (p *Producer) closeSubscribers() {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	for id, ch := range p.subs {
		delete(p.subs, id)
		close(ch)
	}
}

// Close releases the window and accounting and ends all subscriptions.
func (p *Producer) Close() {
	p.closeOnce.Do(func() {
		close(p.closed)
		p.closeSubscribers()
		p.mu.Lock()
		var bytesHeld int64
		for _, s := range p.segs {
			bytesHeld += int64(len(s.Data))
		}
		delta := registry.Memory{InitBytes: -int64(len(p.initSec)), SegmentBytes: -bytesHeld, SegmentsCount: -len(p.segs)}
		p.segs = nil
		p.mu.Unlock()
		p.account(delta)
	})
}
