// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/asticode/go-astits"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/webtuner/internal/clients"
	"github.com/ManuGH/webtuner/internal/config"
	"github.com/ManuGH/webtuner/internal/hdhr"
	"github.com/ManuGH/webtuner/internal/health"
	"github.com/ManuGH/webtuner/internal/registry"
	"github.com/ManuGH/webtuner/internal/segment"
	"github.com/ManuGH/webtuner/internal/status"
)

type fakeStream struct {
	st          registry.Stream
	producer    *segment.Producer
	broadcaster *segment.Broadcaster
	tsFeed      *io.PipeWriter
}

// fakeStreams is an in-memory StreamService. Producers are fed by the test.
type fakeStreams struct {
	status *status.Emitter

	mu       sync.Mutex
	nextID   int64
	byKey    map[string]*fakeStream
	startErr error
	starts   int
	ended    []int64
}

func newFakeStreams(em *status.Emitter) *fakeStreams {
	return &fakeStreams{status: em, byKey: make(map[string]*fakeStream)}
}

func (f *fakeStreams) StartOrAttach(ctx context.Context, channelKey, url string) (registry.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.startErr != nil {
		return registry.Stream{}, f.startErr
	}
	if s, ok := f.byKey[channelKey]; ok {
		return s.st, nil
	}
	f.nextID++
	s := &fakeStream{
		st:       registry.Stream{ID: f.nextID, ChannelKey: channelKey, URL: url, StartedAt: time.Now()},
		producer: segment.NewProducer(f.nextID, nil, 4),
	}
	f.byKey[channelKey] = s
	f.status.Track(s.st.ID, channelKey, s.st.StartedAt)
	return s.st, nil
}

func (f *fakeStreams) get(key string) *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byKey[key]
}

func (f *fakeStreams) failWith(err error) {
	f.mu.Lock()
	f.startErr = err
	f.mu.Unlock()
}

func (f *fakeStreams) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func (f *fakeStreams) terminated() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.ended...)
}

// transport returns the transport-stream feed of a channel once its remuxer
// was started.
func (f *fakeStreams) transport(key string) (*segment.Broadcaster, *io.PipeWriter) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.byKey[key]
	if !ok {
		return nil, nil
	}
	return s.broadcaster, s.tsFeed
}

func (f *fakeStreams) Lookup(channelKey string) (registry.Stream, bool) {
	s := f.get(channelKey)
	if s == nil {
		return registry.Stream{}, false
	}
	return s.st, true
}

func (f *fakeStreams) Terminate(_ context.Context, id int64, _, _ string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, s := range f.byKey {
		if s.st.ID == id {
			delete(f.byKey, key)
			s.producer.Close()
			if s.broadcaster != nil {
				_ = s.tsFeed.Close()
				s.broadcaster.Close()
			}
			f.ended = append(f.ended, id)
			f.status.Drop(id)
			return true
		}
	}
	return false
}

func (f *fakeStreams) Producer(id int64) (*segment.Producer, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.byKey {
		if s.st.ID == id {
			return s.producer, true
		}
	}
	return nil, false
}

func (f *fakeStreams) TransportStream(ctx context.Context, id int64) (*segment.Broadcaster, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.byKey {
		if s.st.ID != id {
			continue
		}
		if s.broadcaster == nil {
			pr, pw := io.Pipe()
			s.broadcaster = segment.NewBroadcaster(id)
			s.tsFeed = pw
			go func() { _ = s.broadcaster.Run(context.Background(), pr) }()
		}
		return s.broadcaster, nil
	}
	return nil, registry.ErrNotFound
}

func (f *fakeStreams) Streams() []registry.Stream {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]registry.Stream, 0, len(f.byKey))
	for _, s := range f.byKey {
		out = append(out, s.st)
	}
	return out
}

type fakeChannels []config.Channel

func (c fakeChannels) Channel(key string) (config.Channel, bool) {
	for _, ch := range c {
		if ch.Key == key {
			return ch, true
		}
	}
	return config.Channel{}, false
}

func (c fakeChannels) ChannelByNumber(number string) (config.Channel, bool) {
	for _, ch := range c {
		if ch.Number == number {
			return ch, true
		}
	}
	return config.Channel{}, false
}

func (c fakeChannels) Channels() []config.Channel { return c }

var lineup = fakeChannels{
	{Key: "cnn", Name: "CNN", Number: "2", URL: "https://example.test/cnn"},
	{Key: "bbc", Name: "BBC", Number: "3", URL: "https://example.test/bbc"},
}

type harness struct {
	streams *fakeStreams
	clients *clients.Tracker
	status  *status.Emitter
	api     *Server
	srv     *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	em := status.NewEmitter(status.Config{})
	t.Cleanup(em.Close)
	h := &harness{
		streams: newFakeStreams(em),
		clients: clients.NewTracker(nil),
		status:  em,
	}
	s := New(Deps{
		Streams:      h.streams,
		Channels:     lineup,
		Status:       em,
		Clients:      h.clients,
		Health:       health.NewManager("test"),
		HDHR:         hdhr.NewServer(hdhr.Config{TunerCount: 2}, lineup.Channels),
		StartTimeout: 2 * time.Second,
	})
	h.api = s
	h.srv = httptest.NewServer(s.Handler())
	t.Cleanup(h.srv.Close)
	return h
}

func mkBox(typ string, payload []byte) []byte {
	b := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint32(b, uint32(len(b)))
	copy(b[4:], typ)
	copy(b[8:], payload)
	return b
}

func initSection() []byte {
	return append(mkBox("ftyp", []byte("iso6")), mkBox("moov", []byte("tracks"))...)
}

func fragment(n byte) []byte {
	return append(mkBox("moof", []byte{n}), mkBox("mdat", bytes.Repeat([]byte{n}, 32))...)
}

// feed pushes an init section and n fragments into the channel's producer.
func (h *harness) feed(t *testing.T, key string, n int) {
	t.Helper()
	s := h.streams.get(key)
	require.NotNil(t, s)
	data := initSection()
	for i := 0; i < n; i++ {
		data = append(data, fragment(byte(i+1))...)
	}
	require.NoError(t, s.producer.Run(bytes.NewReader(data)))
}

// tsFixture muxes a short H.264 program.
func tsFixture(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	mux := astits.NewMuxer(context.Background(), &buf)
	require.NoError(t, mux.AddElementaryStream(astits.PMTElementaryStream{
		ElementaryPID: 256,
		StreamType:    astits.StreamTypeH264Video,
	}))
	mux.SetPCRPID(256)
	for i := 0; i < 4; i++ {
		_, err := mux.WriteTables()
		require.NoError(t, err)
		_, err = mux.WriteData(&astits.MuxerData{
			PID: 256,
			PES: &astits.PESData{
				Header: &astits.PESHeader{
					OptionalHeader: &astits.PESOptionalHeader{
						MarkerBits:             2,
						PTSDTSIndicator:        astits.PTSDTSIndicatorOnlyPTS,
						PTS:                    &astits.ClockReference{Base: int64(i) * 3000},
						DataAlignmentIndicator: true,
					},
				},
				Data: append([]byte{0, 0, 0, 1, 0x09, 0xF0}, bytes.Repeat([]byte{0x11}, 400)...),
			},
		})
		require.NoError(t, err)
	}
	return buf.Bytes()
}
