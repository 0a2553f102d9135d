// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package lifecycle

import (
	"context"
	"time"

	"github.com/ManuGH/webtuner/internal/status"
)

// Samples reports the raw signals of every live stream to the status emitter.
func (m *Manager) Samples(_ context.Context) []status.Sample {
	streams := m.reg.List()
	out := make([]status.Sample, 0, len(streams))
	for _, st := range streams {
		if m.isTerminating(st.ID) {
			continue
		}
		s := status.Sample{
			ID:           st.ID,
			ChannelKey:   st.ChannelKey,
			StartedAt:    st.StartedAt,
			CaptureAlive: st.CaptureLive(),
			Clients:      m.clients.Summary(st.ID),
			Memory:       st.Memory,
		}
		if st.Capture != nil {
			s.LastData = st.Capture.LastData()
		}

		m.mu.Lock()
		p := m.pipelines[st.ID]
		m.mu.Unlock()
		if p != nil {
			s.ProcessesAlive = p.processesAlive()
			s.Title = p.currentTitle()
			s.LastData = latest(s.LastData, p.recovered())
		}
		out = append(out, s)
	}
	return out
}

// System reports the process-wide aggregate.
func (m *Manager) System(ctx context.Context) status.System {
	return status.System{
		BrowserConnected: passes(ctx, m.checks.Browser),
		FFmpegAvailable:  passes(ctx, m.checks.FFmpeg),
		ActiveStreams:    m.reg.Len(),
		MaxStreams:       m.cfg.MaxStreams,
		TotalClients:     m.clients.Total(),
	}
}

func passes(ctx context.Context, check func(context.Context) error) bool {
	return check == nil || check(ctx) == nil
}

func latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
