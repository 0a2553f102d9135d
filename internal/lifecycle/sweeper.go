// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package lifecycle

import (
	"context"
	"time"

	xglog "github.com/ManuGH/webtuner/internal/log"
)

// RunSweeper stops streams nobody watches. It calls SweepOnce on every tick
// until ctx ends. A zero IdleGrace disables it.
func (m *Manager) RunSweeper(ctx context.Context) error {
	if m.cfg.IdleGrace <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	m.logger.Info().
		Dur("interval", m.cfg.SweepInterval).
		Dur("idle_grace", m.cfg.IdleGrace).
		Msg("idle sweeper started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.SweepOnce(ctx)
		}
	}
}

// SweepOnce terminates every stream that has had no client for longer than
// the idle grace. It returns the number of streams stopped.
func (m *Manager) SweepOnce(ctx context.Context) int {
	now := m.now()
	var idle []int64

	for _, st := range m.reg.List() {
		if m.clients.Summary(st.ID).Total > 0 {
			m.mu.Lock()
			m.lastClient[st.ID] = now
			m.mu.Unlock()
			continue
		}
		m.mu.Lock()
		last, ok := m.lastClient[st.ID]
		m.mu.Unlock()
		if !ok {
			last = st.StartedAt
		}
		if now.Sub(last) > m.cfg.IdleGrace {
			idle = append(idle, st.ID)
		}
	}

	stopped := 0
	for _, id := range idle {
		if m.Terminate(ctx, id, "", ReasonIdle) {
			stopped++
		}
	}
	if stopped > 0 {
		m.logger.Info().Int("stopped", stopped).Str(xglog.FieldEvent, "sweep.idle").Msg("idle streams stopped")
	}
	return stopped
}
