// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package lifecycle

import (
	"context"
	"errors"
	"fmt"

	xglog "github.com/ManuGH/webtuner/internal/log"
	"github.com/ManuGH/webtuner/internal/registry"
	"github.com/ManuGH/webtuner/internal/status"
	"github.com/ManuGH/webtuner/internal/streamctx"
	"github.com/ManuGH/webtuner/internal/telemetry"
)

// Remediate applies one recovery tier to a stream:
//
//	1  respawn dead remuxers and re-run the start-playback action
//	2  replace the capture, keeping stream id, channel mapping and clients
//	3  terminate the stream
//
// A stream that is already being torn down is left alone.
func (m *Manager) Remediate(ctx context.Context, id int64, tier int) (err error) {
	m.mu.Lock()
	p, ok := m.pipelines[id]
	_, busy := m.terminating[id]
	m.mu.Unlock()
	if !ok {
		return registry.ErrNotFound
	}
	if busy {
		return nil
	}

	ctx, span := telemetry.Start(ctx, tracerName, "stream.recover", telemetry.RecoveryAttributes(id, tier)...)
	defer func() {
		telemetry.Fail(span, err, "recovery_failed")
		span.End()
	}()

	switch {
	case tier >= status.MaxTier:
		m.Terminate(ctx, id, p.channel, ReasonExhausted)
		return nil
	case tier == status.TierRecapture:
		return m.recapture(ctx, p)
	default:
		return m.reselect(ctx, p)
	}
}

// reselect is the cheap tier. A remuxer that died is replaced first so the
// fresh container header produced by restarting playback reaches a new
// process.
func (m *Manager) reselect(ctx context.Context, p *pipeline) error {
	st, ok := m.reg.Get(p.id)
	if !ok {
		return registry.ErrNotFound
	}
	if !st.CaptureLive() {
		return fmt.Errorf("reselect: %w", streamctx.ErrSessionClosed)
	}
	sctx, live := m.cancel.Context(p.id)
	if !live {
		return registry.ErrNotFound
	}
	if err := m.respawnDead(sctx, p); err != nil {
		return err
	}
	if err := st.Capture.Reselect(ctx); err != nil {
		return fmt.Errorf("reselect: %w", err)
	}
	p.markRecovered(m.now())
	return nil
}

func (m *Manager) respawnDead(ctx context.Context, p *pipeline) error {
	fmp4, mpegts := p.processes()
	if fmp4 == nil || !fmp4.Alive() {
		if err := m.startFMP4(ctx, p); err != nil {
			return fmt.Errorf("respawn fmp4: %w", err)
		}
	}
	if p.wantsTS() && (mpegts == nil || !mpegts.Alive()) {
		if err := m.startMPEGTS(ctx, p); err != nil {
			return fmt.Errorf("respawn mpegts: %w", err)
		}
	}
	return nil
}

// recapture acquires a new capture for the same channel and swaps it in
// under the existing record. Clients and the channel mapping survive; the
// segment producer marks a discontinuity when the new init segment arrives.
func (m *Manager) recapture(ctx context.Context, p *pipeline) error {
	sctx, live := m.cancel.Context(p.id)
	if !live {
		return registry.ErrNotFound
	}

	h, err := m.acquire(ctx, p.url, p.profile)
	if err != nil {
		return err
	}
	if m.isTerminating(p.id) {
		_ = h.Close()
		return nil
	}
	prev, err := m.reg.ReplaceCapture(p.id, h)
	if err != nil {
		_ = h.Close()
		return err
	}

	p.armed.Store(false)
	p.stopProcesses()
	if prev != nil {
		_ = prev.Close()
	}
	p.markRecovered(m.now())

	if err := m.startFMP4(sctx, p); err != nil {
		return fmt.Errorf("recapture fmp4: %w", err)
	}
	if p.wantsTS() {
		if err := m.startMPEGTS(sctx, p); err != nil && !errors.Is(err, errPipelineClosed) {
			return fmt.Errorf("recapture mpegts: %w", err)
		}
	}
	go p.pumpCapture(h)
	p.armed.Store(true)
	go m.refreshTitle(sctx, p, h)

	p.logger.Info().Str(xglog.FieldCaptureID, h.ID()).Msg("capture replaced")
	return nil
}
