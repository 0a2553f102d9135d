// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/webtuner/internal/clients"
	"github.com/ManuGH/webtuner/internal/registry"
	"github.com/ManuGH/webtuner/internal/status"
	"github.com/ManuGH/webtuner/internal/streamctx"
	"github.com/ManuGH/webtuner/internal/supervisor"
)

func TestRemediate_ReselectRespawnsDeadRemuxer(t *testing.T) {
	h := newHarness(t, Config{})
	st := h.start(t, "cnn")
	dead := h.spawner.last(supervisor.KindFMP4)
	dead.exit()

	require.NoError(t, h.m.Remediate(context.Background(), st.ID, status.TierReselect))

	assert.Len(t, h.spawner.spawned(supervisor.KindFMP4), 2)
	assert.Equal(t, int32(1), h.acquirer.Last().Reselects.Load())
	assert.Equal(t, int32(1), h.acquirer.Calls.Load())
	assert.True(t, h.m.Samples(context.Background())[0].ProcessesAlive)
}

func TestRemediate_ReselectRespawnsTransportRemuxer(t *testing.T) {
	h := newHarness(t, Config{})
	st := h.start(t, "cnn")
	_, err := h.m.TransportStream(context.Background(), st.ID)
	require.NoError(t, err)
	h.spawner.last(supervisor.KindMPEGTS).exit()

	require.NoError(t, h.m.Remediate(context.Background(), st.ID, status.TierReselect))
	assert.Len(t, h.spawner.spawned(supervisor.KindMPEGTS), 2)
	assert.Len(t, h.spawner.spawned(supervisor.KindFMP4), 1)
}

func TestRemediate_ReselectNeedsLiveCapture(t *testing.T) {
	h := newHarness(t, Config{})
	st := h.start(t, "cnn")
	h.acquirer.Last().Kill()

	err := h.m.Remediate(context.Background(), st.ID, status.TierReselect)
	require.ErrorIs(t, err, streamctx.ErrSessionClosed)
}

func TestRemediate_RecapturePreservesIdentity(t *testing.T) {
	h := newHarness(t, Config{})
	st := h.start(t, "cnn")
	h.clients.Register(st.ID, "10.0.0.7:4000", clients.ClassHeld)
	oldHandle := h.acquirer.Last()
	oldFMP4 := h.spawner.last(supervisor.KindFMP4)

	require.NoError(t, h.m.Remediate(context.Background(), st.ID, status.TierRecapture))

	assert.Equal(t, int32(2), h.acquirer.Calls.Load())
	assert.Equal(t, int32(1), oldHandle.Closes.Load())
	assert.True(t, oldFMP4.killed.Load())
	assert.Len(t, h.spawner.spawned(supervisor.KindFMP4), 2)

	rec, ok := h.reg.Get(st.ID)
	require.True(t, ok)
	assert.Equal(t, h.acquirer.Last().ID(), rec.Capture.ID())
	byCh, ok := h.reg.GetByChannel("cnn")
	require.True(t, ok)
	assert.Equal(t, st.ID, byCh.ID)
	assert.Equal(t, 1, h.clients.Summary(st.ID).Total)
	assert.Equal(t, 1, h.cancel.Len())
}

func TestRemediate_RecaptureFailureKeepsStream(t *testing.T) {
	h := newHarness(t, Config{})
	st := h.start(t, "cnn")
	h.acquirer.Fail = "navigation timeout"

	err := h.m.Remediate(context.Background(), st.ID, status.TierRecapture)
	require.ErrorIs(t, err, ErrAcquireFailed)
	assert.True(t, h.reg.Exists(st.ID))
	assert.Equal(t, int32(0), h.acquirer.Handles()[0].Closes.Load())
}

func TestRemediate_FinalTierTerminates(t *testing.T) {
	h := newHarness(t, Config{})
	st := h.start(t, "cnn")

	require.NoError(t, h.m.Remediate(context.Background(), st.ID, status.MaxTier))
	assert.False(t, h.reg.Exists(st.ID))
	_, mapped := h.reg.GetByChannel("cnn")
	assert.False(t, mapped)
}

func TestRemediate_UnknownStream(t *testing.T) {
	h := newHarness(t, Config{})
	err := h.m.Remediate(context.Background(), 7, status.TierReselect)
	require.ErrorIs(t, err, registry.ErrNotFound)
}

func TestProcessCrashTriggersFirstTier(t *testing.T) {
	h := newHarness(t, Config{})
	st := h.start(t, "cnn")

	h.spawner.last(supervisor.KindFMP4).crash(errCrashed)

	assert.Eventually(t, func() bool {
		return len(h.spawner.spawned(supervisor.KindFMP4)) == 2 &&
			h.acquirer.Last().Reselects.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)

	state, ok := h.emitter.State(st.ID)
	require.True(t, ok)
	assert.Equal(t, 1, state.RecoveryAttempts)
	assert.Contains(t, state.Reasons, status.ReasonProcessFailed)
}

func TestKilledRemuxerDoesNotReport(t *testing.T) {
	h := newHarness(t, Config{})
	st := h.start(t, "cnn")
	require.True(t, h.m.Terminate(context.Background(), st.ID, "", ReasonAPI))

	// a late exit report after teardown finds no tracked stream
	h.spawner.last(supervisor.KindFMP4).crash(errCrashed)
	_, ok := h.emitter.State(st.ID)
	assert.False(t, ok)
}
