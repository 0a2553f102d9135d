// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestStreamCounters(t *testing.T) {
	before := testutil.ToFloat64(StreamStartTotal.WithLabelValues("failed", "none"))
	IncStreamStart("failed", "")
	assert.Equal(t, before+1, testutil.ToFloat64(StreamStartTotal.WithLabelValues("failed", "none")))

	before = testutil.ToFloat64(StreamTerminateTotal.WithLabelValues("unknown"))
	IncStreamTerminate("")
	assert.Equal(t, before+1, testutil.ToFloat64(StreamTerminateTotal.WithLabelValues("unknown")))

	before = testutil.ToFloat64(StreamRecoveryTotal.WithLabelValues("2", "success"))
	IncRecovery(2, true)
	assert.Equal(t, before+1, testutil.ToFloat64(StreamRecoveryTotal.WithLabelValues("2", "success")))

	SetActiveStreams(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(ActiveStreams))
}

func TestAcquireDurationLabels(t *testing.T) {
	ObserveAcquireDuration(true, 2*time.Second)
	ObserveAcquireDuration(false, time.Second)
	assert.Equal(t, 2, testutil.CollectAndCount(StreamAcquireDuration, "webtuner_stream_acquire_duration_seconds"))
}

func TestStatusCounters(t *testing.T) {
	before := testutil.ToFloat64(SubscriberDropTotal.WithLabelValues("unknown"))
	IncSubscriberDrop("")
	assert.Equal(t, before+1, testutil.ToFloat64(SubscriberDropTotal.WithLabelValues("unknown")))

	before = testutil.ToFloat64(healthTransitions.WithLabelValues("healthy", "degraded"))
	IncHealthTransition("healthy", "degraded")
	assert.Equal(t, before+1, testutil.ToFloat64(healthTransitions.WithLabelValues("healthy", "degraded")))
}

func TestProcessCounters(t *testing.T) {
	before := testutil.ToFloat64(ProcessSpawnTotal.WithLabelValues("remux", "error"))
	IncProcessSpawn("remux", false)
	assert.Equal(t, before+1, testutil.ToFloat64(ProcessSpawnTotal.WithLabelValues("remux", "error")))

	before = testutil.ToFloat64(procWaitTotal.WithLabelValues("reaped"))
	IncProcWait("reaped")
	assert.Equal(t, before+1, testutil.ToFloat64(procWaitTotal.WithLabelValues("reaped")))
}
