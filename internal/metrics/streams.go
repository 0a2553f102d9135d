// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StreamStartTotal tracks the outcome of StartOrAttach calls.
	StreamStartTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webtuner_stream_start_total",
		Help: "Total number of stream start attempts by result (created, attached, failed) and reason",
	}, []string{"result", "reason"})

	// StreamAcquireDuration tracks how long a capture acquisition took.
	StreamAcquireDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "webtuner_stream_acquire_duration_seconds",
		Help:    "Time taken to acquire a browser capture for a channel",
		Buckets: []float64{0.5, 1, 2, 3, 5, 8, 13, 20, 30, 45},
	}, []string{"result"})

	// StreamTerminateTotal tracks finished terminations by reason.
	StreamTerminateTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webtuner_stream_terminate_total",
		Help: "Total number of stream terminations by reason",
	}, []string{"reason"})

	// StreamRecoveryTotal tracks remediation actions by tier and outcome.
	StreamRecoveryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webtuner_stream_recovery_total",
		Help: "Total number of recovery actions by tier and result",
	}, []string{"tier", "result"})

	// ActiveStreams is the number of live registry entries.
	ActiveStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "webtuner_active_streams",
		Help: "Number of active streams",
	})

	// RemoteCallTotal tracks wrapped browser calls by outcome.
	RemoteCallTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webtuner_remote_call_total",
		Help: "Total number of wrapped remote browser calls by outcome (ok, error, timeout, aborted)",
	}, []string{"outcome"})

	// SegmentsProducedTotal counts media fragments cut by the segment producer.
	SegmentsProducedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webtuner_segments_produced_total",
		Help: "Total number of fMP4 media segments produced",
	})
)

// IncStreamStart records a StartOrAttach outcome.
func IncStreamStart(result, reason string) {
	if reason == "" {
		reason = "none"
	}
	StreamStartTotal.WithLabelValues(result, reason).Inc()
}

// ObserveAcquireDuration records the acquisition latency.
func ObserveAcquireDuration(success bool, d time.Duration) {
	result := "failure"
	if success {
		result = "success"
	}
	StreamAcquireDuration.WithLabelValues(result).Observe(d.Seconds())
}

// IncStreamTerminate records a completed termination.
func IncStreamTerminate(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	StreamTerminateTotal.WithLabelValues(reason).Inc()
}

// IncRecovery records a remediation action.
func IncRecovery(tier int, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	StreamRecoveryTotal.WithLabelValues(strconv.Itoa(tier), result).Inc()
}

// SetActiveStreams publishes the current registry size.
func SetActiveStreams(n int) {
	ActiveStreams.Set(float64(n))
}

// IncRemoteCall records the outcome of a wrapped remote call.
func IncRemoteCall(outcome string) {
	RemoteCallTotal.WithLabelValues(outcome).Inc()
}
