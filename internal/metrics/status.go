// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StreamHealth exposes the derived health per state (count of streams).
	StreamHealth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "webtuner_stream_health",
		Help: "Number of streams per health state",
	}, []string{"state"})

	healthTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webtuner_health_transitions_total",
		Help: "Health state transitions",
	}, []string{"state_from", "state_to"})

	// ConnectedClients is the tracked consumer count by protocol class.
	ConnectedClients = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "webtuner_connected_clients",
		Help: "Attached clients by protocol class",
	}, []string{"class"})

	// SubscriberDropTotal counts status events dropped for slow subscribers.
	SubscriberDropTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webtuner_status_event_drop_total",
		Help: "Status events dropped because a subscriber buffer was full",
	}, []string{"event"})
)

// IncHealthTransition records a per-stream health state change.
func IncHealthTransition(from, to string) {
	healthTransitions.WithLabelValues(from, to).Inc()
}

// IncSubscriberDrop records a dropped status event.
func IncSubscriberDrop(event string) {
	if event == "" {
		event = "unknown"
	}
	SubscriberDropTotal.WithLabelValues(event).Inc()
}
