// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package status derives per-stream health from registry, client and process
// signals, drives recovery escalation and publishes the result to any number
// of subscribers.
package status

import (
	"time"

	"github.com/ManuGH/webtuner/internal/clients"
	"github.com/ManuGH/webtuner/internal/registry"
)

// Health is the derived state of one stream.
type Health string

const (
	Healthy   Health = "healthy"
	Degraded  Health = "degraded"
	Unhealthy Health = "unhealthy"
)

// Reasons attached to a non-healthy state.
const (
	ReasonCaptureLost   = "capture_lost"
	ReasonStale         = "stale"
	ReasonProcessFailed = "process_failed"
	ReasonIdle          = "idle"
	ReasonCapacity      = "capacity"
)

// Event names.
const (
	EventSnapshot      = "snapshot"
	EventStream        = "stream"
	EventStreamRemoved = "stream_removed"
	EventHeartbeat     = "heartbeat"
)

// Sample is what the sampler reports about one stream per tick.
type Sample struct {
	ID             int64
	ChannelKey     string
	StartedAt      time.Time
	CaptureAlive   bool
	LastData       time.Time
	ProcessesAlive bool
	Clients        clients.Summary
	Memory         registry.Memory
	Title          string
}

// System is the process-wide aggregate.
type System struct {
	BrowserConnected bool `json:"browserConnected"`
	FFmpegAvailable  bool `json:"ffmpegAvailable"`
	ActiveStreams    int  `json:"activeStreams"`
	MaxStreams       int  `json:"maxStreams"`
	TotalClients     int  `json:"totalClients"`
}

// StreamState is the published health of one stream.
type StreamState struct {
	ID               int64           `json:"id"`
	ChannelKey       string          `json:"channel"`
	Health           Health          `json:"health"`
	Reasons          []string        `json:"reasons,omitempty"`
	EscalationLevel  int             `json:"escalationLevel"`
	RecoveryAttempts int             `json:"recoveryAttempts"`
	Clients          clients.Summary `json:"clients"`
	Title            string          `json:"title,omitempty"`
	Memory           registry.Memory `json:"memory"`
	StartedAt        time.Time       `json:"startedAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// Snapshot is a point-in-time view of every stream.
type Snapshot struct {
	System  System        `json:"system"`
	Streams []StreamState `json:"streams"`
	At      time.Time     `json:"at"`
}

// Event is one published change. Exactly one payload field is set,
// except for stream_removed which carries only StreamID.
type Event struct {
	Name     string       `json:"event"`
	At       time.Time    `json:"at"`
	StreamID int64        `json:"streamId,omitempty"`
	Stream   *StreamState `json:"stream,omitempty"`
	Snapshot *Snapshot    `json:"snapshot,omitempty"`
	System   *System      `json:"system,omitempty"`
}
