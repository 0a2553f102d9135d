// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package registry is the authoritative table of active streams.
// Every other component reads or mutates stream state through it.
package registry

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ManuGH/webtuner/internal/capture"
	"github.com/ManuGH/webtuner/internal/metrics"
)

var (
	// ErrDuplicate is matched by DuplicateError.
	ErrDuplicate = errors.New("stream already exists for channel")
	// ErrNotFound is returned for unknown stream ids.
	ErrNotFound = errors.New("stream not found")
)

// DuplicateError names the live stream that owns the channel key.
type DuplicateError struct {
	ChannelKey string
	ExistingID int64
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("%v: %s (id %d)", ErrDuplicate, e.ChannelKey, e.ExistingID)
}

func (e *DuplicateError) Is(target error) bool { return target == ErrDuplicate }

// Memory is the segment producer's byte accounting.
type Memory struct {
	InitBytes     int64 `json:"initBytes"`
	SegmentBytes  int64 `json:"segmentBytes"`
	SegmentsCount int   `json:"segments"`
}

// Stream is a snapshot of one record. Mutations go through the Registry.
type Stream struct {
	ID         int64          `json:"id"`
	ChannelKey string         `json:"channel"`
	URL        string         `json:"url"`
	Capture    capture.Handle `json:"-"`
	StartedAt  time.Time      `json:"startedAt"`
	Memory     Memory         `json:"memory"`
}

// CaptureLive reports whether the capture handle still exists and is alive.
func (s *Stream) CaptureLive() bool {
	return s != nil && s.Capture != nil && s.Capture.Alive()
}

// Registry is safe for concurrent use. Check-then-insert on a channel key
// happens under one lock.
type Registry struct {
	mu        sync.RWMutex
	nextID    int64
	byID      map[int64]*Stream
	byChannel map[string]int64
	now       func() time.Time
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		byID:      make(map[int64]*Stream),
		byChannel: make(map[string]int64),
		now:       time.Now,
	}
}

// Create registers a new stream. It fails with a *DuplicateError if the key
// is mapped to a live record; the caller should attach to that one instead.
func (r *Registry) Create(channelKey, url string, handle capture.Handle) (Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byChannel[channelKey]; ok {
		return Stream{}, &DuplicateError{ChannelKey: channelKey, ExistingID: id}
	}
	r.nextID++
	s := &Stream{
		ID:         r.nextID,
		ChannelKey: channelKey,
		URL:        url,
		Capture:    handle,
		StartedAt:  r.now(),
	}
	r.byID[s.ID] = s
	r.byChannel[channelKey] = s.ID
	metrics.SetActiveStreams(len(r.byID))
	return *s, nil
}

// Get returns a snapshot of the stream.
func (r *Registry) Get(id int64) (Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	if !ok {
		return Stream{}, false
	}
	return *s, true
}

// GetByChannel returns the stream mapped to channelKey.
func (r *Registry) GetByChannel(channelKey string) (Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byChannel[channelKey]
	if !ok {
		return Stream{}, false
	}
	s, ok := r.byID[id]
	if !ok {
		return Stream{}, false
	}
	return *s, true
}

// Exists reports whether id is registered.
func (r *Registry) Exists(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byID[id]
	return ok
}

// Unmap removes the channel mapping if it still points at id.
func (r *Registry) Unmap(channelKey string, id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.byChannel[channelKey]; ok && cur == id {
		delete(r.byChannel, channelKey)
	}
}

// Remove deletes the record and any mapping still pointing at it.
// Removing an unknown id is a no-op.
func (r *Registry) Remove(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	if cur, ok := r.byChannel[s.ChannelKey]; ok && cur == id {
		delete(r.byChannel, s.ChannelKey)
	}
	metrics.SetActiveStreams(len(r.byID))
}

// List returns a snapshot of all streams, ordered by id.
func (r *Registry) List() []Stream {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Stream, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, *s)
	}
	slices.SortFunc(out, func(a, b Stream) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Len returns the number of registered streams.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// UpdateMemory applies a delta to the stream's accounting. Totals never go negative.
func (r *Registry) UpdateMemory(id int64, delta Memory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("update memory %d: %w", id, ErrNotFound)
	}
	s.Memory.InitBytes = max(0, s.Memory.InitBytes+delta.InitBytes)
	s.Memory.SegmentBytes = max(0, s.Memory.SegmentBytes+delta.SegmentBytes)
	s.Memory.SegmentsCount = max(0, s.Memory.SegmentsCount+delta.SegmentsCount)
	return nil
}

// ReplaceCapture swaps the capture handle of a live stream and returns the
// previous one, which the caller now owns.
func (r *Registry) ReplaceCapture(id int64, handle capture.Handle) (capture.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("replace capture %d: %w", id, ErrNotFound)
	}
	prev := s.Capture
	s.Capture = handle
	return prev, nil
}

// TakeCapture detaches the capture handle so exactly one caller releases it.
func (r *Registry) TakeCapture(id int64) capture.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return nil
	}
	h := s.Capture
	s.Capture = nil
	return h
}
