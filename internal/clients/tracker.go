// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package clients tracks which consumers are attached to each stream.
//
// Poll clients (segment fetchers) never say goodbye, so their presence is
// inferred from request recency and expires after a TTL. Held clients
// (continuous transport-stream readers) are removed only on disconnect or
// when the stream is cleared. One host may hold several connections, for
// example a media server relaying to two viewers; its entry lives until the
// last of them disconnects.
package clients

import (
	"net"
	"net/netip"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultTTL is how long a poll client stays attached without a refresh.
const DefaultTTL = 30 * time.Second

// Class is the connection model of a client.
type Class string

const (
	// ClassPoll clients are refreshed by every request and expire by TTL.
	ClassPoll Class = "poll"
	// ClassHeld clients hold a connection and are removed explicitly.
	ClassHeld Class = "held"
)

// Presence reports whether a stream is still live. The registry implements it.
type Presence interface {
	Exists(streamID int64) bool
}

// Entry is one attached consumer.
type Entry struct {
	Address  string    `json:"address"`
	Class    Class     `json:"class"`
	LastSeen time.Time `json:"lastSeen"`

	// Connections counts open held connections from Address; 1 for poll clients.
	Connections int `json:"connections"`
}

// Summary is the attendance of one stream.
type Summary struct {
	Total    int           `json:"total"`
	PerClass map[Class]int `json:"perClass"`
}

type key struct {
	class Class
	addr  string
}

type slot struct {
	seen  time.Time
	conns int
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(t *Tracker) {
		if ttl > 0 {
			t.ttl = ttl
		}
	}
}

// WithClock replaces time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// Tracker is safe for concurrent use.
type Tracker struct {
	mu       sync.Mutex
	streams  map[int64]map[key]*slot
	presence Presence
	ttl      time.Duration
	now      func() time.Time
}

// NewTracker creates a tracker. presence may be nil, in which case every
// stream is assumed to exist.
func NewTracker(presence Presence, opts ...Option) *Tracker {
	t := &Tracker{
		streams:  make(map[int64]map[key]*slot),
		presence: presence,
		ttl:      DefaultTTL,
		now:      time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// TTL returns the poll-client expiry.
func (t *Tracker) TTL() time.Duration { return t.ttl }

// Register creates or refreshes an entry. For held clients every call is one
// more open connection and must be paired with Unregister. It is a no-op when
// the stream is no longer registered, so a request racing termination cannot
// resurrect a table.
func (t *Tracker) Register(streamID int64, address string, class Class) {
	if t.presence != nil && !t.presence.Exists(streamID) {
		return
	}
	k := key{class: class, addr: NormalizeAddress(address)}

	t.mu.Lock()
	defer t.mu.Unlock()
	tbl, ok := t.streams[streamID]
	if !ok {
		tbl = make(map[key]*slot)
		t.streams[streamID] = tbl
	}
	sl, ok := tbl[k]
	if !ok {
		tbl[k] = &slot{seen: t.now(), conns: 1}
		return
	}
	if class == ClassHeld {
		// held clients keep their first connect time
		sl.conns++
		return
	}
	sl.seen = t.now()
}

// Unregister removes a poll entry or closes one held connection; the held
// entry goes away with its last connection. Absent entries are ignored.
func (t *Tracker) Unregister(streamID int64, address string, class Class) {
	k := key{class: class, addr: NormalizeAddress(address)}

	t.mu.Lock()
	defer t.mu.Unlock()
	tbl, ok := t.streams[streamID]
	if !ok {
		return
	}
	sl, ok := tbl[k]
	if !ok {
		return
	}
	if sl.conns--; sl.conns > 0 && class == ClassHeld {
		return
	}
	delete(tbl, k)
	if len(tbl) == 0 {
		delete(t.streams, streamID)
	}
}

// Summary evicts expired poll clients and counts what remains.
func (t *Tracker) Summary(streamID int64) Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	sum := Summary{PerClass: make(map[Class]int, 2)}
	tbl, ok := t.streams[streamID]
	if !ok {
		return sum
	}
	t.evictLocked(streamID, tbl)
	for k := range tbl {
		sum.Total++
		sum.PerClass[k.class]++
	}
	return sum
}

// Entries lists the live clients of a stream, oldest first.
func (t *Tracker) Entries(streamID int64) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	tbl, ok := t.streams[streamID]
	if !ok {
		return nil
	}
	t.evictLocked(streamID, tbl)
	out := make([]Entry, 0, len(tbl))
	for k, sl := range tbl {
		out = append(out, Entry{Address: k.addr, Class: k.class, LastSeen: sl.seen, Connections: sl.conns})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.Before(out[j].LastSeen) })
	return out
}

// Clear drops every entry of a stream.
func (t *Tracker) Clear(streamID int64) {
	t.mu.Lock()
	delete(t.streams, streamID)
	t.mu.Unlock()
}

// Total counts live clients across all streams.
func (t *Tracker) Total() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for id, tbl := range t.streams {
		t.evictLocked(id, tbl)
		n += len(tbl)
	}
	return n
}

func (t *Tracker) evictLocked(streamID int64, tbl map[key]*slot) {
	cutoff := t.now().Add(-t.ttl)
	for k, sl := range tbl {
		if k.class == ClassPoll && sl.seen.Before(cutoff) {
			delete(tbl, k)
		}
	}
	if len(tbl) == 0 {
		delete(t.streams, streamID)
	}
}

// NormalizeAddress strips the port and unmaps IPv4-in-IPv6 so one host is
// one client regardless of how the listener reported it.
func NormalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	addr = strings.TrimSuffix(strings.TrimPrefix(addr, "["), "]")
	if ip, err := netip.ParseAddr(addr); err == nil {
		return ip.Unmap().String()
	}
	return addr
}
