// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package status

import "time"

// Recovery tiers. Each is strictly more invasive than the one before.
const (
	// TierReselect re-runs channel selection on the live capture and respawns
	// dead remux processes.
	TierReselect = 1
	// TierRecapture replaces the capture and remux processes while keeping the
	// stream id, channel mapping and clients.
	TierRecapture = 2
	// TierTerminate ends the stream. The next consumer request starts fresh.
	TierTerminate = 3

	// MaxTier is the last tier. Reaching it terminates the stream.
	MaxTier = TierTerminate
)

// Escalation is the per-stream recovery state machine. The state is the
// tier reached in the current degradation episode.
//
// It is not safe for concurrent use; the Emitter serializes access.
type Escalation struct {
	maxTier int
	settle  time.Duration

	level      int
	attempts   int
	inFlight   bool
	lastAction time.Time
}

// NewEscalation creates a machine escalating up to maxTier, waiting settle
// between tiers so a remediation can take effect.
func NewEscalation(maxTier int, settle time.Duration) *Escalation {
	if maxTier <= 0 || maxTier > MaxTier {
		maxTier = MaxTier
	}
	return &Escalation{maxTier: maxTier, settle: settle}
}

// Level is the tier reached in the current episode, 0 when healthy.
func (e *Escalation) Level() int { return e.level }

// Attempts is the lifetime number of remediations started.
func (e *Escalation) Attempts() int { return e.attempts }

// InFlight reports whether a remediation has started and not completed.
func (e *Escalation) InFlight() bool { return e.inFlight }

// Observe feeds one health observation and returns the tier to apply now,
// or 0 for none. faulty marks conditions a remediation can act on. Only a
// Healthy observation ends the episode; a stream that stays degraded for a
// non-remediable reason such as idleness keeps its level.
//
// The first fault of an episode acts at once. Later tiers require the fault
// to persist for the settle period after the previous remediation finished.
// Once the last tier has been returned nothing further is returned.
func (e *Escalation) Observe(health Health, faulty bool, now time.Time) int {
	if !faulty {
		if health == Healthy && !e.inFlight {
			e.level = 0
		}
		return 0
	}
	if e.inFlight || e.level >= e.maxTier {
		return 0
	}
	if e.level > 0 && now.Sub(e.lastAction) < e.settle {
		return 0
	}
	e.level++
	e.attempts++
	e.inFlight = true
	e.lastAction = now
	return e.level
}

// Done marks the running remediation finished. The settle period starts now.
func (e *Escalation) Done(now time.Time) {
	e.inFlight = false
	e.lastAction = now
}
