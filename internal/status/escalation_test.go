// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package status

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEscalation_TiersRequireSettle(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0)
	e := NewEscalation(MaxTier, 10*time.Second)

	require.Equal(t, TierReselect, e.Observe(Degraded, true, t0), "first fault acts at once")
	assert.Equal(t, 0, e.Observe(Degraded, true, t0.Add(time.Second)), "nothing while a remediation runs")
	assert.True(t, e.InFlight())

	e.Done(t0.Add(2 * time.Second))
	assert.Equal(t, 0, e.Observe(Degraded, true, t0.Add(5*time.Second)), "settling")
	require.Equal(t, TierRecapture, e.Observe(Degraded, true, t0.Add(12*time.Second)))
	e.Done(t0.Add(13 * time.Second))
	require.Equal(t, TierTerminate, e.Observe(Degraded, true, t0.Add(30*time.Second)))
	e.Done(t0.Add(31 * time.Second))

	assert.Equal(t, 0, e.Observe(Degraded, true, t0.Add(time.Hour)), "nothing beyond the last tier")
	assert.Equal(t, MaxTier, e.Level())
	assert.Equal(t, 3, e.Attempts())
}

func TestEscalation_HealthyResetsLevelKeepsAttempts(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0)
	e := NewEscalation(MaxTier, 0)

	require.Equal(t, 1, e.Observe(Degraded, true, t0))
	e.Done(t0)
	require.Equal(t, 2, e.Observe(Degraded, true, t0.Add(time.Second)))
	e.Done(t0.Add(time.Second))

	assert.Equal(t, 0, e.Observe(Healthy, false, t0.Add(2*time.Second)))
	assert.Equal(t, 0, e.Level())
	assert.Equal(t, 2, e.Attempts())

	assert.Equal(t, 1, e.Observe(Degraded, true, t0.Add(3*time.Second)), "a new episode starts at the first tier")
	assert.Equal(t, 3, e.Attempts())
}

func TestEscalation_HealthyDuringRemediationKeepsLevel(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0)
	e := NewEscalation(MaxTier, 0)

	require.Equal(t, 1, e.Observe(Degraded, true, t0))
	e.Observe(Healthy, false, t0.Add(time.Second))
	assert.Equal(t, 1, e.Level())

	e.Done(t0.Add(2 * time.Second))
	e.Observe(Healthy, false, t0.Add(3*time.Second))
	assert.Equal(t, 0, e.Level())
}

func TestEscalation_DegradedWithoutFaultKeepsLevel(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0)
	e := NewEscalation(MaxTier, 0)

	require.Equal(t, TierReselect, e.Observe(Degraded, true, t0))
	e.Done(t0)
	// idle or near capacity: still degraded, nothing to remediate
	assert.Equal(t, 0, e.Observe(Degraded, false, t0.Add(time.Second)))
	assert.Equal(t, TierReselect, e.Level())

	assert.Equal(t, TierRecapture, e.Observe(Degraded, true, t0.Add(2*time.Second)), "the episode continues")
	e.Done(t0.Add(2 * time.Second))

	e.Observe(Healthy, false, t0.Add(3*time.Second))
	assert.Zero(t, e.Level())
}

func TestEscalation_LowerMaxTier(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0)
	e := NewEscalation(2, 0)
	require.Equal(t, 1, e.Observe(Degraded, true, t0))
	e.Done(t0)
	require.Equal(t, 2, e.Observe(Degraded, true, t0))
	e.Done(t0)
	assert.Equal(t, 0, e.Observe(Degraded, true, t0))

	assert.Equal(t, MaxTier, NewEscalation(99, 0).maxTier)
}

func TestEscalation_Invariants(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	t0 := time.Unix(1_700_000_000, 0)
	e := NewEscalation(MaxTier, 3*time.Second)

	lastAttempts := 0
	for i := 0; i < 5000; i++ {
		now := t0.Add(time.Duration(i) * time.Second)
		faulty := rng.Intn(3) > 0
		health := Degraded
		if !faulty && rng.Intn(2) == 0 {
			health = Healthy
		}
		busy := e.InFlight()
		levelBefore := e.Level()
		tier := e.Observe(health, faulty, now)
		if tier > 0 && rng.Intn(2) == 0 {
			e.Done(now)
		} else if e.InFlight() && rng.Intn(4) == 0 {
			e.Done(now)
		}

		require.LessOrEqual(t, e.Level(), MaxTier)
		require.GreaterOrEqual(t, e.Attempts(), lastAttempts)
		switch {
		case health == Healthy && !busy:
			require.Zero(t, e.Level())
		case !faulty:
			require.Equal(t, levelBefore, e.Level())
		}
		lastAttempts = e.Attempts()
	}
}
