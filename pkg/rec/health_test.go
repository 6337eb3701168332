package rec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recstack/rec/internal/testing/fakerandom"
)

func TestComputeBackoff_DoublesUntilCap(t *testing.T) {
	rnd := fakerandom.New()
	rnd.SetFloats(0.5) // midpoint: zero jitter

	maxBackoff := 10 * time.Second

	d1 := computeBackoff(1, maxBackoff, rnd)
	d2 := computeBackoff(2, maxBackoff, rnd)
	d3 := computeBackoff(3, maxBackoff, rnd)
	d10 := computeBackoff(10, maxBackoff, rnd)

	assert.Equal(t, time.Second, d1)
	assert.Equal(t, 2*time.Second, d2)
	assert.Equal(t, 4*time.Second, d3)
	assert.Equal(t, maxBackoff, d10, "backoff must never exceed maxBackoff")
}

func TestComputeBackoff_JitterStaysInBounds(t *testing.T) {
	rnd := fakerandom.New()
	maxBackoff := 10 * time.Second

	for _, f := range []float64{0, 0.25, 0.5, 0.75, 1} {
		rnd.SetFloats(f)
		d := computeBackoff(2, maxBackoff, rnd) // base = 2s, +-20% = [1.6s, 2.4s]
		require.GreaterOrEqual(t, d, 1600*time.Millisecond)
		require.LessOrEqual(t, d, 2400*time.Millisecond)
	}
}

func TestComputeBackoff_FloorsAt100ms(t *testing.T) {
	rnd := fakerandom.New()
	rnd.SetFloats(0) // pushes jitter fully negative
	d := computeBackoff(1, 10*time.Second, rnd)
	assert.GreaterOrEqual(t, d, 100*time.Millisecond)
}

func TestHealthState_RecordSuccessClearsFailureStreak(t *testing.T) {
	h := &healthState{}
	rnd := fakerandom.New()
	now := time.Now()

	h.recordFailure(now, "boom", 10*time.Second, rnd)
	h.recordFailure(now.Add(time.Second), "boom again", 10*time.Second, rnd)
	require.Equal(t, 2, h.consecutiveFailures)
	require.Equal(t, StatusUnhealthy, h.status)

	h.recordSuccess(now.Add(2*time.Second), 50*time.Millisecond)

	assert.Equal(t, StatusHealthy, h.status)
	assert.Equal(t, 0, h.consecutiveFailures)
	assert.Empty(t, h.lastError)
	assert.True(t, h.backoffUntil.IsZero())
	assert.Equal(t, 50*time.Millisecond, h.observedLatency)
}

func TestHealthState_IsStale(t *testing.T) {
	h := &healthState{}
	rnd := fakerandom.New()
	now := time.Now()

	assert.True(t, h.isStale(now, time.Second), "unknown status is always stale")

	h.recordSuccess(now, time.Millisecond)
	assert.False(t, h.isStale(now.Add(500*time.Millisecond), time.Second))
	assert.True(t, h.isStale(now.Add(2*time.Second), time.Second))

	h.recordFailure(now, "x", 5*time.Second, rnd)
	assert.True(t, h.isStale(now, time.Second), "unhealthy status is always stale")
}

func TestHealthState_InBackoff(t *testing.T) {
	h := &healthState{}
	rnd := fakerandom.New()
	now := time.Now()

	h.recordFailure(now, "x", 5*time.Second, rnd)
	assert.True(t, h.inBackoff(now))
	assert.False(t, h.inBackoff(h.backoffUntil.Add(time.Millisecond)))
}

func TestHealthState_SnapshotIsACopy(t *testing.T) {
	h := &healthState{status: StatusHealthy, consecutiveFailures: 3}
	snap := h.snapshot()
	h.consecutiveFailures = 9
	assert.Equal(t, 3, snap.ConsecutiveFailures, "snapshot must not alias the live state")
}
