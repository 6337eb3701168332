package rec

import (
	"time"

	"github.com/recstack/rec/internal/ports"
)

// Status is the Health state machine's current phase for one PoolKey.
type Status int

const (
	StatusUnknown Status = iota
	StatusHealthy
	StatusUnhealthy
	StatusProbing
)

func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "unknown"
	case StatusHealthy:
		return "healthy"
	case StatusUnhealthy:
		return "unhealthy"
	case StatusProbing:
		return "probing"
	default:
		return "invalid"
	}
}

// Health is a per-PoolKey snapshot. Callers only ever see copies; the
// pool is the sole mutator of the live record.
type Health struct {
	Status              Status
	LastSuccessAt        time.Time
	LastFailureAt        time.Time
	LastError            string
	ConsecutiveFailures  int
	BackoffUntil         time.Time
	ObservedLatency      time.Duration
}

// healthState is the pool's mutable, lock-guarded record. Health is the
// read-only copy handed to callers.
type healthState struct {
	status              Status
	lastSuccessAt        time.Time
	lastFailureAt        time.Time
	lastError            string
	consecutiveFailures  int
	backoffUntil         time.Time
	observedLatency      time.Duration
}

func (h *healthState) snapshot() Health {
	return Health{
		Status:              h.status,
		LastSuccessAt:        h.lastSuccessAt,
		LastFailureAt:        h.lastFailureAt,
		LastError:            h.lastError,
		ConsecutiveFailures:  h.consecutiveFailures,
		BackoffUntil:         h.backoffUntil,
		ObservedLatency:      h.observedLatency,
	}
}

// recordSuccess transitions to Healthy, clears failure bookkeeping, and
// records latency. Valid from any status.
func (h *healthState) recordSuccess(now time.Time, latency time.Duration) {
	h.status = StatusHealthy
	h.lastSuccessAt = now
	h.lastError = ""
	h.consecutiveFailures = 0
	h.backoffUntil = time.Time{}
	h.observedLatency = latency
}

// recordFailure transitions to Unhealthy, increments the failure streak,
// and computes a jittered backoff window using rnd for jitter.
func (h *healthState) recordFailure(now time.Time, errText string, maxBackoff time.Duration, rnd ports.Random) {
	h.status = StatusUnhealthy
	h.lastFailureAt = now
	h.lastError = errText
	h.consecutiveFailures++
	h.backoffUntil = now.Add(computeBackoff(h.consecutiveFailures, maxBackoff, rnd))
}

// recordProbing transitions to Probing without touching failure history.
func (h *healthState) recordProbing() {
	h.status = StatusProbing
}

// computeBackoff implements §4.2: base = min(1s*2^(n-1), maxBackoff),
// jitter uniform in [-0.2*base, 0.2*base], floored at 100ms.
func computeBackoff(consecutiveFailures int, maxBackoff time.Duration, rnd ports.Random) time.Duration {
	if consecutiveFailures < 1 {
		consecutiveFailures = 1
	}
	base := time.Second
	for i := 1; i < consecutiveFailures && base < maxBackoff; i++ {
		base *= 2
	}
	if base > maxBackoff {
		base = maxBackoff
	}

	jitterRange := float64(base) * 0.2
	jitter := (rnd.Float64()*2 - 1) * jitterRange

	d := base + time.Duration(jitter)
	if d < 100*time.Millisecond {
		d = 100 * time.Millisecond
	}
	return d
}

// isStale reports whether a Healthy observation has aged past ttl and
// must be re-probed before reuse (§4.2).
func (h *healthState) isStale(now time.Time, ttl time.Duration) bool {
	if h.status != StatusHealthy {
		return true
	}
	return now.Sub(h.lastSuccessAt) > ttl
}

// inBackoff reports whether BackoffUntil is still in the future.
func (h *healthState) inBackoff(now time.Time) bool {
	return h.backoffUntil.After(now)
}
