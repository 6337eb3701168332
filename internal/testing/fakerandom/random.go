// Package fakerandom provides a scriptable ports.Random for
// deterministic jitter and temp-suffix tests.
package fakerandom

import (
	"sync"

	"github.com/recstack/rec/internal/ports"
)

// Random returns a fixed, settable sequence of Float64 values and a
// fixed byte pattern for Read, so backoff jitter and temp-file
// suffixes are reproducible in tests.
type Random struct {
	mu     sync.Mutex
	floats []float64
	idx    int
	fill   byte
}

// New returns a Random that always reports 0.5 (no jitter) until
// configured otherwise via SetFloats.
func New() *Random {
	return &Random{floats: []float64{0.5}, fill: 0xAB}
}

// SetFloats scripts the sequence Float64 returns, cycling once
// exhausted.
func (r *Random) SetFloats(vs ...float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.floats = vs
	r.idx = 0
}

// SetFill sets the byte Read fills every call with.
func (r *Random) SetFill(b byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fill = b
}

func (r *Random) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.floats) == 0 {
		return 0.5
	}
	v := r.floats[r.idx%len(r.floats)]
	r.idx++
	return v
}

func (r *Random) Read(b []byte) (int, error) {
	r.mu.Lock()
	fill := r.fill
	r.mu.Unlock()
	for i := range b {
		b[i] = fill
	}
	return len(b), nil
}

var _ ports.Random = (*Random)(nil)
