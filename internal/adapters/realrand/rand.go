// Package realrand provides a real implementation of the Random port.
package realrand

import (
	"crypto/rand"
	"math/big"

	"github.com/recstack/rec/internal/ports"
)

// Random implements ports.Random using crypto/rand.
type Random struct{}

// New returns a new real Random.
func New() *Random {
	return &Random{}
}

// Float64 returns a cryptographically-sourced pseudo-random number in [0, 1).
func (r *Random) Float64() float64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<53))
	if err != nil {
		return 0.5
	}
	return float64(n.Int64()) / float64(1<<53)
}

// Read fills b with cryptographically secure random bytes.
func (r *Random) Read(b []byte) (n int, err error) {
	return rand.Read(b)
}

var _ ports.Random = (*Random)(nil)
