// Package rand provides the non-cryptographic randomness parcelsync needs,
// such as spreading poll timers so watchers do not fire in lockstep.
package rand

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"
	"sync"
	"time"
)

const bytesInUint64 = 8

var defaultSource = newSource()

func newSource() *source {
	seed := make([]byte, bytesInUint64*2)

	if _, err := cryptorand.Read(seed); err != nil {
		panic("unreachable")
	}

	return &source{
		//nolint:gosec // no security required
		rng: rand.New(rand.NewPCG(
			binary.LittleEndian.Uint64(seed[:8]),
			binary.LittleEndian.Uint64(seed[8:]),
		)),
	}
}

type source struct {
	mut sync.Mutex
	rng *rand.Rand
}

func (s *source) float64() float64 {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.rng.Float64()
}

// Float64 returns a number in [0.0, 1.0).
func Float64() float64 {
	return defaultSource.float64()
}

// Jitter returns d moved by up to ±fraction of itself, uniformly. A
// fraction outside (0, 1] returns d unchanged.
func Jitter(d time.Duration, fraction float64) time.Duration {
	if d <= 0 || fraction <= 0 || fraction > 1 {
		return d
	}
	spread := float64(d) * fraction
	return d + time.Duration((Float64()*2-1)*spread)
}
