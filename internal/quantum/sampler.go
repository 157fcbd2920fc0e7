package quantum

import (
	"math/rand/v2"
	"sync"
)

// Sampler draws one outcome from a discrete probability distribution and
// returns its index. The distribution is assumed normalized. Pluggable so
// deployments can pick their randomness policy: the default PCG sampler is
// fast and, when seeded, replays the exact draw sequence for audit; it is
// not cryptographically unpredictable.
type Sampler interface {
	Draw(probs []float64) int
}

// PCGSampler samples with a PCG generator from math/rand/v2. Safe for
// concurrent use.
type PCGSampler struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSampler returns a sampler with a fixed seed: same seed, same draws.
func NewSampler(seed uint64) *PCGSampler {
	return &PCGSampler{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// NewRandomSampler returns a sampler seeded from process entropy.
func NewRandomSampler() *PCGSampler {
	return NewSampler(rand.Uint64())
}

// Draw picks an index by inverse-CDF walk. The final index absorbs any
// floating-point shortfall in the cumulative sum.
func (s *PCGSampler) Draw(probs []float64) int {
	s.mu.Lock()
	r := s.rng.Float64()
	s.mu.Unlock()

	acc := 0.0
	for i, p := range probs {
		acc += p
		if r < acc {
			return i
		}
	}
	return len(probs) - 1
}
