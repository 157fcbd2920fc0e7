package risk

import (
	"context"
	"math/rand/v2"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"
)

// lossPoint is one point of the portfolio loss distribution.
type lossPoint struct {
	loss float64
	prob float64
}

// lossDistribution builds the wallet's loss distribution over the joint
// outcome space of its superposed positions, sorted by loss ascending.
// Entangled positions are sampled jointly: the cluster's first member
// draws, same-market peers carrying the drawn index follow it, everything
// else draws from its own distribution. Exact enumeration when the joint
// space fits the configured limit, Monte Carlo otherwise. Losses are
// measured against the book's expected value and floored at zero.
func (e *Engine) lossDistribution(ctx context.Context, bk *book) ([]lossPoint, error) {
	if len(bk.superposed) == 0 {
		return []lossPoint{{loss: 0, prob: 1}}, nil
	}

	cls := clusters(bk)
	base := bk.expected()

	if values, ok := e.enumerate(cls); ok {
		dist := make([]lossPoint, len(values))
		for i, vp := range values {
			dist[i] = lossPoint{loss: max(0, base-vp.value), prob: vp.prob}
		}
		sortByLoss(dist)
		return dist, nil
	}

	samples, err := e.monteCarlo(ctx, cls)
	if err != nil {
		return nil, err
	}
	w := 1 / float64(len(samples))
	dist := make([]lossPoint, len(samples))
	for i, v := range samples {
		dist[i] = lossPoint{loss: max(0, base-v), prob: w}
	}
	sortByLoss(dist)
	return dist, nil
}

func sortByLoss(dist []lossPoint) {
	sort.Slice(dist, func(i, j int) bool { return dist[i].loss < dist[j].loss })
}

// varES reads VaR and Expected Shortfall at one confidence level from a
// sorted loss distribution: VaR is the smallest loss whose cumulative
// probability reaches the confidence, ES the probability-weighted mean of
// the tail at and beyond it.
func varES(dist []lossPoint, conf float64) (float64, float64) {
	if len(dist) == 0 {
		return 0, 0
	}

	idx := len(dist) - 1
	cum := 0.0
	for i, pt := range dist {
		cum += pt.prob
		if cum >= conf-1e-12 {
			idx = i
			break
		}
	}

	v := dist[idx].loss
	tailLoss, tailProb := 0.0, 0.0
	for _, pt := range dist[idx:] {
		tailLoss += pt.loss * pt.prob
		tailProb += pt.prob
	}
	if tailProb == 0 {
		return v, v
	}
	return v, tailLoss / tailProb
}

// clusters partitions the superposed book into joint-sampling units:
// positions sharing an entanglement group form one cluster led by its
// first member; ungrouped positions are singletons.
func clusters(bk *book) [][]spos {
	var cls [][]spos
	grouped := make(map[string]int)
	for _, sp := range bk.superposed {
		if sp.group == "" {
			cls = append(cls, []spos{sp})
			continue
		}
		if i, ok := grouped[sp.group]; ok {
			cls[i] = append(cls[i], sp)
			continue
		}
		grouped[sp.group] = len(cls)
		cls = append(cls, []spos{sp})
	}
	return cls
}

// valueProb is one joint outcome: total realized payoff and its weight.
type valueProb struct {
	value float64
	prob  float64
}

// enumerate computes the exact joint payoff distribution, reporting
// ok=false as soon as the outcome count would exceed the configured
// enumeration limit.
func (e *Engine) enumerate(cls [][]spos) ([]valueProb, bool) {
	limit := e.cfg.EnumerationLimit
	joint := []valueProb{{value: 0, prob: 1}}
	for _, c := range cls {
		dist, ok := clusterDist(c, limit)
		if !ok {
			return nil, false
		}
		next := make([]valueProb, 0, len(joint)*len(dist))
		for _, a := range joint {
			for _, b := range dist {
				next = append(next, valueProb{value: a.value + b.value, prob: a.prob * b.prob})
				if len(next) > limit {
					return nil, false
				}
			}
		}
		joint = next
	}
	return joint, true
}

// clusterDist enumerates one cluster's payoff distribution. For each
// leader outcome, compatible same-market members contribute their price at
// that index deterministically; the rest fan out over their own states.
func clusterDist(c []spos, limit int) ([]valueProb, bool) {
	leader := c[0]
	var dist []valueProb
	for j := range leader.probs {
		if leader.probs[j] == 0 {
			continue
		}
		fixed := leader.size * leader.prices[j]
		outcome := leader.outcomes[j]

		var free []spos
		for _, m := range c[1:] {
			if m.marketID == leader.marketID {
				if k := indexOf(m.outcomes, outcome); k >= 0 {
					fixed += m.size * m.prices[k]
					continue
				}
			}
			free = append(free, m)
		}

		partial := []valueProb{{value: fixed, prob: leader.probs[j]}}
		for _, m := range free {
			next := make([]valueProb, 0, len(partial)*len(m.probs))
			for _, vp := range partial {
				for k := range m.probs {
					if m.probs[k] == 0 {
						continue
					}
					next = append(next, valueProb{
						value: vp.value + m.size*m.prices[k],
						prob:  vp.prob * m.probs[k],
					})
					if len(next) > limit {
						return nil, false
					}
				}
			}
			partial = next
		}

		dist = append(dist, partial...)
		if len(dist) > limit {
			return nil, false
		}
	}
	return dist, true
}

// monteCarlo draws joint portfolio payoffs in parallel batches. Each
// batch derives its generator from the engine seed, so a fixed seed
// reproduces the full sample set regardless of scheduling.
func (e *Engine) monteCarlo(ctx context.Context, cls [][]spos) ([]float64, error) {
	n := e.cfg.MonteCarloSamples
	workers := runtime.GOMAXPROCS(0)
	if workers > n {
		workers = 1
	}

	batches := make([][]float64, workers)
	per := n / workers
	extra := n % workers

	g, ctx := errgroup.WithContext(ctx)
	for b := 0; b < workers; b++ {
		count := per
		if b < extra {
			count++
		}
		g.Go(func() error {
			rng := rand.New(rand.NewPCG(e.seed, uint64(b)+1))
			out := make([]float64, 0, count)
			for i := 0; i < count; i++ {
				if i%1024 == 0 && ctx.Err() != nil {
					return ctx.Err()
				}
				out = append(out, samplePayoff(cls, rng))
			}
			batches[b] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	samples := make([]float64, 0, n)
	for _, batch := range batches {
		samples = append(samples, batch...)
	}
	return samples, nil
}

// samplePayoff realizes one joint outcome across all clusters.
func samplePayoff(cls [][]spos, rng *rand.Rand) float64 {
	total := 0.0
	for _, c := range cls {
		leader := c[0]
		j := drawIndex(leader.probs, rng.Float64())
		total += leader.size * leader.prices[j]
		outcome := leader.outcomes[j]

		for _, m := range c[1:] {
			if m.marketID == leader.marketID {
				if k := indexOf(m.outcomes, outcome); k >= 0 {
					total += m.size * m.prices[k]
					continue
				}
			}
			k := drawIndex(m.probs, rng.Float64())
			total += m.size * m.prices[k]
		}
	}
	return total
}

// drawIndex walks the cumulative distribution; the last index absorbs
// floating-point shortfall.
func drawIndex(probs []float64, r float64) int {
	acc := 0.0
	for i, p := range probs {
		acc += p
		if r < acc {
			return i
		}
	}
	return len(probs) - 1
}

func indexOf(xs []int, v int) int {
	for i, x := range xs {
		if x == v {
			return i
		}
	}
	return -1
}
