package risk

import (
	"math"
	"time"

	"github.com/gary322/flashbets-sub009/internal/model"
)

// spos is the float-space projection of one superposed position used by
// the Greek and VaR math. Slices are index-aligned with the position's
// state order.
type spos struct {
	id       string
	marketID string
	group    string
	size     float64
	deadline time.Time
	outcomes []int
	probs    []float64
	prices   []float64
}

// book is a wallet's read-only valuation snapshot: the superposed legs
// plus the settled payoff total of collapsed positions.
type book struct {
	superposed []spos
	collapsed  float64
}

func buildBook(positions []model.QuantumPosition) *book {
	bk := &book{}
	for i := range positions {
		p := &positions[i]
		if !p.Superposed() {
			bk.collapsed += realizedPayoff(p).InexactFloat64()
			continue
		}
		sp := spos{
			id:       p.ID,
			marketID: p.MarketID,
			group:    p.EntanglementGroup,
			size:     p.Size.InexactFloat64(),
			deadline: p.DecoherenceDeadline,
			outcomes: make([]int, len(p.States)),
			probs:    make([]float64, len(p.States)),
			prices:   make([]float64, len(p.States)),
		}
		for j, st := range p.States {
			sp.outcomes[j] = st.OutcomeIndex
			sp.probs[j] = st.Probability
			sp.prices[j] = st.Price.InexactFloat64()
		}
		bk.superposed = append(bk.superposed, sp)
	}
	return bk
}

// expected is the undiscounted expected value of the superposed book.
func (bk *book) expected() float64 {
	total := 0.0
	for _, sp := range bk.superposed {
		ev := 0.0
		for j := range sp.probs {
			ev += sp.probs[j] * sp.prices[j]
		}
		total += ev * sp.size
	}
	return total
}

// shock parameterizes one re-evaluation of the book's value function.
type shock struct {
	priceScale float64       // multiplies every reference price
	tilt       float64       // mixes each distribution toward uniform
	timeShift  time.Duration // shortens time to each deadline
	rateBump   float64       // added to the discount rate
}

// value prices the superposed book under a shock: per position, the
// tilted-probability expectation of shifted prices, discounted at
// exp(−r·τ) over the remaining time to its decoherence deadline.
func (e *Engine) value(bk *book, sh shock, asOf time.Time) float64 {
	rate := e.cfg.RiskFreeRate + sh.rateBump
	total := 0.0
	for _, sp := range bk.superposed {
		tau := sp.deadline.Sub(asOf) - sh.timeShift
		if tau < 0 {
			tau = 0
		}
		years := tau.Hours() / (24 * 365)
		discount := math.Exp(-rate * years)

		n := float64(len(sp.probs))
		ev := 0.0
		for j := range sp.probs {
			pj := (1-sh.tilt)*sp.probs[j] + sh.tilt/n
			ev += pj * sp.prices[j] * sh.priceScale
		}
		total += ev * sp.size * discount
	}
	return total
}

// greeks computes the finite-difference sensitivities of the discounted
// book value. Collapsed positions are constants and drop out of every
// difference, so only superposed legs are re-evaluated.
func (e *Engine) greeks(bk *book, asOf time.Time) model.Greeks {
	if len(bk.superposed) == 0 {
		return model.Greeks{}
	}

	h := e.cfg.PriceBump
	base := e.value(bk, shock{priceScale: 1}, asOf)
	up := e.value(bk, shock{priceScale: 1 + h}, asOf)
	down := e.value(bk, shock{priceScale: 1 - h}, asOf)

	tilt := e.cfg.VolTilt
	tilted := e.value(bk, shock{priceScale: 1, tilt: tilt}, asOf)

	dayLater := e.value(bk, shock{priceScale: 1, timeShift: 24 * time.Hour}, asOf)

	rb := e.cfg.RateBump
	bumpedRate := e.value(bk, shock{priceScale: 1, rateBump: rb}, asOf)

	return model.Greeks{
		Delta: (up - base) / h,
		Gamma: (up - 2*base + down) / (h * h),
		Theta: dayLater - base, // per day toward the deadline
		Vega:  (tilted - base) / tilt,
		Rho:   (bumpedRate - base) / rb,
	}
}
