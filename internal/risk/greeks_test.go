package risk

import (
	"math"
	"testing"
	"time"

	"github.com/gary322/flashbets-sub009/internal/model"
	"github.com/gary322/flashbets-sub009/internal/store"
)

func greeksEngine(rate float64) *Engine {
	return NewEngine(store.NewMemoryStore(), stubPrices{}, Config{
		RiskFreeRate: rate,
		Seed:         1,
	})
}

func TestGreeks_EmptyBook(t *testing.T) {
	e := greeksEngine(0.02)
	if g := e.greeks(buildBook(nil), time.Now().UTC()); g != (model.Greeks{}) {
		t.Errorf("empty book should have zero Greeks, got %+v", g)
	}
}

func TestGreeks_DeltaTracksExposure(t *testing.T) {
	e := greeksEngine(0.02)
	bk := buildBook([]model.QuantumPosition{*position("p1", "w1", "mkt1", 100, sixtyForty())})

	g := e.greeks(bk, time.Now().UTC())

	// Value is linear in the price scale, so Delta recovers the (lightly
	// discounted) book value of 52.
	if math.Abs(g.Delta-52) > 0.05 {
		t.Errorf("expected Delta ≈ 52, got %v", g.Delta)
	}
	// Linear response has no curvature.
	if math.Abs(g.Gamma) > 1e-6 {
		t.Errorf("expected Gamma ≈ 0, got %v", g.Gamma)
	}
}

func TestGreeks_ThetaPositiveUnderDiscounting(t *testing.T) {
	e := greeksEngine(0.02)
	asOf := time.Now().UTC()
	p := position("p1", "w1", "mkt1", 100, sixtyForty())
	p.DecoherenceDeadline = asOf.Add(30 * 24 * time.Hour)

	g := e.greeks(buildBook([]model.QuantumPosition{*p}), asOf)

	// One day closer to the deadline shrinks the discounting window, so
	// the discounted value rises.
	if g.Theta <= 0 {
		t.Errorf("expected positive Theta with a positive rate, got %v", g.Theta)
	}
}

func TestGreeks_RhoNegativeForLongBook(t *testing.T) {
	e := greeksEngine(0.02)
	asOf := time.Now().UTC()
	p := position("p1", "w1", "mkt1", 100, sixtyForty())
	p.DecoherenceDeadline = asOf.Add(30 * 24 * time.Hour)

	g := e.greeks(buildBook([]model.QuantumPosition{*p}), asOf)

	if g.Rho >= 0 {
		t.Errorf("higher rates discount future payoffs harder, expected negative Rho, got %v", g.Rho)
	}
}

func TestGreeks_VegaSignReflectsSkew(t *testing.T) {
	e := greeksEngine(0)
	asOf := time.Now().UTC()

	// Probability mass sits on the expensive state: tilting toward
	// uniform sheds value.
	rich := buildBook([]model.QuantumPosition{*position("rich", "w1", "mkt1", 100, sixtyForty())})
	if g := e.greeks(rich, asOf); g.Vega >= 0 {
		t.Errorf("expected negative Vega, got %v", g.Vega)
	}

	// Mass on the cheap state: uniform tilt adds value.
	cheap := buildBook([]model.QuantumPosition{*position("cheap", "w1", "mkt1", 100, []model.QuantumState{
		{OutcomeIndex: 0, Probability: 0.4, Price: d(0.60)},
		{OutcomeIndex: 1, Probability: 0.6, Price: d(0.40)},
	})})
	if g := e.greeks(cheap, asOf); g.Vega <= 0 {
		t.Errorf("expected positive Vega, got %v", g.Vega)
	}
}

func TestBookExpected_SumsSuperposedOnly(t *testing.T) {
	sup := position("sup", "w1", "mkt1", 100, sixtyForty())
	col := position("col", "w1", "mkt2", 100, sixtyForty())
	outcome := 0
	col.Status = model.StatusCollapsed
	col.CollapsedOutcome = &outcome

	bk := buildBook([]model.QuantumPosition{*sup, *col})

	if len(bk.superposed) != 1 {
		t.Fatalf("expected 1 superposed leg, got %d", len(bk.superposed))
	}
	if math.Abs(bk.expected()-52) > 1e-9 {
		t.Errorf("expected superposed EV 52, got %v", bk.expected())
	}
	// The collapsed leg settles at 100×0.60.
	if math.Abs(bk.collapsed-60) > 1e-9 {
		t.Errorf("expected collapsed payoff 60, got %v", bk.collapsed)
	}
}
