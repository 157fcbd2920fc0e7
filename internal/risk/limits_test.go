package risk

import (
	"testing"

	"github.com/gary322/flashbets-sub009/internal/model"
)

func TestLimits_ZeroValuesDisableChecks(t *testing.T) {
	l := &Limits{}
	err := l.Check(d(1e9), d(1000), "mkt1", []model.QuantumPosition{
		*position("a", "w1", "mkt1", 1e9, sixtyForty()),
	})
	if err != nil {
		t.Errorf("disabled limits must pass everything, got %v", err)
	}
}

func TestLimits_PositionSize(t *testing.T) {
	l := &Limits{MaxPositionSize: d(100)}

	if err := l.Check(d(100), d(1), "mkt1", nil); err != nil {
		t.Errorf("size at the cap should pass, got %v", err)
	}
	if err := l.Check(d(100.01), d(1), "mkt1", nil); err != ErrPositionSizeLimit {
		t.Errorf("expected ErrPositionSizeLimit, got %v", err)
	}
}

func TestLimits_Leverage(t *testing.T) {
	l := &Limits{MaxLeverage: d(10)}

	if err := l.Check(d(1), d(10), "mkt1", nil); err != nil {
		t.Errorf("leverage at the cap should pass, got %v", err)
	}
	if err := l.Check(d(1), d(10.5), "mkt1", nil); err != ErrLeverageLimit {
		t.Errorf("expected ErrLeverageLimit, got %v", err)
	}
}

func TestLimits_OpenPositions(t *testing.T) {
	l := &Limits{MaxOpenPositions: 2}

	one := *position("a", "w1", "mkt1", 10, sixtyForty())
	two := *position("b", "w1", "mkt2", 10, sixtyForty())

	if err := l.Check(d(1), d(1), "mkt1", []model.QuantumPosition{one}); err != nil {
		t.Errorf("below the cap should pass, got %v", err)
	}
	if err := l.Check(d(1), d(1), "mkt1", []model.QuantumPosition{one, two}); err != ErrOpenPositionLimit {
		t.Errorf("expected ErrOpenPositionLimit, got %v", err)
	}

	// Collapsed positions free their slot.
	outcome := 0
	two.Status = model.StatusCollapsed
	two.CollapsedOutcome = &outcome
	if err := l.Check(d(1), d(1), "mkt1", []model.QuantumPosition{one, two}); err != nil {
		t.Errorf("collapsed positions must not count, got %v", err)
	}
}

func TestLimits_MarketExposure(t *testing.T) {
	l := &Limits{MaxMarketExposure: d(500)}

	held := *position("a", "w1", "mkt1", 450, sixtyForty())
	other := *position("b", "w1", "mkt2", 450, sixtyForty())

	if err := l.Check(d(50), d(1), "mkt1", []model.QuantumPosition{held}); err != nil {
		t.Errorf("exposure at the cap should pass, got %v", err)
	}
	if err := l.Check(d(51), d(1), "mkt1", []model.QuantumPosition{held}); err != ErrMarketExposureLimit {
		t.Errorf("expected ErrMarketExposureLimit, got %v", err)
	}
	// Other markets don't count against this market's budget.
	if err := l.Check(d(500), d(1), "mkt1", []model.QuantumPosition{other}); err != nil {
		t.Errorf("cross-market exposure must not count, got %v", err)
	}

	// Collapsed exposure in the same market is released.
	outcome := 0
	held.Status = model.StatusCollapsed
	held.CollapsedOutcome = &outcome
	if err := l.Check(d(500), d(1), "mkt1", []model.QuantumPosition{held}); err != nil {
		t.Errorf("collapsed exposure must not count, got %v", err)
	}
}
