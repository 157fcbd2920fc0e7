package risk

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gary322/flashbets-sub009/internal/model"
	"github.com/gary322/flashbets-sub009/internal/store"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// stubPrices is a static price feed; lookups outside the map miss.
type stubPrices map[string]map[int]decimal.Decimal

func (s stubPrices) Price(marketID string, outcome int) (decimal.Decimal, bool) {
	p, ok := s[marketID][outcome]
	return p, ok
}

// sixtyForty is the canonical state pair: 60% at 0.60, 40% at 0.40,
// entry price 0.52.
func sixtyForty() []model.QuantumState {
	return []model.QuantumState{
		{OutcomeIndex: 0, Probability: 0.6, Price: d(0.60)},
		{OutcomeIndex: 1, Probability: 0.4, Price: d(0.40)},
	}
}

func position(id, wallet, market string, size float64, states []model.QuantumState) *model.QuantumPosition {
	entry := decimal.Zero
	for _, st := range states {
		entry = entry.Add(st.Price.Mul(decimal.NewFromFloat(st.Probability)))
	}
	now := time.Now().UTC()
	return &model.QuantumPosition{
		ID:                  id,
		WalletID:            wallet,
		MarketID:            market,
		States:              states,
		Size:                d(size),
		EntryPrice:          entry,
		Leverage:            decimal.NewFromInt(1),
		Status:              model.StatusSuperposed,
		CreatedAt:           now,
		DecoherenceDeadline: now.Add(time.Hour),
	}
}

func insert(t *testing.T, ms *store.MemoryStore, p *model.QuantumPosition) {
	t.Helper()
	if err := ms.InsertPosition(context.Background(), p); err != nil {
		t.Fatalf("insert %s: %v", p.ID, err)
	}
}

// collapseAt resolves a stored position to the given outcome, logging the
// matching measurement.
func collapseAt(t *testing.T, ms *store.MemoryStore, p *model.QuantumPosition, outcome int) {
	t.Helper()
	st, ok := p.StateFor(outcome)
	if !ok {
		t.Fatalf("position %s has no outcome %d", p.ID, outcome)
	}
	_, applied, err := ms.Collapse(context.Background(), p.ID, &model.QuantumMeasurement{
		ID:            p.ID + "-m",
		PositionID:    p.ID,
		WalletID:      p.WalletID,
		MarketID:      p.MarketID,
		Outcome:       outcome,
		Probabilities: p.Probabilities(),
		Price:         st.Price,
		Payoff:        p.Size.Mul(st.Price),
		MeasuredAt:    time.Now().UTC(),
		Trigger:       model.TriggerManual,
	})
	if err != nil || !applied {
		t.Fatalf("collapse %s: applied=%v err=%v", p.ID, applied, err)
	}
}

// --- Portfolio metric tests ---

func TestCalculateMetrics_ExpectedValue(t *testing.T) {
	ms := store.NewMemoryStore()
	insert(t, ms, position("p1", "w1", "mkt1", 100, sixtyForty()))

	quotes := stubPrices{"mkt1": {0: d(0.60), 1: d(0.40)}}
	e := NewEngine(ms, quotes, Config{Seed: 1})

	m, err := e.CalculateMetrics(context.Background(), "w1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// 100 × (0.6×0.60 + 0.4×0.40) = 52.
	if !m.ExpectedValue.Equal(d(52)) {
		t.Errorf("expected EV 52, got %s", m.ExpectedValue)
	}
	if !m.TotalExposure.Equal(d(52)) {
		t.Errorf("expected exposure 52, got %s", m.TotalExposure)
	}
	if !m.MarginUsed.Equal(d(52)) {
		t.Errorf("expected margin 52 at leverage 1, got %s", m.MarginUsed)
	}
	if !m.MarginUtilization.Equal(decimal.NewFromInt(1)) {
		t.Errorf("expected full margin utilization, got %s", m.MarginUtilization)
	}
	if m.PositionCount != 1 || m.SuperposedCount != 1 {
		t.Errorf("expected counts 1/1, got %d/%d", m.PositionCount, m.SuperposedCount)
	}
	// Quotes match entry prices, so nothing is unrealized yet.
	if !m.UnrealizedPnL.IsZero() {
		t.Errorf("expected zero unrealized PnL, got %s", m.UnrealizedPnL)
	}
	if m.PartialData {
		t.Error("full quote coverage should not flag partial data")
	}
	// The only losing outcome is index 1: 52 − 40 = 12 at 40% weight.
	if !m.VaR["95"].Equal(d(12)) {
		t.Errorf("expected VaR95 12, got %s", m.VaR["95"])
	}
	if !m.ExpectedShortfall["95"].Equal(d(12)) {
		t.Errorf("expected ES95 12, got %s", m.ExpectedShortfall["95"])
	}
}

func TestCalculateMetrics_VaROrdering(t *testing.T) {
	ms := store.NewMemoryStore()
	insert(t, ms, position("p1", "w1", "mkt1", 100, []model.QuantumState{
		{OutcomeIndex: 0, Probability: 0.70, Price: d(1.00)},
		{OutcomeIndex: 1, Probability: 0.25, Price: d(0.50)},
		{OutcomeIndex: 2, Probability: 0.05, Price: d(0.00)},
	}))
	e := NewEngine(ms, stubPrices{}, Config{Seed: 1})

	m, err := e.CalculateMetrics(context.Background(), "w1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var95 := m.VaR["95"].InexactFloat64()
	var99 := m.VaR["99"].InexactFloat64()
	es95 := m.ExpectedShortfall["95"].InexactFloat64()
	es99 := m.ExpectedShortfall["99"].InexactFloat64()

	// EV 82.5; losses 0 / 32.5 / 82.5 at weights 0.70 / 0.25 / 0.05.
	if math.Abs(var95-32.5) > 1e-6 {
		t.Errorf("expected VaR95 32.5, got %v", var95)
	}
	if math.Abs(var99-82.5) > 1e-6 {
		t.Errorf("expected VaR99 82.5, got %v", var99)
	}
	if var99 < var95 {
		t.Errorf("VaR99 %v must not be below VaR95 %v", var99, var95)
	}
	if es95 < var95 || es99 < var99 {
		t.Errorf("ES must dominate VaR: es95=%v var95=%v es99=%v var99=%v",
			es95, var95, es99, var99)
	}
}

func TestCalculateMetrics_PartialData(t *testing.T) {
	ms := store.NewMemoryStore()
	insert(t, ms, position("quoted", "w1", "mkt1", 100, sixtyForty()))
	insert(t, ms, position("unquoted", "w1", "mkt2", 100, sixtyForty()))

	quotes := stubPrices{"mkt1": {0: d(0.60), 1: d(0.40)}}
	e := NewEngine(ms, quotes, Config{Seed: 1})

	m, err := e.CalculateMetrics(context.Background(), "w1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !m.PartialData {
		t.Error("missing quotes should flag partial data")
	}
	if len(m.ExcludedPositions) != 1 || m.ExcludedPositions[0] != "unquoted" {
		t.Errorf("expected [unquoted] excluded, got %v", m.ExcludedPositions)
	}
	// Expected value comes from stored reference prices and still counts
	// both positions.
	if !m.ExpectedValue.Equal(d(104)) {
		t.Errorf("expected EV 104, got %s", m.ExpectedValue)
	}
	if len(m.VaR) == 0 {
		t.Error("partial data should not suppress VaR")
	}
}

func TestCalculateMetrics_LiquidationFlag(t *testing.T) {
	ms := store.NewMemoryStore()
	p := position("lev5", "w1", "mkt1", 100, sixtyForty())
	p.Leverage = d(5)
	insert(t, ms, p)

	// Entry 0.52 at 5× with 10% maintenance: trigger at 0.52×(1−0.9/5)=0.4264.
	quotes := stubPrices{"mkt1": {0: d(0.40), 1: d(0.40)}}
	e := NewEngine(ms, quotes, Config{Seed: 1})

	m, err := e.CalculateMetrics(context.Background(), "w1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(m.LiquidationFlags) != 1 || m.LiquidationFlags[0] != "lev5" {
		t.Errorf("expected [lev5] flagged, got %v", m.LiquidationFlags)
	}
	// (40 − 52) × 5 leverage.
	if !m.UnrealizedPnL.Equal(d(-60)) {
		t.Errorf("expected unrealized -60, got %s", m.UnrealizedPnL)
	}
	// Margin is entry value over leverage.
	if !m.MarginUsed.Equal(d(10.4)) {
		t.Errorf("expected margin 10.4, got %s", m.MarginUsed)
	}
}

func TestCalculateMetrics_NoLiquidationAboveTrigger(t *testing.T) {
	ms := store.NewMemoryStore()
	p := position("lev5", "w1", "mkt1", 100, sixtyForty())
	p.Leverage = d(5)
	insert(t, ms, p)

	quotes := stubPrices{"mkt1": {0: d(0.50), 1: d(0.50)}}
	e := NewEngine(ms, quotes, Config{Seed: 1})

	m, err := e.CalculateMetrics(context.Background(), "w1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(m.LiquidationFlags) != 0 {
		t.Errorf("price above trigger should not flag, got %v", m.LiquidationFlags)
	}
}

func TestCalculateMetrics_RealizedPnLAndRatios(t *testing.T) {
	ms := store.NewMemoryStore()
	win := position("win", "w1", "mkt1", 100, sixtyForty())
	lose := position("lose", "w1", "mkt2", 100, sixtyForty())
	insert(t, ms, win)
	insert(t, ms, lose)
	collapseAt(t, ms, win, 0)  // payoff 60, entry value 52
	collapseAt(t, ms, lose, 1) // payoff 40

	e := NewEngine(ms, stubPrices{}, Config{Seed: 1})
	m, err := e.CalculateMetrics(context.Background(), "w1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// +8 − 12.
	if !m.RealizedPnL.Equal(d(-4)) {
		t.Errorf("expected realized -4, got %s", m.RealizedPnL)
	}
	if m.SuperposedCount != 0 {
		t.Errorf("expected no superposed positions, got %d", m.SuperposedCount)
	}
	// Returns 8/52 and −12/52 with zero risk-free rate give Sharpe −0.2.
	if math.Abs(m.Sharpe-(-0.2)) > 1e-9 {
		t.Errorf("expected Sharpe -0.2, got %v", m.Sharpe)
	}
	// All deviation is downside here, so Sortino is more negative.
	if m.Sortino >= m.Sharpe {
		t.Errorf("expected Sortino below Sharpe, got %v vs %v", m.Sortino, m.Sharpe)
	}
}

func TestCalculateMetrics_RatiosNeedTwoMeasurements(t *testing.T) {
	ms := store.NewMemoryStore()
	p := position("only", "w1", "mkt1", 100, sixtyForty())
	insert(t, ms, p)
	collapseAt(t, ms, p, 0)

	e := NewEngine(ms, stubPrices{}, Config{Seed: 1})
	m, err := e.CalculateMetrics(context.Background(), "w1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Sharpe != 0 || m.Sortino != 0 {
		t.Errorf("one measurement cannot produce ratios, got %v/%v", m.Sharpe, m.Sortino)
	}
}

func TestCalculateMetrics_EmptyWallet(t *testing.T) {
	ms := store.NewMemoryStore()
	e := NewEngine(ms, stubPrices{}, Config{Seed: 1})

	m, err := e.CalculateMetrics(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.PositionCount != 0 {
		t.Errorf("expected 0 positions, got %d", m.PositionCount)
	}
	if !m.ExpectedValue.IsZero() || !m.TotalExposure.IsZero() {
		t.Errorf("expected zero aggregates, got EV %s exposure %s",
			m.ExpectedValue, m.TotalExposure)
	}
	if !m.VaR["95"].IsZero() || !m.ExpectedShortfall["99"].IsZero() {
		t.Errorf("expected zero risk, got VaR %v ES %v", m.VaR, m.ExpectedShortfall)
	}
	if m.Greeks != (model.Greeks{}) {
		t.Errorf("expected zero Greeks, got %+v", m.Greeks)
	}
}

func TestCalculateMetricsAt_CustomConfidence(t *testing.T) {
	ms := store.NewMemoryStore()
	insert(t, ms, position("p1", "w1", "mkt1", 100, sixtyForty()))
	e := NewEngine(ms, stubPrices{}, Config{Seed: 1})

	m, err := e.CalculateMetricsAt(context.Background(), "w1", []float64{0.9})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := m.VaR["90"]; !ok {
		t.Errorf("expected VaR key 90, got %v", m.VaR)
	}
	if _, ok := m.VaR["95"]; ok {
		t.Errorf("configured levels should be replaced, got %v", m.VaR)
	}

	// Empty falls back to the configured set.
	m, err = e.CalculateMetricsAt(context.Background(), "w1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := m.VaR["95"]; !ok {
		t.Errorf("expected fallback to configured levels, got %v", m.VaR)
	}
}

// --- Liquidation price ---

func TestLiquidationPrice_Formula(t *testing.T) {
	tests := []struct {
		name     string
		entry    decimal.Decimal
		leverage decimal.Decimal
		want     decimal.Decimal
	}{
		{"leverage 1", d(0.52), d(1), d(0.052)},
		{"leverage 5", d(0.52), d(5), d(0.4264)},
		{"leverage 10", d(1.00), d(10), d(0.91)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := liquidationPrice(tt.entry, tt.leverage, 0.10)
			if !got.Equal(tt.want) {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}
