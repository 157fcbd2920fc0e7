// Package risk computes per-wallet portfolio analytics over the position
// store: probability-weighted exposure and expected value, finite-difference
// sensitivities, Value-at-Risk and Expected Shortfall over the joint outcome
// space, margin and liquidation monitoring, stress scenarios, and
// risk-adjusted return ratios from the measurement log.
//
// All monetary aggregates use shopspring/decimal. The Greek and VaR math
// runs in float64 (probabilities, discounting, sampling) and converts back
// to decimal at the boundary, rounded to ValueScale places.
//
// The engine is read-only over the store: metric and stress computations
// never mutate positions.
package risk

import (
	"context"
	"math"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gary322/flashbets-sub009/internal/metrics"
	"github.com/gary322/flashbets-sub009/internal/model"
	"github.com/gary322/flashbets-sub009/internal/store"
)

// ValueScale is the number of decimal places for reported monetary values.
const ValueScale int32 = 8

// PriceSource supplies the current reference price per market outcome.
// Collaborator-owned: the engine never fetches prices itself. A miss
// excludes the position from mark-to-market aggregates and sets the
// partial-data flag on the result.
type PriceSource interface {
	Price(marketID string, outcome int) (decimal.Decimal, bool)
}

// Config tunes the risk computations. Zero fields fall back to defaults.
type Config struct {
	Confidences       []float64 // VaR/ES confidence levels, e.g. 0.95, 0.99
	MonteCarloSamples int       // joint-outcome samples when enumeration is too big
	EnumerationLimit  int       // max joint outcomes enumerated exactly
	RiskFreeRate      float64   // annualized, for discounting and ratios
	MaintenanceMargin float64   // maintenance-margin ratio for liquidation
	PriceBump         float64   // relative price bump for Delta/Gamma
	VolTilt           float64   // probability tilt toward uniform for Vega
	RateBump          float64   // absolute rate bump for Rho
	Seed              uint64    // Monte Carlo seed; zero seeds from entropy
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() Config {
	return Config{
		Confidences:       []float64{0.95, 0.99},
		MonteCarloSamples: 10000,
		EnumerationLimit:  4096,
		RiskFreeRate:      0.02,
		MaintenanceMargin: 0.10,
		PriceBump:         0.01,
		VolTilt:           0.01,
		RateBump:          0.01,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if len(c.Confidences) == 0 {
		c.Confidences = def.Confidences
	}
	if c.MonteCarloSamples <= 0 {
		c.MonteCarloSamples = def.MonteCarloSamples
	}
	if c.EnumerationLimit <= 0 {
		c.EnumerationLimit = def.EnumerationLimit
	}
	if c.MaintenanceMargin <= 0 {
		c.MaintenanceMargin = def.MaintenanceMargin
	}
	if c.PriceBump <= 0 {
		c.PriceBump = def.PriceBump
	}
	if c.VolTilt <= 0 {
		c.VolTilt = def.VolTilt
	}
	if c.RateBump <= 0 {
		c.RateBump = def.RateBump
	}
	return c
}

// Engine computes portfolio metrics from read-only store snapshots.
type Engine struct {
	store  store.Store
	prices PriceSource
	cfg    Config
	seed   uint64
	now    func() time.Time
}

// NewEngine creates a risk engine over the given store and price source.
func NewEngine(st store.Store, prices PriceSource, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &Engine{
		store:  st,
		prices: prices,
		cfg:    cfg,
		seed:   seed,
		now:    time.Now,
	}
}

// CalculateMetrics builds the full portfolio snapshot for one wallet.
// Valuation uses the reference prices stored in each position's states;
// mark-to-market and liquidation monitoring additionally need the current
// price feed and degrade to PartialData when it misses a market.
func (e *Engine) CalculateMetrics(ctx context.Context, walletID string) (*model.PortfolioMetrics, error) {
	return e.CalculateMetricsAt(ctx, walletID, e.cfg.Confidences)
}

// CalculateMetricsAt is CalculateMetrics with caller-chosen VaR/ES
// confidence levels. Empty falls back to the configured set.
func (e *Engine) CalculateMetricsAt(ctx context.Context, walletID string, confidences []float64) (*model.PortfolioMetrics, error) {
	start := time.Now()
	if len(confidences) == 0 {
		confidences = e.cfg.Confidences
	}

	positions, err := e.store.ListByWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	measurements, err := e.store.MeasurementsByWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}

	m := &model.PortfolioMetrics{
		WalletID:          walletID,
		PositionCount:     len(positions),
		VaR:               make(map[string]decimal.Decimal, len(confidences)),
		ExpectedShortfall: make(map[string]decimal.Decimal, len(confidences)),
		ComputedAt:        e.now().UTC(),
	}

	for i := range positions {
		p := &positions[i]
		entryValue := p.Size.Mul(p.EntryPrice)

		if !p.Superposed() {
			payoff := realizedPayoff(p)
			m.TotalExposure = m.TotalExposure.Add(payoff)
			m.ExpectedValue = m.ExpectedValue.Add(payoff)
			m.RealizedPnL = m.RealizedPnL.Add(payoff.Sub(entryValue).Mul(p.Leverage))
			continue
		}

		m.SuperposedCount++
		ev := expectedValue(p)
		m.TotalExposure = m.TotalExposure.Add(ev)
		m.ExpectedValue = m.ExpectedValue.Add(ev)
		m.MarginUsed = m.MarginUsed.Add(entryValue.Div(p.Leverage))

		cur, ok := e.currentUnitPrice(p)
		if !ok {
			m.PartialData = true
			m.ExcludedPositions = append(m.ExcludedPositions, p.ID)
			continue
		}
		curValue := p.Size.Mul(cur)
		m.UnrealizedPnL = m.UnrealizedPnL.Add(curValue.Sub(entryValue).Mul(p.Leverage))
		if cur.LessThanOrEqual(liquidationPrice(p.EntryPrice, p.Leverage, e.cfg.MaintenanceMargin)) {
			m.LiquidationFlags = append(m.LiquidationFlags, p.ID)
		}
	}

	if m.ExpectedValue.IsPositive() {
		m.MarginUtilization = m.MarginUsed.Div(m.ExpectedValue).Round(ValueScale)
	}

	bk := buildBook(positions)
	m.Greeks = e.greeks(bk, m.ComputedAt)

	dist, err := e.lossDistribution(ctx, bk)
	if err != nil {
		return nil, err
	}
	for _, conf := range confidences {
		v, es := varES(dist, conf)
		label := confLabel(conf)
		m.VaR[label] = decimal.NewFromFloat(v).Round(ValueScale)
		m.ExpectedShortfall[label] = decimal.NewFromFloat(es).Round(ValueScale)
	}

	m.Sharpe, m.Sortino = e.ratios(measurements, positions)

	metrics.RiskCalculations.WithLabelValues(strconv.FormatBool(m.PartialData)).Inc()
	metrics.RiskCalcDuration.Observe(time.Since(start).Seconds())
	return m, nil
}

// expectedValue is a superposed position's probability-weighted value at
// its stored reference prices.
func expectedValue(p *model.QuantumPosition) decimal.Decimal {
	ev := decimal.Zero
	for _, st := range p.States {
		ev = ev.Add(st.Price.Mul(decimal.NewFromFloat(st.Probability)))
	}
	return ev.Mul(p.Size)
}

// realizedPayoff is a collapsed position's settled value: size times the
// price of the realized outcome.
func realizedPayoff(p *model.QuantumPosition) decimal.Decimal {
	if p.CollapsedOutcome == nil {
		return decimal.Zero
	}
	st, ok := p.StateFor(*p.CollapsedOutcome)
	if !ok {
		return decimal.Zero
	}
	return p.Size.Mul(st.Price)
}

// currentUnitPrice marks a superposed position to the live price feed:
// the probability-weighted current price across its outcomes. False when
// any outcome lacks a quote.
func (e *Engine) currentUnitPrice(p *model.QuantumPosition) (decimal.Decimal, bool) {
	cur := decimal.Zero
	for _, st := range p.States {
		quote, ok := e.prices.Price(p.MarketID, st.OutcomeIndex)
		if !ok {
			return decimal.Zero, false
		}
		cur = cur.Add(quote.Mul(decimal.NewFromFloat(st.Probability)))
	}
	return cur, true
}

// liquidationPrice derives the trigger price from entry, leverage, and the
// maintenance-margin ratio:
//
//	liq = entry × (1 − (1 − maintenance) / leverage)
//
// At leverage 1 the position must lose all but the maintenance buffer
// before flagging; higher leverage moves the trigger toward entry.
func liquidationPrice(entry, leverage decimal.Decimal, maintenance float64) decimal.Decimal {
	one := decimal.NewFromInt(1)
	buffer := one.Sub(decimal.NewFromFloat(maintenance)).Div(leverage)
	return entry.Mul(one.Sub(buffer))
}

// ratios computes Sharpe and Sortino from the wallet's realized returns.
// Per-measurement return is the leveraged P&L over entry value. Zero when
// fewer than two measurements or when the deviation vanishes.
func (e *Engine) ratios(measurements []model.QuantumMeasurement, positions []model.QuantumPosition) (sharpe, sortino float64) {
	byID := make(map[string]*model.QuantumPosition, len(positions))
	for i := range positions {
		byID[positions[i].ID] = &positions[i]
	}

	var returns []float64
	for i := range measurements {
		p := byID[measurements[i].PositionID]
		if p == nil {
			continue
		}
		entryValue := p.Size.Mul(p.EntryPrice)
		if entryValue.IsZero() {
			continue
		}
		r := measurements[i].Payoff.Sub(entryValue).Div(entryValue).Mul(p.Leverage)
		returns = append(returns, r.InexactFloat64())
	}
	if len(returns) < 2 {
		return 0, 0
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance, downside := 0.0, 0.0
	for _, r := range returns {
		d := r - mean
		variance += d * d
		if under := r - e.cfg.RiskFreeRate; under < 0 {
			downside += under * under
		}
	}
	variance /= float64(len(returns))
	downside /= float64(len(returns))

	excess := mean - e.cfg.RiskFreeRate
	if sd := math.Sqrt(variance); sd > 0 {
		sharpe = excess / sd
	}
	if dd := math.Sqrt(downside); dd > 0 {
		sortino = excess / dd
	}
	return sharpe, sortino
}

// confLabel renders a confidence level as its percentage map key:
// 0.95 → "95", 0.99 → "99", 0.995 → "99.5".
func confLabel(conf float64) string {
	return strconv.FormatFloat(conf*100, 'f', -1, 64)
}
