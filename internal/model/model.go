// Package model defines the core domain types shared across the quantum engine.
// All monetary values use shopspring/decimal — never float64 for money.
// Probabilities are dimensionless weights and stay float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus is the lifecycle state of a quantum position.
type PositionStatus string

const (
	// StatusSuperposed marks a position still distributed across outcomes.
	StatusSuperposed PositionStatus = "superposed"
	// StatusCollapsed marks a position resolved to a single outcome.
	StatusCollapsed PositionStatus = "collapsed"
)

// Measurement triggers, recorded on every measurement and used as the
// metric label partitioning collapses by cause.
const (
	TriggerManual      = "manual"
	TriggerDecoherence = "decoherence"
	TriggerEntangled   = "entangled"
)

// QuantumState is one candidate outcome inside a superposed position.
// Invariant: within a position, probabilities sum to 1.0 within tolerance
// after construction (unnormalized inputs are rescaled, not rejected).
type QuantumState struct {
	OutcomeIndex int             `json:"outcome_index" db:"outcome_index"`
	Probability  float64         `json:"probability" db:"probability"` // ∈ [0,1]
	Price        decimal.Decimal `json:"price" db:"price"`             // reference price at creation
}

// QuantumPosition is a stake distributed across market outcomes until it is
// measured. Once Status is StatusCollapsed the value is immutable; positions
// are never deleted by the engine.
type QuantumPosition struct {
	ID                  string          `json:"id" db:"id"`
	WalletID            string          `json:"wallet_id" db:"wallet_id"`
	MarketID            string          `json:"market_id" db:"market_id"`
	States              []QuantumState  `json:"states" db:"states"`
	EntanglementGroup   string          `json:"entanglement_group,omitempty" db:"entanglement_group"`
	Size                decimal.Decimal `json:"size" db:"size"`               // stake in quote units
	EntryPrice          decimal.Decimal `json:"entry_price" db:"entry_price"` // Σ p_i × price_i at creation
	Leverage            decimal.Decimal `json:"leverage" db:"leverage"`       // ≥ 1
	Status              PositionStatus  `json:"status" db:"status"`
	CollapsedOutcome    *int            `json:"collapsed_outcome,omitempty" db:"collapsed_outcome"`
	CollapsedAt         *time.Time      `json:"collapsed_at,omitempty" db:"collapsed_at"`
	CreatedAt           time.Time       `json:"created_at" db:"created_at"`
	DecoherenceDeadline time.Time       `json:"decoherence_deadline" db:"decoherence_deadline"`
}

// Superposed reports whether the position can still be measured.
func (p *QuantumPosition) Superposed() bool {
	return p.Status == StatusSuperposed
}

// StateFor returns the state carrying the given outcome index, if present.
func (p *QuantumPosition) StateFor(outcome int) (QuantumState, bool) {
	for _, s := range p.States {
		if s.OutcomeIndex == outcome {
			return s, true
		}
	}
	return QuantumState{}, false
}

// Probabilities returns the probability vector in state order.
func (p *QuantumPosition) Probabilities() []float64 {
	probs := make([]float64, len(p.States))
	for i, s := range p.States {
		probs[i] = s.Probability
	}
	return probs
}

// QuantumMeasurement is the immutable record of one collapse. Exactly one
// exists per position; the log is append-only and never mutated.
type QuantumMeasurement struct {
	ID            string          `json:"id" db:"id"`
	PositionID    string          `json:"position_id" db:"position_id"`
	WalletID      string          `json:"wallet_id" db:"wallet_id"`
	MarketID      string          `json:"market_id" db:"market_id"`
	Outcome       int             `json:"outcome" db:"outcome"`
	Probabilities []float64       `json:"probabilities" db:"probabilities"` // distribution in effect
	Price         decimal.Decimal `json:"price" db:"price"`                 // realized state price
	Payoff        decimal.Decimal `json:"payoff" db:"payoff"`               // size × price
	MeasuredAt    time.Time       `json:"measured_at" db:"measured_at"`
	Trigger       string          `json:"trigger" db:"trigger"` // manual | decoherence | entangled
	AffectedPeers []string        `json:"affected_peers,omitempty" db:"affected_peers"`
}

// Greeks are the finite-difference sensitivities of portfolio expected value.
type Greeks struct {
	Delta float64 `json:"delta"` // per 1% reference price move
	Gamma float64 `json:"gamma"` // curvature of the price response
	Theta float64 `json:"theta"` // per-day decay toward the deadline
	Vega  float64 `json:"vega"`  // per 1% probability tilt toward uniform
	Rho   float64 `json:"rho"`   // per +1% discount rate
}

// PortfolioMetrics is a computed snapshot for one wallet. Recomputed on every
// request, never persisted. PartialData is set instead of failing when price
// data for a position is unavailable; the excluded ids are listed.
type PortfolioMetrics struct {
	WalletID          string                     `json:"wallet_id"`
	PositionCount     int                        `json:"position_count"`
	SuperposedCount   int                        `json:"superposed_count"`
	TotalExposure     decimal.Decimal            `json:"total_exposure"`
	ExpectedValue     decimal.Decimal            `json:"expected_value"`
	RealizedPnL       decimal.Decimal            `json:"realized_pnl"`
	UnrealizedPnL     decimal.Decimal            `json:"unrealized_pnl"`
	Greeks            Greeks                     `json:"greeks"`
	VaR               map[string]decimal.Decimal `json:"var"`                // confidence label → loss
	ExpectedShortfall map[string]decimal.Decimal `json:"expected_shortfall"` // confidence label → tail mean
	MarginUsed        decimal.Decimal            `json:"margin_used"`
	MarginUtilization decimal.Decimal            `json:"margin_utilization"` // % of portfolio value
	LiquidationFlags  []string                   `json:"liquidation_flags,omitempty"`
	Sharpe            float64                    `json:"sharpe"`
	Sortino           float64                    `json:"sortino"`
	PartialData       bool                       `json:"partial_data"`
	ExcludedPositions []string                   `json:"excluded_positions,omitempty"`
	ComputedAt        time.Time                  `json:"computed_at"`
}

// StressScenario describes caller-supplied shocks applied during a stress
// run. PriceShift scales every reference price (e.g. -0.3 = 30% crash);
// ProbabilityTilt mixes each distribution toward uniform; PriceOverrides
// pins exact prices per market/outcome and wins over PriceShift.
type StressScenario struct {
	PriceShift      float64                            `json:"price_shift"`
	ProbabilityTilt float64                            `json:"probability_tilt"`
	PriceOverrides  map[string]map[int]decimal.Decimal `json:"price_overrides,omitempty"`
}

// StressResult reports portfolio value and VaR under a scenario. The stored
// positions are never modified by a stress run.
type StressResult struct {
	WalletID      string          `json:"wallet_id"`
	BaseValue     decimal.Decimal `json:"base_value"`
	StressedValue decimal.Decimal `json:"stressed_value"`
	ValueChange   decimal.Decimal `json:"value_change"`
	BaseVaR       decimal.Decimal `json:"base_var"`
	StressedVaR   decimal.Decimal `json:"stressed_var"`
	Confidence    float64         `json:"confidence"`
	PartialData   bool            `json:"partial_data"`
}
