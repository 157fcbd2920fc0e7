// Package quantum implements the probabilistic position engine: creation
// of superposed positions, the one-way collapse ("measurement"), and the
// entanglement cascade that keeps correlated positions consistent.
package quantum

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gary322/flashbets-sub009/internal/metrics"
	"github.com/gary322/flashbets-sub009/internal/model"
	"github.com/gary322/flashbets-sub009/internal/store"
)

var (
	// ErrInvalidStateSet is returned when a position's probability states
	// are malformed or degenerate. Not retryable; the caller must fix the
	// input.
	ErrInvalidStateSet = errors.New("quantum: invalid state set")

	// ErrInvalidPosition is returned for bad size or leverage parameters.
	ErrInvalidPosition = errors.New("quantum: invalid position parameters")
)

// probabilityTolerance is how far Σp may drift from 1.0 before the state
// set is rescaled on creation.
const probabilityTolerance = 1e-6

// defaultLifetime bounds how long a position may stay superposed when the
// deployment does not configure a coherence window.
const defaultLifetime = time.Hour

// Engine owns the quantum position lifecycle. All mutation goes through
// the Store's insert/collapse contract; the engine itself is stateless
// apart from its sampler.
type Engine struct {
	store    store.Store
	sampler  Sampler
	lifetime time.Duration
	now      func() time.Time
}

// NewEngine creates a position engine. lifetime is the maximum
// superposition window applied to new positions without an explicit
// deadline; zero or negative selects the default.
func NewEngine(st store.Store, sampler Sampler, lifetime time.Duration) *Engine {
	if lifetime <= 0 {
		lifetime = defaultLifetime
	}
	return &Engine{
		store:    st,
		sampler:  sampler,
		lifetime: lifetime,
		now:      time.Now,
	}
}

// CreateParams carries the inputs for opening a superposed position.
type CreateParams struct {
	WalletID string
	MarketID string
	States   []model.QuantumState
	Group    string // optional entanglement group
	Size     decimal.Decimal
	Leverage decimal.Decimal // zero defaults to 1 (unleveraged)
	Deadline time.Time       // zero defaults to now + lifetime
}

// CreatePosition validates and normalizes the state set, then inserts the
// position. Probabilities may arrive as unnormalized weights; they are
// rescaled so they sum to 1. EntryPrice is the probability-weighted state
// price at creation.
func (e *Engine) CreatePosition(ctx context.Context, params CreateParams) (*model.QuantumPosition, error) {
	if params.WalletID == "" || params.MarketID == "" {
		return nil, fmt.Errorf("%w: wallet and market are required", ErrInvalidPosition)
	}
	if !params.Size.IsPositive() {
		return nil, fmt.Errorf("%w: size must be positive", ErrInvalidPosition)
	}
	leverage := params.Leverage
	if leverage.IsZero() {
		leverage = decimal.NewFromInt(1)
	}
	if leverage.LessThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("%w: leverage must be at least 1", ErrInvalidPosition)
	}

	states, err := normalizeStates(params.States)
	if err != nil {
		return nil, err
	}

	entry := decimal.Zero
	for _, st := range states {
		entry = entry.Add(st.Price.Mul(decimal.NewFromFloat(st.Probability)))
	}

	now := e.now().UTC()
	deadline := params.Deadline
	if deadline.IsZero() {
		deadline = now.Add(e.lifetime)
	}

	p := &model.QuantumPosition{
		ID:                  uuid.New().String(),
		WalletID:            params.WalletID,
		MarketID:            params.MarketID,
		States:              states,
		EntanglementGroup:   params.Group,
		Size:                params.Size,
		EntryPrice:          entry,
		Leverage:            leverage,
		Status:              model.StatusSuperposed,
		CreatedAt:           now,
		DecoherenceDeadline: deadline,
	}

	if err := e.store.InsertPosition(ctx, p); err != nil {
		return nil, err
	}

	metrics.PositionsCreated.WithLabelValues(p.MarketID).Inc()
	metrics.SuperposedPositions.Inc()
	slog.Info("quantum position created",
		"id", p.ID,
		"wallet", p.WalletID,
		"market", p.MarketID,
		"states", len(p.States),
		"group", p.EntanglementGroup,
		"size", p.Size.String(),
		"deadline", p.DecoherenceDeadline,
	)
	return p, nil
}

// normalizeStates validates the raw state set and returns a normalized
// copy. At least two states, every probability in [0,1] and finite, not
// all zero, no duplicate or negative outcome indices, no negative prices.
func normalizeStates(raw []model.QuantumState) ([]model.QuantumState, error) {
	if len(raw) < 2 {
		return nil, fmt.Errorf("%w: need at least 2 states, got %d", ErrInvalidStateSet, len(raw))
	}

	sum := 0.0
	seen := make(map[int]bool, len(raw))
	for _, st := range raw {
		p := st.Probability
		if math.IsNaN(p) || math.IsInf(p, 0) || p < 0 || p > 1 {
			return nil, fmt.Errorf("%w: probability %v outside [0,1]", ErrInvalidStateSet, p)
		}
		if st.OutcomeIndex < 0 {
			return nil, fmt.Errorf("%w: negative outcome index %d", ErrInvalidStateSet, st.OutcomeIndex)
		}
		if seen[st.OutcomeIndex] {
			return nil, fmt.Errorf("%w: duplicate outcome index %d", ErrInvalidStateSet, st.OutcomeIndex)
		}
		seen[st.OutcomeIndex] = true
		if st.Price.IsNegative() {
			return nil, fmt.Errorf("%w: negative price for outcome %d", ErrInvalidStateSet, st.OutcomeIndex)
		}
		sum += p
	}
	if sum == 0 {
		return nil, fmt.Errorf("%w: all probabilities are zero", ErrInvalidStateSet)
	}

	states := make([]model.QuantumState, len(raw))
	copy(states, raw)
	if math.Abs(sum-1) > probabilityTolerance {
		for i := range states {
			states[i].Probability /= sum
		}
	}
	return states, nil
}

// MeasureResult is the outcome of one measurement request.
type MeasureResult struct {
	Measurement *model.QuantumMeasurement
	// Applied is false when an earlier collapse already resolved the
	// position; Measurement then carries the first writer's record.
	Applied bool
	// Cascaded holds the measurements of entangled peers collapsed by
	// this call, in group order.
	Cascaded []model.QuantumMeasurement
}

// Measure collapses a position to a single outcome drawn from its own
// distribution, then forces still-superposed entanglement peers to a
// consistent outcome. Idempotent: a second call returns the stored
// measurement with Applied=false.
func (e *Engine) Measure(ctx context.Context, id string) (*MeasureResult, error) {
	return e.measure(ctx, id, model.TriggerManual)
}

// Decohere collapses a position whose superposition lifetime elapsed.
// Same semantics as Measure with the decoherence trigger label.
func (e *Engine) Decohere(ctx context.Context, id string) (*MeasureResult, error) {
	return e.measure(ctx, id, model.TriggerDecoherence)
}

func (e *Engine) measure(ctx context.Context, id, trigger string) (*MeasureResult, error) {
	p, err := e.store.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}

	// Draw regardless of current status; the store's collapse contract
	// discards the draft and returns the first writer's record when the
	// position is already resolved, so racing triggers stay consistent.
	probs := p.Probabilities()
	drawn := p.States[e.sampler.Draw(probs)]
	now := e.now().UTC()

	// Peers still superposed at draw time form the cascade set.
	var peers []*model.QuantumPosition
	if p.EntanglementGroup != "" && p.Superposed() {
		peers, err = e.cascadeSet(ctx, p)
		if err != nil {
			return nil, err
		}
	}
	affected := make([]string, 0, len(peers))
	for _, peer := range peers {
		affected = append(affected, peer.ID)
	}

	m := &model.QuantumMeasurement{
		ID:            uuid.New().String(),
		PositionID:    p.ID,
		WalletID:      p.WalletID,
		MarketID:      p.MarketID,
		Outcome:       drawn.OutcomeIndex,
		Probabilities: probs,
		Price:         drawn.Price,
		Payoff:        p.Size.Mul(drawn.Price),
		MeasuredAt:    now,
		Trigger:       trigger,
		AffectedPeers: affected,
	}

	rec, applied, err := e.store.Collapse(ctx, id, m)
	if err != nil {
		return nil, err
	}
	if !applied {
		return &MeasureResult{Measurement: rec, Applied: false}, nil
	}

	metrics.MeasurementsTotal.WithLabelValues(trigger).Inc()
	metrics.SuperposedPositions.Dec()
	slog.Info("position measured",
		"id", p.ID,
		"wallet", p.WalletID,
		"market", p.MarketID,
		"outcome", rec.Outcome,
		"payoff", rec.Payoff.String(),
		"trigger", trigger,
		"peers", len(peers),
	)

	result := &MeasureResult{Measurement: rec, Applied: true}
	for _, peer := range peers {
		pm := e.peerMeasurement(p, peer, rec.Outcome, now)
		peerRec, peerApplied, err := e.store.Collapse(ctx, peer.ID, pm)
		if err != nil {
			slog.Error("entangled collapse failed", "id", peer.ID, "err", err)
			continue
		}
		if !peerApplied {
			// Another trigger beat the cascade; its record stands.
			continue
		}
		metrics.MeasurementsTotal.WithLabelValues(model.TriggerEntangled).Inc()
		metrics.SuperposedPositions.Dec()
		slog.Info("entangled position collapsed",
			"id", peer.ID,
			"group", p.EntanglementGroup,
			"outcome", peerRec.Outcome,
			"source", p.ID,
		)
		result.Cascaded = append(result.Cascaded, *peerRec)
	}
	return result, nil
}

// cascadeSet loads the group members that are still superposed, excluding
// the triggering position itself.
func (e *Engine) cascadeSet(ctx context.Context, p *model.QuantumPosition) ([]*model.QuantumPosition, error) {
	ids, err := e.store.GroupMembers(ctx, p.EntanglementGroup)
	if err != nil {
		return nil, err
	}

	var peers []*model.QuantumPosition
	for _, id := range ids {
		if id == p.ID {
			continue
		}
		peer, err := e.store.GetPosition(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if peer.Superposed() {
			peers = append(peers, peer)
		}
	}
	return peers, nil
}

// peerMeasurement builds the forced measurement for an entangled peer.
// Peers sharing the triggering position's market collapse to the same
// outcome index when they carry it; everything else resamples from the
// peer's own distribution.
func (e *Engine) peerMeasurement(source, peer *model.QuantumPosition, outcome int, at time.Time) *model.QuantumMeasurement {
	var drawn model.QuantumState
	if st, ok := peer.StateFor(outcome); ok && peer.MarketID == source.MarketID {
		drawn = st
	} else {
		drawn = peer.States[e.sampler.Draw(peer.Probabilities())]
	}

	return &model.QuantumMeasurement{
		ID:            uuid.New().String(),
		PositionID:    peer.ID,
		WalletID:      peer.WalletID,
		MarketID:      peer.MarketID,
		Outcome:       drawn.OutcomeIndex,
		Probabilities: peer.Probabilities(),
		Price:         drawn.Price,
		Payoff:        peer.Size.Mul(drawn.Price),
		MeasuredAt:    at,
		Trigger:       model.TriggerEntangled,
	}
}

// Position returns one position by id.
func (e *Engine) Position(ctx context.Context, id string) (*model.QuantumPosition, error) {
	return e.store.GetPosition(ctx, id)
}

// WalletPositions returns all positions owned by a wallet.
func (e *Engine) WalletPositions(ctx context.Context, walletID string) ([]model.QuantumPosition, error) {
	return e.store.ListByWallet(ctx, walletID)
}

// MarketStates returns the candidate states of every still-superposed
// position in a market: the market's live probability surface.
func (e *Engine) MarketStates(ctx context.Context, marketID string) ([]model.QuantumState, error) {
	positions, err := e.store.ListByMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}

	var states []model.QuantumState
	for i := range positions {
		if positions[i].Superposed() {
			states = append(states, positions[i].States...)
		}
	}
	return states, nil
}

// Measurements returns the append-ordered measurement log.
func (e *Engine) Measurements(ctx context.Context) ([]model.QuantumMeasurement, error) {
	return e.store.Measurements(ctx)
}
