package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/gary322/flashbets-sub009/internal/metrics"
	"github.com/gary322/flashbets-sub009/internal/model"
	"github.com/gary322/flashbets-sub009/internal/quantum"
	"github.com/gary322/flashbets-sub009/internal/risk"
	"github.com/gary322/flashbets-sub009/internal/store"
)

// Service wires the quantum and risk engines to HTTP handlers.
type Service struct {
	engine *quantum.Engine
	risk   *risk.Engine
	limits *risk.Limits
	prices *PriceBook
	hub    *Hub
}

// NewService creates the HTTP service. limits and hub may be nil to disable
// pre-trade checks and WebSocket broadcasting.
func NewService(engine *quantum.Engine, riskEngine *risk.Engine, limits *risk.Limits, prices *PriceBook, hub *Hub) *Service {
	return &Service{
		engine: engine,
		risk:   riskEngine,
		limits: limits,
		prices: prices,
		hub:    hub,
	}
}

// StateInput is one outcome of a create request. Probabilities may arrive
// as unnormalized weights; the engine rescales them.
type StateInput struct {
	OutcomeIndex int             `json:"outcome_index"`
	Probability  float64         `json:"probability"`
	Price        decimal.Decimal `json:"price"`
}

// CreatePositionRequest is the body of POST /api/v1/positions.
type CreatePositionRequest struct {
	WalletID            string          `json:"wallet_id"`
	MarketID            string          `json:"market_id"`
	States              []StateInput    `json:"states"`
	EntanglementGroup   string          `json:"entanglement_group,omitempty"`
	Size                decimal.Decimal `json:"size"`
	Leverage            decimal.Decimal `json:"leverage,omitempty"`
	DecoherenceDeadline *time.Time      `json:"decoherence_deadline,omitempty"`
}

// MeasureResponse is the body returned by POST /positions/{id}/measure.
// AlreadyCollapsed marks the idempotent path: the measurement then belongs
// to an earlier call and no cascade ran.
type MeasureResponse struct {
	Measurement      model.QuantumMeasurement   `json:"measurement"`
	AlreadyCollapsed bool                       `json:"already_collapsed"`
	Cascaded         []model.QuantumMeasurement `json:"cascaded"`
}

// PriceUpdateRequest is the body of PUT /markets/{marketID}/prices. Keys
// are outcome indices.
type PriceUpdateRequest struct {
	Prices map[string]decimal.Decimal `json:"prices"`
}

// CreatePosition handles POST /api/v1/positions.
func (s *Service) CreatePosition(w http.ResponseWriter, r *http.Request) {
	var req CreatePositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	// Pre-trade limit checks against the wallet's existing book.
	if s.limits != nil && req.WalletID != "" {
		existing, err := s.engine.WalletPositions(ctx, req.WalletID)
		if err != nil {
			writeError(w, "failed to load wallet positions", http.StatusInternalServerError)
			return
		}
		leverage := req.Leverage
		if leverage.IsZero() {
			leverage = decimal.NewFromInt(1)
		}
		if err := s.limits.Check(req.Size, leverage, req.MarketID, existing); err != nil {
			metrics.LimitRejections.Inc()
			writeError(w, err.Error(), http.StatusConflict)
			return
		}
	}

	states := make([]model.QuantumState, len(req.States))
	for i, st := range req.States {
		states[i] = model.QuantumState{
			OutcomeIndex: st.OutcomeIndex,
			Probability:  st.Probability,
			Price:        st.Price,
		}
	}

	params := quantum.CreateParams{
		WalletID: req.WalletID,
		MarketID: req.MarketID,
		States:   states,
		Group:    req.EntanglementGroup,
		Size:     req.Size,
		Leverage: req.Leverage,
	}
	if req.DecoherenceDeadline != nil {
		params.Deadline = *req.DecoherenceDeadline
	}

	pos, err := s.engine.CreatePosition(ctx, params)
	if err != nil {
		switch {
		case errors.Is(err, quantum.ErrInvalidStateSet), errors.Is(err, quantum.ErrInvalidPosition):
			writeError(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, store.ErrDuplicateID):
			writeError(w, "position id collision, retry", http.StatusConflict)
		default:
			writeError(w, "failed to create position", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(pos)
}

// MeasurePosition handles POST /api/v1/positions/{positionID}/measure.
// Collapses the position and any still-superposed entanglement peers;
// re-measuring a collapsed position returns the stored record.
func (s *Service) MeasurePosition(w http.ResponseWriter, r *http.Request) {
	positionID := chi.URLParam(r, "positionID")

	res, err := s.engine.Measure(r.Context(), positionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "position not found", http.StatusNotFound)
			return
		}
		writeError(w, "failed to measure position", http.StatusInternalServerError)
		return
	}

	if res.Applied && s.hub != nil {
		s.hub.BroadcastMeasurement(*res.Measurement)
		for _, m := range res.Cascaded {
			s.hub.BroadcastMeasurement(m)
		}
	}

	resp := MeasureResponse{
		Measurement:      *res.Measurement,
		AlreadyCollapsed: !res.Applied,
		Cascaded:         res.Cascaded,
	}
	if resp.Cascaded == nil {
		resp.Cascaded = []model.QuantumMeasurement{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// GetPosition handles GET /api/v1/positions/{positionID}.
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	positionID := chi.URLParam(r, "positionID")

	pos, err := s.engine.Position(r.Context(), positionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "position not found", http.StatusNotFound)
			return
		}
		writeError(w, "failed to load position", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(pos)
}

// WalletPositions handles GET /api/v1/wallets/{walletID}/positions.
func (s *Service) WalletPositions(w http.ResponseWriter, r *http.Request) {
	walletID := chi.URLParam(r, "walletID")

	positions, err := s.engine.WalletPositions(r.Context(), walletID)
	if err != nil {
		writeError(w, "failed to list positions", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []model.QuantumPosition{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(positions)
}

// WalletMetrics handles GET /api/v1/wallets/{walletID}/metrics. An optional
// ?confidence= query computes VaR/ES at that single level instead of the
// configured set.
func (s *Service) WalletMetrics(w http.ResponseWriter, r *http.Request) {
	walletID := chi.URLParam(r, "walletID")

	var confidences []float64
	if raw := r.URL.Query().Get("confidence"); raw != "" {
		conf, err := strconv.ParseFloat(raw, 64)
		if err != nil || conf <= 0 || conf >= 1 {
			writeError(w, "confidence must be between 0 and 1 exclusive", http.StatusBadRequest)
			return
		}
		confidences = []float64{conf}
	}

	m, err := s.risk.CalculateMetricsAt(r.Context(), walletID, confidences)
	if err != nil {
		writeError(w, "failed to compute portfolio metrics", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(m)
}

// StressTest handles POST /api/v1/wallets/{walletID}/stress. Revalues the
// wallet under the supplied scenario without touching stored positions.
func (s *Service) StressTest(w http.ResponseWriter, r *http.Request) {
	walletID := chi.URLParam(r, "walletID")

	var scenario model.StressScenario
	if err := json.NewDecoder(r.Body).Decode(&scenario); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := s.risk.StressTest(r.Context(), walletID, scenario)
	if err != nil {
		writeError(w, "failed to run stress test", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}

// MarketStates handles GET /api/v1/markets/{marketID}/states. Returns the
// live superposition states across all open positions in the market.
func (s *Service) MarketStates(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	states, err := s.engine.MarketStates(r.Context(), marketID)
	if err != nil {
		writeError(w, "failed to list market states", http.StatusInternalServerError)
		return
	}
	if states == nil {
		states = []model.QuantumState{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(states)
}

// Measurements handles GET /api/v1/measurements. Returns the measurement
// log in collapse order.
func (s *Service) Measurements(w http.ResponseWriter, r *http.Request) {
	records, err := s.engine.Measurements(r.Context())
	if err != nil {
		writeError(w, "failed to list measurements", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []model.QuantumMeasurement{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(records)
}

// UpdatePrices handles PUT /api/v1/markets/{marketID}/prices. Replaces the
// market's quotes in the price book feeding mark-to-market valuation.
func (s *Service) UpdatePrices(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	var req PriceUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Prices) == 0 {
		writeError(w, "prices are required", http.StatusBadRequest)
		return
	}

	prices := make(map[int]decimal.Decimal, len(req.Prices))
	for key, p := range req.Prices {
		outcome, err := strconv.Atoi(key)
		if err != nil || outcome < 0 {
			writeError(w, "invalid outcome index: "+key, http.StatusBadRequest)
			return
		}
		if p.IsNegative() {
			writeError(w, "price must be non-negative", http.StatusBadRequest)
			return
		}
		prices[outcome] = p
	}

	s.prices.SetPrices(marketID, prices)

	slog.Info("prices updated",
		"market", marketID,
		"outcomes", len(prices),
	)

	if s.hub != nil {
		s.hub.Broadcast(Event{Type: "prices_updated", MarketID: marketID})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
