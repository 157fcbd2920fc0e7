package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/gary322/flashbets-sub009/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Monetary values are stored as NUMERIC for exact decimal precision; state
// vectors and probability snapshots are JSONB. Idempotent collapse rides on
// a conditional UPDATE plus a UNIQUE constraint on measurement position_id.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema when it does not exist yet.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS quantum_positions (
			id                   TEXT        PRIMARY KEY,
			wallet_id            TEXT        NOT NULL,
			market_id            TEXT        NOT NULL,
			states               JSONB       NOT NULL,
			entanglement_group   TEXT        NOT NULL DEFAULT '',
			size                 NUMERIC     NOT NULL,
			entry_price          NUMERIC     NOT NULL,
			leverage             NUMERIC     NOT NULL,
			status               TEXT        NOT NULL,
			collapsed_outcome    INT,
			collapsed_at         TIMESTAMPTZ,
			created_at           TIMESTAMPTZ NOT NULL,
			decoherence_deadline TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_positions_wallet ON quantum_positions (wallet_id);
		CREATE INDEX IF NOT EXISTS idx_positions_market ON quantum_positions (market_id);
		CREATE INDEX IF NOT EXISTS idx_positions_group  ON quantum_positions (entanglement_group) WHERE entanglement_group <> '';
		CREATE INDEX IF NOT EXISTS idx_positions_expiry ON quantum_positions (status, decoherence_deadline);

		CREATE TABLE IF NOT EXISTS quantum_measurements (
			seq            BIGSERIAL,
			id             TEXT        PRIMARY KEY,
			position_id    TEXT        NOT NULL UNIQUE,
			wallet_id      TEXT        NOT NULL,
			market_id      TEXT        NOT NULL,
			outcome        INT         NOT NULL,
			probabilities  JSONB       NOT NULL,
			price          NUMERIC     NOT NULL,
			payoff         NUMERIC     NOT NULL,
			measured_at    TIMESTAMPTZ NOT NULL,
			trigger        TEXT        NOT NULL,
			affected_peers JSONB       NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_measurements_wallet ON quantum_measurements (wallet_id);
	`)
	return err
}

func (s *PostgresStore) InsertPosition(ctx context.Context, p *model.QuantumPosition) error {
	states, err := json.Marshal(p.States)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO quantum_positions
		 (id, wallet_id, market_id, states, entanglement_group,
		  size, entry_price, leverage, status,
		  collapsed_outcome, collapsed_at, created_at, decoherence_deadline)
		 VALUES ($1, $2, $3, $4::JSONB, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10, $11, $12, $13)`,
		p.ID, p.WalletID, p.MarketID, string(states), p.EntanglementGroup,
		p.Size.String(), p.EntryPrice.String(), p.Leverage.String(), p.Status,
		p.CollapsedOutcome, p.CollapsedAt, p.CreatedAt, p.DecoherenceDeadline,
	)
	if err != nil && isUniqueViolation(err) {
		return ErrDuplicateID
	}
	return err
}

func (s *PostgresStore) GetPosition(ctx context.Context, id string) (*model.QuantumPosition, error) {
	rows, err := s.pool.Query(ctx, selectPositions+` WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", id, err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, err
	}
	if len(positions) == 0 {
		return nil, ErrNotFound
	}
	return &positions[0], nil
}

func (s *PostgresStore) Collapse(ctx context.Context, id string, m *model.QuantumMeasurement) (*model.QuantumMeasurement, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE quantum_positions
		 SET status = $2, collapsed_outcome = $3, collapsed_at = $4
		 WHERE id = $1 AND status = $5`,
		id, model.StatusCollapsed, m.Outcome, m.MeasuredAt, model.StatusSuperposed)
	if err != nil {
		return nil, false, err
	}

	if tag.RowsAffected() == 0 {
		// Lost the race, or the id is unknown. Surface the first
		// writer's measurement in the former case.
		existing, err := s.measurementByPosition(ctx, id)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	probs, _ := json.Marshal(m.Probabilities)
	peers, _ := json.Marshal(m.AffectedPeers)
	_, err = tx.Exec(ctx,
		`INSERT INTO quantum_measurements
		 (id, position_id, wallet_id, market_id, outcome, probabilities,
		  price, payoff, measured_at, trigger, affected_peers)
		 VALUES ($1, $2, $3, $4, $5, $6::JSONB, $7::NUMERIC, $8::NUMERIC, $9, $10, $11::JSONB)`,
		m.ID, m.PositionID, m.WalletID, m.MarketID, m.Outcome, string(probs),
		m.Price.String(), m.Payoff.String(), m.MeasuredAt, m.Trigger, string(peers),
	)
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}

	out := *m
	return &out, true, nil
}

func (s *PostgresStore) ListByWallet(ctx context.Context, walletID string) ([]model.QuantumPosition, error) {
	rows, err := s.pool.Query(ctx, selectPositions+` WHERE wallet_id = $1 ORDER BY created_at`, walletID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPositions(rows)
}

func (s *PostgresStore) ListByMarket(ctx context.Context, marketID string) ([]model.QuantumPosition, error) {
	rows, err := s.pool.Query(ctx, selectPositions+` WHERE market_id = $1 ORDER BY created_at`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPositions(rows)
}

func (s *PostgresStore) ListExpired(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM quantum_positions
		 WHERE status = $1 AND decoherence_deadline <= $2`,
		model.StatusSuperposed, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) GroupMembers(ctx context.Context, groupID string) ([]string, error) {
	// A group exists only while at least one member is still superposed.
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM quantum_positions
		 WHERE entanglement_group = $1
		   AND EXISTS (SELECT 1 FROM quantum_positions
		               WHERE entanglement_group = $1 AND status = $2)
		 ORDER BY created_at`,
		groupID, model.StatusSuperposed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) Measurements(ctx context.Context) ([]model.QuantumMeasurement, error) {
	rows, err := s.pool.Query(ctx, selectMeasurements+` ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMeasurements(rows)
}

func (s *PostgresStore) MeasurementsByWallet(ctx context.Context, walletID string) ([]model.QuantumMeasurement, error) {
	rows, err := s.pool.Query(ctx, selectMeasurements+` WHERE wallet_id = $1 ORDER BY seq`, walletID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMeasurements(rows)
}

func (s *PostgresStore) measurementByPosition(ctx context.Context, positionID string) (*model.QuantumMeasurement, error) {
	rows, err := s.pool.Query(ctx, selectMeasurements+` WHERE position_id = $1`, positionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ms, err := scanMeasurements(rows)
	if err != nil {
		return nil, err
	}
	if len(ms) == 0 {
		return nil, ErrNotFound
	}
	return &ms[0], nil
}

const selectPositions = `
	SELECT id, wallet_id, market_id, states::TEXT, entanglement_group,
	       size::TEXT, entry_price::TEXT, leverage::TEXT, status,
	       collapsed_outcome, collapsed_at, created_at, decoherence_deadline
	FROM quantum_positions`

const selectMeasurements = `
	SELECT id, position_id, wallet_id, market_id, outcome, probabilities::TEXT,
	       price::TEXT, payoff::TEXT, measured_at, trigger, affected_peers::TEXT
	FROM quantum_measurements`

// pgxRows is the subset of pgx.Rows the scan helpers need.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanPositions(rows pgxRows) ([]model.QuantumPosition, error) {
	var positions []model.QuantumPosition
	for rows.Next() {
		var p model.QuantumPosition
		var statesS, sizeS, entryS, levS string

		if err := rows.Scan(&p.ID, &p.WalletID, &p.MarketID, &statesS, &p.EntanglementGroup,
			&sizeS, &entryS, &levS, &p.Status,
			&p.CollapsedOutcome, &p.CollapsedAt, &p.CreatedAt, &p.DecoherenceDeadline); err != nil {
			return nil, err
		}

		if err := json.Unmarshal([]byte(statesS), &p.States); err != nil {
			return nil, err
		}
		p.Size, _ = decimal.NewFromString(sizeS)
		p.EntryPrice, _ = decimal.NewFromString(entryS)
		p.Leverage, _ = decimal.NewFromString(levS)

		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func scanMeasurements(rows pgxRows) ([]model.QuantumMeasurement, error) {
	var ms []model.QuantumMeasurement
	for rows.Next() {
		var m model.QuantumMeasurement
		var probsS, priceS, payoffS, peersS string

		if err := rows.Scan(&m.ID, &m.PositionID, &m.WalletID, &m.MarketID, &m.Outcome, &probsS,
			&priceS, &payoffS, &m.MeasuredAt, &m.Trigger, &peersS); err != nil {
			return nil, err
		}

		if err := json.Unmarshal([]byte(probsS), &m.Probabilities); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(peersS), &m.AffectedPeers); err != nil {
			return nil, err
		}
		m.Price, _ = decimal.NewFromString(priceS)
		m.Payoff, _ = decimal.NewFromString(payoffS)

		ms = append(ms, m)
	}
	return ms, rows.Err()
}

// isUniqueViolation reports whether err is a unique-constraint violation
// (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr interface {
		error
		SQLState() string
	}
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}
