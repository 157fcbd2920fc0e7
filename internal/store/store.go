// Package store defines the position-store contract for the quantum engine.
// Implementations include in-memory (authoritative single-instance store),
// PostgreSQL (durable), and Redis (read-through cache).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/gary322/flashbets-sub009/internal/model"
)

var (
	// ErrNotFound is returned when a position id is unknown.
	ErrNotFound = errors.New("store: position not found")

	// ErrDuplicateID is returned when inserting an id that already exists.
	// The caller must regenerate the identifier.
	ErrDuplicateID = errors.New("store: duplicate position id")
)

// Store is the position persistence contract. Per-position mutation is
// serialized: one position collapses at a time, while distinct positions
// may be created and collapsed concurrently. Collapse is idempotent — the
// second and every later call observes the first writer's measurement.
type Store interface {
	// --- Position lifecycle ---

	// InsertPosition stores a new position and updates the wallet, market,
	// and entanglement-group indices. Fails with ErrDuplicateID.
	InsertPosition(ctx context.Context, p *model.QuantumPosition) error

	// GetPosition retrieves a position by id. Fails with ErrNotFound.
	GetPosition(ctx context.Context, id string) (*model.QuantumPosition, error)

	// Collapse atomically transitions a position to Collapsed and appends
	// the measurement record. The second return value reports whether this
	// call performed the transition; when false, the returned measurement
	// is the one recorded by the first writer.
	Collapse(ctx context.Context, id string, m *model.QuantumMeasurement) (*model.QuantumMeasurement, bool, error)

	// --- Read projections ---

	// ListByWallet returns all positions owned by a wallet.
	ListByWallet(ctx context.Context, walletID string) ([]model.QuantumPosition, error)

	// ListByMarket returns all positions referencing a market.
	ListByMarket(ctx context.Context, marketID string) ([]model.QuantumPosition, error)

	// ListExpired returns ids of superposed positions whose decoherence
	// deadline is at or before cutoff. Feed for the decoherence sweeper.
	ListExpired(ctx context.Context, cutoff time.Time) ([]string, error)

	// --- Entanglement ---

	// GroupMembers returns the position ids sharing an entanglement group.
	// A group is dropped once its last superposed member collapses; ids of
	// already-collapsed members are included while the group lives.
	GroupMembers(ctx context.Context, groupID string) ([]string, error)

	// --- Measurement log ---

	// Measurements returns the full measurement log in append order.
	Measurements(ctx context.Context) ([]model.QuantumMeasurement, error)

	// MeasurementsByWallet returns a wallet's measurements in append order.
	MeasurementsByWallet(ctx context.Context, walletID string) ([]model.QuantumMeasurement, error)
}
