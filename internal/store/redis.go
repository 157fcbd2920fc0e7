package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gary322/flashbets-sub009/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary. Collapse invalidates
// both the position entry and its wallet listing so later reads observe
// the collapsed state.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) InsertPosition(ctx context.Context, p *model.QuantumPosition) error {
	if err := s.primary.InsertPosition(ctx, p); err != nil {
		return err
	}
	s.cachePosition(ctx, p)
	s.rdb.Del(ctx, walletKey(p.WalletID))
	return nil
}

func (s *CachedStore) Collapse(ctx context.Context, id string, m *model.QuantumMeasurement) (*model.QuantumMeasurement, bool, error) {
	rec, applied, err := s.primary.Collapse(ctx, id, m)
	if err != nil {
		return nil, false, err
	}
	// Invalidate; next read re-populates with the collapsed state.
	s.rdb.Del(ctx, positionKey(id), walletKey(rec.WalletID))
	return rec, applied, nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPosition(ctx context.Context, id string) (*model.QuantumPosition, error) {
	data, err := s.rdb.Get(ctx, positionKey(id)).Bytes()
	if err == nil {
		var p model.QuantumPosition
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	// Cache miss: read from primary.
	p, err := s.primary.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cachePosition(ctx, p)
	return p, nil
}

func (s *CachedStore) ListByWallet(ctx context.Context, walletID string) ([]model.QuantumPosition, error) {
	data, err := s.rdb.Get(ctx, walletKey(walletID)).Bytes()
	if err == nil {
		var positions []model.QuantumPosition
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	// Cache miss.
	positions, err := s.primary.ListByWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, walletKey(walletID), data, s.ttl)
	}
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListByMarket(ctx context.Context, marketID string) ([]model.QuantumPosition, error) {
	return s.primary.ListByMarket(ctx, marketID)
}

func (s *CachedStore) ListExpired(ctx context.Context, cutoff time.Time) ([]string, error) {
	return s.primary.ListExpired(ctx, cutoff)
}

func (s *CachedStore) GroupMembers(ctx context.Context, groupID string) ([]string, error) {
	return s.primary.GroupMembers(ctx, groupID)
}

func (s *CachedStore) Measurements(ctx context.Context) ([]model.QuantumMeasurement, error) {
	return s.primary.Measurements(ctx)
}

func (s *CachedStore) MeasurementsByWallet(ctx context.Context, walletID string) ([]model.QuantumMeasurement, error) {
	return s.primary.MeasurementsByWallet(ctx, walletID)
}

// --- Cache helpers ---

func (s *CachedStore) cachePosition(ctx context.Context, p *model.QuantumPosition) {
	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, positionKey(p.ID), data, s.ttl)
	}
}

func positionKey(id string) string { return fmt.Sprintf("position:%s", id) }
func walletKey(wid string) string  { return fmt.Sprintf("wallet-positions:%s", wid) }
