package store

import (
	"context"
	"sync"
	"time"

	"github.com/gary322/flashbets-sub009/internal/model"
)

// slot wraps a single position with its own mutex so that collapses on
// distinct positions never contend with each other. The slot lock is the
// serialization point the Store contract promises.
type slot struct {
	mu          sync.Mutex
	pos         model.QuantumPosition
	measurement *model.QuantumMeasurement
}

// MemoryStore implements Store with in-memory maps. The authoritative
// store for single-instance deployments; also used throughout the tests.
//
// Locking: mu guards the slot map, the wallet/market/group indices and
// the per-group superposed counters. Individual positions are guarded by
// their slot mutex, logMu guards the measurement log. A slot lock may be
// taken after releasing mu, and logMu after a slot lock, never the other
// way around.
type MemoryStore struct {
	mu         sync.RWMutex
	slots      map[string]*slot
	byWallet   map[string][]string
	byMarket   map[string][]string
	byGroup    map[string][]string
	groupAlive map[string]int // superposed members remaining per group

	logMu sync.RWMutex
	log   []model.QuantumMeasurement
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		slots:      make(map[string]*slot),
		byWallet:   make(map[string][]string),
		byMarket:   make(map[string][]string),
		byGroup:    make(map[string][]string),
		groupAlive: make(map[string]int),
	}
}

func (s *MemoryStore) InsertPosition(_ context.Context, p *model.QuantumPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.slots[p.ID]; exists {
		return ErrDuplicateID
	}

	// Store a copy to avoid external mutation.
	s.slots[p.ID] = &slot{pos: clonePosition(p)}
	s.byWallet[p.WalletID] = append(s.byWallet[p.WalletID], p.ID)
	s.byMarket[p.MarketID] = append(s.byMarket[p.MarketID], p.ID)
	if p.EntanglementGroup != "" {
		s.byGroup[p.EntanglementGroup] = append(s.byGroup[p.EntanglementGroup], p.ID)
		if p.Status == model.StatusSuperposed {
			s.groupAlive[p.EntanglementGroup]++
		}
	}
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, id string) (*model.QuantumPosition, error) {
	s.mu.RLock()
	sl, ok := s.slots[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()
	p := clonePosition(&sl.pos)
	return &p, nil
}

// Collapse transitions the position to collapsed under its slot lock. A
// position that already collapsed keeps its original measurement; the
// caller learns it lost the race through applied=false.
func (s *MemoryStore) Collapse(_ context.Context, id string, m *model.QuantumMeasurement) (*model.QuantumMeasurement, bool, error) {
	s.mu.RLock()
	sl, ok := s.slots[id]
	s.mu.RUnlock()
	if !ok {
		return nil, false, ErrNotFound
	}

	sl.mu.Lock()
	if sl.pos.Status == model.StatusCollapsed {
		existing := cloneMeasurement(sl.measurement)
		sl.mu.Unlock()
		return &existing, false, nil
	}

	rec := cloneMeasurement(m)
	sl.pos.Status = model.StatusCollapsed
	outcome := rec.Outcome
	at := rec.MeasuredAt
	sl.pos.CollapsedOutcome = &outcome
	sl.pos.CollapsedAt = &at
	sl.measurement = &rec
	group := sl.pos.EntanglementGroup

	s.logMu.Lock()
	s.log = append(s.log, cloneMeasurement(&rec))
	s.logMu.Unlock()
	sl.mu.Unlock()

	if group != "" {
		s.mu.Lock()
		s.groupAlive[group]--
		if s.groupAlive[group] <= 0 {
			delete(s.groupAlive, group)
			delete(s.byGroup, group)
		}
		s.mu.Unlock()
	}

	out := cloneMeasurement(&rec)
	return &out, true, nil
}

func (s *MemoryStore) ListByWallet(_ context.Context, walletID string) ([]model.QuantumPosition, error) {
	return s.collect(s.indexed(func() []string { return s.byWallet[walletID] })), nil
}

func (s *MemoryStore) ListByMarket(_ context.Context, marketID string) ([]model.QuantumPosition, error) {
	return s.collect(s.indexed(func() []string { return s.byMarket[marketID] })), nil
}

func (s *MemoryStore) ListExpired(_ context.Context, cutoff time.Time) ([]string, error) {
	s.mu.RLock()
	all := make([]*slot, 0, len(s.slots))
	for _, sl := range s.slots {
		all = append(all, sl)
	}
	s.mu.RUnlock()

	var expired []string
	for _, sl := range all {
		sl.mu.Lock()
		if sl.pos.Status == model.StatusSuperposed && !sl.pos.DecoherenceDeadline.After(cutoff) {
			expired = append(expired, sl.pos.ID)
		}
		sl.mu.Unlock()
	}
	return expired, nil
}

func (s *MemoryStore) GroupMembers(_ context.Context, groupID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byGroup[groupID]
	out := make([]string, len(ids))
	copy(out, ids)
	return out, nil
}

func (s *MemoryStore) Measurements(_ context.Context) ([]model.QuantumMeasurement, error) {
	s.logMu.RLock()
	defer s.logMu.RUnlock()

	out := make([]model.QuantumMeasurement, 0, len(s.log))
	for i := range s.log {
		out = append(out, cloneMeasurement(&s.log[i]))
	}
	return out, nil
}

func (s *MemoryStore) MeasurementsByWallet(_ context.Context, walletID string) ([]model.QuantumMeasurement, error) {
	s.logMu.RLock()
	defer s.logMu.RUnlock()

	var out []model.QuantumMeasurement
	for i := range s.log {
		if s.log[i].WalletID == walletID {
			out = append(out, cloneMeasurement(&s.log[i]))
		}
	}
	return out, nil
}

// indexed snapshots an id list from one of the index maps under RLock.
func (s *MemoryStore) indexed(pick func() []string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := pick()
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

// collect reads each id's current state under its slot lock.
func (s *MemoryStore) collect(ids []string) []model.QuantumPosition {
	out := make([]model.QuantumPosition, 0, len(ids))
	for _, id := range ids {
		s.mu.RLock()
		sl, ok := s.slots[id]
		s.mu.RUnlock()
		if !ok {
			continue
		}
		sl.mu.Lock()
		out = append(out, clonePosition(&sl.pos))
		sl.mu.Unlock()
	}
	return out
}

// clonePosition deep-copies a position so callers never share slices or
// pointers with stored state.
func clonePosition(p *model.QuantumPosition) model.QuantumPosition {
	cp := *p
	cp.States = make([]model.QuantumState, len(p.States))
	copy(cp.States, p.States)
	if p.CollapsedOutcome != nil {
		v := *p.CollapsedOutcome
		cp.CollapsedOutcome = &v
	}
	if p.CollapsedAt != nil {
		t := *p.CollapsedAt
		cp.CollapsedAt = &t
	}
	return cp
}

func cloneMeasurement(m *model.QuantumMeasurement) model.QuantumMeasurement {
	cm := *m
	cm.Probabilities = make([]float64, len(m.Probabilities))
	copy(cm.Probabilities, m.Probabilities)
	cm.AffectedPeers = make([]string, len(m.AffectedPeers))
	copy(cm.AffectedPeers, m.AffectedPeers)
	return cm
}
