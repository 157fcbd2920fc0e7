package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gary322/flashbets-sub009/internal/model"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newPosition builds a two-state superposed position for store tests.
func newPosition(id, wallet, market, group string) *model.QuantumPosition {
	now := time.Now().UTC()
	return &model.QuantumPosition{
		ID:       id,
		WalletID: wallet,
		MarketID: market,
		States: []model.QuantumState{
			{OutcomeIndex: 0, Probability: 0.6, Price: d(0.60)},
			{OutcomeIndex: 1, Probability: 0.4, Price: d(0.40)},
		},
		EntanglementGroup:   group,
		Size:                d(100),
		EntryPrice:          d(0.52),
		Leverage:            decimal.NewFromInt(1),
		Status:              model.StatusSuperposed,
		CreatedAt:           now,
		DecoherenceDeadline: now.Add(time.Hour),
	}
}

func newMeasurement(id, posID, wallet, market string, outcome int) *model.QuantumMeasurement {
	return &model.QuantumMeasurement{
		ID:            id,
		PositionID:    posID,
		WalletID:      wallet,
		MarketID:      market,
		Outcome:       outcome,
		Probabilities: []float64{0.6, 0.4},
		Price:         d(0.60),
		Payoff:        d(60),
		MeasuredAt:    time.Now().UTC(),
		Trigger:       model.TriggerManual,
	}
}

// --- Insert tests ---

func TestInsertPosition_Duplicate(t *testing.T) {
	ms := NewMemoryStore()
	ctx := context.Background()

	if err := ms.InsertPosition(ctx, newPosition("p1", "w1", "mkt1", "")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ms.InsertPosition(ctx, newPosition("p1", "w2", "mkt2", "")); err != ErrDuplicateID {
		t.Errorf("expected ErrDuplicateID, got %v", err)
	}
}

func TestInsertPosition_CopiesInput(t *testing.T) {
	ms := NewMemoryStore()
	ctx := context.Background()

	p := newPosition("p1", "w1", "mkt1", "")
	if err := ms.InsertPosition(ctx, p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Mutating the caller's copy must not reach stored state.
	p.States[0].Probability = 0.99

	got, err := ms.GetPosition(ctx, "p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.States[0].Probability != 0.6 {
		t.Errorf("stored state mutated through caller slice: %v", got.States[0].Probability)
	}
}

// --- Get tests ---

func TestGetPosition_NotFound(t *testing.T) {
	ms := NewMemoryStore()
	_, err := ms.GetPosition(context.Background(), "missing")
	if err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGetPosition_ReturnsCopy(t *testing.T) {
	ms := NewMemoryStore()
	ctx := context.Background()
	ms.InsertPosition(ctx, newPosition("p1", "w1", "mkt1", ""))

	first, _ := ms.GetPosition(ctx, "p1")
	first.States[0].Probability = 0.01

	second, _ := ms.GetPosition(ctx, "p1")
	if second.States[0].Probability != 0.6 {
		t.Errorf("stored state mutated through returned copy: %v", second.States[0].Probability)
	}
}

// --- Collapse tests ---

func TestCollapse_AppliesOnce(t *testing.T) {
	ms := NewMemoryStore()
	ctx := context.Background()
	ms.InsertPosition(ctx, newPosition("p1", "w1", "mkt1", ""))

	first, applied, err := ms.Collapse(ctx, "p1", newMeasurement("m1", "p1", "w1", "mkt1", 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !applied {
		t.Fatal("first collapse should apply")
	}

	// Second collapse with a different draw must return the first record.
	second, applied, err := ms.Collapse(ctx, "p1", newMeasurement("m2", "p1", "w1", "mkt1", 1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if applied {
		t.Error("second collapse should not apply")
	}
	if second.ID != first.ID {
		t.Errorf("expected first measurement %s, got %s", first.ID, second.ID)
	}
	if second.Outcome != 0 {
		t.Errorf("expected outcome 0 from first collapse, got %d", second.Outcome)
	}

	pos, _ := ms.GetPosition(ctx, "p1")
	if pos.Status != model.StatusCollapsed {
		t.Errorf("expected collapsed status, got %s", pos.Status)
	}
	if pos.CollapsedOutcome == nil || *pos.CollapsedOutcome != 0 {
		t.Errorf("expected collapsed outcome 0, got %v", pos.CollapsedOutcome)
	}
	if pos.CollapsedAt == nil {
		t.Error("expected collapsed_at to be set")
	}

	log, _ := ms.Measurements(ctx)
	if len(log) != 1 {
		t.Errorf("expected 1 log entry, got %d", len(log))
	}
}

func TestCollapse_NotFound(t *testing.T) {
	ms := NewMemoryStore()
	_, _, err := ms.Collapse(context.Background(), "missing", newMeasurement("m1", "missing", "w1", "mkt1", 0))
	if err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCollapse_ConcurrentSingleWinner(t *testing.T) {
	ms := NewMemoryStore()
	ctx := context.Background()
	ms.InsertPosition(ctx, newPosition("p1", "w1", "mkt1", ""))

	const n = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	appliedCount := 0
	ids := make(map[string]bool)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := newMeasurement(fmt.Sprintf("m%d", i), "p1", "w1", "mkt1", i%2)
			rec, applied, err := ms.Collapse(ctx, "p1", m)
			if err != nil {
				t.Errorf("collapse %d failed: %v", i, err)
				return
			}
			mu.Lock()
			if applied {
				appliedCount++
			}
			ids[rec.ID] = true
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if appliedCount != 1 {
		t.Errorf("expected exactly 1 applied collapse, got %d", appliedCount)
	}
	if len(ids) != 1 {
		t.Errorf("all callers should observe the same record, saw %d distinct", len(ids))
	}

	log, _ := ms.Measurements(ctx)
	if len(log) != 1 {
		t.Errorf("expected 1 log entry, got %d", len(log))
	}
}

// --- Index tests ---

func TestListByWallet(t *testing.T) {
	ms := NewMemoryStore()
	ctx := context.Background()
	ms.InsertPosition(ctx, newPosition("p1", "w1", "mkt1", ""))
	ms.InsertPosition(ctx, newPosition("p2", "w1", "mkt2", ""))
	ms.InsertPosition(ctx, newPosition("p3", "w2", "mkt1", ""))

	got, err := ms.ListByWallet(ctx, "w1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 positions for w1, got %d", len(got))
	}

	got, _ = ms.ListByWallet(ctx, "nobody")
	if len(got) != 0 {
		t.Errorf("expected 0 positions for unknown wallet, got %d", len(got))
	}
}

func TestListByMarket(t *testing.T) {
	ms := NewMemoryStore()
	ctx := context.Background()
	ms.InsertPosition(ctx, newPosition("p1", "w1", "mkt1", ""))
	ms.InsertPosition(ctx, newPosition("p2", "w2", "mkt1", ""))
	ms.InsertPosition(ctx, newPosition("p3", "w1", "mkt2", ""))

	got, err := ms.ListByMarket(ctx, "mkt1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 positions in mkt1, got %d", len(got))
	}
}

func TestListExpired_OnlySuperposedPastDeadline(t *testing.T) {
	ms := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	past := newPosition("past", "w1", "mkt1", "")
	past.DecoherenceDeadline = now.Add(-time.Minute)
	ms.InsertPosition(ctx, past)

	future := newPosition("future", "w1", "mkt1", "")
	future.DecoherenceDeadline = now.Add(time.Hour)
	ms.InsertPosition(ctx, future)

	done := newPosition("done", "w1", "mkt1", "")
	done.DecoherenceDeadline = now.Add(-time.Minute)
	ms.InsertPosition(ctx, done)
	ms.Collapse(ctx, "done", newMeasurement("m-done", "done", "w1", "mkt1", 0))

	expired, err := ms.ListExpired(ctx, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(expired) != 1 || expired[0] != "past" {
		t.Errorf("expected [past], got %v", expired)
	}
}

func TestGroupMembers_TearsDownAfterLastCollapse(t *testing.T) {
	ms := NewMemoryStore()
	ctx := context.Background()
	ms.InsertPosition(ctx, newPosition("p1", "w1", "mkt1", "g1"))
	ms.InsertPosition(ctx, newPosition("p2", "w2", "mkt1", "g1"))

	members, _ := ms.GroupMembers(ctx, "g1")
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(members))
	}

	ms.Collapse(ctx, "p1", newMeasurement("m1", "p1", "w1", "mkt1", 0))
	members, _ = ms.GroupMembers(ctx, "g1")
	if len(members) != 2 {
		t.Errorf("group should survive while a member is superposed, got %d members", len(members))
	}

	ms.Collapse(ctx, "p2", newMeasurement("m2", "p2", "w2", "mkt1", 0))
	members, _ = ms.GroupMembers(ctx, "g1")
	if len(members) != 0 {
		t.Errorf("group should be gone after all members collapsed, got %v", members)
	}
}

// --- Measurement log tests ---

func TestMeasurements_AppendOrder(t *testing.T) {
	ms := NewMemoryStore()
	ctx := context.Background()
	ms.InsertPosition(ctx, newPosition("p1", "w1", "mkt1", ""))
	ms.InsertPosition(ctx, newPosition("p2", "w1", "mkt1", ""))

	ms.Collapse(ctx, "p1", newMeasurement("m1", "p1", "w1", "mkt1", 0))
	ms.Collapse(ctx, "p2", newMeasurement("m2", "p2", "w1", "mkt1", 1))

	log, err := ms.Measurements(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(log) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(log))
	}
	if log[0].ID != "m1" || log[1].ID != "m2" {
		t.Errorf("expected append order [m1 m2], got [%s %s]", log[0].ID, log[1].ID)
	}
}

func TestMeasurementsByWallet_Filters(t *testing.T) {
	ms := NewMemoryStore()
	ctx := context.Background()
	ms.InsertPosition(ctx, newPosition("p1", "w1", "mkt1", ""))
	ms.InsertPosition(ctx, newPosition("p2", "w2", "mkt1", ""))

	ms.Collapse(ctx, "p1", newMeasurement("m1", "p1", "w1", "mkt1", 0))
	ms.Collapse(ctx, "p2", newMeasurement("m2", "p2", "w2", "mkt1", 1))

	got, err := ms.MeasurementsByWallet(ctx, "w1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].ID != "m1" {
		t.Errorf("expected [m1] for w1, got %v", got)
	}
}
