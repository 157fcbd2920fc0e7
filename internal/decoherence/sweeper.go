// Package decoherence forces measurement on positions whose superposition
// lifetime has elapsed, bounding how long exposure can stay unresolved.
package decoherence

import (
	"context"
	"log/slog"
	"time"

	"github.com/gary322/flashbets-sub009/internal/metrics"
	"github.com/gary322/flashbets-sub009/internal/quantum"
	"github.com/gary322/flashbets-sub009/internal/store"
)

// defaultInterval between sweeps when the deployment does not configure one.
const defaultInterval = 5 * time.Second

// Measurer collapses one expired position. Satisfied by *quantum.Engine.
type Measurer interface {
	Decohere(ctx context.Context, id string) (*quantum.MeasureResult, error)
}

// Sweeper periodically scans for positions past their decoherence deadline
// and collapses them. Races with manual measurement are safe: collapse is
// idempotent, so whichever trigger wins, exactly one record exists.
type Sweeper struct {
	store    store.Store
	measurer Measurer
	interval time.Duration
	now      func() time.Time
}

// NewSweeper creates a sweeper over the given store and measurer.
func NewSweeper(st store.Store, m Measurer, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Sweeper{
		store:    st,
		measurer: m,
		interval: interval,
		now:      time.Now,
	}
}

// Run executes sweeps at the configured interval until ctx is cancelled.
// Must be called in its own goroutine.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("decoherence sweeper started", "interval", s.interval)
	for {
		select {
		case <-ticker.C:
			s.SweepOnce(ctx)
		case <-ctx.Done():
			slog.Info("decoherence sweeper stopped")
			return
		}
	}
}

// SweepOnce collapses every position whose deadline has passed and reports
// how many this sweep resolved. One position's failure is logged and the
// sweep continues; the position is retried on the next tick.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	start := time.Now()
	metrics.SweepsTotal.Inc()
	defer func() {
		metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}()

	expired, err := s.store.ListExpired(ctx, s.now().UTC())
	if err != nil {
		slog.Error("decoherence scan failed", "err", err)
		return 0
	}

	collapsed := 0
	for _, id := range expired {
		res, err := s.measurer.Decohere(ctx, id)
		if err != nil {
			slog.Error("forced collapse failed", "id", id, "err", err)
			continue
		}
		// Applied=false means a manual measurement won the race; either
		// way the position is resolved now.
		if res.Applied {
			collapsed++
		}
	}
	if collapsed > 0 {
		slog.Info("decoherence sweep collapsed positions",
			"collapsed", collapsed,
			"scanned", len(expired),
		)
	}
	return collapsed
}
