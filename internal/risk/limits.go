package risk

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/gary322/flashbets-sub009/internal/model"
)

var (
	// ErrPositionSizeLimit is returned when a single position's stake
	// exceeds the per-position maximum.
	ErrPositionSizeLimit = errors.New("risk: position size limit exceeded")

	// ErrLeverageLimit is returned when the requested leverage exceeds
	// the allowed maximum.
	ErrLeverageLimit = errors.New("risk: leverage limit exceeded")

	// ErrOpenPositionLimit is returned when the wallet already holds the
	// maximum number of superposed positions.
	ErrOpenPositionLimit = errors.New("risk: open position limit exceeded")

	// ErrMarketExposureLimit is returned when the aggregate stake across
	// the wallet's superposed positions in one market would exceed the
	// per-market maximum.
	ErrMarketExposureLimit = errors.New("risk: market exposure limit exceeded")
)

// Limits enforces pre-trade bounds checked before a position is opened.
// A zero-valued field disables its check.
type Limits struct {
	// MaxPositionSize caps the stake of a single position.
	MaxPositionSize decimal.Decimal

	// MaxLeverage caps the leverage multiplier.
	MaxLeverage decimal.Decimal

	// MaxOpenPositions caps how many superposed positions a wallet may
	// hold at once.
	MaxOpenPositions int

	// MaxMarketExposure caps the aggregate stake a wallet may hold in
	// one market across its superposed positions.
	MaxMarketExposure decimal.Decimal
}

// Check validates a proposed position against the wallet's existing book.
// existing is the wallet's current positions; collapsed ones no longer
// count toward the open-position or market-exposure budgets.
func (l *Limits) Check(size, leverage decimal.Decimal, marketID string, existing []model.QuantumPosition) error {
	if l.MaxPositionSize.IsPositive() && size.GreaterThan(l.MaxPositionSize) {
		return ErrPositionSizeLimit
	}
	if l.MaxLeverage.IsPositive() && leverage.GreaterThan(l.MaxLeverage) {
		return ErrLeverageLimit
	}

	if l.MaxOpenPositions > 0 {
		open := 0
		for i := range existing {
			if existing[i].Superposed() {
				open++
			}
		}
		if open >= l.MaxOpenPositions {
			return ErrOpenPositionLimit
		}
	}

	if l.MaxMarketExposure.IsPositive() {
		total := size
		for i := range existing {
			if existing[i].Superposed() && existing[i].MarketID == marketID {
				total = total.Add(existing[i].Size)
			}
		}
		if total.GreaterThan(l.MaxMarketExposure) {
			return ErrMarketExposureLimit
		}
	}

	return nil
}
