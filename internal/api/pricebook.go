// Package api exposes the trading core over HTTP and WebSocket: position
// lifecycle, portfolio risk queries, the collaborator price feed, and the
// real-time measurement stream.
package api

import (
	"sync"

	"github.com/shopspring/decimal"
)

// PriceBook holds the latest quoted price per market outcome. Quotes arrive
// from the price-feed endpoint and back mark-to-market valuation and
// liquidation monitoring; a market with no quotes simply reports no price.
type PriceBook struct {
	mu     sync.RWMutex
	quotes map[string]map[int]decimal.Decimal
}

// NewPriceBook creates an empty price book.
func NewPriceBook() *PriceBook {
	return &PriceBook{quotes: make(map[string]map[int]decimal.Decimal)}
}

// Price returns the current quote for one outcome of a market. The second
// return is false when no quote has been published for that outcome.
func (b *PriceBook) Price(marketID string, outcome int) (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	quotes, ok := b.quotes[marketID]
	if !ok {
		return decimal.Zero, false
	}
	p, ok := quotes[outcome]
	return p, ok
}

// SetPrices replaces all quotes for a market.
func (b *PriceBook) SetPrices(marketID string, prices map[int]decimal.Decimal) {
	copied := make(map[int]decimal.Decimal, len(prices))
	for outcome, p := range prices {
		copied[outcome] = p
	}
	b.mu.Lock()
	b.quotes[marketID] = copied
	b.mu.Unlock()
}
