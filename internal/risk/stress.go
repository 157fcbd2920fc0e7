package risk

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/gary322/flashbets-sub009/internal/model"
)

// StressTest re-values a wallet's book and its VaR under caller-supplied
// shocks. The computation runs entirely on a copied snapshot: stored
// positions are never modified. The stressed VaR is measured against the
// stressed book's own expected value, at the first configured confidence.
func (e *Engine) StressTest(ctx context.Context, walletID string, sc model.StressScenario) (*model.StressResult, error) {
	positions, err := e.store.ListByWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}

	bk := buildBook(positions)
	conf := e.cfg.Confidences[0]

	baseDist, err := e.lossDistribution(ctx, bk)
	if err != nil {
		return nil, err
	}
	baseVaR, _ := varES(baseDist, conf)
	baseValue := bk.expected() + bk.collapsed

	shocked := applyScenario(bk, sc)
	stressDist, err := e.lossDistribution(ctx, shocked)
	if err != nil {
		return nil, err
	}
	stressVaR, _ := varES(stressDist, conf)
	stressValue := shocked.expected() + shocked.collapsed

	return &model.StressResult{
		WalletID:      walletID,
		BaseValue:     decimal.NewFromFloat(baseValue).Round(ValueScale),
		StressedValue: decimal.NewFromFloat(stressValue).Round(ValueScale),
		ValueChange:   decimal.NewFromFloat(stressValue - baseValue).Round(ValueScale),
		BaseVaR:       decimal.NewFromFloat(baseVaR).Round(ValueScale),
		StressedVaR:   decimal.NewFromFloat(stressVaR).Round(ValueScale),
		Confidence:    conf,
	}, nil
}

// applyScenario returns a shocked copy of the book. Price overrides win
// over the proportional shift; shifted prices floor at zero. The
// probability tilt mixes each distribution toward uniform, which keeps it
// normalized.
func applyScenario(bk *book, sc model.StressScenario) *book {
	tilt := sc.ProbabilityTilt
	if tilt < 0 {
		tilt = 0
	}
	if tilt > 1 {
		tilt = 1
	}

	out := &book{collapsed: bk.collapsed}
	for _, sp := range bk.superposed {
		cp := sp
		cp.probs = make([]float64, len(sp.probs))
		cp.prices = make([]float64, len(sp.prices))
		n := float64(len(sp.probs))

		for j := range sp.probs {
			cp.probs[j] = (1-tilt)*sp.probs[j] + tilt/n

			price := sp.prices[j] * (1 + sc.PriceShift)
			if ov, ok := sc.PriceOverrides[sp.marketID][sp.outcomes[j]]; ok {
				price = ov.InexactFloat64()
			}
			if price < 0 {
				price = 0
			}
			cp.prices[j] = price
		}
		out.superposed = append(out.superposed, cp)
	}
	return out
}
