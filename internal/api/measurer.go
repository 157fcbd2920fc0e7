package api

import (
	"context"

	"github.com/gary322/flashbets-sub009/internal/quantum"
)

// BroadcastingMeasurer decorates the engine's forced-collapse path so
// decoherence sweeps feed the WebSocket stream exactly like manual
// measurements. It satisfies the sweeper's Measurer contract.
type BroadcastingMeasurer struct {
	Engine *quantum.Engine
	Hub    *Hub
}

// Decohere collapses the position and broadcasts the resulting
// measurements when the collapse applied.
func (b *BroadcastingMeasurer) Decohere(ctx context.Context, id string) (*quantum.MeasureResult, error) {
	res, err := b.Engine.Decohere(ctx, id)
	if err != nil {
		return res, err
	}
	if res.Applied && b.Hub != nil {
		b.Hub.BroadcastMeasurement(*res.Measurement)
		for _, m := range res.Cascaded {
			b.Hub.BroadcastMeasurement(m)
		}
	}
	return res, nil
}
