package worker

import (
	"context"
	"fmt"

	"github.com/ethpandaops/shakeoor/pkg/risk"
	"github.com/ethpandaops/shakeoor/pkg/site"
)

// RiskContext is the exposure and loss model shared by the units of a
// risk calculation.
type RiskContext struct {
	Model        risk.LossModel
	Assets       []site.Asset
	AssetsBySite map[uint32][]uint32
	Params       *risk.Params
	AggKeys      *risk.AggKeys
}

// RiskResult is the output of SimulateRisk.
type RiskResult struct {
	*Result
	Losses *risk.TaskOutput
}

// SimulateRisk simulates a unit with ground motion fields forced on and
// aggregates the losses of every asset by packed (event, aggregation) key.
// The fields are returned only when the calculation keeps them.
func SimulateRisk(ctx context.Context, unit Unit, shared *Context) (*RiskResult, error) {
	if shared.Risk == nil {
		return nil, fmt.Errorf("task %d: no risk context", unit.TaskNo)
	}

	forced := *shared
	forced.GroundMotionFields = true

	res, err := Simulate(ctx, unit, &forced)
	if err != nil {
		return nil, err
	}

	rc := shared.Risk
	events := shared.Catalog.Events
	agg := risk.NewTaskAggregator(rc.Params, rc.AggKeys, func(eid uint64) uint16 {
		return events[eid].RlzID
	})

	if res.GMFs.Len() > 0 {
		done := res.Operations.Measure(OpLosses)

		alts, err := risk.ComputeAssetLosses(rc.Model, rc.Assets, rc.AssetsBySite, res.GMFs, rc.Params.MinimumAssetLoss)
		if err != nil {
			done()

			return nil, fmt.Errorf("task %d: %w", unit.TaskNo, err)
		}

		for li, alt := range alts {
			if err := agg.Add(li, alt); err != nil {
				done()

				return nil, fmt.Errorf("task %d: %w", unit.TaskNo, err)
			}
		}

		done()
	}

	if !shared.GroundMotionFields {
		res.GMFs = nil
	}

	return &RiskResult{Result: res, Losses: agg.Output()}, nil
}
