package risk

import (
	"errors"
	"fmt"
	"math"

	"github.com/ethpandaops/shakeoor/pkg/gmf"
	"github.com/ethpandaops/shakeoor/pkg/site"
)

var (
	// ErrInvalidVariance is returned for negative or NaN variances.
	ErrInvalidVariance = errors.New("invalid loss variance")

	// ErrDuplicateLossKeys is returned when the loss table holds the same
	// (event, aggregation, loss type) triple twice.
	ErrDuplicateLossKeys = errors.New("duplicate loss table keys")

	// ErrTooManyLossRows is returned when the loss table exceeds
	// E*(K+1)*L rows.
	ErrTooManyLossRows = errors.New("loss table larger than its upper bound")
)

// Params are the aggregation settings shared by every task.
type Params struct {
	LossTypes        []string
	LossIDs          []uint8
	AssetCorrelation bool
	CollectRlzs      bool
	AvgLosses        bool
	NumAssets        int
	NumRlzs          int
	MinimumAssetLoss []float64
}

// AvgColumns returns the number of realization columns of the average
// losses: 1 when collecting realizations or with a single realization.
func (p *Params) AvgColumns() int {
	if p.CollectRlzs || p.NumRlzs <= 1 {
		return 1
	}

	return p.NumRlzs
}

// AssetLosses are the per-asset, per-event losses of one loss type.
type AssetLosses struct {
	AssetID  []uint32
	EventID  []uint64
	Loss     []float64
	Variance []float64
}

// Len returns the number of rows.
func (a *AssetLosses) Len() int {
	return len(a.AssetID)
}

func (a *AssetLosses) append(aid uint32, eid uint64, loss, variance float64) {
	a.AssetID = append(a.AssetID, aid)
	a.EventID = append(a.EventID, eid)
	a.Loss = append(a.Loss, loss)
	a.Variance = append(a.Variance, variance)
}

// ComputeAssetLosses evaluates the loss model for every asset at every
// site with ground motion. Losses below the minimum asset loss of their
// type are dropped. The result has one table per loss type.
func ComputeAssetLosses(
	model LossModel,
	assets []site.Asset,
	assetsBySite map[uint32][]uint32,
	gmfs *gmf.RowSet,
	minimumLoss []float64,
) ([]*AssetLosses, error) {
	numLossTypes := len(model.LossTypes())
	out := make([]*AssetLosses, numLossTypes)

	for li := range out {
		out[li] = &AssetLosses{}
	}

	for i := 0; i < gmfs.Len(); i++ {
		aids := assetsBySite[gmfs.SiteID[i]]
		if len(aids) == 0 {
			continue
		}

		gmvs := gmfs.Values(i)
		eid := gmfs.EventID[i]

		for _, aid := range aids {
			asset := &assets[aid]

			for li := 0; li < numLossTypes; li++ {
				loss, variance, err := model.AssetLoss(asset, li, gmvs)
				if err != nil {
					return nil, fmt.Errorf("asset %s: %w", asset.Ref, err)
				}

				if loss == 0 && variance == 0 {
					continue
				}

				if li < len(minimumLoss) && loss < minimumLoss[li] {
					continue
				}

				out[li].append(aid, eid, loss, variance)
			}
		}
	}

	return out, nil
}

// LossTable is the event loss table: one row per (event, aggregation,
// loss type).
type LossTable struct {
	EventID  []uint64
	AggID    []uint32
	LossID   []uint8
	Loss     []float64
	Variance []float64
}

// Len returns the number of rows.
func (t *LossTable) Len() int {
	if t == nil {
		return 0
	}

	return len(t.EventID)
}

// AvgLoss is a partial sum of losses for one asset and realization column.
type AvgLoss struct {
	LossIdx int
	AssetID uint32
	Column  int
	Loss    float64
}

// TaskOutput is what one work unit contributes to the risk aggregation.
type TaskOutput struct {
	Losses *LossTable
	Avg    []AvgLoss
	// NumAssetLosses counts the per-asset rows that went into Losses.
	NumAssetLosses int
}

// TaskAggregator groups the asset losses of one work unit by packed
// (event, aggregation) key. It runs inside the worker and is discarded
// after Output.
type TaskAggregator struct {
	params  *Params
	aggKeys *AggKeys
	packer  Packer
	rlzOf   func(eventID uint64) uint16

	keys     []uint64
	lossIdx  []uint8
	loss     []float64
	variance []float64

	avg map[avgKey]float64
	n   int
}

type avgKey struct {
	li     int
	aid    uint32
	column int
}

// NewTaskAggregator returns an aggregator for one work unit. rlzOf maps
// an event id to its realization.
func NewTaskAggregator(params *Params, aggKeys *AggKeys, rlzOf func(uint64) uint16) *TaskAggregator {
	return &TaskAggregator{
		params:  params,
		aggKeys: aggKeys,
		packer:  aggKeys.Packer(),
		rlzOf:   rlzOf,
		avg:     make(map[avgKey]float64, 64),
	}
}

// Add folds the asset losses of one loss type. With asset correlation the
// variances are turned into standard deviations, so that the grouped sum
// squared back is (sum sigma_i)^2.
func (t *TaskAggregator) Add(li int, alt *AssetLosses) error {
	allAssets := t.aggKeys.AllAssets()
	columns := t.params.AvgColumns()

	for i := 0; i < alt.Len(); i++ {
		v := alt.Variance[i]
		if v < 0 || math.IsNaN(v) {
			return fmt.Errorf("%w: %v for asset %d event %d", ErrInvalidVariance, v, alt.AssetID[i], alt.EventID[i])
		}

		if t.params.AssetCorrelation {
			v = math.Sqrt(v)
		}

		eid, aid := alt.EventID[i], alt.AssetID[i]

		if err := t.push(eid, allAssets, li, alt.Loss[i], v); err != nil {
			return err
		}

		if t.aggKeys != nil {
			for _, byAsset := range t.aggKeys.ByAsset {
				if err := t.push(eid, byAsset[aid], li, alt.Loss[i], v); err != nil {
					return err
				}
			}
		}

		if t.params.AvgLosses {
			col := 0
			if columns > 1 {
				col = int(t.rlzOf(eid))
			}

			t.avg[avgKey{li: li, aid: aid, column: col}] += alt.Loss[i]
		}
	}

	t.n += alt.Len()

	return nil
}

func (t *TaskAggregator) push(eid uint64, aggID uint32, li int, loss, variance float64) error {
	key, err := t.packer.Pack(eid, aggID)
	if err != nil {
		return err
	}

	t.keys = append(t.keys, key)
	t.lossIdx = append(t.lossIdx, uint8(li))
	t.loss = append(t.loss, loss)
	t.variance = append(t.variance, variance)

	return nil
}

// Output sorts the collected rows by (key, loss type) and sums each run.
// Groups with zero loss and zero variance are dropped.
func (t *TaskAggregator) Output() *TaskOutput {
	out := &TaskOutput{Losses: &LossTable{}, NumAssetLosses: t.n}
	idx := sortedByKey(t.keys, t.lossIdx)

	for start := 0; start < len(idx); {
		first := idx[start]
		end := start

		var loss, variance float64

		for end < len(idx) && t.keys[idx[end]] == t.keys[first] && t.lossIdx[idx[end]] == t.lossIdx[first] {
			loss += t.loss[idx[end]]
			variance += t.variance[idx[end]]
			end++
		}

		if t.params.AssetCorrelation {
			variance *= variance
		}

		if loss != 0 || variance != 0 {
			eid, kid := t.packer.Unpack(t.keys[first])
			li := t.lossIdx[first]

			out.Losses.EventID = append(out.Losses.EventID, eid)
			out.Losses.AggID = append(out.Losses.AggID, kid)
			out.Losses.LossID = append(out.Losses.LossID, t.params.LossIDs[li])
			out.Losses.Loss = append(out.Losses.Loss, loss)
			out.Losses.Variance = append(out.Losses.Variance, variance)
		}

		start = end
	}

	out.Avg = make([]AvgLoss, 0, len(t.avg))
	for k, v := range t.avg {
		out.Avg = append(out.Avg, AvgLoss{LossIdx: k.li, AssetID: k.aid, Column: k.column, Loss: v})
	}

	return out
}
