package risk

import (
	"fmt"
	"sort"
)

// Aggregator folds task outputs into the average-loss accumulators and
// hands back the loss rows to persist. It is owned by the single fold
// goroutine.
type Aggregator struct {
	params *Params
	// avg[li] is an A x columns matrix, row-major.
	avg  [][]float64
	rows uint64
}

// NewAggregator returns an empty aggregator.
func NewAggregator(params *Params) *Aggregator {
	a := &Aggregator{params: params}

	if params.AvgLosses {
		a.avg = make([][]float64, len(params.LossTypes))
		for li := range a.avg {
			a.avg[li] = make([]float64, params.NumAssets*params.AvgColumns())
		}
	}

	return a
}

// Fold adds a task output and returns the loss rows it contributes.
func (a *Aggregator) Fold(out *TaskOutput) (*LossTable, error) {
	if out == nil {
		return nil, nil
	}

	if a.params.AvgLosses {
		columns := a.params.AvgColumns()

		for _, al := range out.Avg {
			if al.LossIdx >= len(a.avg) || int(al.AssetID) >= a.params.NumAssets || al.Column >= columns {
				return nil, fmt.Errorf(
					"average loss out of range: loss %d asset %d column %d", al.LossIdx, al.AssetID, al.Column,
				)
			}

			a.avg[al.LossIdx][int(al.AssetID)*columns+al.Column] += al.Loss
		}
	}

	a.rows += uint64(out.Losses.Len())

	return out.Losses, nil
}

// Rows returns the number of loss rows folded so far.
func (a *Aggregator) Rows() uint64 {
	return a.rows
}

// AvgLosses returns the average losses of one loss type scaled by the
// ratio of each realization column, as an A x columns float32 matrix.
func (a *Aggregator) AvgLosses(li int, ratio []float64) ([]float32, error) {
	if !a.params.AvgLosses {
		return nil, fmt.Errorf("average losses are disabled")
	}

	columns := a.params.AvgColumns()
	if len(ratio) != columns {
		return nil, fmt.Errorf("expected %d ratios, got %d", columns, len(ratio))
	}

	src := a.avg[li]
	out := make([]float32, len(src))

	for i, v := range src {
		out[i] = float32(v * ratio[i%columns])
	}

	return out, nil
}

// AvgRatioParams selects the normalization of average losses.
type AvgRatioParams struct {
	EventBased  bool
	CollectRlzs bool
	// TimeRatio is risk_investigation_time / (investigation_time * ses).
	TimeRatio float64
	// NumEvents counts the events of each realization.
	NumEvents []uint64
}

// AvgRatio returns the factor applied to each average-loss column.
//
//	event based, collected:        time_ratio / R
//	event based, per realization:  time_ratio
//	scenario, collected:           1 / total events
//	scenario, per realization:     1 / events of the realization
func AvgRatio(p AvgRatioParams) []float64 {
	r := len(p.NumEvents)

	if p.CollectRlzs {
		if p.EventBased {
			return []float64{p.TimeRatio / float64(max(r, 1))}
		}

		var total uint64
		for _, n := range p.NumEvents {
			total += n
		}

		return []float64{safeInverse(total)}
	}

	out := make([]float64, r)

	for i, n := range p.NumEvents {
		if p.EventBased {
			out[i] = p.TimeRatio
		} else {
			out[i] = safeInverse(n)
		}
	}

	return out
}

func safeInverse(n uint64) float64 {
	if n == 0 {
		return 0
	}

	return 1 / float64(n)
}

// MeanAvgLosses returns the weighted mean over realization columns of an
// A x R matrix.
func MeanAvgLosses(avg []float32, weights []float64) []float32 {
	r := len(weights)
	if r == 0 {
		return nil
	}

	var total float64
	for _, w := range weights {
		total += w
	}

	out := make([]float32, len(avg)/r)

	for a := range out {
		var sum float64
		for i, w := range weights {
			sum += w * float64(avg[a*r+i])
		}

		out[a] = float32(sum / total)
	}

	return out
}

// CheckLossTable verifies the finished loss table: at most E*(K+1)*L rows
// and no repeated (event, aggregation, loss type) triple.
func CheckLossTable(t *LossTable, numEvents uint64, k uint32, numLossTypes int) error {
	limit := numEvents * (uint64(k) + 1) * uint64(numLossTypes)
	size := uint64(t.Len())

	if size > limit {
		return fmt.Errorf("%w: %d rows, limit %d", ErrTooManyLossRows, size, limit)
	}

	packer := NewPacker(uint64(k) + 1)
	keys := make([]uint64, t.Len())

	for i := range keys {
		key, err := packer.Pack(t.EventID[i], t.AggID[i])
		if err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}

		keys[i] = key
	}

	idx := sortedByKey(keys, t.LossID)

	var dups int

	for i := 1; i < len(idx); i++ {
		a, b := idx[i-1], idx[i]
		if keys[a] == keys[b] && t.LossID[a] == t.LossID[b] {
			dups++
		}
	}

	if dups > 0 {
		return fmt.Errorf("%w: risk_by_event contains %d duplicates", ErrDuplicateLossKeys, dups)
	}

	return nil
}

// SortLossTable orders rows by (event, aggregation, loss type) in place.
func SortLossTable(t *LossTable) {
	sort.Sort(lossTableSorter{t})
}

type lossTableSorter struct{ t *LossTable }

func (s lossTableSorter) Len() int { return s.t.Len() }

func (s lossTableSorter) Less(i, j int) bool {
	t := s.t
	if t.EventID[i] != t.EventID[j] {
		return t.EventID[i] < t.EventID[j]
	}

	if t.AggID[i] != t.AggID[j] {
		return t.AggID[i] < t.AggID[j]
	}

	return t.LossID[i] < t.LossID[j]
}

func (s lossTableSorter) Swap(i, j int) {
	t := s.t
	t.EventID[i], t.EventID[j] = t.EventID[j], t.EventID[i]
	t.AggID[i], t.AggID[j] = t.AggID[j], t.AggID[i]
	t.LossID[i], t.LossID[j] = t.LossID[j], t.LossID[i]
	t.Loss[i], t.Loss[j] = t.Loss[j], t.Loss[i]
	t.Variance[i], t.Variance[j] = t.Variance[j], t.Variance[i]
}
