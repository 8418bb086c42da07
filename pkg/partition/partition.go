// Package partition splits weighted items into work units that never mix
// group keys and whose total weight stays close to a target.
package partition

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrNegativeWeight is returned when an item reports a negative weight.
var ErrNegativeWeight = errors.New("negative item weight")

// Block is one work unit: items sharing the same key, in input order.
type Block[K comparable, T any] struct {
	Key    K
	Items  []T
	Weight float64
}

// Budget bounds the weight of a single block.
type Budget struct {
	// ConcurrentTasks is the number of blocks the work should roughly be
	// split into.
	ConcurrentTasks int
	// TimePerTask is the target duration of one block, zero for no limit.
	TimePerTask time.Duration
	// SecondsPerWeight estimates the cost of one unit of weight.
	SecondsPerWeight float64
}

// MaxWeight returns the target block weight for the given total weight.
// The concurrency target gives totalWeight/ConcurrentTasks; when a time
// budget and a cost estimate are both set, the smaller of the two wins.
func MaxWeight(totalWeight float64, budget Budget) float64 {
	target := totalWeight
	if budget.ConcurrentTasks > 0 {
		target = totalWeight / float64(budget.ConcurrentTasks)
	}

	if budget.TimePerTask > 0 && budget.SecondsPerWeight > 0 {
		byTime := budget.TimePerTask.Seconds() / budget.SecondsPerWeight
		target = math.Min(target, byTime)
	}

	return math.Ceil(target)
}

// Split groups items by key, in first-appearance order of the keys, then
// cuts every group into blocks whose weight does not exceed maxWeight. An
// item heavier than maxWeight gets a block of its own. Every item appears
// in exactly one block. A maxWeight <= 0 yields one block per key.
func Split[K comparable, T any](
	items []T,
	key func(T) K,
	weight func(T) float64,
	maxWeight float64,
) ([]Block[K, T], error) {
	if len(items) == 0 {
		return nil, nil
	}

	order := make([]K, 0, 8)
	groups := make(map[K][]T, 8)

	for _, item := range items {
		k := key(item)
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}

		groups[k] = append(groups[k], item)
	}

	blocks := make([]Block[K, T], 0, len(order))

	for _, k := range order {
		current := Block[K, T]{Key: k}

		for _, item := range groups[k] {
			w := weight(item)
			if w < 0 || math.IsNaN(w) {
				return nil, fmt.Errorf("%w: %v", ErrNegativeWeight, w)
			}

			if maxWeight > 0 && len(current.Items) > 0 && current.Weight+w > maxWeight {
				blocks = append(blocks, current)
				current = Block[K, T]{Key: k}
			}

			current.Items = append(current.Items, item)
			current.Weight += w
		}

		if len(current.Items) > 0 {
			blocks = append(blocks, current)
		}
	}

	return blocks, nil
}

// TotalWeight sums the weight of all items.
func TotalWeight[T any](items []T, weight func(T) float64) float64 {
	var total float64
	for _, item := range items {
		total += weight(item)
	}

	return total
}
