package partition

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item struct {
	id     int
	group  string
	weight float64
}

func itemKey(i item) string { return i.group }

func itemWeight(i item) float64 { return i.weight }

func blockIDs(b Block[string, item]) []int {
	ids := make([]int, len(b.Items))
	for i, it := range b.Items {
		ids[i] = it.id
	}

	return ids
}

func TestSplit_OversizeItemAlone(t *testing.T) {
	items := []item{
		{id: 0, group: "g", weight: 5},
		{id: 1, group: "g", weight: 5},
		{id: 2, group: "g", weight: 12},
	}

	blocks, err := Split(items, itemKey, itemWeight, 10)
	require.NoError(t, err)
	require.Len(t, blocks, 2)

	assert.Equal(t, []int{0, 1}, blockIDs(blocks[0]))
	assert.InDelta(t, 10.0, blocks[0].Weight, 1e-12)
	assert.Equal(t, []int{2}, blockIDs(blocks[1]))
	assert.InDelta(t, 12.0, blocks[1].Weight, 1e-12)
}

func TestSplit_KeysNeverMix(t *testing.T) {
	items := []item{
		{id: 0, group: "a", weight: 1},
		{id: 1, group: "b", weight: 1},
		{id: 2, group: "a", weight: 1},
		{id: 3, group: "b", weight: 1},
		{id: 4, group: "c", weight: 1},
	}

	blocks, err := Split(items, itemKey, itemWeight, 100)
	require.NoError(t, err)
	require.Len(t, blocks, 3)

	assert.Equal(t, "a", blocks[0].Key)
	assert.Equal(t, []int{0, 2}, blockIDs(blocks[0]))
	assert.Equal(t, "b", blocks[1].Key)
	assert.Equal(t, []int{1, 3}, blockIDs(blocks[1]))
	assert.Equal(t, "c", blocks[2].Key)
}

func TestSplit_Edges(t *testing.T) {
	tests := []struct {
		name      string
		items     []item
		maxWeight float64
		want      [][]int
		wantErr   bool
	}{
		{
			name:  "empty input",
			items: nil,
			want:  nil,
		},
		{
			name: "no limit gives one block per key",
			items: []item{
				{id: 0, group: "g", weight: 50},
				{id: 1, group: "g", weight: 50},
			},
			maxWeight: 0,
			want:      [][]int{{0, 1}},
		},
		{
			name: "zero weights share a block",
			items: []item{
				{id: 0, group: "g", weight: 0},
				{id: 1, group: "g", weight: 0},
			},
			maxWeight: 1,
			want:      [][]int{{0, 1}},
		},
		{
			name: "exact fit stays together",
			items: []item{
				{id: 0, group: "g", weight: 4},
				{id: 1, group: "g", weight: 6},
				{id: 2, group: "g", weight: 1},
			},
			maxWeight: 10,
			want:      [][]int{{0, 1}, {2}},
		},
		{
			name: "negative weight",
			items: []item{
				{id: 0, group: "g", weight: -1},
			},
			maxWeight: 10,
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blocks, err := Split(tt.items, itemKey, itemWeight, tt.maxWeight)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrNegativeWeight)

				return
			}

			require.NoError(t, err)

			var got [][]int
			for _, b := range blocks {
				got = append(got, blockIDs(b))
			}

			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSplit_Coverage(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))

	for trial := 0; trial < 50; trial++ {
		n := rng.IntN(200)
		items := make([]item, n)

		for i := range items {
			items[i] = item{
				id:     i,
				group:  string(rune('a' + rng.IntN(4))),
				weight: float64(rng.IntN(30)),
			}
		}

		maxWeight := float64(1 + rng.IntN(40))

		blocks, err := Split(items, itemKey, itemWeight, maxWeight)
		require.NoError(t, err)

		seen := make(map[int]int, n)

		for _, b := range blocks {
			require.NotEmpty(t, b.Items)

			if len(b.Items) > 1 {
				assert.LessOrEqual(t, b.Weight, maxWeight)
			}

			for _, it := range b.Items {
				assert.Equal(t, b.Key, it.group)
				seen[it.id]++
			}
		}

		require.Len(t, seen, n)

		for id, count := range seen {
			assert.Equal(t, 1, count, "item %d", id)
		}
	}
}

func TestMaxWeight(t *testing.T) {
	tests := []struct {
		name   string
		total  float64
		budget Budget
		want   float64
	}{
		{
			name:   "concurrency only",
			total:  100,
			budget: Budget{ConcurrentTasks: 4},
			want:   25,
		},
		{
			name:   "rounds up",
			total:  10,
			budget: Budget{ConcurrentTasks: 3},
			want:   4,
		},
		{
			name:   "time budget is tighter",
			total:  1000,
			budget: Budget{ConcurrentTasks: 2, TimePerTask: 10 * time.Second, SecondsPerWeight: 0.5},
			want:   20,
		},
		{
			name:   "time budget ignored without cost estimate",
			total:  1000,
			budget: Budget{ConcurrentTasks: 2, TimePerTask: 10 * time.Second},
			want:   500,
		},
		{
			name:   "no concurrency target",
			total:  7,
			budget: Budget{},
			want:   7,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, MaxWeight(tt.total, tt.budget), 1e-12)
		})
	}
}

func TestTotalWeight(t *testing.T) {
	items := []item{{weight: 1.5}, {weight: 2.5}}
	assert.InDelta(t, 4.0, TotalWeight(items, itemWeight), 1e-12)
}
