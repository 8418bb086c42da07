// Package risk turns ground motion into losses and aggregates them by
// event and tag combination with packed integer keys.
package risk

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/ethpandaops/shakeoor/pkg/site"
)

// AllAssetsID is the aggregation id of the all-assets aggregate. Tag
// combinations are numbered from 1.
const AllAssetsID uint32 = 0

// ErrKeyOverflow is returned when a pair does not fit a packed key.
var ErrKeyOverflow = errors.New("packed key overflow")

// Packer encodes (event id, aggregation id) as event*space + aggregation,
// where space is the number of aggregation units.
type Packer struct {
	space    uint64
	maxEvent uint64
}

// NewPacker returns a packer for numUnits aggregation units, including the
// all-assets unit.
func NewPacker(numUnits uint64) Packer {
	space := max(numUnits, 1)

	return Packer{
		space:    space,
		maxEvent: (math.MaxUint64 - (space - 1)) / space,
	}
}

// Space returns the multiplier of the event id.
func (p Packer) Space() uint64 {
	return p.space
}

// Pack encodes (event id, aggregation id) as one integer.
func (p Packer) Pack(eventID uint64, aggID uint32) (uint64, error) {
	if uint64(aggID) >= p.space {
		return 0, fmt.Errorf("%w: aggregation id %d, %d units", ErrKeyOverflow, aggID, p.space)
	}

	if eventID > p.maxEvent {
		return 0, fmt.Errorf("%w: event id %d, %d units", ErrKeyOverflow, eventID, p.space)
	}

	return eventID*p.space + uint64(aggID), nil
}

// Unpack recovers (event id, aggregation id) from a packed key.
func (p Packer) Unpack(key uint64) (uint64, uint32) {
	return key / p.space, uint32(key % p.space)
}

// AggKey is one tag combination.
type AggKey struct {
	ID   uint32   `json:"agg_id"`
	Tags []string `json:"tags"`
}

// String renders the combination as tag=value pairs.
func (k AggKey) String() string {
	return strings.Join(k.Tags, ",")
}

// AggKeys lists the tag combinations of the exposure, with ids 1..K.
type AggKeys struct {
	Keys []AggKey
	// ByAsset holds, for every aggregate_by entry, the combination id of
	// each asset.
	ByAsset [][]uint32
}

// K returns the number of tag combinations.
func (a *AggKeys) K() uint32 {
	if a == nil {
		return 0
	}

	return uint32(len(a.Keys))
}

// AllAssets returns the id of the all-assets aggregate.
func (a *AggKeys) AllAssets() uint32 {
	return AllAssetsID
}

// Packer returns the key packer for the K+1 aggregation units.
func (a *AggKeys) Packer() Packer {
	return NewPacker(uint64(a.K()) + 1)
}

// BuildAggKeys enumerates the tag combinations found in the exposure for
// every aggregate_by entry, in first-appearance order.
func BuildAggKeys(assets []site.Asset, aggregateBy [][]string) (*AggKeys, error) {
	out := &AggKeys{ByAsset: make([][]uint32, len(aggregateBy))}
	ids := make(map[string]uint32, 16)

	for g, tagNames := range aggregateBy {
		if len(tagNames) == 0 {
			return nil, fmt.Errorf("aggregate_by entry %d is empty", g)
		}

		out.ByAsset[g] = make([]uint32, len(assets))

		for i := range assets {
			a := &assets[i]
			tags := make([]string, len(tagNames))

			for t, name := range tagNames {
				tags[t] = name + "=" + a.Tag(name)
			}

			name := strings.Join(tags, ",")

			id, ok := ids[name]
			if !ok {
				if len(out.Keys) >= math.MaxUint32 {
					return nil, fmt.Errorf("too many tag combinations: %d", len(out.Keys)+1)
				}

				id = uint32(len(out.Keys)) + 1
				ids[name] = id
				out.Keys = append(out.Keys, AggKey{ID: id, Tags: tags})
			}

			out.ByAsset[g][a.ID] = id
		}
	}

	return out, nil
}

// sortedByKey returns the permutation that sorts (keys, sub) pairs.
func sortedByKey(keys []uint64, sub []uint8) []int {
	idx := make([]int, len(keys))
	for i := range idx {
		idx[i] = i
	}

	sort.Slice(idx, func(a, b int) bool {
		ia, ib := idx[a], idx[b]
		if keys[ia] != keys[ib] {
			return keys[ia] < keys[ib]
		}

		return sub[ia] < sub[ib]
	})

	return idx
}
