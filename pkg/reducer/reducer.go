// Package reducer builds per-site statistics from stored ground motion.
package reducer

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/ethpandaops/shakeoor/pkg/gmf"
)

// floorIML replaces non-positive intensities when the minimum intensity
// of an IMT is zero too.
const floorIML = 1e-10

// ErrNoRelevantEvents is returned when no stored row has a non-zero value.
var ErrNoRelevantEvents = errors.New(
	"no GMFs were generated, perhaps they were all below the minimum_intensity threshold",
)

// RelevantEvents returns the distinct event ids in ascending order.
func RelevantEvents(eids []uint64) ([]uint64, error) {
	if len(eids) == 0 {
		return nil, ErrNoRelevantEvents
	}

	sorted := append([]uint64(nil), eids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	out := sorted[:1]
	for _, e := range sorted[1:] {
		if e != out[len(out)-1] {
			out = append(out, e)
		}
	}

	return out, nil
}

// AvgGMF is the weighted geometric mean and standard deviation of the
// ground motion at each site, laid out as [2][N][M].
type AvgGMF struct {
	NumSites int
	NumIMTs  int
	Data     []float32
}

// Shape returns [2, N, M].
func (a *AvgGMF) Shape() []int {
	return []int{2, a.NumSites, a.NumIMTs}
}

// Mean returns the geometric mean at site s for IMT m.
func (a *AvgGMF) Mean(s, m int) float32 {
	return a.Data[s*a.NumIMTs+m]
}

// Std returns the geometric standard deviation at site s for IMT m.
func (a *AvgGMF) Std(s, m int) float32 {
	return a.Data[(a.NumSites+s)*a.NumIMTs+m]
}

// ComputeAvgGMF reduces the stored rows of a calculation. eventWeights has
// one entry per event, indexed by event id. Events with no row at a site
// count as minIML there. Sites with no rows at all are left at zero.
func ComputeAvgGMF(rows *gmf.RowSet, eventWeights []float64, minIML []float64, numSites int) (*AvgGMF, error) {
	m := len(minIML)
	e := len(eventWeights)

	if rows.Len() > 0 && rows.NumIMTs() != m {
		return nil, fmt.Errorf("rows have %d IMTs, expected %d", rows.NumIMTs(), m)
	}

	var total float64
	for _, w := range eventWeights {
		total += w
	}

	if total <= 0 {
		return nil, fmt.Errorf("event weights must have a positive sum")
	}

	floor := make([]float64, m)
	for j, v := range minIML {
		floor[j] = v
		if floor[j] <= 0 {
			floor[j] = floorIML
		}
	}

	bySite := make(map[uint32][]int, numSites)

	for i := 0; i < rows.Len(); i++ {
		sid := rows.SiteID[i]
		if int(sid) >= numSites {
			return nil, fmt.Errorf("site %d out of range", sid)
		}

		if rows.EventID[i] >= uint64(e) {
			return nil, fmt.Errorf("event %d has no weight", rows.EventID[i])
		}

		bySite[sid] = append(bySite[sid], i)
	}

	out := &AvgGMF{NumSites: numSites, NumIMTs: m, Data: make([]float32, 2*numSites*m)}
	logs := make([]float64, e*m)

	for sid, idx := range bySite {
		for ev := 0; ev < e; ev++ {
			for j := 0; j < m; j++ {
				logs[ev*m+j] = math.Log(floor[j])
			}
		}

		for _, i := range idx {
			ev := int(rows.EventID[i])

			for j, v := range rows.Values(i) {
				x := float64(v)
				if x <= 0 {
					x = floor[j]
				}

				logs[ev*m+j] = math.Log(x)
			}
		}

		for j := 0; j < m; j++ {
			var mean float64
			for ev, w := range eventWeights {
				mean += w * logs[ev*m+j]
			}

			mean /= total

			var variance float64
			for ev, w := range eventWeights {
				d := logs[ev*m+j] - mean
				variance += w * d * d
			}

			variance /= total

			out.Data[int(sid)*m+j] = float32(math.Exp(mean))
			out.Data[(numSites+int(sid))*m+j] = float32(math.Exp(math.Sqrt(variance)))
		}
	}

	return out, nil
}
