// Package hazard folds per-task exceedance probabilities into hazard
// curves, one probability map per realization.
package hazard

import (
	"errors"
	"fmt"
	"math"
)

// Epsilon is the rounding tolerance above 1 that merged probabilities may
// reach before being clamped.
const Epsilon = 1e-12

var (
	// ErrInvalidProbability is returned when a contribution or merged
	// value is outside [0, 1+Epsilon].
	ErrInvalidProbability = errors.New("invalid probability of exceedance")

	// ErrRealizationMismatch is returned when the number of probability
	// maps differs from the number of realizations.
	ErrRealizationMismatch = errors.New("realization count mismatch")

	// ErrSiteOutOfRange is returned when a probability map holds a site id
	// outside the site collection.
	ErrSiteOutOfRange = errors.New("site id out of range")
)

// Key identifies one curve: a realization, a site and an IMT index.
type Key struct {
	Rlz  uint16
	Site uint32
	IMT  int
}

// Contribution holds the exceedance probabilities computed by one task,
// one vector of levels per key.
type Contribution map[Key][]float64

// ProbabilityMap maps site ids to the M*L1 probabilities of one
// realization, IMT-major.
type ProbabilityMap map[uint32][]float64

// Combine returns the probability that at least one of two independent
// events with probabilities p and q occurs.
func Combine(p, q float64) float64 {
	return 1 - (1-p)*(1-q)
}

// Accumulator owns one probability map per realization. It is not safe
// for concurrent use: a single fold goroutine merges every contribution.
type Accumulator struct {
	numIMTs   int
	numLevels int
	pmaps     []ProbabilityMap
}

// NewAccumulator returns an accumulator for numRlzs realizations and
// numIMTs curves of numLevels levels each.
func NewAccumulator(numRlzs, numIMTs, numLevels int) *Accumulator {
	a := &Accumulator{
		numIMTs:   numIMTs,
		numLevels: numLevels,
		pmaps:     make([]ProbabilityMap, numRlzs),
	}

	for r := range a.pmaps {
		a.pmaps[r] = make(ProbabilityMap, 64)
	}

	return a
}

// Merge folds a contribution in. Probabilities only grow. Rounding
// overshoot up to 1+Epsilon is clamped to 1; anything else outside [0, 1]
// is an error, and the accumulator is left partially updated.
func (a *Accumulator) Merge(c Contribution) error {
	for key, poes := range c {
		if int(key.Rlz) >= len(a.pmaps) {
			return fmt.Errorf("%w: realization %d, have %d", ErrRealizationMismatch, key.Rlz, len(a.pmaps))
		}

		if key.IMT < 0 || key.IMT >= a.numIMTs {
			return fmt.Errorf("imt index %d out of range", key.IMT)
		}

		if len(poes) != a.numLevels {
			return fmt.Errorf("expected %d levels, got %d", a.numLevels, len(poes))
		}

		pmap := a.pmaps[key.Rlz]

		arr, ok := pmap[key.Site]
		if !ok {
			arr = make([]float64, a.numIMTs*a.numLevels)
			pmap[key.Site] = arr
		}

		cur := arr[key.IMT*a.numLevels : (key.IMT+1)*a.numLevels]

		for l, q := range poes {
			if math.IsNaN(q) || q < 0 || q > 1+Epsilon {
				return fmt.Errorf("%w: %v for %+v level %d", ErrInvalidProbability, q, key, l)
			}

			merged := Combine(cur[l], math.Min(q, 1))
			if merged > 1+Epsilon || merged < 0 {
				return fmt.Errorf("%w: merged %v for %+v level %d", ErrInvalidProbability, merged, key, l)
			}

			cur[l] = math.Min(merged, 1)
		}
	}

	return nil
}

// NumRealizations returns the number of probability maps.
func (a *Accumulator) NumRealizations() int {
	return len(a.pmaps)
}

// Map returns the probability map of a realization.
func (a *Accumulator) Map(rlz int) ProbabilityMap {
	return a.pmaps[rlz]
}

// CheckRealizations verifies that there is one probability map per
// realization.
func (a *Accumulator) CheckRealizations(numRlzs int) error {
	if len(a.pmaps) != numRlzs {
		return fmt.Errorf("%w: expected %d pmaps, got %d", ErrRealizationMismatch, numRlzs, len(a.pmaps))
	}

	return nil
}

// Curves returns the dense curves of every site and realization.
func (a *Accumulator) Curves(numSites int) (*Curves, error) {
	c := NewCurves(numSites, len(a.pmaps), a.numIMTs, a.numLevels)

	for r, pmap := range a.pmaps {
		for sid, arr := range pmap {
			if uint64(sid) >= uint64(numSites) {
				return nil, fmt.Errorf("%w: site %d in realization %d, %d sites", ErrSiteOutOfRange, sid, r, numSites)
			}

			copy(c.Data[c.offset(int(sid), r, 0):], arr)
		}
	}

	return c, nil
}
