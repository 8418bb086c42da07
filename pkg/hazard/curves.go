package hazard

import (
	"fmt"
	"math"
)

// minPoE keeps logarithms finite when interpolating hazard maps.
const minPoE = 1e-30

// Curves is a dense N x S x M x L1 array of exceedance probabilities,
// where S counts realizations or statistics.
type Curves struct {
	N, S, M, L1 int
	Data        []float64
}

// NewCurves allocates zeroed curves.
func NewCurves(n, s, m, l1 int) *Curves {
	return &Curves{N: n, S: s, M: m, L1: l1, Data: make([]float64, n*s*m*l1)}
}

func (c *Curves) offset(n, s, m int) int {
	return ((n*c.S+s)*c.M + m) * c.L1
}

// Curve returns the levels of one site, realization or statistic and IMT.
func (c *Curves) Curve(n, s, m int) []float64 {
	off := c.offset(n, s, m)

	return c.Data[off : off+c.L1]
}

// Shape returns the dimensions.
func (c *Curves) Shape() []int {
	return []int{c.N, c.S, c.M, c.L1}
}

// Float32 converts the data for storage.
func (c *Curves) Float32() []float32 {
	out := make([]float32, len(c.Data))
	for i, v := range c.Data {
		out[i] = float32(v)
	}

	return out
}

// MeanCurves returns the weighted mean over realizations, with S = 1.
func (c *Curves) MeanCurves(weights []float64) (*Curves, error) {
	if len(weights) != c.S {
		return nil, fmt.Errorf("%w: %d weights for %d realizations", ErrRealizationMismatch, len(weights), c.S)
	}

	var total float64
	for _, w := range weights {
		total += w
	}

	if total <= 0 {
		return nil, fmt.Errorf("realization weights sum to %v", total)
	}

	mean := NewCurves(c.N, 1, c.M, c.L1)

	for n := 0; n < c.N; n++ {
		for m := 0; m < c.M; m++ {
			dst := mean.Curve(n, 0, m)

			for r, w := range weights {
				src := c.Curve(n, r, m)
				for l := range dst {
					dst[l] += w / total * src[l]
				}
			}
		}
	}

	return mean, nil
}

// HazardMap returns, for every target probability, the intensity with that
// probability of exceedance on curve, interpolating in log-log space. The
// result is 0 when the target is above every value of the curve.
func HazardMap(curve, imls, poes []float64) ([]float64, error) {
	if len(curve) != len(imls) {
		return nil, fmt.Errorf("curve has %d levels, imls %d", len(curve), len(imls))
	}

	out := make([]float64, len(poes))

	maxPoE := 0.0
	for _, p := range curve {
		maxPoE = math.Max(maxPoE, p)
	}

	// Curves decrease with the intensity level; walk them reversed so the
	// probabilities increase.
	n := len(curve)
	logPoEs := make([]float64, n)
	logIMLs := make([]float64, n)

	for i := 0; i < n; i++ {
		logPoEs[i] = math.Log(math.Max(curve[n-1-i], minPoE))
		logIMLs[i] = math.Log(imls[n-1-i])
	}

	for p, poe := range poes {
		if n == 0 || poe > maxPoE {
			continue
		}

		out[p] = math.Exp(interp(math.Log(poe), logPoEs, logIMLs))
	}

	return out, nil
}

// HazardMaps computes the maps of every curve: an N x S x M x P array.
func HazardMaps(c *Curves, imls [][]float64, poes []float64) ([]float64, error) {
	if len(imls) != c.M {
		return nil, fmt.Errorf("got levels for %d imts, curves have %d", len(imls), c.M)
	}

	p := len(poes)
	out := make([]float64, 0, c.N*c.S*c.M*p)

	for n := 0; n < c.N; n++ {
		for s := 0; s < c.S; s++ {
			for m := 0; m < c.M; m++ {
				hmap, err := HazardMap(c.Curve(n, s, m), imls[m], poes)
				if err != nil {
					return nil, err
				}

				out = append(out, hmap...)
			}
		}
	}

	return out, nil
}

// interp is a piecewise-linear interpolation over increasing xs, clamped
// to the end values outside the range.
func interp(x float64, xs, ys []float64) float64 {
	if x <= xs[0] {
		return ys[0]
	}

	last := len(xs) - 1
	if x >= xs[last] {
		return ys[last]
	}

	for i := 1; i <= last; i++ {
		if x <= xs[i] {
			dx := xs[i] - xs[i-1]
			if dx == 0 {
				return ys[i]
			}

			return ys[i-1] + (x-xs[i-1])/dx*(ys[i]-ys[i-1])
		}
	}

	return ys[last]
}

// EmpiricalPoEs converts the intensities recorded for one site and
// realization into exceedance probabilities at each level:
//
//	poe[l] = 1 - exp(-count(gmv >= iml[l]) / ses)
func EmpiricalPoEs(gmvs []float32, imls []float64, ses int) []float64 {
	poes := make([]float64, len(imls))
	if ses <= 0 {
		return poes
	}

	for l, iml := range imls {
		var (
			count int
			level = float32(iml)
		)

		for _, v := range gmvs {
			if v >= level {
				count++
			}
		}

		poes[l] = 1 - math.Exp(-float64(count)/float64(ses))
	}

	return poes
}
