// Package worker simulates the ground motion of one block of ruptures and,
// for risk calculations, the losses it causes.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ethpandaops/shakeoor/pkg/gmf"
	"github.com/ethpandaops/shakeoor/pkg/hazard"
	"github.com/ethpandaops/shakeoor/pkg/monitor"
	"github.com/ethpandaops/shakeoor/pkg/rupture"
	"github.com/ethpandaops/shakeoor/pkg/site"
	"github.com/sirupsen/logrus"
)

// Operation names recorded by the worker.
const (
	OpFilter  = "filtering ruptures"
	OpCompute = "computing gmfs"
	OpCurves  = "building hazard curves"
	OpLosses  = "computing losses"
)

// Unit is one block of ruptures sharing a source group.
type Unit struct {
	TaskNo   int
	Ruptures []rupture.Rupture
}

// Context is the read-only state shared by every unit of a calculation.
type Context struct {
	Log        logrus.FieldLogger
	Catalog    *rupture.Catalog
	LogicTree  *rupture.LogicTree
	Sites      *site.Collection
	Filter     site.Filter
	Evaluator  gmf.Evaluator
	Guard      *monitor.MemoryGuard
	MasterSeed uint64

	IMTs   []string
	IMLs   [][]float64
	MinIML []float64
	// MinMagnitude maps tectonic region types, or "default", to the
	// smallest magnitude worth simulating.
	MinMagnitude map[string]float64
	SES          int

	GroundMotionFields bool
	HazardCurves       bool

	Risk *RiskContext
}

func (c *Context) minMagnitude(trt string) float64 {
	if m, ok := c.MinMagnitude[trt]; ok {
		return m
	}

	return c.MinMagnitude[site.DefaultTRT]
}

// RuptureTime is the cost of one rupture.
type RuptureTime struct {
	RupID    uint32
	NumSites int
	Duration time.Duration
	TaskNo   int
}

// Stats counts what happened to the ruptures of a unit.
type Stats struct {
	Ruptures         int
	FilteredMag      int
	FilteredDistance int
	FarAway          int
	Rows             int
	ZeroRows         int
}

// Result is the output of Simulate.
type Result struct {
	TaskNo int
	// GMFs is nil when ground motion fields are not kept.
	GMFs       *gmf.RowSet
	HCurves    hazard.Contribution
	Times      []RuptureTime
	Stats      Stats
	Operations *monitor.Operations
}

// Simulate computes the ground motion of every rupture of a unit. Filtered
// and far away ruptures are counted and skipped. Crossing the hard memory
// limit aborts the unit with monitor.ErrOutOfMemory.
func Simulate(ctx context.Context, unit Unit, shared *Context) (*Result, error) {
	res := &Result{
		TaskNo:     unit.TaskNo,
		HCurves:    hazard.Contribution{},
		Operations: monitor.NewOperations(),
	}

	rows := gmf.NewRowSet(len(shared.IMTs))

	for i := range unit.Ruptures {
		rup := &unit.Ruptures[i]

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if err := shared.Guard.Check(); err != nil {
			return nil, fmt.Errorf("task %d rupture %d: %w", unit.TaskNo, rup.ID, err)
		}

		res.Stats.Ruptures++

		start := time.Now()

		n, err := simulateRupture(ctx, rup, shared, rows, res)
		if err != nil {
			return nil, fmt.Errorf("rupture %d: %w", rup.ID, err)
		}

		res.Times = append(res.Times, RuptureTime{
			RupID:    rup.ID,
			NumSites: n,
			Duration: time.Since(start),
			TaskNo:   unit.TaskNo,
		})
	}

	sort.Slice(res.Times, func(a, b int) bool { return res.Times[a].RupID < res.Times[b].RupID })

	stripped := rows.StripZeros()
	res.Stats.Rows = stripped.Len()
	res.Stats.ZeroRows = rows.Len() - stripped.Len()

	if shared.HazardCurves {
		done := res.Operations.Measure(OpCurves)
		res.HCurves = buildCurves(stripped, shared.IMLs, shared.SES)
		done()
	}

	if shared.GroundMotionFields {
		res.GMFs = stripped
	}

	return res, nil
}

// simulateRupture appends the rows of one rupture and returns the number
// of sites it reached.
func simulateRupture(
	ctx context.Context,
	rup *rupture.Rupture,
	shared *Context,
	rows *gmf.RowSet,
	res *Result,
) (int, error) {
	done := res.Operations.Measure(OpFilter)

	trt, err := shared.LogicTree.TRT(rup.TRTSMR)
	if err != nil {
		done()

		return 0, err
	}

	if rup.Mag < shared.minMagnitude(trt) {
		res.Stats.FilteredMag++
		done()

		return 0, nil
	}

	sids := shared.Filter.CloseSites(rup.Lon, rup.Lat, trt)
	events := shared.Catalog.EventsOf(rup.ID)

	done()

	if len(sids) == 0 {
		res.Stats.FilteredDistance++

		return 0, nil
	}

	if len(events) == 0 {
		return len(sids), nil
	}

	rlzsByGSIM, err := shared.LogicTree.RlzsByGSIM(rup.TRTSMR)
	if err != nil {
		return 0, err
	}

	done = res.Operations.Measure(OpCompute)
	defer done()

	out, err := shared.Evaluator.Compute(ctx, &gmf.Request{
		Rupture:    *rup,
		TRT:        trt,
		Sites:      shared.Sites.Filtered(sids),
		Events:     events,
		RlzsByGSIM: rlzsByGSIM,
		IMTs:       shared.IMTs,
		MasterSeed: shared.MasterSeed,
	})
	if errors.Is(err, gmf.ErrFarAwayRupture) {
		res.Stats.FarAway++

		return len(sids), nil
	}

	if err != nil {
		return 0, err
	}

	if out.Len() == 0 {
		return len(sids), nil
	}

	out.ApplyMinIML(shared.MinIML)

	if err := rows.AppendSet(out); err != nil {
		return 0, err
	}

	return len(sids), nil
}

// buildCurves estimates exceedance probabilities per (site, realization)
// from the stored rows.
func buildCurves(rows *gmf.RowSet, imls [][]float64, ses int) hazard.Contribution {
	out := make(hazard.Contribution, rows.Len())
	order, groups := rows.GroupBySiteRlz()

	gmvs := make([]float32, 0, 64)

	for _, key := range order {
		idx := groups[key]

		for m, levels := range imls {
			if len(levels) == 0 {
				continue
			}

			gmvs = gmvs[:0]
			for _, i := range idx {
				gmvs = append(gmvs, rows.GMV[m][i])
			}

			out[hazard.Key{Rlz: key.Rlz, Site: key.Site, IMT: m}] = hazard.EmpiricalPoEs(gmvs, levels, ses)
		}
	}

	return out
}
