package runner

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/docker/go-units"
	"github.com/ethpandaops/shakeoor/pkg/calcstore"
	"github.com/ethpandaops/shakeoor/pkg/config"
	"github.com/ethpandaops/shakeoor/pkg/datastore"
	"github.com/ethpandaops/shakeoor/pkg/gmf"
	"github.com/ethpandaops/shakeoor/pkg/hazard"
	"github.com/ethpandaops/shakeoor/pkg/metrics"
	"github.com/ethpandaops/shakeoor/pkg/monitor"
	"github.com/ethpandaops/shakeoor/pkg/partition"
	"github.com/ethpandaops/shakeoor/pkg/risk"
	"github.com/ethpandaops/shakeoor/pkg/rupture"
	"github.com/ethpandaops/shakeoor/pkg/worker"
	"github.com/sirupsen/logrus"
)

// Table names.
const (
	TableRuptures    = "ruptures"
	TableEvents      = "events"
	TableSites       = "sitecol"
	TableGMFData     = "gmf_data"
	TableTaskTimes   = "task_times"
	TableRiskByEvent = "risk_by_event"
)

// Array names.
const (
	ArrayAvgGMF       = "avg_gmf"
	ArrayHCurvesRlzs  = "hcurves-rlzs"
	ArrayHCurvesStats = "hcurves-stats"
	ArrayHMapsRlzs    = "hmaps-rlzs"
	ArrayHMapsStats   = "hmaps-stats"
	// Average loss arrays are suffixed with the loss type.
	ArrayAvgLossesRlzs  = "avg_losses-rlzs_"
	ArrayAvgLossesStats = "avg_losses-stats_"
)

// GMVColumn returns the gmf_data column of the m-th IMT.
func GMVColumn(m int) string {
	return "gmv_" + strconv.Itoa(m)
}

// calculation is the state of one run. Everything except shared is owned
// by the goroutine calling run.
type calculation struct {
	log     logrus.FieldLogger
	cfg     *config.Config
	ds      *datastore.Store
	metrics *metrics.Metrics
	guard   *monitor.MemoryGuard

	shared  *worker.Context
	units   []worker.Unit
	weights []float64

	curves  *hazard.Accumulator
	losses  *risk.Aggregator
	ops     *monitor.Operations
	summary *Summary
	timings []*calcstore.TaskTiming
}

// taskResult wraps a worker result with its cost.
type taskResult struct {
	res      *worker.Result
	losses   *risk.TaskOutput
	duration time.Duration
}

func newCalculation(
	log logrus.FieldLogger,
	cfg *config.Config,
	ds *datastore.Store,
	m *metrics.Metrics,
	memReader monitor.Reader,
) *calculation {
	return &calculation{
		log:     log,
		cfg:     cfg,
		ds:      ds,
		metrics: m,
		guard:   monitor.NewMemoryGuard(log, memReader, cfg.Global.SoftMemLimit, cfg.Global.HardMemLimit),
		ops:     monitor.NewOperations(),
		summary: &Summary{Mode: cfg.Calculation.Mode},
	}
}

func (c *calculation) run(ctx context.Context) error {
	if err := c.readInputs(); err != nil {
		return err
	}

	if err := c.split(); err != nil {
		return err
	}

	if err := c.createTables(); err != nil {
		return err
	}

	start := time.Now()

	err := starmap(ctx, c.cfg.Calculation.ConcurrentTasks, c.units, c.task, c.fold)

	c.ops.Add("total "+c.cfg.Calculation.Mode, time.Since(start))
	c.summary.Operations = c.ops.List()

	if err != nil {
		return err
	}

	if err := c.postExecute(); err != nil {
		return err
	}

	c.summary.Operations = c.ops.List()

	return c.ds.SetAttr("performance", c.summary.Operations)
}

// split partitions the ruptures into work units by source group.
func (c *calculation) split() error {
	calc := &c.cfg.Calculation

	tpt, err := calc.GetTimePerTask()
	if err != nil {
		return err
	}

	rups := c.shared.Catalog.Ruptures
	total := partition.TotalWeight(rups, rupture.Rupture.Weight)
	maxWeight := partition.MaxWeight(total, partition.Budget{
		ConcurrentTasks:  calc.ConcurrentTasks,
		TimePerTask:      tpt,
		SecondsPerWeight: calc.SecondsPerWeight,
	})

	blocks, err := partition.Split(rups, rupture.Rupture.Group, rupture.Rupture.Weight, maxWeight)
	if err != nil {
		return fmt.Errorf("splitting ruptures: %w", err)
	}

	if len(blocks) == 0 {
		return rupture.ErrNoRuptures
	}

	c.units = make([]worker.Unit, len(blocks))
	c.weights = make([]float64, len(blocks))

	for i, b := range blocks {
		c.units[i] = worker.Unit{TaskNo: i, Ruptures: b.Items}
		c.weights[i] = b.Weight
	}

	c.summary.NumTasks = len(blocks)

	c.log.WithFields(logrus.Fields{
		"tasks":      len(blocks),
		"max_weight": maxWeight,
		"weight":     total,
	}).Info("Split ruptures into tasks")

	return nil
}

// createTables declares every table the fold extends, before any task
// starts.
func (c *calculation) createTables() error {
	if c.shared.GroundMotionFields {
		cols := []datastore.Column{
			{Name: "sid", Type: datastore.Uint32},
			{Name: "eid", Type: datastore.Uint64},
		}

		for m := range c.shared.IMTs {
			cols = append(cols, datastore.Column{Name: GMVColumn(m), Type: datastore.Float32})
		}

		if err := c.ds.CreateTable(TableGMFData, cols...); err != nil {
			return err
		}
	}

	err := c.ds.CreateTable(TableTaskTimes,
		datastore.Column{Name: "rup_id", Type: datastore.Uint32},
		datastore.Column{Name: "num_sites", Type: datastore.Uint32},
		datastore.Column{Name: "duration", Type: datastore.Float64},
		datastore.Column{Name: "task_no", Type: datastore.Uint16},
	)
	if err != nil {
		return err
	}

	if c.shared.Risk == nil {
		return nil
	}

	return c.ds.CreateTable(TableRiskByEvent,
		datastore.Column{Name: "event_id", Type: datastore.Uint64},
		datastore.Column{Name: "agg_id", Type: datastore.Uint32},
		datastore.Column{Name: "loss_id", Type: datastore.Uint8},
		datastore.Column{Name: "loss", Type: datastore.Float64},
		datastore.Column{Name: "variance", Type: datastore.Float64},
	)
}

// task runs one unit. It executes concurrently and only reads shared.
func (c *calculation) task(ctx context.Context, unit worker.Unit) (*taskResult, error) {
	start := time.Now()

	out := &taskResult{}

	var err error

	if c.shared.Risk != nil {
		var rr *worker.RiskResult

		rr, err = worker.SimulateRisk(ctx, unit, c.shared)
		if rr != nil {
			out.res = rr.Result
			out.losses = rr.Losses
		}
	} else {
		out.res, err = worker.Simulate(ctx, unit, c.shared)
	}

	out.duration = time.Since(start)
	c.metrics.ObserveTask(c.cfg.Calculation.Mode, out.duration, err)

	if err != nil {
		return nil, fmt.Errorf("task %d: %w", unit.TaskNo, err)
	}

	return out, nil
}

// fold persists and merges one task result. It is the only writer of the
// datastore and of the accumulators.
func (c *calculation) fold(out *taskResult) error {
	if out == nil || out.res == nil {
		return fmt.Errorf("%w: a task returned no result", monitor.ErrOutOfMemory)
	}

	res := out.res
	timing := &calcstore.TaskTiming{
		CalcID:      c.summary.CalcID,
		TaskNo:      res.TaskNo,
		NumRuptures: res.Stats.Ruptures,
		DurationNs:  out.duration.Nanoseconds(),
	}

	if res.TaskNo >= 0 && res.TaskNo < len(c.weights) {
		timing.Weight = c.weights[res.TaskNo]
	}

	done := c.ops.Measure("saving results")
	defer done()

	if n := res.GMFs.Len(); n > 0 {
		data := map[string]any{
			"sid": res.GMFs.SiteID,
			"eid": res.GMFs.EventID,
		}

		for m, col := range res.GMFs.GMV {
			data[GMVColumn(m)] = col
		}

		if _, err := c.ds.Extend(TableGMFData, data); err != nil {
			return err
		}

		c.summary.GMFRows += uint64(n)
		timing.GMFRows = n
		c.metrics.AddGMFRows(n)
	}

	if err := c.saveTimes(res.Times); err != nil {
		return err
	}

	if c.curves != nil && len(res.HCurves) > 0 {
		if err := c.curves.Merge(res.HCurves); err != nil {
			return fmt.Errorf("task %d: %w", res.TaskNo, err)
		}
	}

	if c.losses != nil {
		table, err := c.losses.Fold(out.losses)
		if err != nil {
			return fmt.Errorf("task %d: %w", res.TaskNo, err)
		}

		if n := table.Len(); n > 0 {
			_, err := c.ds.Extend(TableRiskByEvent, map[string]any{
				"event_id": table.EventID,
				"agg_id":   table.AggID,
				"loss_id":  table.LossID,
				"loss":     table.Loss,
				"variance": table.Variance,
			})
			if err != nil {
				return err
			}

			c.summary.LossRows += uint64(n)
			timing.LossRows = n
			c.metrics.AddLossRows(n)
		}
	}

	c.ops.Merge(res.Operations)
	c.addStats(res.Stats)
	c.timings = append(c.timings, timing)

	c.log.WithFields(logrus.Fields{
		"task_no":  res.TaskNo,
		"ruptures": res.Stats.Ruptures,
		"rows":     res.Stats.Rows,
		"duration": out.duration.Round(time.Millisecond),
	}).Debug("Task finished")

	return nil
}

func (c *calculation) saveTimes(times []worker.RuptureTime) error {
	if len(times) == 0 {
		return nil
	}

	rupIDs := make([]uint32, len(times))
	numSites := make([]uint32, len(times))
	durations := make([]float64, len(times))
	taskNos := make([]uint16, len(times))

	for i, t := range times {
		rupIDs[i] = t.RupID
		numSites[i] = uint32(t.NumSites)
		durations[i] = t.Duration.Seconds()
		taskNos[i] = uint16(t.TaskNo)
	}

	_, err := c.ds.Extend(TableTaskTimes, map[string]any{
		"rup_id":    rupIDs,
		"num_sites": numSites,
		"duration":  durations,
		"task_no":   taskNos,
	})

	return err
}

func (c *calculation) addStats(s worker.Stats) {
	total := &c.summary.Stats
	total.Ruptures += s.Ruptures
	total.FilteredMag += s.FilteredMag
	total.FilteredDistance += s.FilteredDistance
	total.FarAway += s.FarAway
	total.Rows += s.Rows
	total.ZeroRows += s.ZeroRows

	c.metrics.AddRuptures(metrics.RuptureFilteredMag, s.FilteredMag)
	c.metrics.AddRuptures(metrics.RuptureFilteredDistance, s.FilteredDistance)
	c.metrics.AddRuptures(metrics.RuptureFarAway, s.FarAway)
	c.metrics.AddRuptures(metrics.RuptureSimulated, s.Ruptures-s.FilteredMag-s.FilteredDistance-s.FarAway)
}

// logSize logs the size of a table in human units.
func (c *calculation) logSize(table string) (int64, error) {
	size, err := c.ds.Size(table)
	if err != nil {
		return 0, err
	}

	c.log.WithFields(logrus.Fields{
		"table": table,
		"rows":  c.ds.Rows(table),
		"size":  units.HumanSize(float64(size)),
	}).Info("Stored table")

	return size, nil
}

// readGMFs reads gmf_data back into a row set.
func (c *calculation) readGMFs() (*gmf.RowSet, error) {
	sids, err := datastore.ReadColumn[uint32](c.ds, TableGMFData, "sid")
	if err != nil {
		return nil, err
	}

	eids, err := datastore.ReadColumn[uint64](c.ds, TableGMFData, "eid")
	if err != nil {
		return nil, err
	}

	rows := gmf.NewRowSet(len(c.shared.IMTs))
	rows.SiteID = sids
	rows.EventID = eids
	rows.RlzID = make([]uint16, len(eids))

	events := c.shared.Catalog.Events
	for i, eid := range eids {
		if eid >= uint64(len(events)) {
			return nil, fmt.Errorf("gmf_data row %d: unknown event %d", i, eid)
		}

		rows.RlzID[i] = events[eid].RlzID
	}

	for m := range rows.GMV {
		col, err := datastore.ReadColumn[float32](c.ds, TableGMFData, GMVColumn(m))
		if err != nil {
			return nil, err
		}

		rows.GMV[m] = col
	}

	return rows, nil
}

// readLossTable reads risk_by_event back.
func (c *calculation) readLossTable() (*risk.LossTable, error) {
	var (
		t   risk.LossTable
		err error
	)

	if t.EventID, err = datastore.ReadColumn[uint64](c.ds, TableRiskByEvent, "event_id"); err != nil {
		return nil, err
	}

	if t.AggID, err = datastore.ReadColumn[uint32](c.ds, TableRiskByEvent, "agg_id"); err != nil {
		return nil, err
	}

	if t.LossID, err = datastore.ReadColumn[uint8](c.ds, TableRiskByEvent, "loss_id"); err != nil {
		return nil, err
	}

	if t.Loss, err = datastore.ReadColumn[float64](c.ds, TableRiskByEvent, "loss"); err != nil {
		return nil, err
	}

	if t.Variance, err = datastore.ReadColumn[float64](c.ds, TableRiskByEvent, "variance"); err != nil {
		return nil, err
	}

	return &t, nil
}
