package runner

import (
	"fmt"

	"github.com/docker/go-units"
	"github.com/ethpandaops/shakeoor/pkg/datastore"
	"github.com/ethpandaops/shakeoor/pkg/hazard"
	"github.com/ethpandaops/shakeoor/pkg/reducer"
	"github.com/ethpandaops/shakeoor/pkg/risk"
	"github.com/sirupsen/logrus"
)

// postExecute runs the reductions that need every task output.
func (c *calculation) postExecute() error {
	if _, err := c.logSize(TableTaskTimes); err != nil {
		return err
	}

	if c.shared.GroundMotionFields {
		if err := c.saveAvgGMF(); err != nil {
			return err
		}
	}

	if c.curves != nil {
		if err := c.saveCurves(); err != nil {
			return err
		}
	}

	if c.losses != nil {
		if err := c.saveLosses(); err != nil {
			return err
		}
	}

	return nil
}

// saveAvgGMF stores the weighted geometric mean and standard deviation of
// the ground motion at every site, unless gmf_data is too large to read
// back.
func (c *calculation) saveAvgGMF() error {
	defer c.ops.Measure("computing avg_gmf")()

	size, err := c.logSize(TableGMFData)
	if err != nil {
		return err
	}

	eids, err := c.relevantEvents()
	if err != nil {
		return err
	}

	if err := c.ds.SetAttr("num_relevant_events", len(eids)); err != nil {
		return err
	}

	maxSize, err := c.cfg.Calculation.GetGMFMaxSize()
	if err != nil {
		return err
	}

	if maxSize > 0 && size > maxSize {
		c.log.WithFields(logrus.Fields{
			"size":  units.HumanSize(float64(size)),
			"limit": units.HumanSize(float64(maxSize)),
		}).Warn("Not computing avg_gmf, gmf_data is too large")

		return nil
	}

	rows, err := c.readGMFs()
	if err != nil {
		return err
	}

	weights := c.shared.Catalog.EventWeights(c.shared.LogicTree.Weights())

	avg, err := reducer.ComputeAvgGMF(rows, weights, c.shared.MinIML, c.shared.Sites.Len())
	if err != nil {
		return fmt.Errorf("computing avg_gmf: %w", err)
	}

	return c.ds.PutArray(ArrayAvgGMF, avg.Shape(), avg.Data)
}

// relevantEvents returns the events with at least one stored row. No such
// event is fatal.
func (c *calculation) relevantEvents() ([]uint64, error) {
	if c.ds.Rows(TableGMFData) == 0 {
		return nil, reducer.ErrNoRelevantEvents
	}

	eids, err := datastore.ReadColumn[uint64](c.ds, TableGMFData, "eid")
	if err != nil {
		return nil, err
	}

	return reducer.RelevantEvents(eids)
}

// saveCurves stores the hazard curves and maps per realization and their
// weighted mean.
func (c *calculation) saveCurves() error {
	defer c.ops.Measure("saving hazard curves")()

	numRlzs := c.shared.LogicTree.NumRealizations()

	if err := c.curves.CheckRealizations(numRlzs); err != nil {
		return err
	}

	curves, err := c.curves.Curves(c.shared.Sites.Len())
	if err != nil {
		return err
	}

	calc := &c.cfg.Calculation
	individual := calc.IndividualRlzs || numRlzs == 1

	if individual {
		if err := c.ds.PutArray(ArrayHCurvesRlzs, curves.Shape(), curves.Float32()); err != nil {
			return err
		}
	}

	mean, err := curves.MeanCurves(c.shared.LogicTree.Weights())
	if err != nil {
		return err
	}

	if err := c.ds.PutArray(ArrayHCurvesStats, mean.Shape(), mean.Float32()); err != nil {
		return err
	}

	if len(calc.PoEs) == 0 {
		return nil
	}

	if individual {
		if err := c.saveMaps(ArrayHMapsRlzs, curves); err != nil {
			return err
		}
	}

	return c.saveMaps(ArrayHMapsStats, mean)
}

func (c *calculation) saveMaps(name string, curves *hazard.Curves) error {
	poes := c.cfg.Calculation.PoEs

	maps, err := hazard.HazardMaps(curves, c.shared.IMLs, poes)
	if err != nil {
		return fmt.Errorf("computing %s: %w", name, err)
	}

	data := make([]float32, len(maps))
	for i, v := range maps {
		data[i] = float32(v)
	}

	return c.ds.PutArray(name, []int{curves.N, curves.S, curves.M, len(poes)}, data)
}

// saveLosses checks the stored loss table and stores the normalized
// average losses.
func (c *calculation) saveLosses() error {
	defer c.ops.Measure("saving losses")()

	if _, err := c.logSize(TableRiskByEvent); err != nil {
		return err
	}

	rc := c.shared.Risk

	table, err := c.readLossTable()
	if err != nil {
		return err
	}

	if err := risk.CheckLossTable(table, c.summary.NumEvents, rc.AggKeys.K(), len(rc.Params.LossTypes)); err != nil {
		return err
	}

	if !rc.Params.AvgLosses {
		return nil
	}

	calc := &c.cfg.Calculation
	ratio := risk.AvgRatio(risk.AvgRatioParams{
		EventBased:  !calc.IsScenario(),
		CollectRlzs: rc.Params.AvgColumns() == 1,
		TimeRatio:   calc.TimeRatio(),
		NumEvents:   c.shared.Catalog.EventsByRlz(rc.Params.NumRlzs),
	})

	columns := rc.Params.AvgColumns()

	for li, name := range rc.Params.LossTypes {
		avg, err := c.losses.AvgLosses(li, ratio)
		if err != nil {
			return fmt.Errorf("average %s losses: %w", name, err)
		}

		if err := c.ds.PutArray(ArrayAvgLossesRlzs+name, []int{rc.Params.NumAssets, columns}, avg); err != nil {
			return err
		}

		if columns == 1 {
			continue
		}

		mean := risk.MeanAvgLosses(avg, c.shared.LogicTree.Weights())
		if err := c.ds.PutArray(ArrayAvgLossesStats+name, []int{rc.Params.NumAssets, 1}, mean); err != nil {
			return err
		}
	}

	return nil
}
