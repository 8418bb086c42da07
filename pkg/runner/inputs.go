package runner

import (
	"fmt"
	"math"

	"github.com/ethpandaops/shakeoor/pkg/config"
	"github.com/ethpandaops/shakeoor/pkg/datastore"
	"github.com/ethpandaops/shakeoor/pkg/gmf"
	"github.com/ethpandaops/shakeoor/pkg/hazard"
	"github.com/ethpandaops/shakeoor/pkg/risk"
	"github.com/ethpandaops/shakeoor/pkg/rupture"
	"github.com/ethpandaops/shakeoor/pkg/site"
	"github.com/ethpandaops/shakeoor/pkg/worker"
	"github.com/sirupsen/logrus"
)

// readInputs loads sites, ruptures and exposure, samples the events and
// builds the context shared by the tasks.
func (c *calculation) readInputs() error {
	defer c.ops.Measure("reading inputs")()

	calc := &c.cfg.Calculation

	sites, err := site.ReadSitesCSV(c.cfg.Inputs.Sites)
	if err != nil {
		return err
	}

	rups, err := rupture.ReadRupturesCSV(c.cfg.Inputs.Ruptures, calc.IsScenario())
	if err != nil {
		return err
	}

	lt := rupture.NewLogicTree(c.cfg.LogicTree, c.cfg.GMPE.Name)

	if calc.IsScenario() {
		factor := calc.NumberOfGMFs * lt.NumPaths()
		if factor <= 0 || uint64(factor) > math.MaxUint32 {
			return fmt.Errorf("invalid number of ground motion fields per rupture: %d", factor)
		}

		rupture.ScaleOccurrences(rups, uint32(factor))
	}

	events, err := rupture.BuildEvents(rups, lt, rupture.EventOptions{
		MasterSeed:        c.cfg.Global.MasterSeed,
		InvestigationTime: calc.InvestigationTime,
		SES:               calc.SESPerLogicTreePath,
	})
	if err != nil {
		return err
	}

	if len(events) == 0 {
		return rupture.ErrNoRuptures
	}

	catalog := rupture.NewCatalog(rups, events)

	evaluator, err := gmf.NewEvaluator(c.cfg.GMPE.Name, c.cfg.GMPE.Params)
	if err != nil {
		return fmt.Errorf("creating ground motion evaluator: %w", err)
	}

	c.shared = &worker.Context{
		Log:                c.log,
		Catalog:            catalog,
		LogicTree:          lt,
		Sites:              sites,
		Filter:             site.NewDistanceFilter(sites, config.ByTRT(calc.MaximumDistance)),
		Evaluator:          evaluator,
		Guard:              c.guard,
		MasterSeed:         c.cfg.Global.MasterSeed,
		IMTs:               calc.IMTNames(),
		IMLs:               calc.IMLs(),
		MinIML:             calc.MinIML(),
		MinMagnitude:       config.ByTRT(calc.MinimumMagnitude),
		SES:                calc.SESPerLogicTreePath,
		GroundMotionFields: *calc.GroundMotionFields,
		HazardCurves:       calc.HazardCurvesFromGMFs,
	}

	c.summary.NumRuptures = len(rups)
	c.summary.NumEvents = uint64(len(events))
	c.summary.NumSites = sites.Len()
	c.summary.NumRlzs = lt.NumRealizations()

	if calc.HazardCurvesFromGMFs {
		c.curves = hazard.NewAccumulator(lt.NumRealizations(), len(calc.IMTs), len(calc.IMTs[0].Levels))
	}

	if calc.IsRisk() {
		if err := c.readExposure(); err != nil {
			return err
		}
	}

	c.log.WithFields(logrus.Fields{
		"ruptures": len(rups),
		"events":   len(events),
		"sites":    sites.Len(),
		"rlzs":     lt.NumRealizations(),
		"assets":   c.summary.NumAssets,
	}).Info("Read inputs")

	return c.storeInputs()
}

// readExposure loads the assets and the loss model of a risk calculation.
func (c *calculation) readExposure() error {
	rc := c.cfg.Risk

	assets, err := site.ReadAssetsCSV(c.cfg.Inputs.Assets, c.shared.Sites, rc.AssetHazardDistance)
	if err != nil {
		return err
	}

	model, err := risk.NewVulnerabilityModel(rc, c.shared.IMTs)
	if err != nil {
		return fmt.Errorf("building vulnerability model: %w", err)
	}

	if err := model.Check(assets); err != nil {
		return err
	}

	aggKeys, err := risk.BuildAggKeys(assets, rc.AggregateBy)
	if err != nil {
		return err
	}

	// Event ids run from 0 to NumEvents-1.
	if n := c.summary.NumEvents; n > 0 {
		if _, err := aggKeys.Packer().Pack(n-1, aggKeys.K()); err != nil {
			return fmt.Errorf("%d events with %d aggregation units: %w", n, aggKeys.K()+1, err)
		}
	}

	params := &risk.Params{
		LossTypes:        rc.LossTypes,
		LossIDs:          make([]uint8, len(rc.LossTypes)),
		AssetCorrelation: rc.AssetCorrelation,
		CollectRlzs:      rc.CollectRlzs,
		AvgLosses:        *rc.AvgLosses,
		NumAssets:        len(assets),
		NumRlzs:          c.shared.LogicTree.NumRealizations(),
		MinimumAssetLoss: make([]float64, len(rc.LossTypes)),
	}

	for li, name := range rc.LossTypes {
		id, err := risk.LossTypeID(name)
		if err != nil {
			return err
		}

		params.LossIDs[li] = id
		params.MinimumAssetLoss[li] = rc.MinimumAssetLoss[name]
	}

	c.shared.Risk = &worker.RiskContext{
		Model:        model,
		Assets:       assets,
		AssetsBySite: site.AssetsBySite(assets),
		Params:       params,
		AggKeys:      aggKeys,
	}
	c.losses = risk.NewAggregator(params)
	c.summary.NumAssets = len(assets)

	if err := c.ds.SetAttr("agg_keys", aggKeys.Keys); err != nil {
		return err
	}

	return c.ds.SetAttr("loss_types", rc.LossTypes)
}

// storeInputs persists the site collection, the ruptures and the events.
func (c *calculation) storeInputs() error {
	sites := c.shared.Sites.Sites()
	lons := make([]float64, len(sites))
	lats := make([]float64, len(sites))
	vs30 := make([]float64, len(sites))
	sids := make([]uint32, len(sites))

	for i, s := range sites {
		sids[i] = s.ID
		lons[i] = s.Lon
		lats[i] = s.Lat
		vs30[i] = s.Vs30
	}

	if err := c.ds.CreateTable(TableSites,
		datastore.Column{Name: "sid", Type: datastore.Uint32},
		datastore.Column{Name: "lon", Type: datastore.Float64},
		datastore.Column{Name: "lat", Type: datastore.Float64},
		datastore.Column{Name: "vs30", Type: datastore.Float64},
	); err != nil {
		return err
	}

	if _, err := c.ds.Extend(TableSites, map[string]any{
		"sid": sids, "lon": lons, "lat": lats, "vs30": vs30,
	}); err != nil {
		return err
	}

	if err := c.storeRuptures(); err != nil {
		return err
	}

	if err := c.storeEvents(); err != nil {
		return err
	}

	return c.ds.SetAttr("realizations", c.shared.LogicTree.Realizations)
}

func (c *calculation) storeRuptures() error {
	rups := c.shared.Catalog.Ruptures
	ids := make([]uint32, len(rups))
	groups := make([]uint16, len(rups))
	nOcc := make([]uint32, len(rups))
	mags := make([]float64, len(rups))
	lons := make([]float64, len(rups))
	lats := make([]float64, len(rups))
	depths := make([]float64, len(rups))

	for i, r := range rups {
		ids[i] = r.ID
		groups[i] = r.TRTSMR
		nOcc[i] = r.NumOccurrences
		mags[i] = r.Mag
		lons[i] = r.Lon
		lats[i] = r.Lat
		depths[i] = r.Depth
	}

	if err := c.ds.CreateTable(TableRuptures,
		datastore.Column{Name: "rup_id", Type: datastore.Uint32},
		datastore.Column{Name: "trt_smr", Type: datastore.Uint16},
		datastore.Column{Name: "n_occ", Type: datastore.Uint32},
		datastore.Column{Name: "mag", Type: datastore.Float64},
		datastore.Column{Name: "lon", Type: datastore.Float64},
		datastore.Column{Name: "lat", Type: datastore.Float64},
		datastore.Column{Name: "depth", Type: datastore.Float64},
	); err != nil {
		return err
	}

	_, err := c.ds.Extend(TableRuptures, map[string]any{
		"rup_id":  ids,
		"trt_smr": groups,
		"n_occ":   nOcc,
		"mag":     mags,
		"lon":     lons,
		"lat":     lats,
		"depth":   depths,
	})

	return err
}

func (c *calculation) storeEvents() error {
	events := c.shared.Catalog.Events
	ids := make([]uint64, len(events))
	rupIDs := make([]uint32, len(events))
	rlzIDs := make([]uint16, len(events))
	years := make([]uint32, len(events))
	sesIDs := make([]uint32, len(events))

	for i, ev := range events {
		ids[i] = ev.ID
		rupIDs[i] = ev.RupID
		rlzIDs[i] = ev.RlzID
		years[i] = ev.Year
		sesIDs[i] = ev.SesID
	}

	if err := c.ds.CreateTable(TableEvents,
		datastore.Column{Name: "id", Type: datastore.Uint64},
		datastore.Column{Name: "rup_id", Type: datastore.Uint32},
		datastore.Column{Name: "rlz_id", Type: datastore.Uint16},
		datastore.Column{Name: "year", Type: datastore.Uint32},
		datastore.Column{Name: "ses_id", Type: datastore.Uint32},
	); err != nil {
		return err
	}

	_, err := c.ds.Extend(TableEvents, map[string]any{
		"id":     ids,
		"rup_id": rupIDs,
		"rlz_id": rlzIDs,
		"year":   years,
		"ses_id": sesIDs,
	})

	return err
}
