package runner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethpandaops/shakeoor/pkg/calcstore"
	"github.com/ethpandaops/shakeoor/pkg/config"
	"github.com/ethpandaops/shakeoor/pkg/datastore"
	"github.com/ethpandaops/shakeoor/pkg/metrics"
	"github.com/ethpandaops/shakeoor/pkg/monitor"
	"github.com/ethpandaops/shakeoor/pkg/reducer"
	"github.com/ethpandaops/shakeoor/pkg/risk"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	rupturesCSV = `rup_id,source_id,trt_smr,rate,n_occ,seed,mag,rake,lon,lat,depth
0,src1,0,0.01,3,11,6.5,0,10.0,45.0,10
1,src1,0,0.01,2,12,6.0,0,10.1,45.1,10
2,src2,0,0.01,4,13,7.0,90,10.5,45.2,15
`
	sitesCSV = `lon,lat,vs30
10.0,45.0,760
10.2,45.1,400
10.4,45.3,760
`
	farSitesCSV = `lon,lat
100.0,-30.0
`
	assetsCSV = `asset_id,lon,lat,taxonomy,number,value-structural,region
a1,10.0,45.0,RC,1,1000,north
a2,10.2,45.1,W,1,500,south
a3,10.4,45.3,RC,1,800,north
`
)

const hazardJob = `
global:
  results_dir: %RESULTS%
  hard_mem_limit: 100
calculation:
  mode: event_based
  description: two sources
  imts:
    - name: PGA
      levels: [0.0001, 0.001, 0.01, 0.1, 1.0]
      minimum_intensity: 0.00001
  investigation_time: 50
  ses_per_logic_tree_path: 2
  concurrent_tasks: 2
  maximum_distance:
    - trt: default
      value: 300
  hazard_curves_from_gmfs: true
  poes: [0.1]
logic_tree:
  trts: [Active Shallow Crust]
inputs:
  ruptures: %DIR%/ruptures.csv
  sites: %DIR%/%SITES%
`

const riskJob = `
global:
  results_dir: %RESULTS%
  hard_mem_limit: 100
calculation:
  mode: event_based_risk
  imts:
    - name: PGA
      minimum_intensity: 0.00001
  investigation_time: 50
  concurrent_tasks: 3
  maximum_distance:
    - trt: default
      value: 300
logic_tree:
  trts: [Active Shallow Crust]
risk:
  loss_types: [structural]
  aggregate_by: [[region]]
  vulnerability:
    - taxonomy: RC
      loss_type: structural
      imt: PGA
      imls: [0.00001, 0.01, 1.0]
      mean_lrs: [0.01, 0.2, 0.8]
      covs: [0.1, 0.1, 0.1]
    - taxonomy: W
      loss_type: structural
      imt: PGA
      imls: [0.00001, 0.01, 1.0]
      mean_lrs: [0.02, 0.3, 0.9]
inputs:
  ruptures: %DIR%/ruptures.csv
  sites: %DIR%/%SITES%
  assets: %DIR%/assets.csv
`

type staticReader struct {
	percent float64
}

func (r staticReader) ReadStats() (*monitor.Stats, error) {
	return &monitor.Stats{Total: 1 << 30, Used: 1 << 29, UsedPercent: r.percent}, nil
}

func (r staticReader) Type() string { return "static" }

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

// writeJob writes the inputs and the job file into a temp directory and
// loads the configuration.
func writeJob(t *testing.T, job, sites string) (*config.Config, string) {
	t.Helper()

	dir := t.TempDir()
	results := filepath.Join(dir, "results")

	files := map[string]string{
		"ruptures.csv":  rupturesCSV,
		"sites.csv":     sitesCSV,
		"far_sites.csv": farSitesCSV,
		"assets.csv":    assetsCSV,
	}

	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	}

	job = strings.NewReplacer("%RESULTS%", results, "%DIR%", dir, "%SITES%", sites).Replace(job)
	path := filepath.Join(dir, "job.yaml")
	require.NoError(t, os.WriteFile(path, []byte(job), 0644))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	cfg.Database = config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	}

	require.NoError(t, cfg.Validate())

	return cfg, results
}

func newTestRunner(t *testing.T, results string, reader monitor.Reader) (Runner, calcstore.Store) {
	t.Helper()

	store := calcstore.NewStore(quietLogger(), &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, store.Start(context.Background()))

	t.Cleanup(func() { _ = store.Stop() })

	r := NewRunner(quietLogger(), &Config{ResultsDir: results}, store, nil,
		metrics.New(prometheus.NewRegistry()), reader)
	require.NoError(t, r.Start(context.Background()))

	t.Cleanup(func() { _ = r.Stop() })

	return r, store
}

func TestRun_EventBased(t *testing.T) {
	cfg, results := writeJob(t, hazardJob, "sites.csv")
	r, store := newTestRunner(t, results, staticReader{percent: 10})
	ctx := context.Background()

	summary, err := r.Run(ctx, cfg, "calc_hazard")
	require.NoError(t, err)

	assert.Equal(t, "calc_hazard", summary.CalcID)
	assert.Equal(t, 3, summary.NumRuptures)
	assert.Equal(t, uint64(9), summary.NumEvents)
	assert.Equal(t, 3, summary.NumSites)
	assert.Equal(t, 1, summary.NumRlzs)
	assert.GreaterOrEqual(t, summary.NumTasks, 2)
	assert.Positive(t, summary.GMFRows)
	assert.LessOrEqual(t, summary.GMFRows, uint64(27))
	assert.Equal(t, 3, summary.Stats.Ruptures)

	ds, err := datastore.Open(quietLogger(), summary.Dir)
	require.NoError(t, err)

	assert.Equal(t, uint64(3), ds.Rows(TableRuptures))
	assert.Equal(t, uint64(9), ds.Rows(TableEvents))
	assert.Equal(t, uint64(3), ds.Rows(TableSites))
	assert.Equal(t, uint64(3), ds.Rows(TableTaskTimes))
	assert.Equal(t, summary.GMFRows, ds.Rows(TableGMFData))

	eids, err := datastore.ReadColumn[uint64](ds, TableGMFData, "eid")
	require.NoError(t, err)

	for _, eid := range eids {
		assert.Less(t, eid, uint64(9))
	}

	shape, avg, err := ds.Array(ArrayAvgGMF)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 1}, shape)
	assert.Len(t, avg, 6)

	shape, curves, err := ds.Array(ArrayHCurvesRlzs)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 1, 1, 5}, shape)

	for _, poe := range curves {
		assert.GreaterOrEqual(t, poe, float32(0))
		assert.LessOrEqual(t, poe, float32(1))
	}

	shape, _, err = ds.Array(ArrayHMapsStats)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 1, 1, 1}, shape)

	job, err := ds.ReadFile(JobFile)
	require.NoError(t, err)
	assert.Contains(t, string(job), "event_based")

	var stored Summary
	require.NoError(t, ds.Attr("summary", &stored))
	assert.Equal(t, summary.GMFRows, stored.GMFRows)

	_, err = os.Stat(filepath.Join(summary.Dir, ".lock"))
	assert.True(t, os.IsNotExist(err))

	calc, err := store.GetCalculation(ctx, "calc_hazard")
	require.NoError(t, err)
	assert.Equal(t, calcstore.StatusComplete, calc.Status)
	assert.Equal(t, uint64(9), calc.NumEvents)
	assert.NotNil(t, calc.FinishedAt)

	timings, err := store.ListTaskTimings(ctx, "calc_hazard")
	require.NoError(t, err)
	assert.Len(t, timings, summary.NumTasks)
}

func TestRun_Reproducible(t *testing.T) {
	cfg, results := writeJob(t, hazardJob, "sites.csv")
	r, _ := newTestRunner(t, results, staticReader{percent: 10})

	first, err := r.Run(context.Background(), cfg, "first")
	require.NoError(t, err)

	cfg.Calculation.ConcurrentTasks = 1

	second, err := r.Run(context.Background(), cfg, "second")
	require.NoError(t, err)

	assert.Equal(t, first.GMFRows, second.GMFRows)

	read := func(dir string) []float32 {
		ds, err := datastore.Open(quietLogger(), dir)
		require.NoError(t, err)

		_, avg, err := ds.Array(ArrayAvgGMF)
		require.NoError(t, err)

		return avg
	}

	assert.InDeltaSlice(t, read(first.Dir), read(second.Dir), 1e-6)
}

func TestRun_EventBasedRisk(t *testing.T) {
	cfg, results := writeJob(t, riskJob, "sites.csv")
	r, store := newTestRunner(t, results, staticReader{percent: 10})

	summary, err := r.Run(context.Background(), cfg, "calc_risk")
	require.NoError(t, err)

	assert.Equal(t, 3, summary.NumAssets)
	assert.Positive(t, summary.LossRows)
	// E * (K+1) * L with two regions and one loss type.
	assert.LessOrEqual(t, summary.LossRows, uint64(9*3*1))

	ds, err := datastore.Open(quietLogger(), summary.Dir)
	require.NoError(t, err)

	var keys []risk.AggKey
	require.NoError(t, ds.Attr("agg_keys", &keys))
	require.Len(t, keys, 2)
	assert.Equal(t, []string{"region=north"}, keys[0].Tags)

	aggIDs, err := datastore.ReadColumn[uint32](ds, TableRiskByEvent, "agg_id")
	require.NoError(t, err)

	for _, id := range aggIDs {
		assert.LessOrEqual(t, id, uint32(2))
	}

	shape, avg, err := ds.Array(ArrayAvgLossesRlzs + "structural")
	require.NoError(t, err)
	assert.Equal(t, []int{3, 1}, shape)

	for _, v := range avg {
		assert.GreaterOrEqual(t, v, float32(0))
	}

	// Ground motion fields are kept by default.
	assert.Equal(t, summary.GMFRows, ds.Rows(TableGMFData))

	calc, err := store.GetCalculation(context.Background(), "calc_risk")
	require.NoError(t, err)
	assert.Equal(t, summary.LossRows, calc.LossRows)
}

func TestRun_Failures(t *testing.T) {
	tests := []struct {
		name    string
		sites   string
		percent float64
		wantErr error
	}{
		{
			name:    "no relevant events",
			sites:   "far_sites.csv",
			percent: 10,
			wantErr: reducer.ErrNoRelevantEvents,
		},
		{
			name:    "out of memory",
			sites:   "sites.csv",
			percent: 100,
			wantErr: monitor.ErrOutOfMemory,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, results := writeJob(t, hazardJob, tt.sites)
			r, store := newTestRunner(t, results, staticReader{percent: tt.percent})

			_, err := r.Run(context.Background(), cfg, "failing")
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)

			calc, err := store.GetCalculation(context.Background(), "failing")
			require.NoError(t, err)
			assert.Equal(t, calcstore.StatusFailed, calc.Status)
			assert.NotEmpty(t, calc.Error)
		})
	}
}

func TestRun_Locked(t *testing.T) {
	cfg, results := writeJob(t, hazardJob, "sites.csv")
	r, _ := newTestRunner(t, results, staticReader{percent: 10})

	dir := filepath.Join(results, "busy")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".lock"), []byte("1"), 0644))

	_, err := r.Run(context.Background(), cfg, "busy")
	assert.ErrorIs(t, err, datastore.ErrLocked)
}

func TestRun_InvalidCalcID(t *testing.T) {
	cfg, results := writeJob(t, hazardJob, "sites.csv")
	r, _ := newTestRunner(t, results, staticReader{percent: 10})

	_, err := r.Run(context.Background(), cfg, "../escape")
	assert.Error(t, err)
}

func TestRun_TableTooLarge(t *testing.T) {
	cfg, results := writeJob(t, hazardJob, "sites.csv")

	r := NewRunner(quietLogger(), &Config{ResultsDir: results, MaxTableRows: 4}, nil, nil, nil,
		staticReader{percent: 10})
	require.NoError(t, r.Start(context.Background()))

	// The events table alone has 9 rows.
	_, err := r.Run(context.Background(), cfg, "")
	assert.ErrorIs(t, err, datastore.ErrTableTooLarge)
}
