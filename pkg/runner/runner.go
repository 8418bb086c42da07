// Package runner drives a calculation from its inputs to a finished
// calculation directory.
package runner

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethpandaops/shakeoor/pkg/calcstore"
	"github.com/ethpandaops/shakeoor/pkg/config"
	"github.com/ethpandaops/shakeoor/pkg/datastore"
	"github.com/ethpandaops/shakeoor/pkg/fsutil"
	"github.com/ethpandaops/shakeoor/pkg/metrics"
	"github.com/ethpandaops/shakeoor/pkg/monitor"
	"github.com/ethpandaops/shakeoor/pkg/upload"
	"github.com/ethpandaops/shakeoor/pkg/worker"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// JobFile is the name of the resolved configuration written into every
// calculation directory.
const JobFile = "job.yaml"

// Runner runs calculations.
type Runner interface {
	Start(ctx context.Context) error
	Stop() error

	// Run executes one calculation. An empty calcID gets a random one.
	Run(ctx context.Context, cfg *config.Config, calcID string) (*Summary, error)
}

// Config for the runner.
type Config struct {
	ResultsDir string
	Owner      *fsutil.Owner
	// MaxTableRows overrides the row limit of every table. Zero keeps the
	// datastore default.
	MaxTableRows uint64
}

// Summary describes a finished calculation.
type Summary struct {
	CalcID      string              `json:"calc_id"`
	Mode        string              `json:"mode"`
	Description string              `json:"description,omitempty"`
	Dir         string              `json:"dir"`
	Error       string              `json:"error,omitempty"`
	NumRuptures int                 `json:"num_ruptures"`
	NumEvents   uint64              `json:"num_events"`
	NumSites    int                 `json:"num_sites"`
	NumAssets   int                 `json:"num_assets"`
	NumRlzs     int                 `json:"num_rlzs"`
	NumTasks    int                 `json:"num_tasks"`
	GMFRows     uint64              `json:"gmf_rows"`
	LossRows    uint64              `json:"loss_rows"`
	Stats       worker.Stats        `json:"stats"`
	Operations  []monitor.Operation `json:"operations"`
	StartedAt   time.Time           `json:"started_at"`
	Duration    time.Duration       `json:"duration"`
}

// NewRunner creates a runner. store, uploader and m may be nil. memReader
// feeds the memory guard of every calculation; nil uses the host stats.
func NewRunner(
	log logrus.FieldLogger,
	cfg *Config,
	store calcstore.Store,
	uploader upload.Uploader,
	m *metrics.Metrics,
	memReader monitor.Reader,
) Runner {
	if memReader == nil {
		memReader = monitor.NewReader()
	}

	return &runner{
		log:       log.WithField("component", "runner"),
		cfg:       cfg,
		store:     store,
		uploader:  uploader,
		metrics:   m,
		memReader: memReader,
	}
}

type runner struct {
	log       logrus.FieldLogger
	cfg       *Config
	store     calcstore.Store
	uploader  upload.Uploader
	metrics   *metrics.Metrics
	memReader monitor.Reader

	// One calculation at a time owns the process memory budget.
	mu sync.Mutex
}

// Ensure interface compliance.
var _ Runner = (*runner)(nil)

// Start creates the results directory and checks the upload target.
func (r *runner) Start(ctx context.Context) error {
	if err := fsutil.MkdirAll(r.cfg.ResultsDir, 0755, r.cfg.Owner); err != nil {
		return fmt.Errorf("creating results directory: %w", err)
	}

	if r.uploader != nil {
		if err := r.uploader.Preflight(ctx); err != nil {
			return fmt.Errorf("upload preflight: %w", err)
		}
	}

	r.log.Debug("Runner started")

	return nil
}

// Stop cleans up the runner.
func (r *runner) Stop() error {
	r.log.Debug("Runner stopped")

	return nil
}

// Run executes one calculation and records it in the calculation
// database. A failed calculation keeps what it wrote so far.
func (r *runner) Run(ctx context.Context, cfg *config.Config, calcID string) (*Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if calcID == "" {
		calcID = uuid.NewString()
	}

	if calcID != filepath.Base(calcID) || calcID == "." || calcID == ".." {
		return nil, fmt.Errorf("invalid calculation id %q", calcID)
	}

	dir := filepath.Join(r.cfg.ResultsDir, calcID)
	log := r.log.WithFields(logrus.Fields{
		"calc_id": calcID,
		"mode":    cfg.Calculation.Mode,
	})

	opts := []datastore.Option{datastore.WithOwner(r.cfg.Owner)}
	if r.cfg.MaxTableRows > 0 {
		opts = append(opts, datastore.WithMaxRows(r.cfg.MaxTableRows))
	}

	ds, err := datastore.Create(log, dir, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating calculation directory: %w", err)
	}

	started := time.Now().UTC()
	record := &calcstore.Calculation{
		CalcID:      calcID,
		Mode:        cfg.Calculation.Mode,
		Description: cfg.Calculation.Description,
		Status:      calcstore.StatusRunning,
		Dir:         dir,
		StartedAt:   started,
		IndexedAt:   started,
	}

	r.saveRecord(ctx, log, record)

	log.Info("Starting calculation")

	calc := newCalculation(log, cfg, ds, r.metrics, r.memReader)
	calc.summary.CalcID = calcID
	calc.summary.Mode = cfg.Calculation.Mode
	calc.summary.Description = cfg.Calculation.Description
	calc.summary.Dir = dir
	calc.summary.StartedAt = started

	runErr := r.execute(ctx, cfg, ds, calc)
	summary := calc.summary
	summary.Duration = time.Since(started)

	if runErr != nil {
		summary.Error = runErr.Error()
	}

	if err := ds.SetAttr("summary", summary); err != nil && runErr == nil {
		runErr = err
	}

	if err := ds.Close(); err != nil {
		log.WithError(err).Warn("Failed to release calculation directory")
	}

	r.metrics.ObserveCalculation(cfg.Calculation.Mode, summary.Duration, runErr)

	finished := time.Now().UTC()
	record.FinishedAt = &finished
	record.NumRuptures = summary.NumRuptures
	record.NumEvents = summary.NumEvents
	record.NumSites = summary.NumSites
	record.NumAssets = summary.NumAssets
	record.NumRlzs = summary.NumRlzs
	record.NumTasks = summary.NumTasks
	record.GMFRows = summary.GMFRows
	record.LossRows = summary.LossRows
	record.Status = calcstore.StatusComplete

	if runErr != nil {
		record.Status = calcstore.StatusFailed
		record.Error = runErr.Error()
	}

	r.saveRecord(ctx, log, record)

	if r.store != nil && len(calc.timings) > 0 {
		if err := r.store.BulkInsertTaskTimings(ctx, calc.timings); err != nil {
			log.WithError(err).Warn("Failed to store task timings")
		}
	}

	if runErr != nil {
		log.WithError(runErr).Error("Calculation failed")

		return summary, runErr
	}

	log.WithFields(logrus.Fields{
		"ruptures": summary.NumRuptures,
		"events":   summary.NumEvents,
		"tasks":    summary.NumTasks,
		"gmf_rows": summary.GMFRows,
		"duration": summary.Duration.Round(time.Millisecond),
	}).Info("Calculation completed")

	if r.uploader != nil {
		n, err := r.uploader.Upload(ctx, dir)
		if err != nil {
			return summary, fmt.Errorf("uploading results: %w", err)
		}

		log.WithField("files", n).Info("Results uploaded")
	}

	return summary, nil
}

func (r *runner) execute(ctx context.Context, cfg *config.Config, ds *datastore.Store, calc *calculation) error {
	job, err := cfg.Dump()
	if err != nil {
		return err
	}

	if err := ds.WriteFile(JobFile, job); err != nil {
		return fmt.Errorf("writing %s: %w", JobFile, err)
	}

	return calc.run(ctx)
}

// saveRecord stores the calculation record. The database is an index of
// the results directory, so failures are logged and not fatal.
func (r *runner) saveRecord(ctx context.Context, log logrus.FieldLogger, record *calcstore.Calculation) {
	if r.store == nil {
		return
	}

	// Use a fresh context so that a cancelled run still records its failure.
	saveCtx := ctx
	if errors.Is(ctx.Err(), context.Canceled) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		var cancel context.CancelFunc

		saveCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
	}

	if err := r.store.UpsertCalculation(saveCtx, record); err != nil {
		log.WithError(err).Warn("Failed to record calculation")
	}
}
