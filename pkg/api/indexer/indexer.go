package indexer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethpandaops/shakeoor/pkg/api/storage"
	"github.com/ethpandaops/shakeoor/pkg/calcstore"
	"github.com/ethpandaops/shakeoor/pkg/config"
	"github.com/ethpandaops/shakeoor/pkg/datastore"
	"github.com/ethpandaops/shakeoor/pkg/runner"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// defaultConcurrency is the number of calculations indexed in parallel
// when no explicit concurrency value is configured.
const defaultConcurrency = 4

// ErrNoManifest is returned for a calculation directory without a
// manifest.
var ErrNoManifest = errors.New("manifest not found")

// Indexer is a background service that periodically scans the storage
// backends and upserts the calculations it finds into the calculation
// database.
type Indexer interface {
	Start(ctx context.Context) error
	Stop() error

	// RunPass executes one full indexing pass synchronously.
	RunPass(ctx context.Context)
}

// Compile-time interface check.
var _ Indexer = (*indexer)(nil)

type indexer struct {
	log         logrus.FieldLogger
	store       calcstore.Store
	readers     []storage.Reader
	interval    time.Duration
	concurrency int
	done        chan struct{}
	wg          sync.WaitGroup
	dbMu        sync.Mutex // serializes DB writes to avoid SQLite contention
}

// NewIndexer creates a new background indexer. Readers are scanned in
// order; a calculation found in an earlier reader shadows later ones.
func NewIndexer(
	log logrus.FieldLogger,
	store calcstore.Store,
	readers []storage.Reader,
	interval time.Duration,
	concurrency int,
) Indexer {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	return &indexer{
		log:         log.WithField("component", "indexer"),
		store:       store,
		readers:     readers,
		interval:    interval,
		concurrency: concurrency,
		done:        make(chan struct{}),
	}
}

// Start launches a background goroutine that runs an immediate indexing
// pass and then ticks at the configured interval.
func (idx *indexer) Start(ctx context.Context) error {
	idx.log.WithFields(logrus.Fields{
		"interval":    idx.interval.String(),
		"concurrency": idx.concurrency,
		"backends":    len(idx.readers),
	}).Info("Starting indexer")

	idx.wg.Add(1)

	go func() {
		defer idx.wg.Done()

		idx.RunPass(ctx)

		ticker := time.NewTicker(idx.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				idx.RunPass(ctx)
			case <-idx.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop signals the indexer goroutine to stop and waits for it.
func (idx *indexer) Stop() error {
	close(idx.done)
	idx.wg.Wait()

	idx.log.Info("Indexer stopped")

	return nil
}

// RunPass indexes every backend once.
func (idx *indexer) RunPass(ctx context.Context) {
	start := time.Now()
	seen := make(map[string]struct{}, 64)

	for _, r := range idx.readers {
		select {
		case <-ctx.Done():
			return
		case <-idx.done:
			return
		default:
		}

		if err := idx.indexBackend(ctx, r, seen); err != nil {
			idx.log.WithError(err).
				WithField("backend", r.Name()).
				Warn("Indexing pass failed for backend")
		}
	}

	idx.log.WithField("duration", time.Since(start).Round(time.Millisecond)).
		Debug("Indexing pass completed")
}

// indexBackend discovers new calculations and re-indexes the ones that
// were still running, using a bounded worker pool. Ids already handled by
// an earlier backend in this pass are skipped.
func (idx *indexer) indexBackend(
	ctx context.Context, r storage.Reader, seen map[string]struct{},
) error {
	storageIDs, err := r.ListCalculationIDs(ctx)
	if err != nil {
		return fmt.Errorf("listing calculations: %w", err)
	}

	indexedIDs, err := idx.store.ListCalculationIDs(ctx)
	if err != nil {
		return fmt.Errorf("listing indexed calculations: %w", err)
	}

	incompleteIDs, err := idx.store.ListIncompleteCalculationIDs(ctx)
	if err != nil {
		return fmt.Errorf("listing incomplete calculations: %w", err)
	}

	indexedSet := toSet(indexedIDs)
	incompleteSet := toSet(incompleteIDs)

	type calcTask struct {
		calcID         string
		alreadyIndexed bool
	}

	var (
		tasks    []calcTask
		newCount int
	)

	for _, id := range storageIDs {
		if _, ok := seen[id]; ok {
			continue
		}

		seen[id] = struct{}{}

		_, alreadyIndexed := indexedSet[id]
		_, isIncomplete := incompleteSet[id]

		if alreadyIndexed && !isIncomplete {
			continue
		}

		if !alreadyIndexed {
			newCount++
		}

		tasks = append(tasks, calcTask{calcID: id, alreadyIndexed: alreadyIndexed})
	}

	bLog := idx.log.WithField("backend", r.Name())

	bLog.WithFields(logrus.Fields{
		"storage_calcs":    len(storageIDs),
		"indexed_calcs":    len(indexedIDs),
		"new_calcs":        newCount,
		"incomplete_calcs": len(incompleteIDs),
	}).Debug("Scanning backend")

	if len(tasks) == 0 {
		return nil
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(idx.concurrency)

	var indexed atomic.Int64

	for _, task := range tasks {
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			case <-idx.done:
				return nil
			default:
			}

			if err := idx.indexCalculation(gCtx, r, task.calcID); err != nil {
				bLog.WithError(err).
					WithField("calc_id", task.calcID).
					Warn("Failed to index calculation")

				return nil //nolint:nilerr // log and continue
			}

			action := "indexed"
			if task.alreadyIndexed {
				action = "reindexed"
			}

			bLog.WithField("calc_id", task.calcID).
				WithField("action", action).
				Info("Indexed calculation")

			indexed.Add(1)

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("indexing calculations: %w", err)
	}

	if count := indexed.Load(); count > 0 {
		bLog.WithField("count", count).Info("Backend indexing complete")
	}

	return nil
}

// indexCalculation builds the record of one calculation from its manifest
// and resolved configuration and upserts it.
func (idx *indexer) indexCalculation(ctx context.Context, r storage.Reader, calcID string) error {
	calc, err := LoadCalculation(ctx, r, calcID)
	if err != nil {
		return err
	}

	// Serialize DB writes to avoid SQLite BUSY errors under concurrency.
	idx.dbMu.Lock()
	defer idx.dbMu.Unlock()

	if err := idx.store.UpsertCalculation(ctx, calc); err != nil {
		return fmt.Errorf("upserting calculation: %w", err)
	}

	return nil
}

// LoadCalculation reads a calculation record from a storage backend. A
// calculation without a summary is running while its directory is locked
// and failed once the lock is gone.
func LoadCalculation(ctx context.Context, r storage.Reader, calcID string) (*calcstore.Calculation, error) {
	var (
		manifestData, jobData []byte
		manifestErr, jobErr   error
		fileWg                sync.WaitGroup
	)

	fileWg.Add(2) //nolint:mnd // two files

	go func() {
		defer fileWg.Done()

		manifestData, manifestErr = r.GetFile(ctx, calcID, datastore.ManifestFile)
	}()

	go func() {
		defer fileWg.Done()

		jobData, jobErr = r.GetFile(ctx, calcID, runner.JobFile)
	}()

	fileWg.Wait()

	if manifestErr != nil {
		return nil, fmt.Errorf("reading %s: %w", datastore.ManifestFile, manifestErr)
	}

	if manifestData == nil {
		return nil, ErrNoManifest
	}

	now := time.Now().UTC()
	calc := &calcstore.Calculation{
		CalcID:    calcID,
		Dir:       r.Location(calcID),
		StartedAt: now,
		IndexedAt: now,
	}

	if jobErr == nil && jobData != nil {
		var job config.Config
		if err := yaml.Unmarshal(jobData, &job); err == nil {
			calc.Mode = job.Calculation.Mode
			calc.Description = job.Calculation.Description
		}
	}

	var summary runner.Summary

	err := datastore.AttrFromManifest(manifestData, "summary", &summary)
	if errors.Is(err, datastore.ErrNotFound) {
		locked, lErr := r.Locked(ctx, calcID)
		if lErr != nil {
			return nil, lErr
		}

		calc.Status = calcstore.StatusFailed
		calc.Error = "calculation stopped before writing its summary"

		if locked {
			calc.Status = calcstore.StatusRunning
			calc.Error = ""
		}

		return calc, nil
	}

	if err != nil {
		return nil, err
	}

	applySummary(calc, &summary)

	return calc, nil
}

func applySummary(calc *calcstore.Calculation, s *runner.Summary) {
	if s.Mode != "" {
		calc.Mode = s.Mode
	}

	if s.Description != "" {
		calc.Description = s.Description
	}

	calc.NumRuptures = s.NumRuptures
	calc.NumEvents = s.NumEvents
	calc.NumSites = s.NumSites
	calc.NumAssets = s.NumAssets
	calc.NumRlzs = s.NumRlzs
	calc.NumTasks = s.NumTasks
	calc.GMFRows = s.GMFRows
	calc.LossRows = s.LossRows

	if !s.StartedAt.IsZero() {
		calc.StartedAt = s.StartedAt

		finished := s.StartedAt.Add(s.Duration)
		calc.FinishedAt = &finished
	}

	calc.Status = calcstore.StatusComplete
	if s.Error != "" {
		calc.Status = calcstore.StatusFailed
		calc.Error = s.Error
	}
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}

	return set
}
