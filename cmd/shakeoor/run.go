package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docker/go-units"
	"github.com/ethpandaops/shakeoor/pkg/calcstore"
	"github.com/ethpandaops/shakeoor/pkg/fsutil"
	"github.com/ethpandaops/shakeoor/pkg/metrics"
	"github.com/ethpandaops/shakeoor/pkg/runner"
	"github.com/ethpandaops/shakeoor/pkg/upload"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	runCalcID        string
	runMetricsListen string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a calculation",
	Long: `Run the calculation described by the config files. The mode is one of
event_based, scenario, event_based_risk or scenario_risk. Results are
written to <results_dir>/<calc_id> and recorded in the calculation
database, then uploaded when upload.s3 is enabled.`,
	RunE: runCalculation,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runCalcID, "calc-id", "",
		"Calculation id (default: a random UUID)")
	runCmd.Flags().StringVar(&runMetricsListen, "metrics-listen", "",
		"Serve Prometheus metrics on this address while running (e.g. :9091)")
}

func runCalculation(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	// The config log level applies unless --log-level was given.
	if !cmd.Flags().Changed("log-level") && cfg.Global.LogLevel != "" {
		level, err := logrus.ParseLevel(cfg.Global.LogLevel)
		if err != nil {
			return fmt.Errorf("invalid global.log_level %q: %w", cfg.Global.LogLevel, err)
		}

		log.SetLevel(level)
	}

	resultsOwner, err := fsutil.ParseOwner(cfg.Global.ResultsOwner)
	if err != nil {
		return fmt.Errorf("parsing results_owner: %w", err)
	}

	// Setup context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("Received shutdown signal")
		cancel()
	}()

	if err := fsutil.MkdirAll(cfg.Global.ResultsDir, 0755, resultsOwner); err != nil {
		return fmt.Errorf("creating results directory: %w", err)
	}

	store := calcstore.NewStore(log, &cfg.Database)
	if err := store.Start(ctx); err != nil {
		return fmt.Errorf("starting calculation database: %w", err)
	}

	defer func() {
		if err := store.Stop(); err != nil {
			log.WithError(err).Warn("Failed to close calculation database")
		}
	}()

	var resultsUploader upload.Uploader

	if s3cfg := s3Config(cfg); s3cfg != nil {
		resultsUploader, err = upload.NewS3Uploader(log, s3cfg)
		if err != nil {
			return fmt.Errorf("creating S3 uploader: %w", err)
		}
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	if runMetricsListen != "" {
		stop := serveMetrics(reg, runMetricsListen)
		defer stop()
	}

	r := runner.NewRunner(log, &runner.Config{
		ResultsDir: cfg.Global.ResultsDir,
		Owner:      resultsOwner,
	}, store, resultsUploader, m, nil)

	if err := r.Start(ctx); err != nil {
		return fmt.Errorf("starting runner: %w", err)
	}

	defer func() {
		if err := r.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop runner")
		}
	}()

	summary, err := r.Run(ctx, cfg, runCalcID)
	if summary != nil {
		logSummary(summary)
	}

	if err != nil {
		return fmt.Errorf("running calculation: %w", err)
	}

	return nil
}

func logSummary(s *runner.Summary) {
	log.WithFields(logrus.Fields{
		"calc_id":   s.CalcID,
		"mode":      s.Mode,
		"dir":       s.Dir,
		"ruptures":  s.NumRuptures,
		"events":    s.NumEvents,
		"sites":     s.NumSites,
		"rlzs":      s.NumRlzs,
		"tasks":     s.NumTasks,
		"gmf_rows":  s.GMFRows,
		"loss_rows": s.LossRows,
		"duration":  units.HumanDuration(s.Duration),
	}).Info("Calculation summary")

	for _, op := range s.Operations {
		log.WithFields(logrus.Fields{
			"operation": op.Name,
			"calls":     op.Calls,
			"duration":  op.Duration.Round(time.Millisecond),
		}).Debug("Operation timing")
	}
}

// serveMetrics exposes reg on addr until the returned function is called.
func serveMetrics(reg *prometheus.Registry, addr string) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Warn("Metrics server error")
		}
	}()

	log.WithField("listen", addr).Info("Serving metrics")

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = srv.Shutdown(ctx)
	}
}
