// Package api serves calculation records and calculation directories
// over HTTP.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ethpandaops/shakeoor/pkg/api/indexer"
	"github.com/ethpandaops/shakeoor/pkg/api/storage"
	"github.com/ethpandaops/shakeoor/pkg/calcstore"
	"github.com/ethpandaops/shakeoor/pkg/config"
	"github.com/ethpandaops/shakeoor/pkg/upload"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log         logrus.FieldLogger
	cfg         *config.Config
	gatherer    prometheus.Gatherer
	store       calcstore.Store
	localServer *localFileServer
	remote      upload.Reader
	indexer     indexer.Indexer
	httpServer  *http.Server
	wg          sync.WaitGroup
	done        chan struct{}
}

// NewServer creates a new API server. cfg.API must be set. gatherer feeds
// /metrics; nil disables the endpoint.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.Config,
	gatherer prometheus.Gatherer,
) Server {
	return &server{
		log:      log.WithField("component", "api"),
		cfg:      cfg,
		gatherer: gatherer,
		done:     make(chan struct{}),
	}
}

// Start opens the calculation database and starts the HTTP server.
func (s *server) Start(ctx context.Context) error {
	s.store = calcstore.NewStore(s.log, &s.cfg.Database)
	if err := s.store.Start(ctx); err != nil {
		return fmt.Errorf("starting calculation database: %w", err)
	}

	s.localServer = newLocalFileServer(s.log, s.cfg.Global.ResultsDir)

	if s3cfg := s.s3Config(); s3cfg != nil {
		s.remote = upload.NewS3Reader(s.log, s3cfg)

		s.log.Info("Serving uploaded calculations from S3")
	}

	// Prepare the indexer before building the router, but do NOT start it
	// yet: the HTTP server must be listening first.
	if idx := s.cfg.API.Indexing; idx != nil && idx.Enabled {
		if err := s.prepareIndexing(); err != nil {
			return fmt.Errorf("preparing indexing: %w", err)
		}
	}

	s.httpServer = &http.Server{
		Addr:              s.cfg.API.Server.Listen,
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.API.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.API.Server.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.cfg.API.Server.Listen).
			Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	if s.indexer != nil {
		if err := s.indexer.Start(ctx); err != nil {
			return fmt.Errorf("starting indexer: %w", err)
		}
	}

	return nil
}

// Stop gracefully shuts down the HTTP server and closes the store.
func (s *server) Stop() error {
	close(s.done)

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	if s.indexer != nil {
		if err := s.indexer.Stop(); err != nil {
			s.log.WithError(err).Warn("Indexer stop error")
		}
	}

	if s.store != nil {
		if err := s.store.Stop(); err != nil {
			return fmt.Errorf("stopping calculation database: %w", err)
		}
	}

	s.log.Info("API server stopped")

	return nil
}

func (s *server) s3Config() *config.S3UploadConfig {
	if s.cfg.Upload == nil || s.cfg.Upload.S3 == nil || !s.cfg.Upload.S3.Enabled {
		return nil
	}

	return s.cfg.Upload.S3
}

// prepareIndexing creates the indexer over the results directory and, when
// configured, the uploaded calculations.
func (s *server) prepareIndexing() error {
	interval, err := s.cfg.API.Indexing.GetInterval()
	if err != nil {
		return err
	}

	readers := []storage.Reader{storage.NewLocalReader(s.cfg.Global.ResultsDir)}
	if s.remote != nil {
		readers = append(readers, storage.NewS3Reader(s.remote, s.s3Config()))
	}

	s.indexer = indexer.NewIndexer(s.log, s.store, readers, interval, 0)

	s.log.Info("Indexing service enabled")

	return nil
}
