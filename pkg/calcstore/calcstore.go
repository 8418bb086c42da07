// Package calcstore records calculations and their task timings in a
// relational database.
package calcstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethpandaops/shakeoor/pkg/config"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned for unknown calculations.
var ErrNotFound = errors.New("calculation not found")

// Store provides persistence for calculation records.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	UpsertCalculation(ctx context.Context, calc *Calculation) error
	GetCalculation(ctx context.Context, calcID string) (*Calculation, error)
	ListCalculations(ctx context.Context, mode string) ([]Calculation, error)
	ListCalculationIDs(ctx context.Context) ([]string, error)
	ListIncompleteCalculationIDs(ctx context.Context) ([]string, error)
	DeleteCalculation(ctx context.Context, calcID string) error

	BulkInsertTaskTimings(ctx context.Context, timings []*TaskTiming) error
	ListTaskTimings(ctx context.Context, calcID string) ([]TaskTiming, error)
}

var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a Store backed by the configured database driver.
func NewStore(log logrus.FieldLogger, cfg *config.DatabaseConfig) Store {
	return &store{
		log: log.WithField("component", "calcstore"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dialector = postgres.Open(fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		))
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Discard})
	if err != nil {
		return fmt.Errorf("opening calculation database: %w", err)
	}

	s.db = db

	// SQLite allows one writer, and every ":memory:" connection is a new
	// database.
	if s.cfg.Driver == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		sqlDB.SetMaxOpenConns(1)
	}

	if err := s.db.WithContext(ctx).AutoMigrate(&Calculation{}, &TaskTiming{}); err != nil {
		return fmt.Errorf("running calculation migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Calculation database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// UpsertCalculation inserts a calculation keyed by calc_id, or applies the
// non-zero fields of calc to the existing record.
func (s *store) UpsertCalculation(ctx context.Context, calc *Calculation) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Calculation

		err := tx.Where("calc_id = ?", calc.CalcID).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(calc).Error
		}

		if err != nil {
			return err
		}

		update := *calc
		update.ID = 0

		if err := tx.Model(&existing).Updates(&update).Error; err != nil {
			return err
		}

		calc.ID = existing.ID

		return nil
	})
	if err != nil {
		return fmt.Errorf("upserting calculation: %w", err)
	}

	return nil
}

// GetCalculation returns one calculation.
func (s *store) GetCalculation(ctx context.Context, calcID string) (*Calculation, error) {
	var calc Calculation

	err := s.db.WithContext(ctx).Where("calc_id = ?", calcID).First(&calc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, calcID)
	}

	if err != nil {
		return nil, fmt.Errorf("getting calculation: %w", err)
	}

	return &calc, nil
}

// ListCalculations returns the calculations of a mode, or all of them
// when mode is empty, newest first.
func (s *store) ListCalculations(ctx context.Context, mode string) ([]Calculation, error) {
	q := s.db.WithContext(ctx).Order("started_at DESC")
	if mode != "" {
		q = q.Where("mode = ?", mode)
	}

	var calcs []Calculation
	if err := q.Find(&calcs).Error; err != nil {
		return nil, fmt.Errorf("listing calculations: %w", err)
	}

	return calcs, nil
}

// ListCalculationIDs returns every calc_id.
func (s *store) ListCalculationIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := s.db.WithContext(ctx).
		Model(&Calculation{}).
		Pluck("calc_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("listing calculation ids: %w", err)
	}

	return ids, nil
}

// ListIncompleteCalculationIDs returns the calculations whose status may
// still change.
func (s *store) ListIncompleteCalculationIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := s.db.WithContext(ctx).
		Model(&Calculation{}).
		Where("status NOT IN ?", []string{StatusComplete, StatusFailed}).
		Pluck("calc_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("listing incomplete calculation ids: %w", err)
	}

	return ids, nil
}

// DeleteCalculation removes a calculation and its task timings.
func (s *store) DeleteCalculation(ctx context.Context, calcID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("calc_id = ?", calcID).Delete(&TaskTiming{}).Error; err != nil {
			return fmt.Errorf("deleting task timings: %w", err)
		}

		if err := tx.Where("calc_id = ?", calcID).Delete(&Calculation{}).Error; err != nil {
			return fmt.Errorf("deleting calculation: %w", err)
		}

		return nil
	})
}

// BulkInsertTaskTimings replaces the timings of the given tasks in one
// transaction.
func (s *store) BulkInsertTaskTimings(ctx context.Context, timings []*TaskTiming) error {
	if len(timings) == 0 {
		return nil
	}

	const batchSize = 100

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, t := range timings {
			if err := tx.Where("calc_id = ? AND task_no = ?", t.CalcID, t.TaskNo).
				Delete(&TaskTiming{}).Error; err != nil {
				return fmt.Errorf("clearing task timing: %w", err)
			}
		}

		if err := tx.CreateInBatches(timings, batchSize).Error; err != nil {
			return fmt.Errorf("inserting task timings: %w", err)
		}

		return nil
	})
}

// ListTaskTimings returns the timings of a calculation by task number.
func (s *store) ListTaskTimings(ctx context.Context, calcID string) ([]TaskTiming, error) {
	var timings []TaskTiming
	if err := s.db.WithContext(ctx).
		Where("calc_id = ?", calcID).
		Order("task_no ASC").
		Find(&timings).Error; err != nil {
		return nil, fmt.Errorf("listing task timings: %w", err)
	}

	return timings, nil
}
