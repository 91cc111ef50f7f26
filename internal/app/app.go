// Package app assembles the search engine components from settings.
package app

import (
	"context"
	"fmt"

	"github.com/tphakala/birdnet-search/internal/conf"
	"github.com/tphakala/birdnet-search/internal/datastore"
	"github.com/tphakala/birdnet-search/internal/datastore/repository"
	"github.com/tphakala/birdnet-search/internal/embedding"
	"github.com/tphakala/birdnet-search/internal/errors"
	"github.com/tphakala/birdnet-search/internal/inference"
	"github.com/tphakala/birdnet-search/internal/jobs"
	"github.com/tphakala/birdnet-search/internal/labeling"
	"github.com/tphakala/birdnet-search/internal/logger"
	"github.com/tphakala/birdnet-search/internal/observability"
	"github.com/tphakala/birdnet-search/internal/sampler"
	"github.com/tphakala/birdnet-search/internal/search"
	"github.com/tphakala/birdnet-search/internal/training"
)

var log = logger.Global().Module("app")

// App holds the wired components of one process.
type App struct {
	Settings  *conf.Settings
	DB        *datastore.DB
	Repo      *repository.Store
	Metrics   *observability.Metrics
	Index     *embedding.Index
	Runner    *jobs.Runner
	Labels    *labeling.Store
	Sampler   *sampler.Sampler
	Search    *search.Service
	Trainer   *training.Trainer
	Inference *inference.Executor
}

// InitLogging installs the central logger configured by settings.
func InitLogging(settings *conf.Settings) (*logger.CentralLogger, error) {
	cfg := settings.Logging
	if settings.Debug {
		cfg.DefaultLevel = "debug"
		if cfg.Console != nil {
			console := *cfg.Console
			console.Level = "debug"
			cfg.Console = &console
		}
	}
	cl, err := logger.NewCentralLogger(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.SetGlobal(cl)
	return cl, nil
}

// New opens the database and builds every service.
func New(settings *conf.Settings) (*App, error) {
	db, err := datastore.Open(settings)
	if err != nil {
		return nil, err
	}
	a, err := NewWithDB(settings, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

// NewWithDB builds every service on an already migrated database.
func NewWithDB(settings *conf.Settings, db *datastore.DB) (*App, error) {
	m, err := observability.NewMetrics()
	if err != nil {
		return nil, err
	}

	s := settings.Search
	repo := repository.New(db.Gorm, db.IsMySQL())
	index := embedding.NewIndex(repo, embedding.Options{
		Workers:  s.Workers,
		CacheTTL: s.CacheTTL,
		Metrics:  m.Search,
	})
	runner := jobs.NewRunner(m.Jobs)
	labels := labeling.New(repo, labeling.Options{
		Retries: s.LabelRetries,
		MaxBulk: s.MaxBulkIDs,
		Metrics: m.Search,
	})
	smp := sampler.New(repo, index, sampler.Options{
		Defaults: sampler.Defaults{
			UncertaintyLow:      s.UncertaintyLow,
			UncertaintyHigh:     s.UncertaintyHigh,
			SamplesPerIteration: s.SamplesPerIteration,
		},
		Metrics: m.Search,
	})
	svc := search.New(repo, index, labels, smp, runner, search.Options{
		Defaults: search.SessionDefaults{
			EasyPositiveK:       s.EasyPositiveK,
			BoundaryN:           s.BoundaryN,
			BoundaryM:           s.BoundaryM,
			OthersP:             s.OthersP,
			Metric:              s.Metric,
			SimilarityThreshold: s.SimilarityThreshold,
		},
	})
	trainer := training.New(repo, index, runner, training.Options{
		MinSamples:       settings.Training.MinSamples,
		DefaultModelType: settings.Training.DefaultModelType,
		Metrics:          m.Training,
	})
	exec := inference.New(repo, index, runner, inference.Options{
		DefaultBatchSize:    settings.Inference.DefaultBatchSize,
		MaxBatchSize:        settings.Inference.MaxBatchSize,
		ConfidenceThreshold: settings.Inference.ConfidenceThreshold,
		MaxBulk:             s.MaxBulkIDs,
		Workers:             s.Workers,
		Metrics:             m.Inference,
	})

	return &App{
		Settings:  settings,
		DB:        db,
		Repo:      repo,
		Metrics:   m,
		Index:     index,
		Runner:    runner,
		Labels:    labels,
		Sampler:   smp,
		Search:    svc,
		Trainer:   trainer,
		Inference: exec,
	}, nil
}

// RecoveryReport counts jobs found interrupted at startup.
type RecoveryReport struct {
	Iterations int64
	Trainings  int64
	Batches    int
}

// Recover resolves jobs left running by a previous process. Failures in one
// component do not stop the others.
func (a *App) Recover(ctx context.Context) (RecoveryReport, error) {
	var (
		report RecoveryReport
		errs   []error
		err    error
	)
	if report.Iterations, err = a.Search.Recover(ctx); err != nil {
		errs = append(errs, fmt.Errorf("iterations: %w", err))
	}
	if report.Trainings, err = a.Trainer.Recover(ctx); err != nil {
		errs = append(errs, fmt.Errorf("training: %w", err))
	}
	if report.Batches, err = a.Inference.Recover(ctx); err != nil {
		errs = append(errs, fmt.Errorf("inference: %w", err))
	}

	log.Info("startup recovery finished",
		logger.Int64("iterations", report.Iterations),
		logger.Int64("trainings", report.Trainings),
		logger.Int("batches", report.Batches))

	if len(errs) > 0 {
		return report, errors.Join(errs...)
	}
	return report, nil
}

// Close stops the job runner and closes the database.
func (a *App) Close() error {
	timeout := a.Settings.Jobs.ShutdownTimeout
	var errs []error
	if timeout > 0 {
		if err := a.Runner.StopWithTimeout(timeout); err != nil {
			errs = append(errs, err)
		}
	} else if err := a.Runner.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := a.DB.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
