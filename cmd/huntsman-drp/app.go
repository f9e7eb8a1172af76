package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/huntsman-telescope/drp/internal/config"
	"github.com/huntsman-telescope/drp/internal/db"
	dbRedis "github.com/huntsman-telescope/drp/internal/db/redis"
	dbSQLite "github.com/huntsman-telescope/drp/internal/db/sqlite"
	"github.com/huntsman-telescope/drp/internal/fits"
	logpkg "github.com/huntsman-telescope/drp/internal/logger"
	"github.com/huntsman-telescope/drp/internal/metric"
	"github.com/huntsman-telescope/drp/internal/metrics"
	"github.com/huntsman-telescope/drp/internal/pipeline"
	"github.com/huntsman-telescope/drp/internal/queue"
	calibrepo "github.com/huntsman-telescope/drp/internal/repository/calib"
	"github.com/huntsman-telescope/drp/internal/repository/collection"
	"github.com/huntsman-telescope/drp/internal/repository/exposure"
	"github.com/huntsman-telescope/drp/internal/transport/refcat"
	calibuc "github.com/huntsman-telescope/drp/internal/usecase/calib"
	healthuc "github.com/huntsman-telescope/drp/internal/usecase/health"
	"github.com/huntsman-telescope/drp/internal/usecase/ingest"
	"github.com/huntsman-telescope/drp/internal/usecase/quality"
)

// app is the composition root shared by every subcommand.
type app struct {
	env       string
	cfg       config.Config
	logger    *zap.Logger
	store     db.Store
	exposures *exposure.Collection
	calibs    *calibrepo.Collection
}

// newApp loads configuration, opens the store and the collections. loggerEnv
// overrides the logger environment when non-empty.
func newApp(ctx context.Context, loggerEnv string) (*app, error) {
	env := envName
	if env == "" {
		env = config.GetEnv()
	}

	var (
		cfg config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load(env)
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	level := cfg.Logging.Level
	if logLevel != "" {
		level = logLevel
	}
	if loggerEnv == "" {
		loggerEnv = env
	}
	logger, err := logpkg.NewLogger(loggerEnv, level)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}

	store, err := openStore(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("create database store: %w", err)
	}
	if err := store.WaitForReady(ctx, time.Duration(cfg.Database.ReadinessTimeout)*time.Second); err != nil {
		store.Close()
		return nil, fmt.Errorf("database not ready: %w", err)
	}
	logger.Debug("Connected to database", zap.String("db_driver", cfg.Database.Driver))

	metrics.RegisterDRPMetrics()

	a := &app{env: env, cfg: cfg, logger: logger, store: store}
	if err := a.openCollections(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return a, nil
}

func openStore(cfg config.DatabaseConfig) (db.Store, error) {
	switch cfg.Driver {
	case config.DriverRedis:
		return dbRedis.NewStore(dbRedis.Config{
			Addrs:     cfg.Addrs,
			Password:  cfg.Password,
			KeyPrefix: cfg.KeyPrefix,
		})
	case config.DriverSQLite:
		return dbSQLite.NewStore(dbSQLite.Config{Path: cfg.Path})
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

func (a *app) exposureConfig() exposure.Config {
	return exposure.Config{
		CalibTypes:      a.cfg.Calibs.Types,
		MatchingColumns: a.cfg.Calibs.MatchingColumns,
		Validity:        a.cfg.Calibs.Validity(),
	}
}

func (a *app) calibConfig() calibrepo.Config {
	return calibrepo.Config{
		Types:           a.cfg.Calibs.Types,
		MatchingColumns: a.cfg.Calibs.MatchingColumns,
		Validity:        a.cfg.Calibs.Validity(),
		ArchiveDir:      a.cfg.Calibs.ArchiveDir,
	}
}

func (a *app) openCollections(ctx context.Context) error {
	expCfg := a.exposureConfig()
	rawSchema, err := exposure.Schema(a.cfg.Collections.Exposures, expCfg)
	if err != nil {
		return fmt.Errorf("exposure schema: %w", err)
	}
	policy, err := exposure.NewQualityPolicy(a.cfg.Quality.Criteria)
	if err != nil {
		return err
	}
	rawBase := collection.New(rawSchema, a.store, a.logger).WithPolicy(policy)
	if err := rawBase.EnsureIndex(ctx); err != nil {
		return fmt.Errorf("exposure index: %w", err)
	}

	evaluator, err := a.rawEvaluator()
	if err != nil {
		return err
	}
	a.exposures = exposure.New(rawBase, expCfg, a.logger).WithIngest(a.headerMapping(), evaluator)

	calCfg := a.calibConfig()
	calSchema, err := calibrepo.Schema(a.cfg.Collections.Calibs, calCfg)
	if err != nil {
		return fmt.Errorf("calib schema: %w", err)
	}
	calBase := collection.New(calSchema, a.store, a.logger)
	if err := calBase.EnsureIndex(ctx); err != nil {
		return fmt.Errorf("calib index: %w", err)
	}
	a.calibs = calibrepo.New(calBase, calCfg, a.logger)
	return nil
}

func (a *app) headerMapping() fits.Mapping {
	m := fits.DefaultMapping()
	for field, key := range a.cfg.FITS.HeaderMapping {
		m.Fields[field] = key
	}
	return m
}

func (a *app) rawEvaluator() (*metric.Evaluator, error) {
	names := a.cfg.Quality.RawMetrics
	if len(names) == 0 {
		names = metric.DefaultRaw()
	}
	raw, err := metric.Raw(names, metric.RawOptions{BitDepthKey: a.cfg.Quality.BitDepthKey})
	if err != nil {
		return nil, fmt.Errorf("raw metrics: %w", err)
	}
	return metric.NewEvaluator(a.logger, raw...), nil
}

func (a *app) command() pipeline.Command {
	return pipeline.Command{
		Build:   a.cfg.Pipeline.Build,
		Process: a.cfg.Pipeline.Process,
		Env:     a.cfg.Pipeline.Env,
		Logger:  a.logger,
	}
}

func (a *app) workspaces() pipeline.TempWorkspaceFactory {
	return pipeline.TempWorkspaceFactory{Root: a.cfg.Pipeline.WorkspaceDir, Logger: a.logger}
}

func queueOptions(s config.ServiceConfig) queue.Options {
	return queue.Options{
		StatusInterval: s.StatusInterval(),
		QueueInterval:  s.QueueInterval(),
	}
}

func (a *app) ingestService(dir string) *ingest.Service {
	s := a.cfg.Services.Ingestor
	if dir == "" {
		dir = a.cfg.FITS.Directory
	}
	return ingest.New(a.exposures, ingest.Options{
		Directory: dir,
		Workers:   s.Workers,
		Queue:     queueOptions(s),
	}, a.logger)
}

func (a *app) calibService() *calibuc.Service {
	return calibuc.New(a.exposures, a.calibs, a.command(), a.workspaces(), calibuc.Options{
		SleepInterval: a.cfg.Services.CalibMaker.SleepInterval(),
		Validity:      a.cfg.Calibs.Validity(),
		Types:         a.cfg.Calibs.Types,
	}, a.logger)
}

func (a *app) qualityService() *quality.Service {
	// A nil interface, not a nil *refcat.Client, when no service is configured.
	var refcats quality.Refcats
	if a.cfg.Refcat.URL != "" {
		refcats = refcat.New(&refcat.Config{
			URL:        a.cfg.Refcat.URL,
			Timeout:    time.Duration(a.cfg.Refcat.TimeoutSec) * time.Second,
			MaxElapsed: time.Duration(a.cfg.Refcat.MaxElapsedSec) * time.Second,
			Radius:     a.cfg.Refcat.Radius,
			Logger:     a.logger,
		})
	}
	s := a.cfg.Services.Quality
	return quality.New(a.exposures, a.calibs, a.command(), a.workspaces(), refcats, quality.Options{
		Workers:    s.Workers,
		Queue:      queueOptions(s),
		RefcatPath: a.cfg.Refcat.Path,
	}, a.logger)
}

func (a *app) healthMonitor() *healthuc.Monitor {
	return healthuc.NewMonitor([]healthuc.Target{
		{Collection: a.exposures, Checks: []healthuc.Check{healthuc.FileExists(), healthuc.FitsFzDuplicate()}},
		{Collection: a.calibs, Checks: []healthuc.Check{healthuc.FileExists()}},
	}, queueOptions(a.cfg.Services.Health), a.logger)
}

func (a *app) Close() {
	a.store.Close()
	_ = a.logger.Sync()
}
