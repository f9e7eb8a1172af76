// Package ingest watches a directory for raw exposures and records their
// metadata and raw metrics.
package ingest

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/huntsman-telescope/drp/internal/domain"
	"github.com/huntsman-telescope/drp/internal/fits"
	"github.com/huntsman-telescope/drp/internal/metrics"
	"github.com/huntsman-telescope/drp/internal/queue"
)

// QueueName labels the ingestor queue in logs and metrics.
const QueueName = "file_ingestor"

// Options configures the ingestor.
type Options struct {
	Directory string
	Workers   int
	Queue     queue.Options
	// List defaults to fits.List.
	List Lister
}

// Summary counts the outcome of one ingest pass.
type Summary struct {
	Found    int `json:"found"`
	Ingested int `json:"ingested"`
	Failed   int `json:"failed"`
}

// Service ingests every exposure in the watched directory that is not yet
// stored with successful raw metrics.
type Service struct {
	exposures Exposures
	dir       string
	list      Lister
	queue     *queue.Queue[string]
	logger    *zap.Logger
}

// New creates a stopped ingestor.
func New(exposures Exposures, opts Options, logger *zap.Logger) *Service {
	if opts.List == nil {
		opts.List = fits.List
	}
	s := &Service{
		exposures: exposures,
		dir:       opts.Directory,
		list:      opts.List,
		logger:    logger.With(zap.String("component", QueueName)),
	}
	s.queue = queue.New[string](QueueName,
		queue.SourceFunc[string](s.Objects),
		s.Process,
		func(filename string) string { return filename },
		queue.NewRunner(opts.Workers),
		opts.Queue,
		logger,
	)
	return s
}

// Start launches the queue loops.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info("Watching directory", zap.String("directory", s.dir))
	return s.queue.Start(ctx)
}

// Stop stops the queue and waits for in-flight files.
func (s *Service) Stop() { s.queue.Stop(true) }

// IsRunning reports whether the queue is running.
func (s *Service) IsRunning() bool { return s.queue.IsRunning() }

// Status returns the queue status.
func (s *Service) Status() queue.Status { return s.queue.Status() }

// Objects lists the files needing ingestion: files on disk that are not
// stored with successful raw metrics and whose fits/fz twin is not stored.
// When both twins are on disk and neither is stored, only the compressed
// file is returned.
func (s *Service) Objects(ctx context.Context) ([]string, error) {
	files, err := s.list(s.dir)
	if err != nil {
		return nil, err
	}
	stored, err := s.exposures.Filenames(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("list stored exposures: %w", err)
	}
	screened, err := s.exposures.Filenames(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("list screened exposures: %w", err)
	}

	storedSet := toSet(stored)
	screenedSet := toSet(screened)
	onDisk := toSet(files)

	var out []string
	for _, f := range files {
		if screenedSet[f] {
			continue
		}
		if twin, ok := fits.Twin(f); ok {
			if storedSet[twin] {
				s.logger.Debug("Skipping file with stored twin", zap.String("filename", f), zap.String("twin", twin))
				continue
			}
			if onDisk[twin] && !storedSet[f] && !fits.IsCompressed(f) {
				continue
			}
		}
		out = append(out, f)
	}
	s.logger.Debug("Found files requiring ingestion",
		zap.String("directory", s.dir),
		zap.Int("on_disk", len(files)),
		zap.Int("to_process", len(out)),
	)
	return out, nil
}

// Process ingests one file. A file whose raw metrics failed is still stored
// and reported as a failure.
func (s *Service) Process(ctx context.Context, filename string) error {
	err := s.exposures.IngestFile(ctx, filename)
	switch {
	case err == nil:
		metrics.IngestedFilesTotal.WithLabelValues("success").Inc()
		s.logger.Debug("Ingested file", zap.String("filename", filename))
	case errors.Is(err, domain.ErrMetricEvaluation):
		metrics.IngestedFilesTotal.WithLabelValues("metric_failed").Inc()
	case errors.Is(err, domain.ErrDuplicateKey):
		metrics.IngestedFilesTotal.WithLabelValues("duplicate").Inc()
	default:
		metrics.IngestedFilesTotal.WithLabelValues("failed").Inc()
	}
	return err
}

// IngestOnce processes every pending file synchronously.
func (s *Service) IngestOnce(ctx context.Context) (Summary, error) {
	files, err := s.Objects(ctx)
	if err != nil {
		return Summary{}, err
	}
	sum := Summary{Found: len(files)}
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		if err := s.Process(ctx, f); err != nil {
			s.logger.Warn("Failed to ingest file", zap.String("filename", f), zap.Error(err))
			sum.Failed++
			continue
		}
		sum.Ingested++
	}
	s.logger.Info("Ingest pass complete",
		zap.Int("found", sum.Found),
		zap.Int("ingested", sum.Ingested),
		zap.Int("failed", sum.Failed),
	)
	return sum, nil
}

func toSet(values []string) map[string]bool {
	out := make(map[string]bool, len(values))
	for _, v := range values {
		out[v] = true
	}
	return out
}
