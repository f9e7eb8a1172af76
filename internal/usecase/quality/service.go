// Package quality processes screened science exposures into calexps and
// records their quality metrics.
package quality

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/huntsman-telescope/drp/internal/domain"
	domcalib "github.com/huntsman-telescope/drp/internal/domain/calib"
	"github.com/huntsman-telescope/drp/internal/domain/document"
	"github.com/huntsman-telescope/drp/internal/pipeline"
	"github.com/huntsman-telescope/drp/internal/queue"
	"github.com/huntsman-telescope/drp/internal/transport/refcat"
)

// QueueName labels the monitor queue in logs and metrics.
const QueueName = "calexp_monitor"

// Exposure fields holding the pointing.
const (
	FieldRA  = "ra"
	FieldDec = "dec"
)

// RefcatFilename is the per-exposure catalogue written into the workspace.
const RefcatFilename = "refcat.csv"

// Options configures the monitor.
type Options struct {
	Workers int
	Queue   queue.Options
	// RefcatPath is a fixed reference catalogue. When empty a catalogue is
	// requested for every exposure.
	RefcatPath string
}

// Service is the calexp quality monitor.
type Service struct {
	exposures  Exposures
	calibs     Calibs
	processor  pipeline.ExposureProcessor
	workspaces pipeline.WorkspaceFactory
	refcats    Refcats
	refcatPath string
	queue      *queue.Queue[*document.Document]
	logger     *zap.Logger
}

// New creates a stopped monitor. refcats may be nil when opts.RefcatPath is set.
func New(
	exposures Exposures,
	calibs Calibs,
	processor pipeline.ExposureProcessor,
	workspaces pipeline.WorkspaceFactory,
	refcats Refcats,
	opts Options,
	logger *zap.Logger,
) *Service {
	s := &Service{
		exposures:  exposures,
		calibs:     calibs,
		processor:  processor,
		workspaces: workspaces,
		refcats:    refcats,
		refcatPath: opts.RefcatPath,
		logger:     logger.With(zap.String("component", QueueName)),
	}
	s.queue = queue.New[*document.Document](QueueName,
		queue.SourceFunc[*document.Document](s.exposures.FindCalexpTargets),
		s.Process,
		func(d *document.Document) string { return d.String(domcalib.FieldFilename) },
		queue.NewRunner(opts.Workers),
		opts.Queue,
		logger,
	)
	return s
}

// Start launches the queue loops.
func (s *Service) Start(ctx context.Context) error { return s.queue.Start(ctx) }

// Stop stops the queue and waits for in-flight exposures.
func (s *Service) Stop() { s.queue.Stop(true) }

// IsRunning reports whether the queue is running.
func (s *Service) IsRunning() bool { return s.queue.IsRunning() }

// Status returns the queue status.
func (s *Service) Status() queue.Status { return s.queue.Status() }

// Process makes a calexp for doc in a fresh workspace and stores its metrics.
func (s *Service) Process(ctx context.Context, doc *document.Document) error {
	filename := doc.String(domcalib.FieldFilename)
	logger := s.logger.With(zap.String("filename", filename))
	logger.Info("Processing exposure")

	calibs, err := s.calibs.GetMatchingCalibs(ctx, doc)
	if err != nil {
		return fmt.Errorf("match calibs for %s: %w", filename, err)
	}

	ws, err := s.workspaces.NewWorkspace(ctx)
	if err != nil {
		return fmt.Errorf("process %s: %w", filename, err)
	}
	defer func() {
		if err := ws.Close(); err != nil {
			logger.Warn("Failed to remove workspace", zap.String("dir", ws.Dir()), zap.Error(err))
		}
	}()

	if err := ws.IngestRaw(ctx, []string{filename}); err != nil {
		return fmt.Errorf("ingest %s: %w", filename, err)
	}
	calibFiles := make(map[string]string, len(calibs))
	for _, t := range domcalib.Order {
		c, ok := calibs[t]
		if !ok {
			continue
		}
		f := c.String(domcalib.FieldFilename)
		if err := ws.IngestCalibs(ctx, t, []string{f}); err != nil {
			return fmt.Errorf("ingest %s calib: %w", t, err)
		}
		calibFiles[t] = f
	}

	refcatPath, err := s.referenceCatalogue(ctx, ws, doc)
	if err != nil {
		return fmt.Errorf("reference catalogue for %s: %w", filename, err)
	}

	metrics, err := s.processor.ProcessExposure(ctx, ws, pipeline.ExposureRequest{
		Filename:   filename,
		DataID:     doc.Fields(),
		Calibs:     calibFiles,
		RefcatPath: refcatPath,
	})
	if err != nil {
		return err
	}
	if err := s.exposures.SetCalexpMetrics(ctx, filename, metrics); err != nil {
		return err
	}
	logger.Info("Stored calexp metrics", zap.Int("metrics", len(metrics)))
	return nil
}

func (s *Service) referenceCatalogue(ctx context.Context, ws pipeline.Workspace, doc *document.Document) (string, error) {
	if s.refcatPath != "" {
		return s.refcatPath, nil
	}
	if s.refcats == nil {
		return "", fmt.Errorf("no reference catalogue configured: %w", domain.ErrRefcatService)
	}
	ra, okRA := doc.Float(FieldRA)
	dec, okDec := doc.Float(FieldDec)
	if !okRA || !okDec {
		return "", fmt.Errorf("pointing: %w", domain.ErrMissingField)
	}
	path := filepath.Join(ws.Dir(), RefcatFilename)
	if err := s.refcats.MakeReferenceCatalogue(ctx, []refcat.Coordinate{{RA: ra, Dec: dec}}, path); err != nil {
		return "", err
	}
	return path, nil
}
