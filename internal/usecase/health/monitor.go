package health

import (
	"context"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	domcalib "github.com/huntsman-telescope/drp/internal/domain/calib"
	"github.com/huntsman-telescope/drp/internal/domain/document"
	"github.com/huntsman-telescope/drp/internal/domain/filter"
	"github.com/huntsman-telescope/drp/internal/fits"
	"github.com/huntsman-telescope/drp/internal/metrics"
	"github.com/huntsman-telescope/drp/internal/queue"
)

// MonitorName labels the cleanup monitor queue.
const MonitorName = "health_monitor"

// Check names.
const (
	CheckFileExists      = "file_exists"
	CheckFitsFzDuplicate = "fits_fz_duplicate"
)

// Snapshot is every document of a collection, indexed by filename.
type Snapshot struct {
	Docs       []*document.Document
	byFilename map[string]*document.Document
}

// NewSnapshot indexes docs.
func NewSnapshot(docs []*document.Document) Snapshot {
	idx := make(map[string]*document.Document, len(docs))
	for _, d := range docs {
		idx[d.String(domcalib.FieldFilename)] = d
	}
	return Snapshot{Docs: docs, byFilename: idx}
}

// Has reports whether a document for filename exists.
func (s Snapshot) Has(filename string) bool {
	_, ok := s.byFilename[filename]
	return ok
}

// Check passes a document or reports it for deletion.
type Check struct {
	Name string
	Pass func(doc *document.Document, all Snapshot) bool
}

// FileExists fails documents whose file is gone.
func FileExists() Check {
	return Check{Name: CheckFileExists, Pass: func(doc *document.Document, _ Snapshot) bool {
		info, err := os.Stat(doc.String(domcalib.FieldFilename))
		return err == nil && info.Mode().IsRegular()
	}}
}

// FitsFzDuplicate fails uncompressed exposures whose compressed twin is also
// stored. The compressed document is kept.
func FitsFzDuplicate() Check {
	return Check{Name: CheckFitsFzDuplicate, Pass: func(doc *document.Document, all Snapshot) bool {
		name := doc.String(domcalib.FieldFilename)
		if fits.IsCompressed(name) {
			return true
		}
		twin, ok := fits.Twin(name)
		return !ok || !all.Has(twin)
	}}
}

// Target is a collection and the checks its documents must pass.
type Target struct {
	Collection Documents
	Checks     []Check
}

// CollectionStatus reports the last inspection of a collection.
type CollectionStatus struct {
	Size    int `json:"size"`
	Deleted int `json:"deleted"`
}

// Monitor periodically deletes documents failing their collection checks.
type Monitor struct {
	targets []Target
	queue   *queue.Queue[Target]
	logger  *zap.Logger

	mu     sync.Mutex
	status map[string]CollectionStatus
}

// NewMonitor creates a stopped monitor. opts.QueueInterval is the time
// between inspections of a collection.
func NewMonitor(targets []Target, opts queue.Options, logger *zap.Logger) *Monitor {
	m := &Monitor{
		targets: targets,
		logger:  logger.With(zap.String("component", MonitorName)),
		status:  make(map[string]CollectionStatus, len(targets)),
	}
	m.queue = queue.New[Target](MonitorName,
		queue.SourceFunc[Target](func(context.Context) ([]Target, error) { return m.targets, nil }),
		func(ctx context.Context, t Target) error {
			_, err := m.CheckCollection(ctx, t)
			return err
		},
		func(t Target) string { return t.Collection.Name() },
		nil,
		opts,
		logger,
	)
	return m
}

// Start launches the monitor loops.
func (m *Monitor) Start(ctx context.Context) error { return m.queue.Start(ctx) }

// Stop stops the monitor and waits for a running inspection.
func (m *Monitor) Stop() { m.queue.Stop(true) }

// IsRunning reports whether the monitor is running.
func (m *Monitor) IsRunning() bool { return m.queue.IsRunning() }

// Status returns the last inspection of every collection, by name.
func (m *Monitor) Status() map[string]CollectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]CollectionStatus, len(m.status))
	for k, v := range m.status {
		out[k] = v
	}
	return out
}

// RunOnce inspects every target collection once.
func (m *Monitor) RunOnce(ctx context.Context) (map[string]CollectionStatus, error) {
	for _, t := range m.targets {
		if _, err := m.CheckCollection(ctx, t); err != nil {
			return m.Status(), err
		}
	}
	return m.Status(), nil
}

// CheckCollection deletes the documents of t failing any check and returns
// the collection status after deletion.
func (m *Monitor) CheckCollection(ctx context.Context, t Target) (CollectionStatus, error) {
	name := t.Collection.Name()
	docs, err := t.Collection.Find(ctx, filter.All())
	if err != nil {
		return CollectionStatus{}, fmt.Errorf("health check %s: %w", name, err)
	}
	all := NewSnapshot(docs)

	var deleted int
	for _, doc := range docs {
		failed := firstFailure(t.Checks, doc, all)
		if failed == "" {
			continue
		}
		filename := doc.String(domcalib.FieldFilename)
		m.logger.Warn("Document failed health check",
			zap.String("collection", name),
			zap.String("check", failed),
			zap.String("filename", filename),
		)
		f := filter.And(filter.Eq(domcalib.FieldFilename, filename))
		if err := t.Collection.DeleteOne(ctx, f, true); err != nil {
			return CollectionStatus{}, fmt.Errorf("health check %s: delete %s: %w", name, filename, err)
		}
		metrics.HealthDeletedTotal.WithLabelValues(name, failed).Inc()
		deleted++
	}

	m.mu.Lock()
	st := m.status[name]
	st.Size = len(docs) - deleted
	st.Deleted += deleted
	m.status[name] = st
	m.mu.Unlock()

	m.logger.Info("Health status",
		zap.String("collection", name),
		zap.Int("size", st.Size),
		zap.Int("deleted", st.Deleted),
	)
	return st, nil
}

func firstFailure(checks []Check, doc *document.Document, all Snapshot) string {
	for _, c := range checks {
		if !c.Pass(doc, all) {
			return c.Name
		}
	}
	return ""
}
