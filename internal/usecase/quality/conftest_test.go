package quality

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/huntsman-telescope/drp/internal/domain/document"
	"github.com/huntsman-telescope/drp/internal/pipeline"
	"github.com/huntsman-telescope/drp/internal/queue"
	"github.com/huntsman-telescope/drp/internal/transport/refcat"
)

// --- Mocks ---

type mockExposures struct {
	mu      sync.Mutex
	targets []*document.Document
	stored  map[string]map[string]any
	setErr  error
}

func (m *mockExposures) FindCalexpTargets(context.Context) ([]*document.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*document.Document
	for _, d := range m.targets {
		if _, done := m.stored[d.String("filename")]; !done {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *mockExposures) SetCalexpMetrics(_ context.Context, filename string, metrics map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	if m.stored == nil {
		m.stored = make(map[string]map[string]any)
	}
	m.stored[filename] = metrics
	return nil
}

func (m *mockExposures) metricsOf(filename string) (map[string]any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.stored[filename]
	return v, ok
}

type mockCalibs struct {
	matchFn func(doc *document.Document) (map[string]*document.Document, error)
}

func (m *mockCalibs) GetMatchingCalibs(_ context.Context, doc *document.Document) (map[string]*document.Document, error) {
	return m.matchFn(doc)
}

type mockRefcats struct {
	mu     sync.Mutex
	coords []refcat.Coordinate
	err    error
}

func (m *mockRefcats) MakeReferenceCatalogue(_ context.Context, coords []refcat.Coordinate, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.coords = append(m.coords, coords...)
	return os.WriteFile(path, []byte("ra,dec\n"), 0o600)
}

// fakeProcessor checks the workspace contents and reports the calibs it saw.
type fakeProcessor struct {
	mu       sync.Mutex
	requests []pipeline.ExposureRequest
}

func (p *fakeProcessor) ProcessExposure(_ context.Context, ws pipeline.Workspace, req pipeline.ExposureRequest) (map[string]any, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	if _, err := os.Lstat(ws.RawPath(req.Filename)); err != nil {
		return nil, errors.New("raw exposure not in workspace")
	}
	for t, f := range req.Calibs {
		if _, err := os.Lstat(ws.CalibPath(t, f)); err != nil {
			return nil, errors.New(t + " calib not in workspace")
		}
	}
	if _, err := os.Stat(req.RefcatPath); err != nil {
		return nil, errors.New("no reference catalogue")
	}
	return map[string]any{"n_calibs": float64(len(req.Calibs)), "zp": 25.0}, nil
}

// --- Fixtures ---

var day = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func science(filename string) *document.Document {
	return document.New(map[string]any{
		"filename":         filename,
		"observation_type": "science",
		"camera_name":      "cam00",
		"filter":           "g_band",
		"date":             day.Add(20 * time.Hour),
		"ra":               150.1,
		"dec":              -30.5,
	})
}

func allCalibs(*document.Document) (map[string]*document.Document, error) {
	out := make(map[string]*document.Document)
	for _, t := range []string{"bias", "dark", "flat", "defects"} {
		out[t] = document.New(map[string]any{"datasetType": t, "filename": "/archive/" + t + ".fits"})
	}
	return out, nil
}

func fastQueue() queue.Options {
	return queue.Options{
		StatusInterval: 10 * time.Millisecond,
		QueueInterval:  10 * time.Millisecond,
		PollTimeout:    5 * time.Millisecond,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
