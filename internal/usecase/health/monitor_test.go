package health

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/huntsman-telescope/drp/internal/db/sqlite"
	domcol "github.com/huntsman-telescope/drp/internal/domain/collection"
	"github.com/huntsman-telescope/drp/internal/domain/collection/field"
	"github.com/huntsman-telescope/drp/internal/domain/document"
	"github.com/huntsman-telescope/drp/internal/domain/filter"
	"github.com/huntsman-telescope/drp/internal/metrics"
	"github.com/huntsman-telescope/drp/internal/queue"
	"github.com/huntsman-telescope/drp/internal/repository/collection"
)

func newRawCollection(t *testing.T) *collection.Collection {
	t.Helper()
	s, err := sqlite.NewStore(sqlite.Config{Path: filepath.Join(t.TempDir(), "health.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(s.Close)

	f, err := field.New("filename", field.Tag)
	if err != nil {
		t.Fatal(err)
	}
	schema, err := domcol.New("raw", "", []string{"filename"}, []string{"filename"}, []field.Field{f})
	if err != nil {
		t.Fatal(err)
	}
	c := collection.New(schema, s, zap.NewNop())
	if err := c.EnsureIndex(context.Background()); err != nil {
		t.Fatal(err)
	}
	return c
}

func touch(t *testing.T, path string) string {
	t.Helper()
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func filenames(t *testing.T, c *collection.Collection) []string {
	t.Helper()
	docs, err := c.Find(context.Background(), filter.All())
	if err != nil {
		t.Fatal(err)
	}
	var out []string
	for _, d := range docs {
		out = append(out, d.String("filename"))
	}
	sort.Strings(out)
	return out
}

func TestMonitor_DeletesFailingDocuments(t *testing.T) {
	metrics.RegisterDRPMetrics()
	dir := t.TempDir()
	c := newRawCollection(t)
	ctx := context.Background()

	kept := touch(t, filepath.Join(dir, "kept.fits"))
	plain := touch(t, filepath.Join(dir, "dup.fits"))
	compressed := touch(t, filepath.Join(dir, "dup.fits.fz"))
	missing := filepath.Join(dir, "missing.fits")
	for _, f := range []string{kept, plain, compressed, missing} {
		if err := c.InsertOne(ctx, document.New(map[string]any{"filename": f, "date": time.Now()})); err != nil {
			t.Fatal(err)
		}
	}

	missingBefore := testutil.ToFloat64(metrics.HealthDeletedTotal.WithLabelValues("raw", CheckFileExists))
	dupBefore := testutil.ToFloat64(metrics.HealthDeletedTotal.WithLabelValues("raw", CheckFitsFzDuplicate))

	m := NewMonitor([]Target{{Collection: c, Checks: []Check{FileExists(), FitsFzDuplicate()}}}, queue.Options{}, zap.NewNop())
	status, err := m.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}

	want := []string{compressed, kept}
	sort.Strings(want)
	got := filenames(t, c)
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("remaining = %v, want %v", got, want)
	}
	if status["raw"] != (CollectionStatus{Size: 2, Deleted: 2}) {
		t.Errorf("status = %+v", status["raw"])
	}
	if d := testutil.ToFloat64(metrics.HealthDeletedTotal.WithLabelValues("raw", CheckFileExists)) - missingBefore; d != 1 {
		t.Errorf("file_exists deletions = %v", d)
	}
	if d := testutil.ToFloat64(metrics.HealthDeletedTotal.WithLabelValues("raw", CheckFitsFzDuplicate)) - dupBefore; d != 1 {
		t.Errorf("fits_fz_duplicate deletions = %v", d)
	}

	// A clean collection is left alone and the deletion count accumulates.
	status, err = m.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if status["raw"] != (CollectionStatus{Size: 2, Deleted: 2}) {
		t.Errorf("status after second pass = %+v", status["raw"])
	}
}

func TestFitsFzDuplicate(t *testing.T) {
	all := NewSnapshot([]*document.Document{
		document.New(map[string]any{"filename": "/d/a.fits"}),
		document.New(map[string]any{"filename": "/d/a.fits.fz"}),
		document.New(map[string]any{"filename": "/d/b.fits"}),
	})
	check := FitsFzDuplicate()
	tests := []struct {
		filename string
		pass     bool
	}{
		{"/d/a.fits", false},
		{"/d/a.fits.fz", true},
		{"/d/b.fits", true},
		{"/d/notes.txt", true},
	}
	for _, tt := range tests {
		doc := document.New(map[string]any{"filename": tt.filename})
		if got := check.Pass(doc, all); got != tt.pass {
			t.Errorf("%s: pass = %v, want %v", tt.filename, got, tt.pass)
		}
	}
}

type failingDocuments struct{ err error }

func (f failingDocuments) Name() string { return "broken" }

func (f failingDocuments) Find(context.Context, filter.Expression, ...collection.FindOption) ([]*document.Document, error) {
	return nil, f.err
}

func (f failingDocuments) DeleteOne(context.Context, filter.Expression, bool) error { return nil }

func TestMonitor_FindError(t *testing.T) {
	storeErr := errors.New("store down")
	m := NewMonitor([]Target{{Collection: failingDocuments{err: storeErr}}}, queue.Options{}, zap.NewNop())
	if _, err := m.RunOnce(context.Background()); !errors.Is(err, storeErr) {
		t.Fatalf("expected store error, got %v", err)
	}
}

func TestMonitor_StartStop(t *testing.T) {
	dir := t.TempDir()
	c := newRawCollection(t)
	ctx := context.Background()
	if err := c.InsertOne(ctx, document.New(map[string]any{"filename": filepath.Join(dir, "gone.fits"), "date": time.Now()})); err != nil {
		t.Fatal(err)
	}

	m := NewMonitor([]Target{{Collection: c, Checks: []Check{FileExists()}}}, queue.Options{
		StatusInterval: 10 * time.Millisecond,
		QueueInterval:  10 * time.Millisecond,
		PollTimeout:    5 * time.Millisecond,
	}, zap.NewNop())
	if err := m.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if !m.IsRunning() {
		t.Error("monitor should be running")
	}

	deadline := time.Now().Add(time.Second)
	for len(filenames(t, c)) != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	m.Stop()

	if got := filenames(t, c); len(got) != 0 {
		t.Errorf("remaining = %v", got)
	}
	if m.IsRunning() {
		t.Error("monitor should be stopped")
	}
}
