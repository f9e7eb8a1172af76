package calib

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	domcalib "github.com/huntsman-telescope/drp/internal/domain/calib"
	"github.com/huntsman-telescope/drp/internal/domain/document"
	"github.com/huntsman-telescope/drp/internal/pipeline"
)

// --- Mocks ---

type mockRaws struct {
	datesFn    func(ctx context.Context) ([]time.Time, error)
	findFn     func(ctx context.Context, date time.Time) ([]*document.Document, error)
	idsFn      func(docs []*document.Document, date time.Time) *domcalib.IDSet
	matchingFn func(ctx context.Context, id domcalib.ID, sortDate *time.Time) ([]*document.Document, error)
}

func (m *mockRaws) CalibDates(ctx context.Context) ([]time.Time, error) {
	if m.datesFn != nil {
		return m.datesFn(ctx)
	}
	return nil, nil
}

func (m *mockRaws) FindRawCalibs(ctx context.Context, date time.Time) ([]*document.Document, error) {
	if m.findFn != nil {
		return m.findFn(ctx, date)
	}
	return nil, nil
}

func (m *mockRaws) CalibIDs(docs []*document.Document, date time.Time) *domcalib.IDSet {
	if m.idsFn != nil {
		return m.idsFn(docs, date)
	}
	return domcalib.NewIDSet()
}

func (m *mockRaws) GetMatchingRawCalibs(ctx context.Context, id domcalib.ID, sortDate *time.Time) ([]*document.Document, error) {
	if m.matchingFn != nil {
		return m.matchingFn(ctx, id, sortDate)
	}
	return nil, nil
}

type mockCalibs struct {
	findFn    func(ctx context.Context, id domcalib.ID) (*document.Document, error)
	matchFn   func(ctx context.Context, datasetType string, doc *document.Document) (*document.Document, error)
	archiveFn func(ctx context.Context, filename string, metadata map[string]any) (*document.Document, error)

	mu       sync.Mutex
	archived []string
}

func (m *mockCalibs) FindArchived(ctx context.Context, id domcalib.ID) (*document.Document, error) {
	if m.findFn != nil {
		return m.findFn(ctx, id)
	}
	return nil, nil
}

func (m *mockCalibs) GetMatchingCalib(ctx context.Context, datasetType string, doc *document.Document) (*document.Document, error) {
	if m.matchFn != nil {
		return m.matchFn(ctx, datasetType, doc)
	}
	return nil, errors.New("no match configured")
}

func (m *mockCalibs) ArchiveMasterCalib(ctx context.Context, filename string, metadata map[string]any) (*document.Document, error) {
	m.mu.Lock()
	m.archived = append(m.archived, filename)
	m.mu.Unlock()
	if m.archiveFn != nil {
		return m.archiveFn(ctx, filename, metadata)
	}
	return document.New(metadata), nil
}

// fakeBuilder writes a product per request into the workspace output dir.
type fakeBuilder struct {
	mu    sync.Mutex
	calls []domcalib.ID
	fail  map[string]bool // dataset type -> fail
	// requireInputs fails a build whose prerequisite calib dir is empty.
	requireInputs bool
}

func (b *fakeBuilder) BuildCalib(_ context.Context, ws pipeline.Workspace, req pipeline.CalibRequest) (string, error) {
	b.mu.Lock()
	b.calls = append(b.calls, req.ID)
	b.mu.Unlock()

	if b.fail[req.DatasetType] {
		return "", errors.New("pipeline crashed")
	}
	if pre := domcalib.Prerequisite(req.DatasetType); b.requireInputs && pre != "" {
		entries, _ := os.ReadDir(filepath.Join(ws.Dir(), pipeline.CalibDir, pre))
		if len(entries) == 0 {
			return "", errors.New("no " + pre + " calib in workspace")
		}
	}
	if len(req.RawFiles) == 0 {
		return "", errors.New("no raw inputs")
	}
	for _, f := range req.RawFiles {
		abs, _ := filepath.Abs(f)
		if target, err := os.Readlink(ws.RawPath(f)); err != nil || target != abs {
			return "", errors.New("raw input not staged: " + f)
		}
	}
	out := filepath.Join(ws.Dir(), pipeline.OutputDir, req.ID.Basename(".fits"))
	if err := os.WriteFile(out, []byte(req.ID.String()), 0o600); err != nil {
		return "", err
	}
	return out, nil
}

func (b *fakeBuilder) built() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.calls))
	for i, id := range b.calls {
		out[i] = id.String()
	}
	return out
}

// trackingFactory records workspace creation and removal.
type trackingFactory struct {
	inner   pipeline.WorkspaceFactory
	created int
	closed  int
	err     error
}

func (f *trackingFactory) NewWorkspace(ctx context.Context) (pipeline.Workspace, error) {
	if f.err != nil {
		return nil, f.err
	}
	ws, err := f.inner.NewWorkspace(ctx)
	if err != nil {
		return nil, err
	}
	f.created++
	return &trackedWorkspace{Workspace: ws, f: f}, nil
}

type trackedWorkspace struct {
	pipeline.Workspace
	f *trackingFactory
}

func (w *trackedWorkspace) Close() error {
	w.f.closed++
	return w.Workspace.Close()
}

// --- Fixtures ---

var day = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func cam(name string) map[string]string { return map[string]string{"camera_name": name} }

func camFilter(name, f string) map[string]string {
	return map[string]string{"camera_name": name, "filter": f}
}

// fixedIDs serves ids for every date and one raw file per id.
func fixedIDs(ids ...domcalib.ID) *mockRaws {
	return &mockRaws{
		idsFn: func([]*document.Document, time.Time) *domcalib.IDSet { return domcalib.NewIDSet(ids...) },
		matchingFn: func(_ context.Context, id domcalib.ID, _ *time.Time) ([]*document.Document, error) {
			return []*document.Document{document.New(map[string]any{
				"filename":      "/raw/" + id.Basename(".fits"),
				"date_modified": day,
			})}, nil
		},
	}
}

// archivedDoc returns a calib document backed by a real file, modified at mod.
func archivedDoc(dir string, id domcalib.ID, mod time.Time) *document.Document {
	path := filepath.Join(dir, id.Basename(".fits"))
	_ = os.WriteFile(path, []byte("calib"), 0o600)
	fields := id.Fields()
	fields["filename"] = path
	fields["date_modified"] = mod
	return document.New(fields)
}
