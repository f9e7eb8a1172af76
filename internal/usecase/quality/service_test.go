package quality

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/huntsman-telescope/drp/internal/domain"
	"github.com/huntsman-telescope/drp/internal/domain/document"
	"github.com/huntsman-telescope/drp/internal/pipeline"
)

func newService(t *testing.T, exp *mockExposures, calibs *mockCalibs, proc *fakeProcessor, refcats Refcats, opts Options) (*Service, string) {
	t.Helper()
	root := filepath.Join(t.TempDir(), "workspaces")
	ws := pipeline.TempWorkspaceFactory{Root: root}
	return New(exp, calibs, proc, ws, refcats, opts, zap.NewNop()), root
}

func TestProcess_StoresCalexpMetrics(t *testing.T) {
	exp := &mockExposures{}
	proc := &fakeProcessor{}
	refcats := &mockRefcats{}
	svc, root := newService(t, exp, &mockCalibs{matchFn: allCalibs}, proc, refcats, Options{})

	doc := science("/raw/sci.fits")
	if err := svc.Process(context.Background(), doc); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	got, ok := exp.metricsOf("/raw/sci.fits")
	if !ok {
		t.Fatal("metrics not stored")
	}
	if got["n_calibs"] != 4.0 || got["zp"] != 25.0 {
		t.Errorf("metrics = %v", got)
	}
	if len(refcats.coords) != 1 || refcats.coords[0].RA != 150.1 || refcats.coords[0].Dec != -30.5 {
		t.Errorf("refcat coords = %v", refcats.coords)
	}
	req := proc.requests[0]
	if req.DataID["camera_name"] != "cam00" {
		t.Errorf("data id = %v", req.DataID)
	}
	if entries, _ := os.ReadDir(root); len(entries) != 0 {
		t.Errorf("workspace not removed: %v", entries)
	}
}

func TestProcess_StaticRefcat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "skymapper.csv")
	if err := os.WriteFile(path, []byte("ra,dec\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	exp := &mockExposures{}
	proc := &fakeProcessor{}
	svc, _ := newService(t, exp, &mockCalibs{matchFn: allCalibs}, proc, nil, Options{RefcatPath: path})

	doc := science("/raw/sci.fits")
	doc.Delete("ra")
	if err := svc.Process(context.Background(), doc); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if proc.requests[0].RefcatPath != path {
		t.Errorf("refcat path = %q", proc.requests[0].RefcatPath)
	}
}

func TestProcess_Errors(t *testing.T) {
	refcatErr := errors.New("service unavailable")
	tests := []struct {
		name    string
		doc     func() *document.Document
		match   func(*document.Document) (map[string]*document.Document, error)
		refcats Refcats
		wantErr error
	}{
		{
			name: "missing calib",
			doc:  func() *document.Document { return science("/raw/sci.fits") },
			match: func(*document.Document) (map[string]*document.Document, error) {
				return nil, domain.NewMissingCalib("flat")
			},
			refcats: &mockRefcats{},
			wantErr: domain.ErrMissingCalib,
		},
		{
			name: "no pointing",
			doc: func() *document.Document {
				d := science("/raw/sci.fits")
				d.Delete("dec")
				return d
			},
			match:   allCalibs,
			refcats: &mockRefcats{},
			wantErr: domain.ErrMissingField,
		},
		{
			name:    "refcat failure",
			doc:     func() *document.Document { return science("/raw/sci.fits") },
			match:   allCalibs,
			refcats: &mockRefcats{err: refcatErr},
			wantErr: refcatErr,
		},
		{
			name:    "no refcat source",
			doc:     func() *document.Document { return science("/raw/sci.fits") },
			match:   allCalibs,
			wantErr: domain.ErrRefcatService,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exp := &mockExposures{}
			proc := &fakeProcessor{}
			svc, _ := newService(t, exp, &mockCalibs{matchFn: tt.match}, proc, tt.refcats, Options{})

			err := svc.Process(context.Background(), tt.doc())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if len(proc.requests) != 0 {
				t.Error("pipeline should not run")
			}
			if _, ok := exp.metricsOf("/raw/sci.fits"); ok {
				t.Error("no metrics should be stored")
			}
		})
	}
}

func TestService_ProcessesTargets(t *testing.T) {
	exp := &mockExposures{targets: []*document.Document{science("/raw/a.fits"), science("/raw/b.fits")}}
	svc, _ := newService(t, exp, &mockCalibs{matchFn: allCalibs}, &fakeProcessor{}, &mockRefcats{},
		Options{Workers: 2, Queue: fastQueue()})

	if err := svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "calexp metrics", func() bool {
		_, a := exp.metricsOf("/raw/a.fits")
		_, b := exp.metricsOf("/raw/b.fits")
		return a && b
	})
	svc.Stop()
	if svc.IsRunning() {
		t.Error("service should be stopped")
	}
	if st := svc.Status(); st.Failed != 0 || st.Processed < 2 {
		t.Errorf("status = %+v", st)
	}
}
