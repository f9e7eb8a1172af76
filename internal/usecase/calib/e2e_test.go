package calib

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/huntsman-telescope/drp/internal/db/sqlite"
	domcalib "github.com/huntsman-telescope/drp/internal/domain/calib"
	"github.com/huntsman-telescope/drp/internal/domain/document"
	"github.com/huntsman-telescope/drp/internal/domain/filter"
	"github.com/huntsman-telescope/drp/internal/pipeline"
	calibrepo "github.com/huntsman-telescope/drp/internal/repository/calib"
	"github.com/huntsman-telescope/drp/internal/repository/collection"
	"github.com/huntsman-telescope/drp/internal/repository/exposure"
)

// tickingClock advances one second per reading.
type tickingClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type e2e struct {
	raws    *exposure.Collection
	calibs  *calibrepo.Collection
	svc     *Service
	builder *fakeBuilder
	archive string
}

func newE2E(t *testing.T) *e2e {
	t.Helper()
	dir := t.TempDir()
	s, err := sqlite.NewStore(sqlite.Config{Path: filepath.Join(dir, "drp.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(s.Close)
	ctx := context.Background()
	clock := &tickingClock{t: day.AddDate(0, 0, 1)}
	logger := zap.NewNop()

	expCfg := exposure.DefaultConfig()
	rawSchema, err := exposure.Schema("raw_exposures", expCfg)
	if err != nil {
		t.Fatal(err)
	}
	policy, err := exposure.NewQualityPolicy(nil)
	if err != nil {
		t.Fatal(err)
	}
	rawBase := collection.New(rawSchema, s, logger).WithPolicy(policy).WithClock(clock.Now)
	if err := rawBase.EnsureIndex(ctx); err != nil {
		t.Fatal(err)
	}

	archive := filepath.Join(dir, "archive")
	calCfg := calibrepo.Config{
		Types:           expCfg.CalibTypes,
		MatchingColumns: expCfg.MatchingColumns,
		Validity:        expCfg.Validity,
		ArchiveDir:      archive,
	}
	calSchema, err := calibrepo.Schema("master_calibs", calCfg)
	if err != nil {
		t.Fatal(err)
	}
	calBase := collection.New(calSchema, s, logger).WithClock(clock.Now)
	if err := calBase.EnsureIndex(ctx); err != nil {
		t.Fatal(err)
	}

	env := &e2e{
		raws:    exposure.New(rawBase, expCfg, logger),
		calibs:  calibrepo.New(calBase, calCfg, logger),
		builder: &fakeBuilder{requireInputs: true},
		archive: archive,
	}
	env.svc = New(env.raws, env.calibs, env.builder,
		pipeline.TempWorkspaceFactory{Root: filepath.Join(dir, "workspaces")},
		Options{Validity: expCfg.Validity, Types: expCfg.CalibTypes},
		logger,
	)
	return env
}

func (e *e2e) insertRaw(t *testing.T, filename, obsType, camera, filterName string) {
	t.Helper()
	fields := map[string]any{
		"filename":         filename,
		"observation_type": obsType,
		"camera_name":      camera,
		"date":             day.Add(12 * time.Hour),
		"metrics":          map[string]any{"screen_success": true},
	}
	if filterName != "" {
		fields["filter"] = filterName
	}
	if err := e.raws.InsertOne(context.Background(), document.New(fields)); err != nil {
		t.Fatalf("insert %s: %v", filename, err)
	}
}

func TestEndToEnd_BuildsAndArchivesCalibs(t *testing.T) {
	env := newE2E(t)
	ctx := context.Background()

	env.insertRaw(t, "/raw/bias.fits", "bias", "cam00", "")
	env.insertRaw(t, "/raw/dark.fits", "dark", "cam00", "")
	env.insertRaw(t, "/raw/flat-g.fits", "flat", "cam00", "g_band")
	env.insertRaw(t, "/raw/flat-r.fits", "flat", "cam00", "r_band")

	res, err := env.svc.ProcessDate(ctx, day)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.IDs) != 5 || len(res.Built) != 5 || len(res.Archived) != 5 {
		t.Fatalf("ids=%d built=%d archived=%d failed=%v", len(res.IDs), len(res.Built), len(res.Archived), ids(res.Failed))
	}

	docs, err := env.calibs.Find(ctx, filter.All())
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 5 {
		t.Fatalf("archived docs = %d, want 5", len(docs))
	}
	for _, d := range docs {
		dir := filepath.Join(env.archive, "2024-01-01", d.String("datasetType"))
		if filepath.Dir(d.String("filename")) != dir {
			t.Errorf("%s archived outside %s", d.String("filename"), dir)
		}
		if _, err := os.Stat(d.String("filename")); err != nil {
			t.Errorf("archived file: %v", err)
		}
	}

	for _, f := range []string{"g_band", "r_band"} {
		sci := document.New(map[string]any{
			"filename": "/raw/sci.fits", "camera_name": "cam00", "filter": f, "date": day.Add(20 * time.Hour),
		})
		matched, err := env.calibs.GetMatchingCalibs(ctx, sci)
		if err != nil {
			t.Fatalf("match %s: %v", f, err)
		}
		if len(matched) != 4 {
			t.Errorf("%s matched %d calib types, want 4", f, len(matched))
		}
		if matched["flat"].String("filter") != f {
			t.Errorf("%s matched flat %v", f, matched["flat"].Fields())
		}
	}

	// A second pass finds nothing stale.
	again, err := env.svc.ProcessDate(ctx, day)
	if err != nil {
		t.Fatal(err)
	}
	if !again.Skipped {
		t.Errorf("second pass should skip, to process = %v", ids(again.ToProcess))
	}
	if n, _ := env.calibs.CountDocuments(ctx, filter.All()); n != 5 {
		t.Errorf("archived docs after second pass = %d", n)
	}
}

func TestEndToEnd_NewRawDataRebuildsDependents(t *testing.T) {
	env := newE2E(t)
	ctx := context.Background()

	env.insertRaw(t, "/raw/bias.fits", "bias", "cam00", "")
	env.insertRaw(t, "/raw/dark.fits", "dark", "cam00", "")
	env.insertRaw(t, "/raw/flat-g.fits", "flat", "cam00", "g_band")
	if _, err := env.svc.ProcessDate(ctx, day); err != nil {
		t.Fatal(err)
	}

	// A new dark arrives: dark, defects and flat are rebuilt; bias is not.
	env.insertRaw(t, "/raw/dark2.fits", "dark", "cam00", "")
	res, err := env.svc.ProcessDate(ctx, day)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]bool{"dark": true, "flat": true, "defects": true}
	if len(res.Built) != len(want) {
		t.Fatalf("rebuilt = %v", ids(res.Built))
	}
	for _, id := range res.Built {
		if !want[id.DatasetType] {
			t.Errorf("unexpected rebuild of %s", id)
		}
	}
	if n, _ := env.calibs.CountDocuments(ctx, filter.All()); n != 4 {
		t.Errorf("archived docs = %d, want 4", n)
	}
}

func TestEndToEnd_RunOnceCoversAllDates(t *testing.T) {
	env := newE2E(t)
	env.insertRaw(t, "/raw/bias.fits", "bias", "cam00", "")

	if err := env.svc.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	archived, err := env.calibs.FindArchived(context.Background(), domcalib.NewID(domcalib.TypeBias, day, cam("cam00")))
	if err != nil || archived == nil {
		t.Fatalf("FindArchived = %v, %v", archived, err)
	}
	if env.svc.Status().Passes != 1 {
		t.Errorf("passes = %d", env.svc.Status().Passes)
	}
}

func TestEndToEnd_MissingBiasOnlyFailsItsCamera(t *testing.T) {
	env := newE2E(t)
	ctx := context.Background()

	env.insertRaw(t, "/raw/cam00/bias.fits", "bias", "cam00", "")
	env.insertRaw(t, "/raw/cam00/dark.fits", "dark", "cam00", "")
	env.insertRaw(t, "/raw/cam01/dark.fits", "dark", "cam01", "")

	res, err := env.svc.ProcessDate(ctx, day)
	if err != nil {
		t.Fatal(err)
	}
	if res.Abandoned {
		t.Fatal("a camera without a bias must not abandon the date")
	}
	wantBuilt := []string{
		domcalib.NewID(domcalib.TypeBias, day, cam("cam00")).String(),
		domcalib.NewID(domcalib.TypeDark, day, cam("cam00")).String(),
		domcalib.NewID(domcalib.TypeDefects, day, cam("cam00")).String(),
	}
	if got := ids(res.Built); !reflect.DeepEqual(got, wantBuilt) {
		t.Errorf("built = %v, want %v", got, wantBuilt)
	}
	wantFailed := []string{
		domcalib.NewID(domcalib.TypeDark, day, cam("cam01")).String(),
		domcalib.NewID(domcalib.TypeDefects, day, cam("cam01")).String(),
	}
	if got := ids(res.Failed); !reflect.DeepEqual(got, wantFailed) {
		t.Errorf("failed = %v, want %v", got, wantFailed)
	}
	if got := env.builder.built(); len(got) != 3 {
		t.Errorf("cam01 calibs must not reach the pipeline, calls = %v", got)
	}
	if n, _ := env.calibs.CountDocuments(ctx, filter.All()); n != 3 {
		t.Errorf("archived docs = %d, want 3", n)
	}

	// Once cam01 has a bias its calibs are built; cam00 is up to date.
	env.insertRaw(t, "/raw/cam01/bias.fits", "bias", "cam01", "")
	res, err = env.svc.ProcessDate(ctx, day)
	if err != nil {
		t.Fatal(err)
	}
	wantBuilt = []string{
		domcalib.NewID(domcalib.TypeBias, day, cam("cam01")).String(),
		domcalib.NewID(domcalib.TypeDark, day, cam("cam01")).String(),
		domcalib.NewID(domcalib.TypeDefects, day, cam("cam01")).String(),
	}
	if got := ids(res.Built); !reflect.DeepEqual(got, wantBuilt) {
		t.Errorf("second pass built = %v, want %v", got, wantBuilt)
	}
	if len(res.Failed) != 0 {
		t.Errorf("second pass failed = %v", ids(res.Failed))
	}
}

func TestEndToEnd_CamerasSharingFileNames(t *testing.T) {
	env := newE2E(t)
	ctx := context.Background()

	env.insertRaw(t, "/raw/cam00/20240101T120000.fits", "bias", "cam00", "")
	env.insertRaw(t, "/raw/cam01/20240101T120000.fits", "bias", "cam01", "")

	res, err := env.svc.ProcessDate(ctx, day)
	if err != nil {
		t.Fatalf("ProcessDate: %v", err)
	}
	if len(res.Built) != 2 || len(res.Archived) != 2 {
		t.Fatalf("built = %v, archived = %v, failed = %v", ids(res.Built), ids(res.Archived), ids(res.Failed))
	}
	for _, c := range []string{"cam00", "cam01"} {
		archived, err := env.calibs.FindArchived(ctx, domcalib.NewID(domcalib.TypeBias, day, cam(c)))
		if err != nil || archived == nil {
			t.Fatalf("FindArchived %s = %v, %v", c, archived, err)
		}
	}
}
