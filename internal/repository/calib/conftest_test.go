package calib

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/huntsman-telescope/drp/internal/db/sqlite"
	domcalib "github.com/huntsman-telescope/drp/internal/domain/calib"
	"github.com/huntsman-telescope/drp/internal/domain/document"
	"github.com/huntsman-telescope/drp/internal/repository/collection"
)

var day = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func testConfig(archive string) Config {
	return Config{
		Types: []string{domcalib.TypeBias, domcalib.TypeDark, domcalib.TypeFlat},
		MatchingColumns: map[string][]string{
			domcalib.TypeBias:    {domcalib.FieldCameraName},
			domcalib.TypeDark:    {domcalib.FieldCameraName},
			domcalib.TypeFlat:    {domcalib.FieldCameraName, domcalib.FieldFilter},
			domcalib.TypeDefects: {domcalib.FieldCameraName},
		},
		Validity:   24 * time.Hour,
		ArchiveDir: archive,
	}
}

// newTestCollection returns a calib collection over a fresh SQLite store and
// archive directory.
func newTestCollection(t *testing.T, logger *zap.Logger) *Collection {
	t.Helper()
	dir := t.TempDir()
	s, err := sqlite.NewStore(sqlite.Config{Path: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(s.Close)

	cfg := testConfig(filepath.Join(dir, "archive"))
	schema, err := Schema("calib", cfg)
	if err != nil {
		t.Fatal(err)
	}
	base := collection.New(schema, s, logger)
	if err := base.EnsureIndex(context.Background()); err != nil {
		t.Fatalf("ensure index: %v", err)
	}
	return New(base, cfg, logger)
}

// archive builds a file for id in a scratch directory and archives it.
func archive(t *testing.T, c *Collection, id domcalib.ID) *document.Document {
	t.Helper()
	src := filepath.Join(t.TempDir(), "build.fits")
	if err := os.WriteFile(src, []byte(id.String()), 0o600); err != nil {
		t.Fatal(err)
	}
	doc, err := c.ArchiveMasterCalib(context.Background(), src, id.Fields())
	if err != nil {
		t.Fatalf("archive %s: %v", id, err)
	}
	return doc
}

func exposure(camera, filterName string, date time.Time) *document.Document {
	return document.New(map[string]any{
		"filename":         "/raw/sci.fits",
		"observation_type": "science",
		"camera_name":      camera,
		"filter":           filterName,
		"date":             date,
	})
}

func cam(name string) map[string]string {
	return map[string]string{domcalib.FieldCameraName: name}
}
