package exposure

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/huntsman-telescope/drp/internal/db/sqlite"
	"github.com/huntsman-telescope/drp/internal/domain/document"
	"github.com/huntsman-telescope/drp/internal/fits"
	"github.com/huntsman-telescope/drp/internal/repository/collection"
)

var day = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// testClock is a settable time source.
type testClock struct {
	t time.Time
}

func (c *testClock) Now() time.Time { return c.t }

func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func testPolicy(t *testing.T) QualityPolicy {
	t.Helper()
	p, err := NewQualityPolicy(map[string]map[string]any{
		"bias": {"metrics": map[string]any{"clipped_mean": map[string]any{"lt": 1000}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

// newTestCollection returns an exposure collection over a fresh SQLite store.
func newTestCollection(t *testing.T) (*Collection, *testClock) {
	t.Helper()
	s, err := sqlite.NewStore(sqlite.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(s.Close)

	schema, err := Schema("raw", DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	clock := &testClock{t: day.Add(12 * time.Hour)}
	base := collection.New(schema, s, zap.NewNop()).
		WithPolicy(testPolicy(t)).
		WithClock(clock.Now)
	if err := base.EnsureIndex(context.Background()); err != nil {
		t.Fatalf("ensure index: %v", err)
	}
	return New(base, DefaultConfig(), zap.NewNop()), clock
}

// raw builds a screened exposure document.
func raw(filename, obsType, camera, filterName string, date time.Time) *document.Document {
	fields := map[string]any{
		"filename":         filename,
		"observation_type": obsType,
		"camera_name":      camera,
		"date":             date,
		"metrics":          map[string]any{"screen_success": true, "clipped_mean": 100.0},
	}
	if filterName != "" {
		fields["filter"] = filterName
	}
	return document.New(fields)
}

func insert(t *testing.T, c *Collection, docs ...*document.Document) {
	t.Helper()
	for _, d := range docs {
		if err := c.InsertOne(context.Background(), d); err != nil {
			t.Fatalf("insert %s: %v", d.String("filename"), err)
		}
	}
}

func filenames(docs []*document.Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.String("filename")
	}
	return out
}

// stubReader serves frames from memory.
type stubReader map[string]*fits.Frame

func (r stubReader) Read(filename string) (*fits.Frame, error) {
	f, ok := r[filename]
	if !ok {
		return nil, errors.New("no such file")
	}
	return f, nil
}

func header(obsType, camera string) map[string]any {
	imageType, field := "Light Frame", "M42"
	switch obsType {
	case "bias":
		imageType, field = "Dark Frame", "Bias"
	case "dark":
		imageType, field = "Dark Frame", "Dark"
	case "flat":
		imageType, field = "Light Frame", "FlatDusk"
	}
	return map[string]any{
		"INSTRUME": camera,
		"FILTER":   "g_band",
		"EXPTIME":  30.0,
		"DATE-OBS": "2024-01-01T12:00:00",
		"IMAGETYP": imageType,
		"FIELD":    field,
	}
}
