package collection

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/huntsman-telescope/drp/internal/db"
	"github.com/huntsman-telescope/drp/internal/db/sqlite"
	domcol "github.com/huntsman-telescope/drp/internal/domain/collection"
	"github.com/huntsman-telescope/drp/internal/domain/collection/field"
	"github.com/huntsman-telescope/drp/internal/domain/document"
	"github.com/huntsman-telescope/drp/internal/domain/filter"
)

// mockStore implements the consumer interface for tests.
type mockStore struct {
	insertFn      func(ctx context.Context, collection, id string, data []byte) error
	putFn         func(ctx context.Context, collection, id string, data []byte) error
	deleteFn      func(ctx context.Context, collection, id string) error
	findFn        func(ctx context.Context, q *db.Query) ([]db.Record, error)
	countFn       func(ctx context.Context, q *db.Query) (int, error)
	acquireFn     func(ctx context.Context, name, token string, ttl time.Duration) error
	releaseFn     func(ctx context.Context, name, token string) error
	createIndexFn func(ctx context.Context, def *db.IndexDefinition) error
	dropIndexFn   func(ctx context.Context, name string) error
	indexExistsFn func(ctx context.Context, name string) (bool, error)
}

func (m *mockStore) InsertDocument(ctx context.Context, collection, id string, data []byte) error {
	if m.insertFn != nil {
		return m.insertFn(ctx, collection, id, data)
	}
	return nil
}

func (m *mockStore) PutDocument(ctx context.Context, collection, id string, data []byte) error {
	if m.putFn != nil {
		return m.putFn(ctx, collection, id, data)
	}
	return nil
}

func (m *mockStore) DeleteDocument(ctx context.Context, collection, id string) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, collection, id)
	}
	return nil
}

func (m *mockStore) FindDocuments(ctx context.Context, q *db.Query) ([]db.Record, error) {
	if m.findFn != nil {
		return m.findFn(ctx, q)
	}
	return nil, nil
}

func (m *mockStore) CountDocuments(ctx context.Context, q *db.Query) (int, error) {
	if m.countFn != nil {
		return m.countFn(ctx, q)
	}
	return 0, nil
}

func (m *mockStore) AcquireLock(ctx context.Context, name, token string, ttl time.Duration) error {
	if m.acquireFn != nil {
		return m.acquireFn(ctx, name, token, ttl)
	}
	return nil
}

func (m *mockStore) ReleaseLock(ctx context.Context, name, token string) error {
	if m.releaseFn != nil {
		return m.releaseFn(ctx, name, token)
	}
	return nil
}

func (m *mockStore) CreateIndex(ctx context.Context, def *db.IndexDefinition) error {
	if m.createIndexFn != nil {
		return m.createIndexFn(ctx, def)
	}
	return nil
}

func (m *mockStore) DropIndex(ctx context.Context, name string) error {
	if m.dropIndexFn != nil {
		return m.dropIndexFn(ctx, name)
	}
	return nil
}

func (m *mockStore) IndexExists(ctx context.Context, name string) (bool, error) {
	if m.indexExistsFn != nil {
		return m.indexExistsFn(ctx, name)
	}
	return false, nil
}

// testClock is a settable time source.
type testClock struct {
	t time.Time
}

func (c *testClock) Now() time.Time { return c.t }

func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

// testPolicy screens on metrics.screen_success and passes exposures shorter than 60s.
type testPolicy struct{}

func (testPolicy) QualityFilter() filter.Expression {
	r, _ := filter.NewRangeFilter(nil, nil, ptr(60.0), nil)
	cond, _ := filter.NewRange("exptime", r)
	return filter.And(cond)
}

func (testPolicy) ScreenFilter() filter.Expression {
	return filter.And(filter.Eq("metrics.screen_success", true))
}

func (testPolicy) Validate(*document.Document) error { return nil }

func ptr(v float64) *float64 { return &v }

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func testSchema(t *testing.T) domcol.Schema {
	t.Helper()
	cam, err := field.New("camera_name", field.Tag)
	if err != nil {
		t.Fatal(err)
	}
	s, err := domcol.New("raw", "date", []string{"filename"}, []string{"filename", "date"}, []field.Field{cam})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// newTestCollection returns a collection over a fresh SQLite store.
func newTestCollection(t *testing.T) (*Collection, *testClock) {
	t.Helper()
	s, err := sqlite.NewStore(sqlite.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(s.Close)

	clock := &testClock{t: t0}
	c := New(testSchema(t), s, zap.NewNop()).
		WithPolicy(testPolicy{}).
		WithClock(clock.Now)
	if err := c.EnsureIndex(context.Background()); err != nil {
		t.Fatalf("ensure index: %v", err)
	}
	return c, clock
}

// newMockCollection returns a collection over a mock store.
func newMockCollection(t *testing.T) (*Collection, *mockStore) {
	t.Helper()
	ms := &mockStore{}
	c := New(testSchema(t), ms, zap.NewNop()).WithClock(func() time.Time { return t0 })
	return c, ms
}

func exposure(filename, camera string, date time.Time, extra map[string]any) *document.Document {
	fields := map[string]any{
		"filename":    filename,
		"camera_name": camera,
		"date":        date,
	}
	for k, v := range extra {
		fields[k] = v
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
