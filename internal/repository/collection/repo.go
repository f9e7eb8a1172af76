package collection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/huntsman-telescope/drp/internal/db"
	"github.com/huntsman-telescope/drp/internal/domain"
	domcol "github.com/huntsman-telescope/drp/internal/domain/collection"
	"github.com/huntsman-telescope/drp/internal/domain/document"
	"github.com/huntsman-telescope/drp/internal/domain/filter"
)

// store is the consumer interface for collections (ISP).
//
//nolint:interfacebloat // collection repo needs documents, leases and index management
type store interface {
	InsertDocument(ctx context.Context, collection, id string, data []byte) error
	PutDocument(ctx context.Context, collection, id string, data []byte) error
	DeleteDocument(ctx context.Context, collection, id string) error
	FindDocuments(ctx context.Context, q *db.Query) ([]db.Record, error)
	CountDocuments(ctx context.Context, q *db.Query) (int, error)
	AcquireLock(ctx context.Context, name, token string, ttl time.Duration) error
	ReleaseLock(ctx context.Context, name, token string) error
	CreateIndex(ctx context.Context, def *db.IndexDefinition) error
	DropIndex(ctx context.Context, name string) error
	IndexExists(ctx context.Context, name string) (bool, error)
}

// InsertCheck runs under the collection lock before every insert, including
// the inserts made by upserts.
type InsertCheck func(ctx context.Context, doc *document.Document) error

// Collection is a named set of documents with uniqueness, required fields,
// a date key and a quality policy.
type Collection struct {
	schema      domcol.Schema
	store       store
	policy      Policy
	logger      *zap.Logger
	now         func() time.Time
	lockTTL     time.Duration
	lockWait    time.Duration
	insertCheck InsertCheck

	unindexed sync.Map // field name -> struct{}, warned once
}

// New creates a collection over s with a permissive policy.
func New(schema domcol.Schema, s store, logger *zap.Logger) *Collection {
	return &Collection{
		schema:   schema,
		store:    s,
		policy:   PermissivePolicy{},
		logger:   logger.With(zap.String("collection", schema.Name())),
		now:      time.Now,
		lockTTL:  30 * time.Second,
		lockWait: time.Minute,
	}
}

// WithPolicy sets the quality policy.
func (c *Collection) WithPolicy(p Policy) *Collection {
	if p != nil {
		c.policy = p
	}
	return c
}

// WithClock replaces the time source used for date stamps and FindLatest.
func (c *Collection) WithClock(now func() time.Time) *Collection {
	if now != nil {
		c.now = now
	}
	return c
}

// WithLockTTL configures the mutation lease duration and how long to wait for it.
func (c *Collection) WithLockTTL(ttl, wait time.Duration) *Collection {
	if ttl > 0 {
		c.lockTTL = ttl
	}
	if wait > 0 {
		c.lockWait = wait
	}
	return c
}

// WithInsertCheck installs a check run before each new document is stored.
func (c *Collection) WithInsertCheck(fn InsertCheck) *Collection {
	c.insertCheck = fn
	return c
}

// Name returns the collection name.
func (c *Collection) Name() string { return c.schema.Name() }

// Schema returns the collection schema.
func (c *Collection) Schema() domcol.Schema { return c.schema }

// Policy returns the quality policy.
func (c *Collection) Policy() Policy { return c.policy }

// Now returns the collection clock's current time.
func (c *Collection) Now() time.Time { return c.now() }

// Find returns the documents matching f.
func (c *Collection) Find(ctx context.Context, f filter.Expression, opts ...FindOption) ([]*document.Document, error) {
	expr, o := c.query(f, opts)
	found, err := c.find(ctx, expr, o.limit)
	if err != nil {
		return nil, err
	}
	docs := make([]*document.Document, len(found))
	for i, s := range found {
		docs[i] = s.doc
	}
	return docs, nil
}

// FindValues returns the value of key for every matching document that has it.
func (c *Collection) FindValues(ctx context.Context, f filter.Expression, key string, opts ...FindOption) ([]any, error) {
	docs, err := c.Find(ctx, f, opts...)
	if err != nil {
		return nil, err
	}
	values := make([]any, 0, len(docs))
	for _, d := range docs {
		if v, ok := d.Get(key); ok {
			values = append(values, v)
		}
	}
	return values, nil
}

// FindOne returns the single matching document, nil if there is none and
// domain.ErrAmbiguous if there are several.
func (c *Collection) FindOne(ctx context.Context, f filter.Expression, opts ...FindOption) (*document.Document, error) {
	expr, _ := c.query(f, opts)
	found, err := c.find(ctx, expr, 2)
	if err != nil {
		return nil, err
	}
	switch len(found) {
	case 0:
		return nil, nil
	case 1:
		return found[0].doc, nil
	default:
		return nil, fmt.Errorf("find one in %s: %w", c.Name(), domain.ErrAmbiguous)
	}
}

// FindLatest returns documents modified within age of now.
func (c *Collection) FindLatest(
	ctx context.Context, age time.Duration, f filter.Expression, opts ...FindOption,
) ([]*document.Document, error) {
	since := filter.Between(document.FieldDateModified, c.now().Add(-age), time.Time{})
	return c.Find(ctx, f.With(since), opts...)
}

// CountDocuments counts the documents matching f.
func (c *Collection) CountDocuments(ctx context.Context, f filter.Expression, opts ...FindOption) (int, error) {
	expr, _ := c.query(f, opts)
	n, err := c.store.CountDocuments(ctx, &db.Query{Collection: c.Name(), Filter: expr})
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", c.Name(), err)
	}
	return n, nil
}

// InsertOne stores a new document. It fails with domain.ErrMissingField if a
// required field is absent and domain.ErrDuplicateKey on a unique violation.
func (c *Collection) InsertOne(ctx context.Context, doc *document.Document) error {
	return c.withLock(ctx, func(ctx context.Context) error {
		return c.insert(ctx, doc)
	})
}

// ReplaceOne replaces the single document matching f with doc, keeping its
// creation date. With upsert, a missing document is inserted.
func (c *Collection) ReplaceOne(ctx context.Context, f filter.Expression, doc *document.Document, upsert bool) error {
	return c.withLock(ctx, func(ctx context.Context) error {
		current, err := c.findSingle(ctx, f)
		if err != nil {
			return err
		}
		if current == nil {
			if !upsert {
				return fmt.Errorf("replace in %s: %w", c.Name(), domain.ErrNotFound)
			}
			return c.insert(ctx, doc)
		}

		next := doc.WithIdentity(c.schema.UniqueFields()...)
		if created, ok := current.doc.Get(document.FieldDateCreated); ok {
			next.Set(document.FieldDateCreated, created)
		}
		return c.rewrite(ctx, current.id, next)
	})
}

// UpdateOne merges patch into the single document matching f. Nested maps
// in patch update individual fields; nil values delete them. With upsert, a
// missing document is created from patch.
func (c *Collection) UpdateOne(ctx context.Context, f filter.Expression, patch map[string]any, upsert bool) error {
	return c.withLock(ctx, func(ctx context.Context) error {
		current, err := c.findSingle(ctx, f)
		if err != nil {
			return err
		}
		if current == nil {
			if !upsert {
				return fmt.Errorf("update in %s: %w", c.Name(), domain.ErrNotFound)
			}
			return c.insert(ctx, document.New(patch, c.schema.UniqueFields()...))
		}

		next := current.doc.Copy()
		next.Merge(patch)
		return c.rewrite(ctx, current.id, next)
	})
}

// ModifyOne applies fn to a copy of the single document matching f and
// stores the result. fn runs under the collection lock; an error from fn
// leaves the document unchanged.
func (c *Collection) ModifyOne(ctx context.Context, f filter.Expression, fn func(doc *document.Document) error) error {
	return c.withLock(ctx, func(ctx context.Context) error {
		current, err := c.findSingle(ctx, f)
		if err != nil {
			return err
		}
		if current == nil {
			return fmt.Errorf("modify in %s: %w", c.Name(), domain.ErrNotFound)
		}

		next := current.doc.Copy()
		if err := fn(next); err != nil {
			return err
		}
		return c.rewrite(ctx, current.id, next)
	})
}

// DeleteOne removes the single document matching f. With force, every
// matching document is removed and zero matches is not an error.
func (c *Collection) DeleteOne(ctx context.Context, f filter.Expression, force bool) error {
	if force {
		_, err := c.DeleteMany(ctx, f)
		return err
	}
	return c.withLock(ctx, func(ctx context.Context) error {
		current, err := c.findSingle(ctx, f)
		if err != nil {
			return err
		}
		if current == nil {
			return fmt.Errorf("delete in %s: %w", c.Name(), domain.ErrNotFound)
		}
		return c.remove(ctx, current.id)
	})
}

// DeleteMany removes every document matching f and returns how many were removed.
func (c *Collection) DeleteMany(ctx context.Context, f filter.Expression) (int, error) {
	var n int
	err := c.withLock(ctx, func(ctx context.Context) error {
		found, err := c.find(ctx, f, 0)
		if err != nil {
			return err
		}
		for _, s := range found {
			if err := c.remove(ctx, s.id); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

// DeleteAll removes every document. really must be true.
func (c *Collection) DeleteAll(ctx context.Context, really bool) (int, error) {
	if !really {
		return 0, fmt.Errorf("delete all in %s: %w", c.Name(), domain.ErrNotConfirmed)
	}
	n, err := c.DeleteMany(ctx, filter.All())
	if err != nil {
		return n, err
	}
	c.logger.Info("Deleted all documents", zap.Int("count", n))
	return n, nil
}

// --- internals ---

type stored struct {
	id  string
	doc *document.Document
}

func (c *Collection) query(f filter.Expression, opts []FindOption) (filter.Expression, findOptions) {
	o := applyFindOptions(opts)
	expr := f
	if cond, ok := o.dateCondition(c.schema.DateKey()); ok {
		expr = expr.With(cond)
	}
	if o.quality {
		expr = expr.Merge(c.policy.QualityFilter())
	}
	if o.screen {
		expr = expr.Merge(c.policy.ScreenFilter())
	}
	return expr, o
}

func (c *Collection) find(ctx context.Context, expr filter.Expression, limit int) ([]stored, error) {
	c.warnUnindexed(expr)

	records, err := c.store.FindDocuments(ctx, &db.Query{
		Collection: c.Name(),
		Filter:     expr,
		Limit:      limit,
	})
	if err != nil {
		return nil, fmt.Errorf("find in %s: %w", c.Name(), err)
	}

	out := make([]stored, 0, len(records))
	for _, r := range records {
		doc, err := document.Unmarshal(r.Data, c.schema.UniqueFields()...)
		if err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", c.Name(), r.ID, err)
		}
		out = append(out, stored{id: r.ID, doc: doc})
	}
	return out, nil
}

// findSingle returns nil for zero matches and domain.ErrAmbiguous for several.
func (c *Collection) findSingle(ctx context.Context, f filter.Expression) (*stored, error) {
	found, err := c.find(ctx, f, 2)
	if err != nil {
		return nil, err
	}
	switch len(found) {
	case 0:
		return nil, nil
	case 1:
		return &found[0], nil
	default:
		return nil, fmt.Errorf("filter matches several documents in %s: %w", c.Name(), domain.ErrAmbiguous)
	}
}

func (c *Collection) insert(ctx context.Context, doc *document.Document) error {
	next := doc.WithIdentity(c.schema.UniqueFields()...)
	if err := c.validate(next); err != nil {
		return err
	}
	if c.insertCheck != nil {
		if err := c.insertCheck(ctx, next); err != nil {
			return err
		}
	}

	now := c.now()
	next.Set(document.FieldDateCreated, now)
	next.Set(document.FieldDateModified, now)

	data, err := document.Marshal(next)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}

	id := c.documentID(next)
	if err := c.store.InsertDocument(ctx, c.Name(), id, data); err != nil {
		if errors.Is(err, db.ErrKeyExists) {
			return fmt.Errorf("insert %s into %s: %w", describe(next), c.Name(), domain.ErrDuplicateKey)
		}
		return fmt.Errorf("insert into %s: %w", c.Name(), err)
	}
	return nil
}

// rewrite stores next in place of the document with oldID. A change of the
// unique fields moves the document to a new id, failing on a collision.
func (c *Collection) rewrite(ctx context.Context, oldID string, next *document.Document) error {
	if err := c.validate(next); err != nil {
		return err
	}
	next.Set(document.FieldDateModified, c.now())

	data, err := document.Marshal(next)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}

	id := c.documentID(next)
	if id == oldID {
		if err := c.store.PutDocument(ctx, c.Name(), id, data); err != nil {
			return fmt.Errorf("write %s/%s: %w", c.Name(), id, err)
		}
		return nil
	}

	if err := c.store.InsertDocument(ctx, c.Name(), id, data); err != nil {
		if errors.Is(err, db.ErrKeyExists) {
			return fmt.Errorf("rewrite %s in %s: %w", describe(next), c.Name(), domain.ErrDuplicateKey)
		}
		return fmt.Errorf("write %s/%s: %w", c.Name(), id, err)
	}
	return c.remove(ctx, oldID)
}

func (c *Collection) remove(ctx context.Context, id string) error {
	if err := c.store.DeleteDocument(ctx, c.Name(), id); err != nil && !errors.Is(err, db.ErrKeyNotFound) {
		return fmt.Errorf("delete %s/%s: %w", c.Name(), id, err)
	}
	return nil
}

func (c *Collection) validate(doc *document.Document) error {
	for _, k := range c.schema.RequiredFields() {
		if v, ok := doc.Get(k); !ok || v == nil {
			return fmt.Errorf("%s in %s: %w", k, c.Name(), domain.ErrMissingField)
		}
	}
	if err := c.policy.Validate(doc); err != nil {
		return fmt.Errorf("validate document for %s: %w", c.Name(), err)
	}
	return nil
}

// documentID hashes the unique fields. Collections without unique fields
// get random ids.
func (c *Collection) documentID(doc *document.Document) string {
	if len(c.schema.UniqueFields()) == 0 {
		return uuid.NewString()
	}
	return doc.Key()
}

func (c *Collection) warnUnindexed(expr filter.Expression) {
	indexed := c.indexFields()
	for _, k := range expr.Keys() {
		if _, ok := indexed[k]; ok {
			continue
		}
		if _, seen := c.unindexed.LoadOrStore(k, struct{}{}); !seen {
			c.logger.Warn("Query uses a field outside the collection index", zap.String("field", k))
		}
	}
}

// describe renders the identifying values of doc for error messages.
func describe(doc *document.Document) string {
	parts := make([]string, 0, len(doc.Identity()))
	for _, k := range doc.Identity() {
		parts = append(parts, k+"="+doc.String(k))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
