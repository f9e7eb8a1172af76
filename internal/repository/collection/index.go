package collection

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/huntsman-telescope/drp/internal/db"
	"github.com/huntsman-telescope/drp/internal/domain/collection/field"
	"github.com/huntsman-telescope/drp/internal/domain/document"
)

// EnsureIndex creates the collection index if it does not exist yet.
func (c *Collection) EnsureIndex(ctx context.Context) error {
	exists, err := c.store.IndexExists(ctx, c.Name())
	if err != nil {
		return fmt.Errorf("check index %s: %w", c.Name(), err)
	}
	if exists {
		return nil
	}
	return c.createIndex(ctx)
}

// Reindex drops and recreates the collection index after a schema change.
// Documents are kept.
func (c *Collection) Reindex(ctx context.Context) error {
	if err := c.store.DropIndex(ctx, c.Name()); err != nil && !errors.Is(err, db.ErrIndexNotFound) {
		return fmt.Errorf("drop index %s: %w", c.Name(), err)
	}
	return c.createIndex(ctx)
}

func (c *Collection) createIndex(ctx context.Context) error {
	def, err := buildIndex(c.Name(), c.IndexFields())
	if err != nil {
		return fmt.Errorf("build index: %w", err)
	}
	if err := c.store.CreateIndex(ctx, def); err != nil {
		if errors.Is(err, db.ErrIndexExists) {
			return nil
		}
		return fmt.Errorf("create index %s: %w", c.Name(), err)
	}
	c.logger.Info("Created collection index", zap.Int("fields", len(def.Fields)))
	return nil
}

// IndexFields returns every field the collection queries: the declared
// schema, the unique fields, the date key, the bookkeeping stamps and the
// fields referenced by the policy filters.
func (c *Collection) IndexFields() []field.Field {
	s := c.schema.WithFields(
		field.Reconstruct(c.schema.DateKey(), field.Numeric),
		field.Reconstruct(document.FieldDateCreated, field.Numeric),
		field.Reconstruct(document.FieldDateModified, field.Numeric),
	)
	for _, k := range s.UniqueFields() {
		s = s.WithFields(field.Reconstruct(k, field.Tag))
	}
	s = s.WithFields(field.Infer(c.policy.QualityFilter(), c.policy.ScreenFilter())...)
	return s.Fields()
}

func (c *Collection) indexFields() map[string]struct{} {
	out := make(map[string]struct{})
	for _, f := range c.IndexFields() {
		out[f.Name()] = struct{}{}
	}
	return out
}

// buildIndex creates an IndexDefinition from domain collection fields.
func buildIndex(name string, fields []field.Field) (*db.IndexDefinition, error) {
	def := &db.IndexDefinition{
		Name:   name,
		Fields: make([]db.IndexField, 0, len(fields)),
	}

	for _, f := range fields {
		var fieldType db.IndexFieldType
		switch f.FieldType() {
		case field.Tag:
			fieldType = db.IndexFieldTag
		case field.Numeric:
			fieldType = db.IndexFieldNumeric
		default:
			return nil, fmt.Errorf("unknown field type: %s", f.FieldType())
		}

		def.Fields = append(def.Fields, db.IndexField{
			Path: f.Name(),
			Type: fieldType,
		})
	}

	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}
