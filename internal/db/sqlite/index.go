package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/huntsman-telescope/drp/internal/db"
)

// CreateIndex records the collection definition and creates one partial
// expression index per field.
func (s *Store) CreateIndex(ctx context.Context, def *db.IndexDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal index definition: %w", err)
	}

	return s.runTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO collections (name, definition) VALUES (?, ?)`, def.Name, string(raw))
		if err != nil {
			if isConstraint(err) {
				return db.ErrIndexExists
			}
			return &db.Error{Op: db.OpInsert, Err: err}
		}
		for _, f := range def.Fields {
			stmt := fmt.Sprintf(
				`CREATE INDEX IF NOT EXISTS %s ON documents (json_extract(data, %s)) WHERE collection = '%s'`,
				indexName(def.Name, f), jsonPath(f.Path), def.Name)
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return &db.Error{Op: db.OpSQLCreateIndex, Err: err}
			}
		}
		return nil
	})
}

// DropIndex removes the collection definition and its expression indexes.
// Documents are kept.
func (s *Store) DropIndex(ctx context.Context, name string) error {
	def, err := s.loadDefinition(ctx, name)
	if err != nil {
		return err
	}
	return s.runTx(ctx, func(tx *sql.Tx) error {
		for _, f := range def.Fields {
			if _, err := tx.ExecContext(ctx, `DROP INDEX IF EXISTS `+indexName(name, f)); err != nil {
				return &db.Error{Op: db.OpSQLDropIndex, Err: err}
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM collections WHERE name = ?`, name); err != nil {
			return &db.Error{Op: db.OpDelete, Err: err}
		}
		return nil
	})
}

// IndexExists reports whether a definition is recorded for name.
func (s *Store) IndexExists(ctx context.Context, name string) (bool, error) {
	_, err := s.loadDefinition(ctx, name)
	if errors.Is(err, db.ErrIndexNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) loadDefinition(ctx context.Context, name string) (*db.IndexDefinition, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT definition FROM collections WHERE name = ?`, name).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, db.ErrIndexNotFound
		}
		return nil, &db.Error{Op: db.OpSelect, Err: err}
	}
	var def db.IndexDefinition
	if err := json.Unmarshal([]byte(raw), &def); err != nil {
		return nil, fmt.Errorf("decode index definition %s: %w", name, err)
	}
	return &def, nil
}

func indexName(collection string, f db.IndexField) string {
	return `"idx_` + collection + `_` + f.Alias() + `"`
}
