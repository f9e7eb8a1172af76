package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/huntsman-telescope/drp/internal/db"
)

// InsertDocument stores data under (collection, id) unless the id is taken.
func (s *Store) InsertDocument(ctx context.Context, collection, id string, data []byte) error {
	_, err := s.exec(ctx,
		`INSERT INTO documents (collection, id, data) VALUES (?, ?, ?)`,
		collection, id, string(data))
	if err != nil {
		if isConstraint(err) {
			return db.ErrKeyExists
		}
		return &db.Error{Op: db.OpInsert, Err: err}
	}
	return nil
}

// PutDocument stores data under (collection, id), replacing any previous value.
func (s *Store) PutDocument(ctx context.Context, collection, id string, data []byte) error {
	_, err := s.exec(ctx,
		`INSERT INTO documents (collection, id, data) VALUES (?, ?, ?)
		 ON CONFLICT (collection, id) DO UPDATE SET data = excluded.data`,
		collection, id, string(data))
	if err != nil {
		return &db.Error{Op: db.OpUpsert, Err: err}
	}
	return nil
}

// GetDocument returns the stored JSON of one document.
func (s *Store) GetDocument(ctx context.Context, collection, id string) ([]byte, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM documents WHERE collection = ? AND id = ?`,
		collection, id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, db.ErrKeyNotFound
		}
		return nil, &db.Error{Op: db.OpSelect, Err: err}
	}
	return []byte(data), nil
}

// DeleteDocument removes one document.
func (s *Store) DeleteDocument(ctx context.Context, collection, id string) error {
	res, err := s.exec(ctx,
		`DELETE FROM documents WHERE collection = ? AND id = ?`,
		collection, id)
	if err != nil {
		return &db.Error{Op: db.OpDelete, Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &db.Error{Op: db.OpDelete, Err: err}
	}
	if n == 0 {
		return db.ErrKeyNotFound
	}
	return nil
}

// FindDocuments returns documents matching q ordered by id.
func (s *Store) FindDocuments(ctx context.Context, q *db.Query) ([]db.Record, error) {
	if q.Collection == "" {
		return nil, fmt.Errorf("collection is required")
	}
	where, args := buildWhere(q.Filter)

	limit := q.Limit
	if limit <= 0 {
		limit = -1
	}

	query := `SELECT id, data FROM documents WHERE collection = ? AND (` + where + `) ORDER BY id LIMIT ? OFFSET ?`
	params := make([]any, 0, len(args)+3)
	params = append(params, q.Collection)
	params = append(params, args...)
	params = append(params, limit, q.Offset)

	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, &db.Error{Op: db.OpSelect, Err: err}
	}
	defer func() { _ = rows.Close() }()

	var out []db.Record
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, &db.Error{Op: db.OpSelect, Err: err}
		}
		out = append(out, db.Record{ID: id, Data: []byte(data)})
	}
	if err := rows.Err(); err != nil {
		return nil, &db.Error{Op: db.OpSelect, Err: err}
	}
	return out, nil
}

// CountDocuments counts documents matching q, ignoring offset and limit.
func (s *Store) CountDocuments(ctx context.Context, q *db.Query) (int, error) {
	if q.Collection == "" {
		return 0, fmt.Errorf("collection is required")
	}
	where, args := buildWhere(q.Filter)

	params := make([]any, 0, len(args)+1)
	params = append(params, q.Collection)
	params = append(params, args...)

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM documents WHERE collection = ? AND (`+where+`)`,
		params...).Scan(&n)
	if err != nil {
		return 0, &db.Error{Op: db.OpSelect, Err: err}
	}
	return n, nil
}
