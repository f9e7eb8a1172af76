package sqlite

import (
	"context"
	"time"

	"github.com/huntsman-telescope/drp/internal/db"
)

// AcquireLock takes the named lease if it is free or has expired.
func (s *Store) AcquireLock(ctx context.Context, name, token string, ttl time.Duration) error {
	now := s.now()
	res, err := s.exec(ctx,
		`INSERT INTO locks (name, token, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET token = excluded.token, expires_at = excluded.expires_at
		 WHERE locks.expires_at <= ?`,
		name, token, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return &db.Error{Op: db.OpUpsert, Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &db.Error{Op: db.OpUpsert, Err: err}
	}
	if n == 0 {
		return db.ErrLockHeld
	}
	return nil
}

// ReleaseLock frees the lease if token still owns it.
func (s *Store) ReleaseLock(ctx context.Context, name, token string) error {
	if _, err := s.exec(ctx, `DELETE FROM locks WHERE name = ? AND token = ?`, name, token); err != nil {
		return &db.Error{Op: db.OpDelete, Err: err}
	}
	return nil
}
