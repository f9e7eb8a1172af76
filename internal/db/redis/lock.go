package redis

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/rueidis"

	"github.com/huntsman-telescope/drp/internal/db"
)

// releaseScript deletes the lock only while it still carries the caller's token.
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) else return 0 end`

// AcquireLock takes a named lease with SET NX PX.
func (s *Store) AcquireLock(ctx context.Context, name, token string, ttl time.Duration) error {
	ms := strconv.FormatInt(max(ttl.Milliseconds(), 1), 10)
	cmd := s.b().Arbitrary("SET").Keys(s.lockKey(name)).Args(token, "NX", "PX", ms).Build()
	if err := s.do(ctx, cmd).Error(); err != nil {
		if rueidis.IsRedisNil(err) {
			return db.ErrLockHeld
		}
		return &db.Error{Op: db.OpSet, Err: err}
	}
	return nil
}

// ReleaseLock frees a lease held under token. Releasing an expired or
// foreign lease is a no-op.
func (s *Store) ReleaseLock(ctx context.Context, name, token string) error {
	cmd := s.b().Arbitrary("EVAL").Args(releaseScript, "1").Keys(s.lockKey(name)).Args(token).Build()
	if err := s.do(ctx, cmd).Error(); err != nil {
		return &db.Error{Op: db.OpEval, Err: err}
	}
	return nil
}
