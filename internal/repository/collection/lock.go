package collection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/huntsman-telescope/drp/internal/db"
)

// withLock runs fn while holding the collection's mutation lease. The lease
// is retried with exponential backoff until lockWait elapses or ctx ends.
func (c *Collection) withLock(ctx context.Context, fn func(ctx context.Context) error) error {
	token := uuid.NewString()
	name := c.Name()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = c.lockWait

	acquire := func() error {
		err := c.store.AcquireLock(ctx, name, token, c.lockTTL)
		if err == nil || errors.Is(err, db.ErrLockHeld) {
			return err
		}
		return backoff.Permanent(err)
	}
	if err := backoff.Retry(acquire, backoff.WithContext(b, ctx)); err != nil {
		return fmt.Errorf("lock %s: %w", name, err)
	}

	defer func() {
		// Release even when ctx is already cancelled.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := c.store.ReleaseLock(releaseCtx, name, token); err != nil {
			c.logger.Warn("Failed to release collection lock", zap.Error(err))
		}
	}()

	return fn(ctx)
}
