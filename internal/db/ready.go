package db

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// WaitForReady pings p with exponential backoff until it answers or timeout
// expires.
func WaitForReady(ctx context.Context, p Pinger, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 0

	var last error
	err := backoff.Retry(func() error {
		last = p.Ping(ctx)
		return last
	}, backoff.WithContext(b, ctx))
	if err != nil {
		if last == nil {
			last = err
		}
		return fmt.Errorf("timeout waiting for database: %w", last)
	}
	return nil
}
