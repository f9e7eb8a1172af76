package queue

import (
	"context"
	"sync"
	"testing"
	"time"
)

// sliceSource serves a fixed list and counts calls.
type sliceSource struct {
	mu    sync.Mutex
	items []string
	calls int
	err   error
}

func (s *sliceSource) Objects(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return append([]string(nil), s.items...), nil
}

func identity(s string) string { return s }

func fastOptions() Options {
	return Options{
		StatusInterval: 10 * time.Millisecond,
		QueueInterval:  10 * time.Millisecond,
		PollTimeout:    5 * time.Millisecond,
	}
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
