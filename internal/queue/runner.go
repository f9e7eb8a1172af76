package queue

import "golang.org/x/sync/errgroup"

// Runner executes queue items.
type Runner interface {
	// Go runs task, possibly in the background. It may block until a worker
	// is free.
	Go(task func())
	// Wait blocks until every started task has returned.
	Wait()
}

// PoolRunner runs tasks on at most n goroutines.
type PoolRunner struct {
	g *errgroup.Group
}

// NewPoolRunner creates a pool of n workers. n < 1 is treated as 1.
func NewPoolRunner(n int) *PoolRunner {
	if n < 1 {
		n = 1
	}
	g := &errgroup.Group{}
	g.SetLimit(n)
	return &PoolRunner{g: g}
}

// Go blocks while all workers are busy.
func (r *PoolRunner) Go(task func()) {
	r.g.Go(func() error {
		task()
		return nil
	})
}

// Wait blocks until the pool is idle.
func (r *PoolRunner) Wait() {
	_ = r.g.Wait()
}

// InlineRunner runs each task on the caller's goroutine.
type InlineRunner struct{}

// Go runs task and returns when it is done.
func (InlineRunner) Go(task func()) { task() }

// Wait returns immediately.
func (InlineRunner) Wait() {}

// NewRunner returns an inline runner for workers <= 1 and a pool otherwise.
func NewRunner(workers int) Runner {
	if workers <= 1 {
		return InlineRunner{}
	}
	return NewPoolRunner(workers)
}
