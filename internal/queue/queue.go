// Package queue runs a de-duplicating work queue that is refilled from a
// source on an interval and drained by a Runner.
package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/huntsman-telescope/drp/internal/metrics"
)

// ErrRunning is returned by Start on a queue that is already running.
var ErrRunning = errors.New("queue already running")

// Source lists the objects that should be processed.
type Source[T any] interface {
	Objects(ctx context.Context) ([]T, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc[T any] func(ctx context.Context) ([]T, error)

// Objects calls f.
func (f SourceFunc[T]) Objects(ctx context.Context) ([]T, error) { return f(ctx) }

// Handler processes one object.
type Handler[T any] func(ctx context.Context, item T) error

// KeyFunc identifies an object for de-duplication.
type KeyFunc[T any] func(item T) string

// Options tunes the queue loops.
type Options struct {
	// StatusInterval is how often the status snapshot is logged. Default: 60s.
	StatusInterval time.Duration
	// QueueInterval is how often the source is polled. Default: 60s.
	QueueInterval time.Duration
	// PollTimeout bounds how long the process loop waits for an item. Default: 1s.
	PollTimeout time.Duration
}

func (o *Options) defaults() {
	if o.StatusInterval <= 0 {
		o.StatusInterval = time.Minute
	}
	if o.QueueInterval <= 0 {
		o.QueueInterval = time.Minute
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = time.Second
	}
}

// Status is a point-in-time snapshot.
type Status struct {
	Name        string `json:"name"`
	Running     bool   `json:"running"`
	Processed   int64  `json:"processed"`
	Failed      int64  `json:"failed"`
	Queued      int    `json:"queued"`
	StatusLoop  bool   `json:"status_thread_alive"`
	RefillLoop  bool   `json:"queue_thread_alive"`
	ProcessLoop bool   `json:"process_thread_alive"`
}

// Queue de-duplicates objects by key from the moment they are enqueued until
// their handler returns.
type Queue[T any] struct {
	name   string
	source Source[T]
	handle Handler[T]
	key    KeyFunc[T]
	runner Runner
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	pending []T
	keys    map[string]struct{}
	notify  chan struct{}

	processed atomic.Int64
	failed    atomic.Int64

	lifecycle   sync.Mutex
	stop        chan struct{}
	loops       sync.WaitGroup
	running     atomic.Bool
	statusLoop  atomic.Bool
	refillLoop  atomic.Bool
	processLoop atomic.Bool
}

// New creates a stopped queue. A nil runner processes items inline.
func New[T any](name string, source Source[T], handle Handler[T], key KeyFunc[T], runner Runner, opts Options, logger *zap.Logger) *Queue[T] {
	opts.defaults()
	if runner == nil {
		runner = InlineRunner{}
	}
	return &Queue[T]{
		name:   name,
		source: source,
		handle: handle,
		key:    key,
		runner: runner,
		opts:   opts,
		logger: logger.With(zap.String("queue", name)),
		keys:   make(map[string]struct{}),
		notify: make(chan struct{}, 1),
	}
}

// Name returns the queue name.
func (q *Queue[T]) Name() string { return q.name }

// Start launches the status, refill and process loops. Handlers receive ctx;
// Stop does not cancel it, so in-flight work runs to completion.
func (q *Queue[T]) Start(ctx context.Context) error {
	q.lifecycle.Lock()
	defer q.lifecycle.Unlock()

	if q.running.Load() {
		return fmt.Errorf("start %s: %w", q.name, ErrRunning)
	}
	q.stop = make(chan struct{})
	q.running.Store(true)

	q.logger.Info("Starting queue",
		zap.Duration("queue_interval", q.opts.QueueInterval),
		zap.Duration("status_interval", q.opts.StatusInterval),
	)
	q.spawn(&q.statusLoop, func() { q.runStatus(q.stop) })
	q.spawn(&q.refillLoop, func() { q.runRefill(ctx, q.stop) })
	q.spawn(&q.processLoop, func() { q.runProcess(ctx, q.stop) })
	return nil
}

// Stop signals the loops to exit. With blocking, it waits for the loops and
// for every dispatched item to finish.
func (q *Queue[T]) Stop(blocking bool) {
	q.lifecycle.Lock()
	defer q.lifecycle.Unlock()

	if !q.running.Load() {
		return
	}
	q.logger.Info("Stopping queue")
	close(q.stop)
	q.running.Store(false)

	if blocking {
		q.loops.Wait()
		q.runner.Wait()
		q.logger.Info("Queue stopped")
	}
}

// IsRunning reports whether Start was called without a matching Stop.
func (q *Queue[T]) IsRunning() bool { return q.running.Load() }

// Status returns the current counters and loop liveness.
func (q *Queue[T]) Status() Status {
	q.mu.Lock()
	queued := len(q.keys)
	q.mu.Unlock()
	return Status{
		Name:        q.name,
		Running:     q.running.Load(),
		Processed:   q.processed.Load(),
		Failed:      q.failed.Load(),
		Queued:      queued,
		StatusLoop:  q.statusLoop.Load(),
		RefillLoop:  q.refillLoop.Load(),
		ProcessLoop: q.processLoop.Load(),
	}
}

// Enqueue adds item unless an item with the same key is queued or in flight.
func (q *Queue[T]) Enqueue(item T) bool {
	k := q.key(item)

	q.mu.Lock()
	if _, ok := q.keys[k]; ok {
		q.mu.Unlock()
		return false
	}
	q.keys[k] = struct{}{}
	q.pending = append(q.pending, item)
	q.mu.Unlock()

	metrics.QueueQueued.WithLabelValues(q.name).Inc()
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// Refill enqueues every object currently listed by the source and returns
// how many were new.
func (q *Queue[T]) Refill(ctx context.Context) (int, error) {
	objs, err := q.source.Objects(ctx)
	if err != nil {
		return 0, fmt.Errorf("list objects for %s: %w", q.name, err)
	}
	var n int
	for _, o := range objs {
		if q.Enqueue(o) {
			n++
		}
	}
	return n, nil
}

func (q *Queue[T]) spawn(alive *atomic.Bool, loop func()) {
	alive.Store(true)
	q.loops.Add(1)
	go func() {
		defer q.loops.Done()
		defer alive.Store(false)
		loop()
	}()
}

func (q *Queue[T]) runStatus(stop <-chan struct{}) {
	ticker := time.NewTicker(q.opts.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s := q.Status()
			q.logger.Info("Queue status",
				zap.Int64("processed", s.Processed),
				zap.Int64("failed", s.Failed),
				zap.Int("queued", s.Queued),
			)
			if !s.RefillLoop || !s.ProcessLoop {
				q.logger.Error("Queue loop is not running",
					zap.Bool("queue_thread_alive", s.RefillLoop),
					zap.Bool("process_thread_alive", s.ProcessLoop),
				)
			}
		}
	}
}

func (q *Queue[T]) runRefill(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(q.opts.QueueInterval)
	defer ticker.Stop()

	for {
		n, err := q.Refill(ctx)
		if err != nil {
			q.logger.Warn("Queue refill failed", zap.Error(err))
		} else if n > 0 {
			q.logger.Debug("Queued objects", zap.Int("count", n))
		}

		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (q *Queue[T]) runProcess(ctx context.Context, stop <-chan struct{}) {
	timer := time.NewTimer(q.opts.PollTimeout)
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		item, ok := q.pop()
		if !ok {
			timer.Reset(q.opts.PollTimeout)
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-q.notify:
			case <-timer.C:
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			continue
		}
		q.runner.Go(func() { q.run(ctx, item) })
	}
}

func (q *Queue[T]) pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.pending) == 0 {
		return zero, false
	}
	item := q.pending[0]
	q.pending[0] = zero
	q.pending = q.pending[1:]
	return item, true
}

// run processes one item. Errors and panics are counted as failures; the key
// is released either way.
func (q *Queue[T]) run(ctx context.Context, item T) {
	k := q.key(item)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("Queue handler panicked",
				zap.String("key", k),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			q.failed.Add(1)
			metrics.QueueFailedTotal.WithLabelValues(q.name).Inc()
		}
		q.finish(k, start)
	}()

	if err := q.handle(ctx, item); err != nil {
		q.logger.Warn("Queue handler failed", zap.String("key", k), zap.Error(err))
		q.failed.Add(1)
		metrics.QueueFailedTotal.WithLabelValues(q.name).Inc()
	}
}

func (q *Queue[T]) finish(key string, start time.Time) {
	q.processed.Add(1)
	metrics.QueueProcessedTotal.WithLabelValues(q.name).Inc()
	metrics.QueueTaskDuration.WithLabelValues(q.name).Observe(time.Since(start).Seconds())

	q.mu.Lock()
	delete(q.keys, key)
	q.mu.Unlock()
	metrics.QueueQueued.WithLabelValues(q.name).Dec()
}
