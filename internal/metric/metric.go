// Package metric evaluates named image metrics against a raw exposure.
package metric

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"
)

// ErrNoPixelData is returned by metrics that need pixels when the frame has none.
var ErrNoPixelData = errors.New("no pixel data")

// Input is the frame a metric is evaluated against.
type Input struct {
	Filename string
	Header   map[string]any
	Data     []float64 // row-major, Width*Height values
	Width    int
	Height   int
}

// Pixel returns the value at column x, row y.
func (in Input) Pixel(x, y int) float64 {
	return in.Data[y*in.Width+x]
}

func (in Input) hasPixels() bool {
	return in.Width > 0 && in.Height > 0 && len(in.Data) == in.Width*in.Height
}

// Func computes a flat set of metric values.
type Func func(ctx context.Context, in Input) (map[string]any, error)

// Named binds a Func to the name used in configuration and logs.
type Named struct {
	Name string
	Func Func
}

// Result aggregates every metric's output.
type Result struct {
	Metrics map[string]any
	Success bool
	Failed  []string
}

// Evaluator runs an ordered list of metrics. A failing metric does not stop
// the others; it only clears Result.Success.
type Evaluator struct {
	metrics []Named
	logger  *zap.Logger
}

// NewEvaluator creates an evaluator over metrics in order.
func NewEvaluator(logger *zap.Logger, metrics ...Named) *Evaluator {
	return &Evaluator{
		metrics: append([]Named(nil), metrics...),
		logger:  logger.With(zap.String("component", "metric_evaluator")),
	}
}

// Without returns an evaluator that skips the named metrics.
func (e *Evaluator) Without(names ...string) *Evaluator {
	skip := make(map[string]struct{}, len(names))
	for _, n := range names {
		skip[n] = struct{}{}
	}
	kept := make([]Named, 0, len(e.metrics))
	for _, m := range e.metrics {
		if _, ok := skip[m.Name]; !ok {
			kept = append(kept, m)
		}
	}
	return &Evaluator{metrics: kept, logger: e.logger}
}

// Names returns the metric names in evaluation order.
func (e *Evaluator) Names() []string {
	out := make([]string, len(e.metrics))
	for i, m := range e.metrics {
		out[i] = m.Name
	}
	return out
}

// Evaluate runs every metric against in. A metric whose output repeats a key
// produced by an earlier metric counts as failed and its output is dropped.
func (e *Evaluator) Evaluate(ctx context.Context, in Input) Result {
	res := Result{Metrics: make(map[string]any), Success: true}

	for _, m := range e.metrics {
		out, err := e.run(ctx, m, in)
		if err == nil {
			for k := range out {
				if _, dup := res.Metrics[k]; dup {
					err = fmt.Errorf("duplicate metric key %q", k)
					break
				}
			}
		}
		if err != nil {
			e.logger.Warn("Metric evaluation failed",
				zap.String("metric", m.Name),
				zap.String("filename", in.Filename),
				zap.Error(err),
			)
			res.Success = false
			res.Failed = append(res.Failed, m.Name)
			continue
		}
		for k, v := range out {
			res.Metrics[k] = v
		}
	}
	return res
}

func (e *Evaluator) run(ctx context.Context, m Named, in Input) (out map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.logger.Debug("Calculating metric", zap.String("metric", m.Name), zap.String("filename", in.Filename))
	return m.Func(ctx, in)
}
