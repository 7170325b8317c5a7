package turn

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/surfacecoaster/Aventura-custom/internal/observe"
)

// TaskRunner runs background memory work (classification, chapter creation)
// on its own goroutines. Failures never propagate: they are logged and
// counted, and the turn that scheduled them has already returned.
//
// All methods are safe for concurrent use.
type TaskRunner struct {
	wg      sync.WaitGroup
	log     *slog.Logger
	metrics *observe.Metrics
	timeout time.Duration
}

// NewTaskRunner returns a runner that gives each task at most timeout to
// finish. A zero timeout disables the limit.
func NewTaskRunner(log *slog.Logger, m *observe.Metrics, timeout time.Duration) *TaskRunner {
	if log == nil {
		log = slog.Default()
	}
	return &TaskRunner{log: log, metrics: m, timeout: timeout}
}

// Go starts fn in a new goroutine. ctx values are kept but its cancellation
// is dropped, so a task outlives the request that scheduled it.
func (r *TaskRunner) Go(ctx context.Context, name string, fn func(context.Context) error) {
	ctx = context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if r.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.timeout)
			defer cancel()
		}
		start := time.Now()
		err := r.run(ctx, fn)
		if err != nil {
			r.metrics.RecordTaskFailure(ctx, name)
			r.log.Warn("turn: background task failed",
				"task", name,
				"duration", time.Since(start),
				"err", err,
			)
			return
		}
		r.log.Debug("turn: background task done", "task", name, "duration", time.Since(start))
	}()
}

// run calls fn, converting a panic into an error.
func (r *TaskRunner) run(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn(ctx)
}

// Wait blocks until every started task has returned.
func (r *TaskRunner) Wait() {
	r.wg.Wait()
}
