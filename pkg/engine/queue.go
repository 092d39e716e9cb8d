package engine

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/fluxfn/fluxfn/pkg/telemetry"
)

// TaskQueue runs deferred continuations on a bounded queue drained by a
// fixed worker pool. Callers get their handle back immediately; a full queue
// rejects admission with a throttled error rather than growing without bound.
type TaskQueue struct {
	tasks   chan task
	wg      sync.WaitGroup
	metrics *telemetry.Metrics
	logger  zerolog.Logger

	// baseCtx is the context workers hand to tasks. Deferred work must not
	// die with the request that scheduled it.
	baseCtx context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	closed bool
}

type task struct {
	name string
	fn   func(ctx context.Context)
}

// NewTaskQueue creates a queue of the given capacity drained by workers
// goroutines.
func NewTaskQueue(capacity, workers int, metrics *telemetry.Metrics, logger zerolog.Logger) *TaskQueue {
	if capacity <= 0 {
		capacity = 100
	}
	if workers <= 0 {
		workers = 10
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &TaskQueue{
		tasks:   make(chan task, capacity),
		metrics: metrics,
		logger:  logger.With().Str("component", "task_queue").Logger(),
		baseCtx: ctx,
		cancel:  cancel,
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// Submit enqueues a continuation for execution. Returns a throttled error
// when the queue is at capacity or closed; the task is never silently
// dropped after a nil return.
func (q *TaskQueue) Submit(name string, fn func(ctx context.Context)) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return NewThrottledError("task queue is shut down")
	}
	select {
	case q.tasks <- task{name: name, fn: fn}:
		q.mu.Unlock()
		q.metrics.RecordTaskQueued(name, len(q.tasks))
		return nil
	default:
		q.mu.Unlock()
		return NewThrottledError("task queue is full")
	}
}

// Close stops accepting tasks, drains the queue, and waits for in-flight
// work to finish.
func (q *TaskQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.tasks)
	q.mu.Unlock()

	q.wg.Wait()
	q.cancel()
}

func (q *TaskQueue) worker() {
	defer q.wg.Done()
	for t := range q.tasks {
		q.run(t)
	}
}

func (q *TaskQueue) run(t task) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error().
				Str("task", t.name).
				Interface("panic", r).
				Msg("Task panicked")
		}
	}()
	t.fn(q.baseCtx)
}
