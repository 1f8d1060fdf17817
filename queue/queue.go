// Package queue implements a priority-ordered, concurrency-bounded
// executor for cancellable asynchronous work. It owns no knowledge of
// pages or tiers; the scheduler maps render requests onto it.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/wudi/docview/observability"
)

var (
	// ErrCanceled is reported by handles whose task was canceled or
	// cleared before it produced a result.
	ErrCanceled = errors.New("queue: task canceled")

	// ErrStopped is reported when work is submitted to, or still
	// backlogged in, a queue that has been stopped.
	ErrStopped = errors.New("queue: stopped")
)

// Priority orders backlogged tasks. Lower values are served first;
// equal priorities are served in submission order.
type Priority int

// Func is a unit of work. It must honor ctx cancellation.
type Func[T any] func(ctx context.Context) (T, error)

// DefaultMaxConcurrent bounds simultaneous task execution when the
// caller passes a non-positive limit.
const DefaultMaxConcurrent = 2

// Queue executes submitted tasks with at most maxConcurrent running at
// once. A task failure settles its own handle and never stalls the
// drain loop.
type Queue[T any] struct {
	mu       sync.Mutex
	backlog  taskHeap[T]
	seq      uint64
	running  map[*task[T]]struct{}
	max      int
	paused   bool
	stopped  bool
	logger   observability.Logger

	completed atomic.Uint64
	failed    atomic.Uint64
	canceled  atomic.Uint64
}

// Option configures a Queue.
type Option[T any] func(*Queue[T])

// WithLogger sets the queue's logger. The default is a NopLogger.
func WithLogger[T any](l observability.Logger) Option[T] {
	return func(q *Queue[T]) {
		if l != nil {
			q.logger = l
		}
	}
}

// New creates a queue executing at most maxConcurrent tasks at once.
func New[T any](maxConcurrent int, opts ...Option[T]) *Queue[T] {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	q := &Queue[T]{
		max:     maxConcurrent,
		running: make(map[*task[T]]struct{}),
		logger:  observability.NopLogger{},
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Handle tracks one submitted task. The result is available once Done
// is closed.
type Handle[T any] struct {
	done   chan struct{}
	cancel context.CancelFunc

	// Written exactly once before done is closed.
	result T
	err    error
}

// Done is closed when the task has settled (success, failure, or
// cancellation).
func (h *Handle[T]) Done() <-chan struct{} { return h.done }

// Result returns the task outcome. It must only be called after Done
// is closed.
func (h *Handle[T]) Result() (T, error) { return h.result, h.err }

// Err returns the task error, if any. It must only be called after
// Done is closed.
func (h *Handle[T]) Err() error { return h.err }

// Cancel requests cooperative cancellation. A backlogged task settles
// with ErrCanceled without running; a running task observes its
// context.
func (h *Handle[T]) Cancel() { h.cancel() }

// Await blocks until the task settles or ctx is done.
func (h *Handle[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

type task[T any] struct {
	fn       Func[T]
	priority Priority
	seq      uint64
	ctx      context.Context
	handle   *Handle[T]
	index    int
}

// Submit enqueues fn at the given priority. The task context derives
// from ctx; canceling either fails the task with a cancellation error.
// After Stop, the returned handle is already settled with ErrStopped.
func (q *Queue[T]) Submit(ctx context.Context, fn Func[T], priority Priority) *Handle[T] {
	if ctx == nil {
		ctx = context.Background()
	}
	tctx, cancel := context.WithCancel(ctx)
	h := &Handle[T]{done: make(chan struct{}), cancel: cancel}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		cancel()
		h.err = ErrStopped
		close(h.done)
		return h
	}
	q.seq++
	t := &task[T]{fn: fn, priority: priority, seq: q.seq, ctx: tctx, handle: h}
	heap.Push(&q.backlog, t)
	q.drainLocked()
	q.mu.Unlock()
	return h
}

// drainLocked starts backlogged tasks while capacity remains. Caller
// holds q.mu.
func (q *Queue[T]) drainLocked() {
	for !q.paused && !q.stopped && len(q.running) < q.max && q.backlog.Len() > 0 {
		t := heap.Pop(&q.backlog).(*task[T])
		if t.ctx.Err() != nil {
			// Canceled while backlogged; settle without occupying a slot.
			q.settle(t, ErrCanceled)
			continue
		}
		q.running[t] = struct{}{}
		go q.run(t)
	}
}

func (q *Queue[T]) run(t *task[T]) {
	result, err := t.fn(t.ctx)

	switch {
	case err == nil:
		q.completed.Add(1)
		t.handle.result = result
	case errors.Is(err, context.Canceled) || errors.Is(err, ErrCanceled):
		q.canceled.Add(1)
		t.handle.err = ErrCanceled
	default:
		q.failed.Add(1)
		t.handle.err = err
		q.logger.Debug("task failed", observability.Error("err", err))
	}
	t.handle.cancel()
	close(t.handle.done)

	q.mu.Lock()
	delete(q.running, t)
	q.drainLocked()
	q.mu.Unlock()
}

// settle fails a task that never ran. Caller holds q.mu.
func (q *Queue[T]) settle(t *task[T], err error) {
	q.canceled.Add(1)
	t.handle.err = err
	t.handle.cancel()
	close(t.handle.done)
}

// Clear fails every backlogged task with ErrCanceled. Running tasks
// are not interrupted.
func (q *Queue[T]) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.backlog.Len() > 0 {
		t := heap.Pop(&q.backlog).(*task[T])
		q.settle(t, ErrCanceled)
	}
}

// Pause stops dequeuing. Submissions continue to backlog.
func (q *Queue[T]) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

// Resume restarts dequeuing after a Pause.
func (q *Queue[T]) Resume() {
	q.mu.Lock()
	q.paused = false
	q.drainLocked()
	q.mu.Unlock()
}

// Stop is terminal: the backlog fails with ErrStopped, running task
// contexts are canceled, and later submissions are rejected.
func (q *Queue[T]) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	for q.backlog.Len() > 0 {
		t := heap.Pop(&q.backlog).(*task[T])
		t.handle.err = ErrStopped
		t.handle.cancel()
		close(t.handle.done)
		q.canceled.Add(1)
	}
	for t := range q.running {
		t.handle.cancel()
	}
	q.mu.Unlock()
}

// Metrics is a point-in-time snapshot of queue counters.
type Metrics struct {
	Completed uint64
	Failed    uint64
	Canceled  uint64
	Running   int
	Backlog   int
}

// Metrics returns a snapshot of the queue counters.
func (q *Queue[T]) Metrics() Metrics {
	q.mu.Lock()
	running := len(q.running)
	backlog := q.backlog.Len()
	q.mu.Unlock()
	return Metrics{
		Completed: q.completed.Load(),
		Failed:    q.failed.Load(),
		Canceled:  q.canceled.Load(),
		Running:   running,
		Backlog:   backlog,
	}
}
