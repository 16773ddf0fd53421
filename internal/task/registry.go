package task

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// Fn is a unit of background work. It must honor ctx cancellation.
type Fn func(ctx context.Context) error

// Registry tracks live background tasks for the whole process. It replaces
// ambient module state: the Server constructs one at startup, passes it down,
// and closes it at shutdown.
//
// Tasks spawned through Go are "fire-and-forget with supervision": the caller
// does not observe the result, but a failure that is neither a cancellation
// nor in the task's ignore set is logged exactly once on completion.
type Registry struct {
	logger *zap.Logger

	mu     sync.Mutex
	live   map[*Handle]struct{}
	wg     sync.WaitGroup
	cancel context.CancelFunc
	ctx    context.Context
	closed bool
}

// Handle refers to a single tracked task. Cancel requests cooperative
// cancellation; Done is closed when the task has fully unwound.
type Handle struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel requests cancellation of the task's context.
func (h *Handle) Cancel() { h.cancel() }

// Done returns a channel closed once the task has reached a terminal state.
func (h *Handle) Done() <-chan struct{} { return h.done }

// NewRegistry creates a registry whose tasks run under a context canceled by
// Close.
func NewRegistry(logger *zap.Logger) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		logger: logger.With(zap.String("component", "task_registry")),
		live:   make(map[*Handle]struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Go schedules fn to run concurrently and registers it in the live set for
// the duration of its execution. Errors matching any of ignore (via
// errors.Is) and cancellations are never reported as failures.
func (r *Registry) Go(name string, fn Fn, ignore ...error) *Handle {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		h := &Handle{name: name, cancel: func() {}, done: make(chan struct{})}
		close(h.done)
		return h
	}
	ctx, cancel := context.WithCancel(r.ctx)
	h := &Handle{name: name, cancel: cancel, done: make(chan struct{})}
	r.live[h] = struct{}{}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer close(h.done)
		defer r.wg.Done()
		defer cancel()
		err := fn(ctx)

		r.mu.Lock()
		delete(r.live, h)
		r.mu.Unlock()

		r.report(name, err, ignore)
	}()
	return h
}

// report logs a task failure once, skipping cancellations and ignored kinds.
func (r *Registry) report(name string, err error, ignore []error) {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	for _, ig := range ignore {
		if errors.Is(err, ig) {
			return
		}
	}
	r.logger.Error("background task failed",
		zap.String("task", name),
		zap.Error(err),
	)
}

// Len returns the number of currently live tasks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// Close cancels every live task and waits for all of them to finish. It is
// idempotent.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.wg.Wait()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
}
