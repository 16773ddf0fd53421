package task

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// Group is a scoped set of supervised tasks with a defined exit policy.
//
// Unlike errgroup, the goroutine that calls Exit does not have to be the one
// that called Go: the orchestrator opens a group on one flow and tears it
// down from another (e.g. shutdown shielded from the caller's cancellation).
// On Exit the member set is detached atomically, so tasks added afterwards
// are not part of the exit protocol.
type Group struct {
	logger       *zap.Logger
	cancelOnExit bool
	waitOnExit   bool

	mu      sync.Mutex
	members map[*Handle]struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	exited  bool
}

// NewGroup creates a group. With cancelOnExit, Exit requests cancellation of
// every member; with waitOnExit, Exit blocks until every member reaches a
// terminal state, collecting (not re-raising) their errors.
func NewGroup(logger *zap.Logger, cancelOnExit, waitOnExit bool) *Group {
	ctx, cancel := context.WithCancel(context.Background())
	return &Group{
		logger:       logger.With(zap.String("component", "task_group")),
		cancelOnExit: cancelOnExit,
		waitOnExit:   waitOnExit,
		members:      make(map[*Handle]struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Go schedules fn in this group with the same supervision semantics as
// Registry.Go. Adding to a group that already exited runs nothing.
func (g *Group) Go(name string, fn Fn, ignore ...error) *Handle {
	g.mu.Lock()
	if g.exited {
		g.mu.Unlock()
		h := &Handle{name: name, cancel: func() {}, done: make(chan struct{})}
		close(h.done)
		return h
	}
	ctx, cancel := context.WithCancel(g.ctx)
	h := &Handle{name: name, cancel: cancel, done: make(chan struct{})}
	g.members[h] = struct{}{}
	g.mu.Unlock()

	go func() {
		defer close(h.done)
		defer cancel()
		err := fn(ctx)

		g.mu.Lock()
		// members may already be detached by Exit; delete is a no-op then.
		delete(g.members, h)
		g.mu.Unlock()

		g.report(name, err, ignore)
	}()
	return h
}

func (g *Group) report(name string, err error, ignore []error) {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	for _, ig := range ignore {
		if errors.Is(err, ig) {
			return
		}
	}
	g.logger.Error("background task failed",
		zap.String("task", name),
		zap.Error(err),
	)
}

// Len returns the number of live members.
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.members)
}

// Exit runs the group's exit policy: detach the member set, cancel members if
// configured, wait for them if configured. Exit does not return until every
// detached member has reached a terminal state (when waitOnExit is set) or
// ctx is canceled. Exit is idempotent.
func (g *Group) Exit(ctx context.Context) error {
	g.mu.Lock()
	if g.exited {
		g.mu.Unlock()
		return nil
	}
	g.exited = true
	members := g.members
	g.members = make(map[*Handle]struct{})
	g.mu.Unlock()

	if g.cancelOnExit {
		g.cancel()
		for h := range members {
			h.cancel()
		}
	}

	if g.waitOnExit {
		for h := range members {
			select {
			case <-h.done:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}
