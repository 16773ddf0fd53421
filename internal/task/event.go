// Package task provides the supervised-task primitives the run orchestrator
// is built on: a one-shot broadcast event, a tracked-task registry, a scoped
// task group with configurable exit policy, and a race-coupled wait.
package task

import (
	"context"
	"sync"
)

// ValueEvent is a one-shot broadcast signal carrying a payload.
//
// Set fires at most once; the first value sticks and every current and future
// Wait call observes it. Use NewValueEvent to construct one.
type ValueEvent struct {
	mu    sync.Mutex
	fired chan struct{}
	value []byte
	done  bool
}

// NewValueEvent creates an unfired event.
func NewValueEvent() *ValueEvent {
	return &ValueEvent{fired: make(chan struct{})}
}

// Set stores value and wakes all waiters. Calling Set after the event has
// fired is a no-op: the first value wins.
func (e *ValueEvent) Set(value []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return
	}
	e.done = true
	e.value = value
	close(e.fired)
}

// IsSet reports whether the event has fired.
func (e *ValueEvent) IsSet() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

// Value returns the stored value and whether the event has fired.
func (e *ValueEvent) Value() ([]byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.value, e.done
}

// Wait blocks until the event fires, then returns the stored value. If the
// event fired before Wait was called it returns immediately. The only error
// condition is cancellation of ctx.
func (e *ValueEvent) Wait(ctx context.Context) ([]byte, error) {
	e.mu.Lock()
	fired := e.fired
	if e.done {
		v := e.value
		e.mu.Unlock()
		return v, nil
	}
	e.mu.Unlock()

	select {
	case <-fired:
		e.mu.Lock()
		v := e.value
		e.mu.Unlock()
		return v, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Fired returns a channel closed when the event fires, for use in select
// statements alongside timers.
func (e *ValueEvent) Fired() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fired
}
