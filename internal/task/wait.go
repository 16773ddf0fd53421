package task

import (
	"context"
	"errors"
	"fmt"
)

// DoneError is the structured cancellation result of WaitIfNotDone: the done
// event fired before the work finished. Value carries the event's payload so
// the caller can distinguish "canceled because the signal fired" from an
// unrelated cancellation without inspecting exception arguments.
type DoneError struct {
	Value []byte
}

func (e *DoneError) Error() string {
	return fmt.Sprintf("interrupted by signal (%d bytes)", len(e.Value))
}

// WaitIfNotDone runs work to completion unless done fires first.
//
// Whichever branch finishes first cancels the other. If work wins, its result
// is returned as-is; a work error always takes priority and is returned
// verbatim, never wrapped. If the event wins, work's context is canceled, the
// call waits for work to unwind, and a *DoneError carrying the event's value
// is returned. Only the first concrete cause is surfaced, never an aggregate.
func WaitIfNotDone(ctx context.Context, work Fn, done *ValueEvent) error {
	workCtx, cancelWork := context.WithCancel(ctx)
	defer cancelWork()

	result := make(chan error, 1)
	go func() {
		result <- work(workCtx)
	}()

	select {
	case err := <-result:
		return err
	case <-done.Fired():
		cancelWork()
		// Work must fully unwind before the signal's effect is surfaced.
		err := <-result
		if err != nil && !isCancellation(err) {
			return err
		}
		v, _ := done.Value()
		return &DoneError{Value: v}
	case <-ctx.Done():
		cancelWork()
		// Same priority rule as the signal branch: a concrete work failure
		// beats the generic context error.
		err := <-result
		if err != nil && !isCancellation(err) {
			return err
		}
		return ctx.Err()
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
