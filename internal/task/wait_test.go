package task

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- work wins ---

func TestWaitIfNotDone_WorkCompletesFirst(t *testing.T) {
	done := NewValueEvent()

	err := WaitIfNotDone(context.Background(), func(ctx context.Context) error {
		return nil
	}, done)
	require.NoError(t, err)
	assert.False(t, done.IsSet())
}

func TestWaitIfNotDone_WorkErrorReturnedVerbatim(t *testing.T) {
	done := NewValueEvent()
	boom := errors.New("work exploded")

	err := WaitIfNotDone(context.Background(), func(ctx context.Context) error {
		return boom
	}, done)
	require.Error(t, err)
	assert.Same(t, boom, err, "returned as-is, not wrapped")
}

// --- signal wins ---

func TestWaitIfNotDone_SignalCancelsWork(t *testing.T) {
	done := NewValueEvent()

	var canceled atomic.Bool
	started := make(chan struct{})
	go func() {
		<-started
		done.Set([]byte("stop-reason"))
	}()

	err := WaitIfNotDone(context.Background(), func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		canceled.Store(true)
		return ctx.Err()
	}, done)

	var de *DoneError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, []byte("stop-reason"), de.Value)
	assert.True(t, canceled.Load(), "work must be canceled and awaited before returning")
}

func TestWaitIfNotDone_WorkErrorDuringUnwindTakesPriority(t *testing.T) {
	done := NewValueEvent()
	boom := errors.New("failed while unwinding")

	started := make(chan struct{})
	go func() {
		<-started
		done.Set([]byte("x"))
	}()

	err := WaitIfNotDone(context.Background(), func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return boom
	}, done)
	assert.Equal(t, boom, err)
}

// --- outer cancellation ---

func TestWaitIfNotDone_OuterContextCanceled(t *testing.T) {
	done := NewValueEvent()
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := WaitIfNotDone(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, done)
	assert.ErrorIs(t, err, context.Canceled)

	var de *DoneError
	assert.False(t, errors.As(err, &de), "unrelated cancellation must not carry a signal value")
}

func TestWaitIfNotDone_WorkErrorBeatsDeadline(t *testing.T) {
	done := NewValueEvent()
	boom := errors.New("engine fault at deadline")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := WaitIfNotDone(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		return boom
	}, done)
	assert.Equal(t, boom, err, "the work's concrete failure must not be masked by the timeout")
}

func TestWaitIfNotDone_OuterCancelWithCleanUnwind(t *testing.T) {
	done := NewValueEvent()
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := WaitIfNotDone(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}, done)
	assert.ErrorIs(t, err, context.Canceled, "a clean unwind surfaces the context error")
}
