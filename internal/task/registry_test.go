package task

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newObservedRegistry(t *testing.T) (*Registry, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.ErrorLevel)
	return NewRegistry(zap.New(core)), logs
}

// --- Go / supervision ---

func TestRegistry_TaskRemovedOnCompletion(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	defer r.Close()

	release := make(chan struct{})
	r.Go("worker", func(ctx context.Context) error {
		<-release
		return nil
	})
	assert.Equal(t, 1, r.Len())

	close(release)
	require.Eventually(t, func() bool { return r.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestRegistry_FailureLoggedOnce(t *testing.T) {
	r, logs := newObservedRegistry(t)

	r.Go("boom", func(ctx context.Context) error {
		return errors.New("kaput")
	})
	r.Close()

	entries := logs.FilterMessage("background task failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "boom", entries[0].ContextMap()["task"])
}

func TestRegistry_IgnoredErrorNotLogged(t *testing.T) {
	r, logs := newObservedRegistry(t)

	sentinel := errors.New("expected shutdown")
	r.Go("quiet", func(ctx context.Context) error {
		return sentinel
	}, sentinel)
	r.Close()

	assert.Zero(t, logs.FilterMessage("background task failed").Len())
}

func TestRegistry_CancellationNeverReported(t *testing.T) {
	r, logs := newObservedRegistry(t)

	r.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	r.Close()

	assert.Zero(t, logs.FilterMessage("background task failed").Len())
}

// --- Close ---

func TestRegistry_CloseCancelsAndWaits(t *testing.T) {
	r := NewRegistry(zap.NewNop())

	var finished atomic.Bool
	r.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		finished.Store(true)
		return ctx.Err()
	})

	r.Close()
	assert.True(t, finished.Load())
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_GoAfterCloseIsNoop(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	r.Close()

	ran := make(chan struct{})
	r.Go("late", func(ctx context.Context) error {
		close(ran)
		return nil
	})

	select {
	case <-ran:
		t.Fatal("task ran after Close")
	case <-time.After(20 * time.Millisecond):
	}
}
