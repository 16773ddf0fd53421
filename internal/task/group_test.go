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

// --- exit policy ---

func TestGroup_ExitCancelsAndWaitsAllMembers(t *testing.T) {
	g := NewGroup(zap.NewNop(), true, true)

	var done atomic.Int32
	for i := 0; i < 5; i++ {
		g.Go("loop", func(ctx context.Context) error {
			<-ctx.Done()
			done.Add(1)
			return ctx.Err()
		})
	}
	require.Equal(t, 5, g.Len())

	require.NoError(t, g.Exit(context.Background()))
	// Exit must not return until every member reached a terminal state.
	assert.Equal(t, int32(5), done.Load())
}

func TestGroup_ExitWithoutCancelWaitsForNaturalCompletion(t *testing.T) {
	g := NewGroup(zap.NewNop(), false, true)

	release := make(chan struct{})
	var done atomic.Bool
	g.Go("finisher", func(ctx context.Context) error {
		<-release
		done.Store(true)
		return nil
	})

	exited := make(chan struct{})
	go func() {
		_ = g.Exit(context.Background())
		close(exited)
	}()

	select {
	case <-exited:
		t.Fatal("Exit returned before member finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	select {
	case <-exited:
	case <-time.After(time.Second):
		t.Fatal("Exit did not return after member finished")
	}
	assert.True(t, done.Load())
}

func TestGroup_MemberErrorsCollectedNotRaised(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	g := NewGroup(zap.New(core), true, true)

	g.Go("bad", func(ctx context.Context) error {
		return errors.New("member blew up")
	})
	require.NoError(t, g.Exit(context.Background()))

	assert.Equal(t, 1, logs.FilterMessage("background task failed").Len())
}

func TestGroup_DetachOnExit(t *testing.T) {
	g := NewGroup(zap.NewNop(), true, true)
	require.NoError(t, g.Exit(context.Background()))

	// Additions after exit are not part of the exit protocol and do not run.
	ran := make(chan struct{})
	g.Go("late", func(ctx context.Context) error {
		close(ran)
		return nil
	})
	select {
	case <-ran:
		t.Fatal("task ran after Exit")
	case <-time.After(20 * time.Millisecond):
	}
	assert.Equal(t, 0, g.Len())
}

func TestGroup_ExitIdempotent(t *testing.T) {
	g := NewGroup(zap.NewNop(), true, true)
	g.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, g.Exit(context.Background()))
	require.NoError(t, g.Exit(context.Background()))
}

func TestGroup_ExitHonorsContext(t *testing.T) {
	g := NewGroup(zap.NewNop(), false, true)

	g.Go("stuck", func(ctx context.Context) error {
		select {} // never returns
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := g.Exit(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
