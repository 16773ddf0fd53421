package task

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Set / Wait ---

func TestValueEvent_SetBeforeWait(t *testing.T) {
	e := NewValueEvent()
	e.Set([]byte("first"))

	v, err := e.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), v)
}

func TestValueEvent_FirstValueWins(t *testing.T) {
	e := NewValueEvent()
	e.Set([]byte("first"))
	e.Set([]byte("second"))
	e.Set([]byte("third"))

	v, err := e.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), v)

	v, ok := e.Value()
	assert.True(t, ok)
	assert.Equal(t, []byte("first"), v)
}

func TestValueEvent_WaitBlocksUntilSet(t *testing.T) {
	e := NewValueEvent()

	got := make(chan []byte, 1)
	go func() {
		v, err := e.Wait(context.Background())
		require.NoError(t, err)
		got <- v
	}()

	select {
	case <-got:
		t.Fatal("Wait returned before Set")
	case <-time.After(20 * time.Millisecond):
	}

	e.Set([]byte("payload"))
	select {
	case v := <-got:
		assert.Equal(t, []byte("payload"), v)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Set")
	}
}

func TestValueEvent_ConcurrentWaitersSeeSameValue(t *testing.T) {
	e := NewValueEvent()

	const waiters = 16
	results := make(chan []byte, waiters)
	var ready sync.WaitGroup
	ready.Add(waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			ready.Done()
			v, err := e.Wait(context.Background())
			require.NoError(t, err)
			results <- v
		}()
	}
	ready.Wait()

	e.Set([]byte("only"))
	for i := 0; i < waiters; i++ {
		assert.Equal(t, []byte("only"), <-results)
	}
}

func TestValueEvent_WaitCanceled(t *testing.T) {
	e := NewValueEvent()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, e.IsSet())
}

func TestValueEvent_NilValueStillFires(t *testing.T) {
	e := NewValueEvent()
	e.Set(nil)

	assert.True(t, e.IsSet())
	v, err := e.Wait(context.Background())
	require.NoError(t, err)
	assert.Nil(t, v)
}
