package storage

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/graphflow/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	store, err := NewStore(db, zap.NewNop())
	require.NoError(t, err)
	return store
}

func TestStore_CreateRunDefaults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := &Run{Input: []byte(`{"q":"hi"}`)}
	require.NoError(t, s.CreateRun(ctx, run))

	assert.NotEqual(t, uuid.Nil, run.ID)
	assert.Equal(t, types.RunStatusPending, run.Status)
	assert.Equal(t, StringList{types.StreamModeValues}, run.StreamModes)
	assert.Equal(t, types.OnDisconnectContinue, run.OnDisconnect)

	got, err := s.GetRun(ctx, run.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, []byte(`{"q":"hi"}`), got.Input)
}

func TestStore_CreateRunEnsuresThread(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	threadID := uuid.New()

	run := &Run{ThreadID: &threadID}
	require.NoError(t, s.CreateRun(ctx, run))

	thread, err := s.GetThread(ctx, threadID)
	require.NoError(t, err)
	assert.Equal(t, threadID, thread.ID)

	// second run on the same thread must not conflict
	require.NoError(t, s.CreateRun(ctx, &Run{ThreadID: &threadID}))
}

func TestStore_GetRunThreadScoped(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	threadID := uuid.New()
	otherThread := uuid.New()

	run := &Run{ThreadID: &threadID}
	require.NoError(t, s.CreateRun(ctx, run))

	_, err := s.GetRun(ctx, run.ID, &otherThread)
	require.Error(t, err)
	assert.True(t, types.IsNotFound(err), "run must not be visible under a foreign thread")
}

func TestStore_SearchRunsFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	threadID := uuid.New()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.CreateRun(ctx, &Run{ThreadID: &threadID}))
	}
	require.NoError(t, s.CreateRun(ctx, &Run{}))

	runs, err := s.SearchRuns(ctx, RunFilter{ThreadID: &threadID})
	require.NoError(t, err)
	assert.Len(t, runs, 3)

	runs, err = s.SearchRuns(ctx, RunFilter{ThreadID: &threadID, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	runs, err = s.SearchRuns(ctx, RunFilter{Status: types.RunStatusPending})
	require.NoError(t, err)
	assert.Len(t, runs, 4)
}

func TestStore_LeaseNextRunOldestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := &Run{}
	require.NoError(t, s.CreateRun(ctx, first))
	second := &Run{}
	require.NoError(t, s.CreateRun(ctx, second))

	leased, err := s.LeaseNextRun(ctx)
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, first.ID, leased.ID, "v7 ids order by creation time")
	assert.Equal(t, types.RunStatusRunning, leased.Status)

	leased, err = s.LeaseNextRun(ctx)
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, second.ID, leased.ID)

	leased, err = s.LeaseNextRun(ctx)
	require.NoError(t, err)
	assert.Nil(t, leased, "empty queue leases nothing")
}

func TestStore_FinishRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := &Run{}
	require.NoError(t, s.CreateRun(ctx, run))
	_, err := s.LeaseNextRun(ctx)
	require.NoError(t, err)

	require.NoError(t, s.FinishRun(ctx, run.ID, types.RunStatusSuccess, []byte(`{"ok":true}`)))

	got, err := s.GetRun(ctx, run.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusSuccess, got.Status)
	assert.Equal(t, []byte(`{"ok":true}`), got.Output)

	// terminal rows are immutable
	err = s.FinishRun(ctx, run.ID, types.RunStatusError, []byte(`"late"`))
	require.Error(t, err)
	assert.Equal(t, types.ErrRunTerminal, types.GetErrorCode(err))

	err = s.FinishRun(ctx, uuid.New(), types.RunStatusSuccess, nil)
	assert.True(t, types.IsNotFound(err))

	err = s.FinishRun(ctx, run.ID, types.RunStatusRunning, nil)
	assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))
}

func TestStore_InterruptPendingRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := &Run{}
	require.NoError(t, s.CreateRun(ctx, run))

	flipped, err := s.InterruptPendingRun(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, flipped)

	got, err := s.GetRun(ctx, run.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusInterrupted, got.Status)

	// already terminal: no-op
	flipped, err = s.InterruptPendingRun(ctx, run.ID)
	require.NoError(t, err)
	assert.False(t, flipped)
}

func TestStore_DeleteRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := &Run{}
	require.NoError(t, s.CreateRun(ctx, run))
	require.NoError(t, s.DeleteRun(ctx, run.ID, nil))

	err := s.DeleteRun(ctx, run.ID, nil)
	assert.True(t, types.IsNotFound(err))
}

func TestStore_DeleteRunningRunConflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := &Run{}
	require.NoError(t, s.CreateRun(ctx, run))
	_, err := s.LeaseNextRun(ctx)
	require.NoError(t, err)

	err = s.DeleteRun(ctx, run.ID, nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrConflict, types.GetErrorCode(err))
}

func TestStore_CreateRunBatchAtomic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	runs := []*Run{{}, {}, {}}
	require.NoError(t, s.CreateRunBatch(ctx, runs))

	depth, err := s.QueueDepth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, depth)

	for _, run := range runs {
		assert.NotEqual(t, uuid.Nil, run.ID)
		assert.Equal(t, types.RunStatusPending, run.Status)
	}
}

func TestStore_PutThreadUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	thread := &Thread{Metadata: []byte(`{"owner":"a"}`)}
	require.NoError(t, s.PutThread(ctx, thread))

	thread.Metadata = []byte(`{"owner":"b"}`)
	require.NoError(t, s.PutThread(ctx, thread))

	got, err := s.GetThread(ctx, thread.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"owner":"b"}`), got.Metadata)
}

func TestStore_CronLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	due := &Cron{Schedule: "* * * * *", NextRunAt: now.Add(-time.Minute)}
	future := &Cron{Schedule: "0 0 * * *", NextRunAt: now.Add(time.Hour)}
	expired := &Cron{
		Schedule:  "* * * * *",
		NextRunAt: now.Add(-time.Minute),
		EndTime:   ptrTime(now.Add(-time.Second)),
	}
	for _, c := range []*Cron{due, future, expired} {
		require.NoError(t, s.CreateCron(ctx, c))
	}

	got, err := s.DueCrons(ctx, now)
	require.NoError(t, err)
	require.Len(t, got, 1, "only unexpired due crons fire")
	assert.Equal(t, due.ID, got[0].ID)

	next := now.Add(time.Minute)
	require.NoError(t, s.AdvanceCron(ctx, due.ID, next))
	got, err = s.DueCrons(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, got)

	pruned, err := s.PruneExpiredCrons(ctx, now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, pruned)

	crons, err := s.SearchCrons(ctx, CronFilter{})
	require.NoError(t, err)
	assert.Len(t, crons, 2)

	require.NoError(t, s.DeleteCron(ctx, due.ID))
	err = s.DeleteCron(ctx, due.ID)
	assert.True(t, types.IsNotFound(err))
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, isRetryableError(nil))
	assert.True(t, isRetryableError(errDeadlock{}))
	assert.False(t, isRetryableError(assert.AnError))
}

type errDeadlock struct{}

func (errDeadlock) Error() string { return "pq: deadlock detected" }

func ptrTime(t time.Time) *time.Time { return &t }
