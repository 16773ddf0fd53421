package cron

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

	"github.com/BaSui01/graphflow/internal/storage"
	"github.com/BaSui01/graphflow/types"
)

func newTestScheduler(t *testing.T) (*Scheduler, *storage.Store) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	store, err := storage.NewStore(db, zap.NewNop())
	require.NoError(t, err)

	return NewScheduler(Config{Enabled: true, LicenseKey: "test"}, store, zap.NewNop()), store
}

func TestParseSchedule(t *testing.T) {
	_, err := ParseSchedule("*/5 * * * *")
	require.NoError(t, err)

	_, err = ParseSchedule("not a schedule")
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidCron, types.GetErrorCode(err))

	_, err = ParseSchedule("* * * * * *")
	require.Error(t, err, "6-field expressions are rejected")
}

func TestNextFire(t *testing.T) {
	after := time.Date(2026, 1, 1, 10, 30, 0, 0, time.UTC)
	next, err := NextFire("0 12 * * *", after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC), next)
}

func TestScheduler_TickFiresDueCron(t *testing.T) {
	s, store := newTestScheduler(t)
	ctx := context.Background()

	now := time.Date(2026, 1, 1, 10, 0, 30, 0, time.UTC)
	s.now = func() time.Time { return now }

	threadID := uuid.New()
	cron := &storage.Cron{
		ThreadID:  &threadID,
		Schedule:  "* * * * *",
		Payload:   []byte(`{"job":"nightly"}`),
		NextRunAt: now.Add(-time.Second),
	}
	require.NoError(t, store.CreateCron(ctx, cron))

	require.NoError(t, s.Tick(ctx))

	runs, err := store.SearchRuns(ctx, storage.RunFilter{ThreadID: &threadID})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, types.RunStatusPending, runs[0].Status)
	assert.Equal(t, []byte(`{"job":"nightly"}`), runs[0].Input)

	got, err := store.GetCron(ctx, cron.ID)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 1, 10, 1, 0, 0, time.UTC), got.NextRunAt.UTC(),
		"next fire advances past now")

	// second tick at the same instant must not double-fire
	require.NoError(t, s.Tick(ctx))
	runs, err = store.SearchRuns(ctx, storage.RunFilter{ThreadID: &threadID})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestScheduler_TickSkipsFutureAndPrunesExpired(t *testing.T) {
	s, store := newTestScheduler(t)
	ctx := context.Background()

	now := time.Now()
	s.now = func() time.Time { return now }

	end := now.Add(-time.Minute)
	expired := &storage.Cron{Schedule: "* * * * *", NextRunAt: now.Add(-time.Hour), EndTime: &end}
	future := &storage.Cron{Schedule: "* * * * *", NextRunAt: now.Add(time.Hour)}
	require.NoError(t, store.CreateCron(ctx, expired))
	require.NoError(t, store.CreateCron(ctx, future))

	require.NoError(t, s.Tick(ctx))

	runs, err := store.SearchRuns(ctx, storage.RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs, "neither expired nor future crons fire")

	crons, err := store.SearchCrons(ctx, storage.CronFilter{})
	require.NoError(t, err)
	assert.Len(t, crons, 1, "expired cron is pruned")
}

func TestConfig_Active(t *testing.T) {
	assert.False(t, Config{}.Active())
	assert.False(t, Config{Enabled: true}.Active(), "enabled without a license stays off")
	assert.False(t, Config{LicenseKey: "k"}.Active())
	assert.True(t, Config{Enabled: true, LicenseKey: "k"}.Active())
}
