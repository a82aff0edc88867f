package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomctl/loom/errors"
	loomtest "github.com/loomctl/loom/internal/testing"
	"github.com/loomctl/loom/job"
)

func TestScheduleStoreUpsertMaterializesNextRun(t *testing.T) {
	db := loomtest.CreateTestDB(t)
	schedules := NewScheduleStore(db)
	ctx := context.Background()

	s := &job.RecurringSchedule{
		ID:       "sched-1",
		Status:   job.ScheduleActive,
		CronExpr: "*/5 * * * *",
	}
	require.NoError(t, schedules.Upsert(ctx, s))
	require.NotNil(t, s.NextRunAt)
	assert.True(t, s.NextRunAt.After(time.Now().UTC().Add(-time.Second)))

	got, err := schedules.Get(ctx, "sched-1")
	require.NoError(t, err)
	assert.Equal(t, job.ScheduleActive, got.Status)
	require.NotNil(t, got.NextRunAt)
}

func TestScheduleStoreEmptyCronHasNoActivation(t *testing.T) {
	db := loomtest.CreateTestDB(t)
	schedules := NewScheduleStore(db)
	ctx := context.Background()

	s := &job.RecurringSchedule{ID: "oneshot", Status: job.ScheduleActive}
	require.NoError(t, schedules.Upsert(ctx, s))
	assert.Nil(t, s.NextRunAt)

	got, err := schedules.Get(ctx, "oneshot")
	require.NoError(t, err)
	assert.Nil(t, got.NextRunAt)
}

func TestScheduleStoreRejectsBadCron(t *testing.T) {
	db := loomtest.CreateTestDB(t)
	schedules := NewScheduleStore(db)

	s := &job.RecurringSchedule{ID: "bad", Status: job.ScheduleActive, CronExpr: "not a cron"}
	assert.Error(t, schedules.Upsert(context.Background(), s))
}

func TestScheduleStoreGetMissing(t *testing.T) {
	db := loomtest.CreateTestDB(t)
	schedules := NewScheduleStore(db)

	_, err := schedules.Get(context.Background(), "ghost")
	assert.True(t, errors.IsNotFound(err))
}

func TestScheduleStoreTerminate(t *testing.T) {
	db := loomtest.CreateTestDB(t)
	schedules := NewScheduleStore(db)
	ctx := context.Background()

	s := &job.RecurringSchedule{ID: "sched-1", Status: job.ScheduleActive, CronExpr: "@hourly"}
	require.NoError(t, schedules.Upsert(ctx, s))

	at := time.Now().UTC().Add(time.Minute)
	require.NoError(t, schedules.Terminate(ctx, "sched-1", at))

	got, err := schedules.Get(ctx, "sched-1")
	require.NoError(t, err)
	assert.Equal(t, job.ScheduleTerminated, got.Status)
	require.NotNil(t, got.TerminatedAt)
	assert.Nil(t, got.NextRunAt, "terminated schedules keep no next activation")

	// Grace window: not yet in force before the termination time.
	assert.False(t, got.TerminatedAsOf(time.Now().UTC()))
	assert.True(t, got.TerminatedAsOf(at.Add(time.Second)))
}

func TestScheduleStoreTerminateMissing(t *testing.T) {
	db := loomtest.CreateTestDB(t)
	schedules := NewScheduleStore(db)

	err := schedules.Terminate(context.Background(), "ghost", time.Now().UTC())
	assert.True(t, errors.IsNotFound(err))
}

func TestNextActivation(t *testing.T) {
	after := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)

	next, err := NextActivation("0 12 * * *", after)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC), *next)

	next, err = NextActivation("", after)
	require.NoError(t, err)
	assert.Nil(t, next)

	_, err = NextActivation("bogus", after)
	assert.Error(t, err)
}
