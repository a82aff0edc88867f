package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomctl/loom/errors"
)

func TestNewJob(t *testing.T) {
	scheduled := time.Now().UTC().Add(time.Minute)
	deadline := scheduled.Add(time.Hour)

	j, err := New("reports.daily", "bucket-1", PriorityMedium, 30*time.Second, scheduled, deadline, 3)
	require.NoError(t, err)

	assert.NotEmpty(t, j.ID)
	assert.Equal(t, "reports.daily", j.JobDefinitionID)
	assert.Equal(t, "bucket-1", j.BucketID)
	assert.Equal(t, StatusQueued, j.Status)
	assert.Equal(t, int64(0), j.Version)
	assert.Equal(t, 0, j.NumberOfFailures)
	assert.Equal(t, 3, j.MaxNumberOfRetries)
	require.NotNil(t, j.ProcessDeadline)
	assert.Equal(t, deadline, *j.ProcessDeadline)
}

func TestNewJobRejectsEmptyDefinition(t *testing.T) {
	_, err := New("", "bucket-1", PriorityMedium, time.Second, time.Now(), time.Now().Add(time.Hour), 0)
	require.Error(t, err)
}

func TestStatusPredicates(t *testing.T) {
	terminal := []Status{StatusSucceeded, StatusFailed, StatusCancelled}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "status %s should be terminal", s)
		assert.False(t, s.IsBucketStatus(), "status %s should not be a bucket status", s)
	}

	nonTerminal := []Status{StatusAssignedToBucket, StatusQueued, StatusEnqueued, StatusProcessing, StatusHeldOnMaster}
	for _, s := range nonTerminal {
		assert.False(t, s.IsTerminal(), "status %s should not be terminal", s)
	}

	assert.True(t, StatusAssignedToBucket.IsBucketStatus())
	assert.True(t, StatusQueued.IsBucketStatus())
	assert.False(t, StatusEnqueued.IsBucketStatus())
	assert.False(t, StatusProcessing.IsBucketStatus())
	assert.False(t, StatusHeldOnMaster.IsBucketStatus())
}

func TestIsValidStatus(t *testing.T) {
	assert.True(t, IsValidStatus("queued"))
	assert.True(t, IsValidStatus("held_on_master"))
	assert.False(t, IsValidStatus("paused"))
	assert.False(t, IsValidStatus(""))
}

func TestExceedsProcessDeadline(t *testing.T) {
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	j := &Job{ProcessDeadline: &past}
	assert.True(t, j.ExceedsProcessDeadline(now))

	j.ProcessDeadline = &future
	assert.False(t, j.ExceedsProcessDeadline(now))

	j.ProcessDeadline = nil
	assert.False(t, j.ExceedsProcessDeadline(now), "missing deadline never exceeds")
}

func TestWithinOnboardingWindow(t *testing.T) {
	now := time.Now().UTC()
	window := 5 * time.Minute

	j := &Job{ScheduledAt: now.Add(3 * time.Minute)}
	assert.True(t, j.WithinOnboardingWindow(now, window))

	j.ScheduledAt = now.Add(10 * time.Minute)
	assert.False(t, j.WithinOnboardingWindow(now, window))

	// Past-due jobs are always inside the window.
	j.ScheduledAt = now.Add(-time.Hour)
	assert.True(t, j.WithinOnboardingWindow(now, window))
}

func TestTryRetryConsumesAttempts(t *testing.T) {
	j := &Job{Status: StatusProcessing, MaxNumberOfRetries: 2}
	cause := errors.New("handler crashed")

	require.True(t, j.TryRetry(cause))
	assert.Equal(t, 1, j.NumberOfFailures)
	assert.Equal(t, StatusQueued, j.Status)
	assert.Equal(t, "handler crashed", j.LastError)

	j.Status = StatusProcessing
	require.True(t, j.TryRetry(cause))
	assert.Equal(t, 2, j.NumberOfFailures)

	// Budget exhausted: no further increment, no status change.
	j.Status = StatusProcessing
	require.False(t, j.TryRetry(cause))
	assert.Equal(t, 2, j.NumberOfFailures)
	assert.Equal(t, StatusProcessing, j.Status)
}

func TestTryRetryZeroBudget(t *testing.T) {
	j := &Job{Status: StatusProcessing, MaxNumberOfRetries: 0}
	assert.False(t, j.TryRetry(errors.New("boom")))
	assert.Equal(t, 0, j.NumberOfFailures)
}

func TestMarkTransitions(t *testing.T) {
	j := &Job{Status: StatusQueued}

	j.MarkEnqueued()
	assert.Equal(t, StatusEnqueued, j.Status)

	j.MarkProcessing()
	assert.Equal(t, StatusProcessing, j.Status)

	j.MarkSucceeded()
	assert.Equal(t, StatusSucceeded, j.Status)
	assert.Empty(t, j.LastError)

	j2 := &Job{Status: StatusProcessing}
	j2.MarkFailed(errors.New("out of disk"))
	assert.Equal(t, StatusFailed, j2.Status)
	assert.Equal(t, "out of disk", j2.LastError)

	j3 := &Job{Status: StatusQueued}
	j3.MarkCancelled("schedule terminated")
	assert.Equal(t, StatusCancelled, j3.Status)
	assert.Equal(t, "schedule terminated", j3.LastError)

	j4 := &Job{Status: StatusQueued}
	j4.HoldOnMaster()
	assert.Equal(t, StatusHeldOnMaster, j4.Status)
	assert.False(t, j4.Status.IsTerminal())
}
