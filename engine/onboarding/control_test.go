package onboarding

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomctl/loom/job"
)

func testJob(id string) *job.Job {
	return &job.Job{ID: id, Status: job.StatusQueued}
}

func TestPushOrdersByDepartureTime(t *testing.T) {
	c := NewControl(10)
	now := time.Now().UTC()
	deadline := now.Add(time.Hour)

	// Insert out of order.
	require.True(t, c.Push(testJob("c"), "c", now.Add(3*time.Second), deadline))
	require.True(t, c.Push(testJob("a"), "a", now.Add(1*time.Second), deadline))
	require.True(t, c.Push(testJob("b"), "b", now.Add(2*time.Second), deadline))

	ready := c.GetReadyItems(now.Add(time.Minute), 10)
	require.Len(t, ready, 3)
	assert.Equal(t, "a", ready[0].ID)
	assert.Equal(t, "b", ready[1].ID)
	assert.Equal(t, "c", ready[2].ID)
}

func TestPushRejectsAtCapacity(t *testing.T) {
	c := NewControl(3)
	now := time.Now().UTC()
	deadline := now.Add(time.Hour)

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("job-%d", i)
		require.True(t, c.Push(testJob(id), id, now, deadline))
	}

	assert.False(t, c.Push(testJob("overflow"), "overflow", now, deadline))
	assert.Equal(t, 3, c.Count())
	assert.Equal(t, 0, c.CountAvailability())
}

func TestForcePushBypassesCapacity(t *testing.T) {
	c := NewControl(2)
	now := time.Now().UTC()
	deadline := now.Add(time.Hour)

	require.True(t, c.Push(testJob("a"), "a", now, deadline))
	require.True(t, c.Push(testJob("b"), "b", now, deadline))
	require.False(t, c.Push(testJob("c"), "c", now, deadline))

	assert.True(t, c.ForcePush(testJob("c"), "c", now, deadline))
	assert.Equal(t, 3, c.Count())
}

func TestPushReplacesExistingID(t *testing.T) {
	c := NewControl(2)
	now := time.Now().UTC()
	deadline := now.Add(time.Hour)

	first := testJob("dup")
	require.True(t, c.Push(first, "dup", now.Add(10*time.Second), deadline))
	require.True(t, c.Push(testJob("other"), "other", now.Add(20*time.Second), deadline))
	assert.Equal(t, 0, c.CountAvailability())

	// Replacement succeeds even at capacity and re-sorts the entry.
	replacement := testJob("dup")
	require.True(t, c.Push(replacement, "dup", now.Add(30*time.Second), deadline))
	assert.Equal(t, 2, c.Count())

	ready := c.GetReadyItems(now.Add(time.Minute), 10)
	require.Len(t, ready, 2)
	assert.Equal(t, "other", ready[0].ID)
	assert.Same(t, replacement, ready[1])
}

func TestPushRejectsExpiredDeadline(t *testing.T) {
	c := NewControl(10)
	now := time.Now().UTC()

	// Well past the skew tolerance.
	assert.False(t, c.Push(testJob("late"), "late", now, now.Add(-time.Minute)))
	assert.Equal(t, 0, c.Count())

	// Just past the deadline but inside the tolerance: accepted.
	assert.True(t, c.Push(testJob("skewed"), "skewed", now, now.Add(-time.Second)))
}

func TestGetReadyItemsStopsAtFirstNotDue(t *testing.T) {
	c := NewControl(10)
	now := time.Now().UTC()
	deadline := now.Add(time.Hour)

	require.True(t, c.Push(testJob("due1"), "due1", now.Add(-2*time.Second), deadline))
	require.True(t, c.Push(testJob("due2"), "due2", now.Add(-1*time.Second), deadline))
	require.True(t, c.Push(testJob("later"), "later", now.Add(time.Minute), deadline))

	ready := c.GetReadyItems(now, 10)
	require.Len(t, ready, 2)
	assert.Equal(t, "due1", ready[0].ID)
	assert.Equal(t, "due2", ready[1].ID)

	assert.False(t, c.Contains("due1"))
	assert.True(t, c.Contains("later"))
	assert.Equal(t, 1, c.Count())
}

func TestGetReadyItemsHonorsLimit(t *testing.T) {
	c := NewControl(10)
	now := time.Now().UTC()
	deadline := now.Add(time.Hour)

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("job-%d", i)
		require.True(t, c.Push(testJob(id), id, now.Add(-time.Second), deadline))
	}

	ready := c.GetReadyItems(now, 2)
	assert.Len(t, ready, 2)
	assert.Equal(t, 3, c.Count())
}

func TestPruneDeadlinedItems(t *testing.T) {
	c := NewControl(10)
	now := time.Now().UTC()

	require.True(t, c.Push(testJob("fresh"), "fresh", now.Add(time.Minute), now.Add(time.Hour)))
	require.True(t, c.Push(testJob("stale"), "stale", now.Add(2*time.Minute), now.Add(time.Second)))

	pruned := c.PruneDeadlinedItems(now.Add(10 * time.Second))
	require.Len(t, pruned, 1)
	assert.Equal(t, "stale", pruned[0].ID)
	assert.True(t, c.Contains("fresh"))
	assert.False(t, c.Contains("stale"))
}

func TestPruneOldDepartureItemsTakesFromTail(t *testing.T) {
	c := NewControl(10)
	now := time.Now().UTC()
	deadline := now.Add(time.Hour)

	require.True(t, c.Push(testJob("early"), "early", now.Add(time.Second), deadline))
	require.True(t, c.Push(testJob("mid"), "mid", now.Add(2*time.Second), deadline))
	require.True(t, c.Push(testJob("late"), "late", now.Add(3*time.Second), deadline))

	pruned := c.PruneOldDepartureItems(2)
	require.Len(t, pruned, 2)
	assert.Equal(t, "mid", pruned[0].ID)
	assert.Equal(t, "late", pruned[1].ID)
	assert.True(t, c.Contains("early"))
}

func TestPeekNextDepartureTime(t *testing.T) {
	c := NewControl(10)
	_, ok := c.PeekNextDepartureTime()
	assert.False(t, ok)

	now := time.Now().UTC()
	first := now.Add(time.Second)
	require.True(t, c.Push(testJob("b"), "b", now.Add(time.Minute), now.Add(time.Hour)))
	require.True(t, c.Push(testJob("a"), "a", first, now.Add(time.Hour)))

	got, ok := c.PeekNextDepartureTime()
	require.True(t, ok)
	assert.Equal(t, first, got)
}

func TestShutdownDrainsAndDisables(t *testing.T) {
	c := NewControl(10)
	now := time.Now().UTC()
	deadline := now.Add(time.Hour)

	require.True(t, c.Push(testJob("a"), "a", now, deadline))
	require.True(t, c.Push(testJob("b"), "b", now.Add(time.Second), deadline))

	drained := c.Shutdown()
	assert.Len(t, drained, 2)
	assert.Equal(t, 0, c.Count())

	// Permanently disabled afterwards.
	assert.False(t, c.Push(testJob("c"), "c", now, deadline))
	assert.False(t, c.ForcePush(testJob("c"), "c", now, deadline))
	assert.Nil(t, c.PruneDeadlinedItems(now))
	assert.Nil(t, c.PruneOldDepartureItems(5))

	// Idempotent.
	assert.Nil(t, c.Shutdown())
}

func TestZeroCapacityFallsBackToDefault(t *testing.T) {
	c := NewControl(0)
	assert.Equal(t, DefaultCapacity, c.CountAvailability())
}
