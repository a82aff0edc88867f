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

func TestBucketStoreUpsertAndGet(t *testing.T) {
	db := loomtest.CreateTestDB(t)
	buckets := NewBucketStore(db)
	ctx := context.Background()

	b := &job.Bucket{
		ID:                "bucket-1",
		Status:            job.BucketActive,
		AgentConnectionID: "conn-1",
		AgentWorkerID:     "worker-1",
		Priority:          job.PriorityHigh,
	}
	require.NoError(t, buckets.Upsert(ctx, b))

	got, err := buckets.Get(ctx, "bucket-1", 0)
	require.NoError(t, err)
	assert.Equal(t, job.BucketActive, got.Status)
	assert.Equal(t, "conn-1", got.AgentConnectionID)
	assert.Equal(t, job.PriorityHigh, got.Priority)
}

func TestBucketStoreGetMissing(t *testing.T) {
	db := loomtest.CreateTestDB(t)
	buckets := NewBucketStore(db)

	_, err := buckets.Get(context.Background(), "ghost", 0)
	assert.True(t, errors.IsNotFound(err))
}

func TestBucketStoreCachesWithinStalenessWindow(t *testing.T) {
	db := loomtest.CreateTestDB(t)
	buckets := NewBucketStore(db)
	ctx := context.Background()

	b := &job.Bucket{ID: "bucket-1", Status: job.BucketActive}
	require.NoError(t, buckets.Upsert(ctx, b))

	got, err := buckets.Get(ctx, "bucket-1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, job.BucketActive, got.Status)

	// Change the row behind the store's back; the cached copy is served while
	// inside the window.
	_, err = db.Exec(`UPDATE buckets SET status = 'draining' WHERE id = 'bucket-1'`)
	require.NoError(t, err)

	got, err = buckets.Get(ctx, "bucket-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, job.BucketActive, got.Status, "stale read served from cache")

	// Zero staleness forces a fresh read.
	got, err = buckets.Get(ctx, "bucket-1", 0)
	require.NoError(t, err)
	assert.Equal(t, job.BucketDraining, got.Status)
}

func TestBucketStoreWritesInvalidateCache(t *testing.T) {
	db := loomtest.CreateTestDB(t)
	buckets := NewBucketStore(db)
	ctx := context.Background()

	b := &job.Bucket{ID: "bucket-1", Status: job.BucketActive}
	require.NoError(t, buckets.Upsert(ctx, b))

	_, err := buckets.Get(ctx, "bucket-1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, buckets.SetStatus(ctx, "bucket-1", job.BucketCompleting))

	got, err := buckets.Get(ctx, "bucket-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, job.BucketCompleting, got.Status, "SetStatus dropped the cached row")
}
