// Package engine implements the bucket-scoped job execution engine: the
// onboarding holding pen and bounded task queue are orchestrated here into a
// per-bucket pipeline driven by a periodic tick.
package engine

import (
	"context"
	"time"

	"github.com/loomctl/loom/job"
)

// ClusterOps is the persistence collaborator. Every write supplies the version
// last read; a mismatch surfaces as errors.ErrVersionConflict and means
// "someone else changed this; re-read and decide, never blindly overwrite."
type ClusterOps interface {
	// Get fetches the authoritative record, or errors.ErrNotFound.
	Get(ctx context.Context, id string) (*job.Job, error)

	// Upsert writes the job using its Version as the optimistic-concurrency
	// token. On success the job's Version is advanced in place.
	Upsert(ctx context.Context, j *job.Job) error

	// ExecWithRetry wraps a single persistence call with bounded retry and
	// backoff on transient failure. Version conflicts are not transient and
	// are returned immediately.
	ExecWithRetry(ctx context.Context, op func(ctx context.Context) error) error

	// CheckVersion reports whether the stored version still matches.
	CheckVersion(ctx context.Context, id string, expected int64) (bool, error)

	// MarkBucketLost flags every in-flight job of a bucket whose owner
	// disappeared, returning them to the master for re-dispatch.
	MarkBucketLost(ctx context.Context, bucketID string) error
}

// LockService is the lease-based distributed lock, the only inter-node mutual
// exclusion primitive. It prevents two overlapping executions of the same
// recurring schedule across the cluster.
type LockService interface {
	// TryLock acquires the key for the lease duration, returning a fencing
	// token, or errors.ErrLockNotAcquired when held elsewhere.
	TryLock(ctx context.Context, key string, lease time.Duration) (token string, err error)

	// ReleaseLock releases the key if the token still owns it.
	ReleaseLock(ctx context.Context, key, token string) error
}

// BucketService reads bucket state. Reads may be served from cache while
// younger than the allowed staleness window.
type BucketService interface {
	Get(ctx context.Context, bucketID string, allowedStaleness time.Duration) (*job.Bucket, error)
}

// ScheduleService reads recurring schedules. Returns errors.ErrNotFound for
// missing ids.
type ScheduleService interface {
	Get(ctx context.Context, id string) (*job.RecurringSchedule, error)
}

// Dispatcher is the upstream boundary feeding onboarding: it claims jobs that
// became due for this bucket, transitioning them to a bucket status.
type Dispatcher interface {
	DequeueToProcessing(ctx context.Context, agentConnectionID, bucketID string, maxCount int, onboardingWindowEnd time.Time) ([]*job.Job, error)
}
