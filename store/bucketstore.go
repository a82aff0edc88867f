package store

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/loomctl/loom/errors"
	"github.com/loomctl/loom/job"
)

// BucketStore reads and writes bucket state. Reads are served from a small
// in-memory cache while younger than the caller's allowed staleness window,
// since the engine polls bucket state on every tick.
type BucketStore struct {
	db *sql.DB

	mu    sync.Mutex
	cache map[string]cachedBucket
}

type cachedBucket struct {
	bucket    job.Bucket
	fetchedAt time.Time
}

// NewBucketStore creates a bucket store over the given database.
func NewBucketStore(db *sql.DB) *BucketStore {
	return &BucketStore{
		db:    db,
		cache: make(map[string]cachedBucket),
	}
}

// Get returns the bucket, or errors.ErrNotFound. A cached row is reused while
// younger than allowedStaleness.
func (s *BucketStore) Get(ctx context.Context, bucketID string, allowedStaleness time.Duration) (*job.Bucket, error) {
	s.mu.Lock()
	if cached, ok := s.cache[bucketID]; ok && time.Since(cached.fetchedAt) < allowedStaleness {
		b := cached.bucket
		s.mu.Unlock()
		return &b, nil
	}
	s.mu.Unlock()

	var (
		b        job.Bucket
		status   string
		priority string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, status, agent_connection_id, agent_worker_id, priority, updated_at
		FROM buckets WHERE id = ?`, bucketID).
		Scan(&b.ID, &status, &b.AgentConnectionID, &b.AgentWorkerID, &priority, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "bucket %s", bucketID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get bucket")
	}
	b.Status = job.BucketStatus(status)
	b.Priority = job.Priority(priority)

	s.mu.Lock()
	s.cache[bucketID] = cachedBucket{bucket: b, fetchedAt: time.Now()}
	s.mu.Unlock()

	return &b, nil
}

// Upsert writes the bucket row and invalidates its cache entry.
func (s *BucketStore) Upsert(ctx context.Context, b *job.Bucket) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO buckets (id, status, agent_connection_id, agent_worker_id, priority, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE
		SET status = excluded.status,
		    agent_connection_id = excluded.agent_connection_id,
		    agent_worker_id = excluded.agent_worker_id,
		    priority = excluded.priority,
		    updated_at = excluded.updated_at`,
		b.ID, string(b.Status), b.AgentConnectionID, b.AgentWorkerID, string(b.Priority), time.Now().UTC(),
	)
	if err != nil {
		return errors.Wrapf(err, "upsert bucket %s", b.ID)
	}

	s.mu.Lock()
	delete(s.cache, b.ID)
	s.mu.Unlock()
	return nil
}

// SetStatus transitions the bucket and invalidates its cache entry.
func (s *BucketStore) SetStatus(ctx context.Context, bucketID string, status job.BucketStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE buckets SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), bucketID)
	if err != nil {
		return errors.Wrapf(err, "set bucket %s status", bucketID)
	}

	s.mu.Lock()
	delete(s.cache, bucketID)
	s.mu.Unlock()
	return nil
}
