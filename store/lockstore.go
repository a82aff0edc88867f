package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/loomctl/loom/errors"
)

// LockStore implements the lease-based distributed lock over the leases
// table. A lease is held until it expires; an expired lease may be stolen by
// the next acquirer. Tokens fence releases so a crashed holder's late release
// cannot drop someone else's lease.
type LockStore struct {
	db *sql.DB
}

// NewLockStore creates a lock store over the given database.
func NewLockStore(db *sql.DB) *LockStore {
	return &LockStore{db: db}
}

// TryLock acquires key for the lease duration, returning a fencing token, or
// errors.ErrLockNotAcquired when the key is held and unexpired.
func (s *LockStore) TryLock(ctx context.Context, key string, lease time.Duration) (string, error) {
	token := uuid.NewString()
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO leases (key, token, expires_at, acquired_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE
		SET token = excluded.token,
		    expires_at = excluded.expires_at,
		    acquired_at = excluded.acquired_at
		WHERE leases.expires_at <= ?`,
		key, token, now.Add(lease), now, now,
	)
	if err != nil {
		return "", errors.Wrapf(err, "acquire lease %s", key)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", errors.Wrap(err, "acquire lease: rows affected")
	}
	if affected == 0 {
		return "", errors.Wrapf(errors.ErrLockNotAcquired, "lease %s", key)
	}
	return token, nil
}

// ReleaseLock releases key if token still owns it. Releasing a lease that was
// stolen or already released is a no-op, not an error.
func (s *LockStore) ReleaseLock(ctx context.Context, key, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE key = ? AND token = ?`, key, token)
	if err != nil {
		return errors.Wrapf(err, "release lease %s", key)
	}
	return nil
}
