// Package store provides the SQLite-backed reference implementations of the
// engine's external collaborators: job persistence with optimistic
// concurrency, bucket state, recurring schedules, lease locks, and the
// upstream dispatcher boundary.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/loomctl/loom/errors"
	"github.com/loomctl/loom/job"
)

const (
	// maxRetryAttempts bounds ExecWithRetry on transient failures.
	maxRetryAttempts = 3
	// defaultRetryDelay is the base backoff between retry attempts.
	defaultRetryDelay = 100 * time.Millisecond
)

// JobStore persists jobs with version-token optimistic concurrency. Every
// update presents the last-read version; zero affected rows on a live id is a
// version conflict, never a silent overwrite.
type JobStore struct {
	db         *sql.DB
	retryDelay time.Duration
	log        *zap.SugaredLogger
}

// NewJobStore creates a job store over the given database.
func NewJobStore(db *sql.DB, log *zap.SugaredLogger) *JobStore {
	return &JobStore{db: db, retryDelay: defaultRetryDelay, log: log}
}

const jobColumns = `id, job_definition_id, payload, priority, timeout_ms,
	scheduled_at, process_deadline, number_of_failures, max_number_of_retries,
	recurring_schedule_id, bucket_id, version, status, can_hold_past_deadline,
	last_error, created_at, updated_at`

// Get fetches the authoritative record, or errors.ErrNotFound.
func (s *JobStore) Get(ctx context.Context, id string) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "job %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get job")
	}
	return j, nil
}

// Upsert writes the job. New ids are inserted at version 1. Existing ids are
// updated only when the supplied Version matches the stored value; a mismatch
// returns errors.ErrVersionConflict. On success the job's Version is advanced
// in place.
func (s *JobStore) Upsert(ctx context.Context, j *job.Job) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET job_definition_id = ?,
		    payload = ?,
		    priority = ?,
		    timeout_ms = ?,
		    scheduled_at = ?,
		    process_deadline = ?,
		    number_of_failures = ?,
		    max_number_of_retries = ?,
		    recurring_schedule_id = ?,
		    bucket_id = ?,
		    version = version + 1,
		    status = ?,
		    can_hold_past_deadline = ?,
		    last_error = ?,
		    updated_at = ?
		WHERE id = ? AND version = ?`,
		j.JobDefinitionID,
		nullString(string(j.Payload)),
		string(j.Priority),
		j.Timeout.Milliseconds(),
		j.ScheduledAt,
		nullTime(j.ProcessDeadline),
		j.NumberOfFailures,
		j.MaxNumberOfRetries,
		nullString(j.RecurringScheduleID),
		j.BucketID,
		string(j.Status),
		j.CanHoldPastDeadline,
		nullString(j.LastError),
		j.UpdatedAt,
		j.ID,
		j.Version,
	)
	if err != nil {
		return errors.Wrap(err, "update job")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "update job: rows affected")
	}
	if affected > 0 {
		j.Version++
		return nil
	}

	// No row matched: either the id is new, or the version is stale.
	var exists bool
	err = s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM jobs WHERE id = ?)`, j.ID).Scan(&exists)
	if err != nil {
		return errors.Wrap(err, "check job existence")
	}
	if exists {
		return errors.Wrapf(errors.ErrVersionConflict, "job %s version %d", j.ID, j.Version)
	}

	j.Version = 1
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID,
		j.JobDefinitionID,
		nullString(string(j.Payload)),
		string(j.Priority),
		j.Timeout.Milliseconds(),
		j.ScheduledAt,
		nullTime(j.ProcessDeadline),
		j.NumberOfFailures,
		j.MaxNumberOfRetries,
		nullString(j.RecurringScheduleID),
		j.BucketID,
		j.Version,
		string(j.Status),
		j.CanHoldPastDeadline,
		nullString(j.LastError),
		j.CreatedAt,
		j.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "insert job")
	}
	return nil
}

// ExecWithRetry wraps one persistence call with bounded retry and backoff on
// transient failure. Version conflicts and not-found are definitive outcomes
// and returned immediately.
func (s *JobStore) ExecWithRetry(ctx context.Context, op func(ctx context.Context) error) error {
	var err error
	for attempt := 1; attempt <= maxRetryAttempts; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		if errors.IsVersionConflict(err) || errors.IsNotFound(err) || ctx.Err() != nil {
			return err
		}
		if attempt < maxRetryAttempts {
			s.log.Debugw("persistence call failed, retrying",
				"attempt", attempt, "error", err)
			select {
			case <-time.After(s.retryDelay * time.Duration(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return errors.Wrapf(err, "persistence call failed after %d attempts", maxRetryAttempts)
}

// CheckVersion reports whether the stored version still matches expected.
// A missing row counts as stale.
func (s *JobStore) CheckVersion(ctx context.Context, id string, expected int64) (bool, error) {
	var version int64
	err := s.db.QueryRowContext(ctx, `SELECT version FROM jobs WHERE id = ?`, id).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "check version")
	}
	return version == expected, nil
}

// MarkBucketLost returns every non-terminal job of the bucket to the master.
// Used when a bucket's owning worker disappears without draining.
func (s *JobStore) MarkBucketLost(ctx context.Context, bucketID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, version = version + 1, updated_at = ?
		WHERE bucket_id = ?
		  AND status NOT IN (?, ?, ?)`,
		string(job.StatusHeldOnMaster),
		time.Now().UTC(),
		bucketID,
		string(job.StatusSucceeded),
		string(job.StatusFailed),
		string(job.StatusCancelled),
	)
	if err != nil {
		return errors.Wrapf(err, "mark bucket %s lost", bucketID)
	}
	return nil
}

// rowScanner lets scanJob serve both QueryRow and Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*job.Job, error) {
	var (
		j               job.Job
		payload         sql.NullString
		priority        string
		timeoutMS       int64
		processDeadline sql.NullTime
		scheduleID      sql.NullString
		status          string
		lastError       sql.NullString
	)
	err := row.Scan(
		&j.ID,
		&j.JobDefinitionID,
		&payload,
		&priority,
		&timeoutMS,
		&j.ScheduledAt,
		&processDeadline,
		&j.NumberOfFailures,
		&j.MaxNumberOfRetries,
		&scheduleID,
		&j.BucketID,
		&j.Version,
		&status,
		&j.CanHoldPastDeadline,
		&lastError,
		&j.CreatedAt,
		&j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if payload.Valid {
		j.Payload = json.RawMessage(payload.String)
	}
	j.Priority = job.Priority(priority)
	j.Timeout = time.Duration(timeoutMS) * time.Millisecond
	if processDeadline.Valid {
		t := processDeadline.Time
		j.ProcessDeadline = &t
	}
	j.RecurringScheduleID = scheduleID.String
	j.Status = job.Status(status)
	j.LastError = lastError.String
	return &j, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
