package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loomctl/loom/errors"
	"github.com/loomctl/loom/job"
)

// cronParser accepts standard five-field cron specs plus descriptors like
// @hourly and @every.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ScheduleStore reads and writes recurring schedules. The next activation is
// materialized from the cron expression on every write, so readers (the
// engine's static-idle check) never parse cron themselves.
type ScheduleStore struct {
	db *sql.DB
}

// NewScheduleStore creates a schedule store over the given database.
func NewScheduleStore(db *sql.DB) *ScheduleStore {
	return &ScheduleStore{db: db}
}

// Get returns the schedule, or errors.ErrNotFound.
func (s *ScheduleStore) Get(ctx context.Context, id string) (*job.RecurringSchedule, error) {
	var (
		sched        job.RecurringSchedule
		status       string
		terminatedAt sql.NullTime
		nextRunAt    sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, status, terminated_at, cron_expr, next_run_at, updated_at
		FROM recurring_schedules WHERE id = ?`, id).
		Scan(&sched.ID, &status, &terminatedAt, &sched.CronExpr, &nextRunAt, &sched.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "recurring schedule %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get recurring schedule")
	}

	sched.Status = job.ScheduleStatus(status)
	if terminatedAt.Valid {
		t := terminatedAt.Time
		sched.TerminatedAt = &t
	}
	if nextRunAt.Valid {
		t := nextRunAt.Time
		sched.NextRunAt = &t
	}
	return &sched, nil
}

// Upsert writes the schedule, recomputing next_run_at from the cron
// expression. A terminated schedule keeps no next activation.
func (s *ScheduleStore) Upsert(ctx context.Context, sched *job.RecurringSchedule) error {
	next, err := NextActivation(sched.CronExpr, time.Now().UTC())
	if err != nil {
		return errors.Wrapf(err, "parse cron expression for schedule %s", sched.ID)
	}
	if sched.Status == job.ScheduleTerminated {
		next = nil
	}
	sched.NextRunAt = next

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO recurring_schedules (id, status, terminated_at, cron_expr, next_run_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE
		SET status = excluded.status,
		    terminated_at = excluded.terminated_at,
		    cron_expr = excluded.cron_expr,
		    next_run_at = excluded.next_run_at,
		    updated_at = excluded.updated_at`,
		sched.ID, string(sched.Status), nullTime(sched.TerminatedAt),
		sched.CronExpr, nullTime(sched.NextRunAt), time.Now().UTC(),
	)
	if err != nil {
		return errors.Wrapf(err, "upsert recurring schedule %s", sched.ID)
	}
	return nil
}

// Terminate marks the schedule terminal as of the given time. A future time
// is a grace window: the termination takes effect then, not immediately.
func (s *ScheduleStore) Terminate(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE recurring_schedules
		SET status = ?, terminated_at = ?, next_run_at = NULL, updated_at = ?
		WHERE id = ?`,
		string(job.ScheduleTerminated), at, time.Now().UTC(), id)
	if err != nil {
		return errors.Wrapf(err, "terminate recurring schedule %s", id)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "terminate schedule: rows affected")
	}
	if affected == 0 {
		return errors.Wrapf(errors.ErrNotFound, "recurring schedule %s", id)
	}
	return nil
}

// NextActivation computes the schedule's next activation after the given
// time. An empty expression yields no activation (a one-shot schedule).
func NextActivation(cronExpr string, after time.Time) (*time.Time, error) {
	if cronExpr == "" {
		return nil, nil
	}
	spec, err := cronParser.Parse(cronExpr)
	if err != nil {
		return nil, err
	}
	next := spec.Next(after)
	if next.IsZero() {
		return nil, nil
	}
	return &next, nil
}
