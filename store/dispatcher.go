package store

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"

	"github.com/loomctl/loom/errors"
	"github.com/loomctl/loom/job"
)

// Dispatcher is the upstream boundary feeding onboarding: it claims jobs that
// became due for a bucket by CAS-ing their status to Queued under the version
// token, so two workers racing for the same bucket cannot both claim a job.
type Dispatcher struct {
	db  *sql.DB
	log *zap.SugaredLogger
}

// NewDispatcher creates a dispatcher over the given database.
func NewDispatcher(db *sql.DB, log *zap.SugaredLogger) *Dispatcher {
	return &Dispatcher{db: db, log: log}
}

// DequeueToProcessing claims up to maxCount jobs of the bucket whose
// scheduled time falls before the onboarding window end. Claimed jobs
// transition to Queued; rows whose version moved underneath the claim are
// skipped, not errors.
func (d *Dispatcher) DequeueToProcessing(ctx context.Context, agentConnectionID, bucketID string, maxCount int, onboardingWindowEnd time.Time) ([]*job.Job, error) {
	if maxCount <= 0 {
		return nil, nil
	}

	// Queued rows are claimable too: a worker that claimed a job and then
	// crashed (or dropped it) before buffering must not strand it. The
	// per-row version CAS below keeps a live claim from being stolen.
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE bucket_id = ?
		  AND status IN (?, ?, ?)
		  AND scheduled_at <= ?
		  AND process_deadline IS NOT NULL
		ORDER BY scheduled_at ASC
		LIMIT ?`,
		bucketID,
		string(job.StatusAssignedToBucket),
		string(job.StatusQueued),
		string(job.StatusHeldOnMaster),
		onboardingWindowEnd,
		maxCount,
	)
	if err != nil {
		return nil, errors.Wrap(err, "query due jobs")
	}
	defer rows.Close()

	var candidates []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan due job")
		}
		candidates = append(candidates, j)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate due jobs")
	}

	claimed := make([]*job.Job, 0, len(candidates))
	for _, j := range candidates {
		res, err := d.db.ExecContext(ctx, `
			UPDATE jobs
			SET status = ?, version = version + 1, updated_at = ?
			WHERE id = ? AND version = ?`,
			string(job.StatusQueued), time.Now().UTC(), j.ID, j.Version)
		if err != nil {
			return claimed, errors.Wrapf(err, "claim job %s", j.ID)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return claimed, errors.Wrap(err, "claim job: rows affected")
		}
		if affected == 0 {
			// Another worker got there first.
			d.log.Debugw("job claim lost to concurrent dispatch",
				"job_id", j.ID, "agent_connection_id", agentConnectionID)
			continue
		}
		j.Status = job.StatusQueued
		j.Version++
		claimed = append(claimed, j)
	}

	return claimed, nil
}
