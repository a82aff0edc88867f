// Package job defines the domain model flowing through the execution engine:
// jobs, their status state machine, buckets, and recurring schedules.
package job

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/loomctl/loom/errors"
)

// Status represents the current state of a job.
type Status string

const (
	// StatusAssignedToBucket marks a job dispatched to a bucket but not yet
	// claimed by the owning worker.
	StatusAssignedToBucket Status = "assigned_to_bucket"
	// StatusQueued marks a job claimed by the owning worker and eligible for
	// onboarding.
	StatusQueued Status = "queued"
	// StatusEnqueued marks the persisted pre-start transition: the job holds a
	// task-queue slot but has not begun executing.
	StatusEnqueued Status = "enqueued"
	// StatusProcessing marks a job whose handler is executing.
	StatusProcessing Status = "processing"
	// StatusSucceeded is terminal.
	StatusSucceeded Status = "succeeded"
	// StatusFailed is terminal.
	StatusFailed Status = "failed"
	// StatusCancelled is terminal; the job's schedule or recurrence was
	// invalidated before execution.
	StatusCancelled Status = "cancelled"
	// StatusHeldOnMaster returns the job to the central store for re-dispatch.
	// Not terminal: the job re-enters through the upstream dispatcher.
	StatusHeldOnMaster Status = "held_on_master"
)

// IsValidStatus returns true if the status string is a valid Status.
func IsValidStatus(s string) bool {
	switch Status(s) {
	case StatusAssignedToBucket, StatusQueued, StatusEnqueued, StatusProcessing,
		StatusSucceeded, StatusFailed, StatusCancelled, StatusHeldOnMaster:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status permits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// IsBucketStatus reports whether a job in this status is eligible for
// onboarding on the bucket's owning worker.
func (s Status) IsBucketStatus() bool {
	return s == StatusAssignedToBucket || s == StatusQueued
}

// Job is the unit of work flowing through the engine. The authoritative record
// lives in the external store; while buffered or running on a node the engine
// is the sole in-memory owner, reconciled through the Version token on every
// mutation.
type Job struct {
	ID                  string          `json:"id"`
	JobDefinitionID     string          `json:"job_definition_id"` // selects the handler
	Payload             json.RawMessage `json:"payload,omitempty"` // handler-specific data
	Priority            Priority        `json:"priority"`
	Timeout             time.Duration   `json:"timeout"` // per-execution budget
	ScheduledAt         time.Time       `json:"scheduled_at"`
	ProcessDeadline     *time.Time      `json:"process_deadline,omitempty"` // hard cutoff
	NumberOfFailures    int             `json:"number_of_failures"`
	MaxNumberOfRetries  int             `json:"max_number_of_retries"`
	RecurringScheduleID string          `json:"recurring_schedule_id,omitempty"`
	BucketID            string          `json:"bucket_id"`
	Version             int64           `json:"version"` // optimistic-concurrency token
	Status              Status          `json:"status"`
	// CanHoldPastDeadline is the per-job policy allowing a deadline-expired job
	// to be held on master for re-dispatch instead of dropped.
	CanHoldPastDeadline bool      `json:"can_hold_past_deadline"`
	LastError           string    `json:"last_error,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// New creates a queued job for the given definition and bucket.
func New(definitionID, bucketID string, priority Priority, timeout time.Duration, scheduledAt time.Time, deadline time.Time, maxRetries int) (*Job, error) {
	if definitionID == "" {
		return nil, errors.New("definitionID cannot be empty")
	}
	now := time.Now().UTC()
	return &Job{
		ID:                 uuid.NewString(),
		JobDefinitionID:    definitionID,
		Priority:           priority,
		Timeout:            timeout,
		ScheduledAt:        scheduledAt,
		ProcessDeadline:    &deadline,
		MaxNumberOfRetries: maxRetries,
		BucketID:           bucketID,
		Status:             StatusQueued,
		CreatedAt:          now,
		UpdatedAt:          now,
	}, nil
}

// ExceedsProcessDeadline reports whether the hard cutoff has passed as of now.
// A job with no deadline never exceeds it; the missing deadline is caught
// separately as a data-integrity error at onboarding.
func (j *Job) ExceedsProcessDeadline(now time.Time) bool {
	return j.ProcessDeadline != nil && now.After(*j.ProcessDeadline)
}

// WithinOnboardingWindow reports whether the job is close enough to its
// scheduled start to be buffered. The lookahead window is configuration, not a
// hidden constant.
func (j *Job) WithinOnboardingWindow(now time.Time, window time.Duration) bool {
	return j.ScheduledAt.Sub(now) <= window
}

// MarkEnqueued records the persisted pre-start transition.
func (j *Job) MarkEnqueued() {
	j.Status = StatusEnqueued
	j.UpdatedAt = time.Now().UTC()
}

// MarkProcessing records that execution started.
func (j *Job) MarkProcessing() {
	j.Status = StatusProcessing
	j.UpdatedAt = time.Now().UTC()
}

// MarkSucceeded records terminal success.
func (j *Job) MarkSucceeded() {
	j.Status = StatusSucceeded
	j.LastError = ""
	j.UpdatedAt = time.Now().UTC()
}

// MarkFailed records terminal failure with the causing error.
func (j *Job) MarkFailed(err error) {
	j.Status = StatusFailed
	if err != nil {
		j.LastError = err.Error()
	}
	j.UpdatedAt = time.Now().UTC()
}

// MarkCancelled records terminal cancellation with a reason.
func (j *Job) MarkCancelled(reason string) {
	j.Status = StatusCancelled
	j.LastError = reason
	j.UpdatedAt = time.Now().UTC()
}

// HoldOnMaster hands the job back to the central store for later re-dispatch.
func (j *Job) HoldOnMaster() {
	j.Status = StatusHeldOnMaster
	j.UpdatedAt = time.Now().UTC()
}

// TryRetry consumes one retry attempt. On success the job returns to an
// onboarding-eligible status with its failure count incremented. Returns false
// when retries are exhausted; the caller marks the job terminally failed.
func (j *Job) TryRetry(cause error) bool {
	if j.NumberOfFailures >= j.MaxNumberOfRetries {
		return false
	}
	j.NumberOfFailures++
	j.Status = StatusQueued
	if cause != nil {
		j.LastError = cause.Error()
	}
	j.UpdatedAt = time.Now().UTC()
	return true
}
