package job

import "time"

// ScheduleStatus represents a recurring schedule's lifecycle.
type ScheduleStatus string

const (
	ScheduleActive     ScheduleStatus = "active"
	ScheduleTerminated ScheduleStatus = "terminated"
)

// RecurringSchedule describes a recurrence a job may belong to. A job
// referencing a schedule is re-validated at onboarding time and again at
// execution time, because the schedule may be cancelled between the two.
type RecurringSchedule struct {
	ID           string         `json:"id"`
	Status       ScheduleStatus `json:"status"`
	TerminatedAt *time.Time     `json:"terminated_at,omitempty"`
	CronExpr     string         `json:"cron_expr"`
	NextRunAt    *time.Time     `json:"next_run_at,omitempty"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// TerminatedAsOf reports whether a terminal status is already in effect at the
// evaluation time. A future-dated TerminatedAt is a grace window: the
// termination is not yet in force.
func (s *RecurringSchedule) TerminatedAsOf(at time.Time) bool {
	if s.Status != ScheduleTerminated {
		return false
	}
	if s.TerminatedAt != nil && s.TerminatedAt.After(at) {
		return false
	}
	return true
}

// IdleSince reports whether the schedule has produced no further work since
// the node started: it either has no computed next activation, or its next
// activation precedes node start.
func (s *RecurringSchedule) IdleSince(nodeStart time.Time) bool {
	return s.NextRunAt == nil || s.NextRunAt.Before(nodeStart)
}
