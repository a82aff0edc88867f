package engine

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/loomctl/loom/engine/onboarding"
	"github.com/loomctl/loom/engine/taskqueue"
	"github.com/loomctl/loom/errors"
	"github.com/loomctl/loom/job"
)

// scheduleLeaseGrace is added to the job timeout when leasing a recurring
// schedule, so the lease outlives the longest legitimate execution.
const scheduleLeaseGrace = time.Minute

// OnboardResult is the outcome of offering a job to the engine.
type OnboardResult int

const (
	// OnboardAccepted means the job is buffered awaiting its departure time.
	OnboardAccepted OnboardResult = iota
	// OnboardTooEarly means the job is outside the onboarding window; the
	// caller re-offers it later. It is not buffered.
	OnboardTooEarly
	// OnboardMovedToMaster means the job was handed back to the central store
	// for re-dispatch.
	OnboardMovedToMaster
	// OnboardCancelled means the job reached a terminal state during the
	// attempt (schedule invalidated).
	OnboardCancelled
	// OnboardInvalid means the job carries inconsistent data (missing
	// deadline, wrong status). It is logged and left untouched.
	OnboardInvalid
)

func (r OnboardResult) String() string {
	switch r {
	case OnboardAccepted:
		return "accepted"
	case OnboardTooEarly:
		return "too_early"
	case OnboardMovedToMaster:
		return "moved_to_master"
	case OnboardCancelled:
		return "cancelled"
	case OnboardInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Config carries the engine's tuning knobs. Zero values fall back to safe
// defaults in NewEngine.
type Config struct {
	// BatchSize bounds the onboarding pen capacity and the per-tick
	// maintenance drain.
	BatchSize int
	// ParallelismFactor scales the priority-derived concurrency ceiling,
	// waiting container, and post-execution delay.
	ParallelismFactor float64
	// OnboardingWindow is the lookahead before ScheduledAt inside which a job
	// may be buffered.
	OnboardingWindow time.Duration
	// HeldOnMasterBackoff is the short fixed delay applied after handing a
	// job back under capacity exhaustion, to avoid tight re-offer loops.
	HeldOnMasterBackoff time.Duration
	// BucketStaleness is how old a cached bucket read may be.
	BucketStaleness time.Duration
	// NodeStart anchors the recurring-schedule static-idle check.
	NodeStart time.Time
	// ClusterActive reports whether the cluster is in active mode. Executions
	// are held on master while it returns false.
	ClusterActive func() bool
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = onboarding.DefaultCapacity
	}
	if c.ParallelismFactor <= 0 {
		c.ParallelismFactor = 1.0
	}
	if c.OnboardingWindow <= 0 {
		c.OnboardingWindow = 5 * time.Minute
	}
	if c.HeldOnMasterBackoff <= 0 {
		c.HeldOnMasterBackoff = 500 * time.Millisecond
	}
	if c.BucketStaleness <= 0 {
		c.BucketStaleness = 10 * time.Second
	}
	if c.NodeStart.IsZero() {
		c.NodeStart = time.Now().UTC()
	}
	if c.ClusterActive == nil {
		c.ClusterActive = func() bool { return true }
	}
}

// Stats is a cheap point-in-time snapshot of engine counters.
type Stats struct {
	Onboarding   int
	Running      int
	Waiting      int
	Executed     int64
	Succeeded    int64
	Failed       int64
	Cancelled    int64
	HeldOnMaster int64
}

// Engine binds the onboarding pen, the task queue, and the external
// collaborators into the execution pipeline for one bucket.
type Engine struct {
	bucketID string
	cfg      Config

	ops       ClusterOps
	locks     LockService
	buckets   BucketService
	schedules ScheduleService
	registry  *HandlerRegistry

	pen   *onboarding.Control
	tasks *taskqueue.Control

	// ctx outlives individual Pulse calls; task executions derive from it.
	ctx    context.Context
	cancel context.CancelFunc

	log *zap.SugaredLogger

	executed     atomic.Int64
	succeeded    atomic.Int64
	failed       atomic.Int64
	cancelled    atomic.Int64
	heldOnMaster atomic.Int64
}

// NewEngine builds the execution engine for one bucket. Task executions derive
// from ctx; cancelling it does not abort in-flight work directly but stops
// post-execution delays and new starts.
func NewEngine(ctx context.Context, bucketID string, priority job.Priority, cfg Config, ops ClusterOps, locks LockService, buckets BucketService, schedules ScheduleService, registry *HandlerRegistry, log *zap.SugaredLogger) *Engine {
	cfg.applyDefaults()
	engineCtx, cancel := context.WithCancel(ctx)

	e := &Engine{
		bucketID:  bucketID,
		cfg:       cfg,
		ops:       ops,
		locks:     locks,
		buckets:   buckets,
		schedules: schedules,
		registry:  registry,
		pen:       onboarding.NewControl(cfg.BatchSize),
		ctx:       engineCtx,
		cancel:    cancel,
		log:       log.With("bucket_id", bucketID),
	}
	e.tasks = taskqueue.NewControl(priority, cfg.ParallelismFactor, e.preEnqueue, e.log)
	return e
}

// TryOnboard decides whether the job may be buffered. forceIfNoCapacity
// bypasses the pen's capacity check and is used when re-buffering work the
// task queue rejected.
func (e *Engine) TryOnboard(ctx context.Context, j *job.Job, forceIfNoCapacity bool) (OnboardResult, error) {
	now := time.Now().UTC()

	if j.ExceedsProcessDeadline(now) {
		if j.CanHoldPastDeadline {
			e.holdOnMaster(ctx, j, "process deadline exceeded before onboarding")
		}
		return OnboardMovedToMaster, nil
	}

	if j.RecurringScheduleID != "" {
		validation, err := e.validateSchedule(ctx, j, now)
		if err != nil {
			return OnboardInvalid, errors.Wrap(err, "validate recurring schedule")
		}
		switch validation {
		case scheduleNotFound:
			j.MarkFailed(errors.ErrNotFound)
			e.failed.Add(1)
			e.persist(ctx, j, "mark failed: schedule not found")
			return OnboardCancelled, nil
		case scheduleTerminated:
			// Cancellation applies regardless of the job's current status:
			// the recurrence is gone, the job must never run.
			j.MarkCancelled("recurring schedule terminated")
			e.cancelled.Add(1)
			e.persist(ctx, j, "cancel: schedule terminated")
			return OnboardCancelled, nil
		case scheduleStaticIdle:
			e.holdOnMaster(ctx, j, "recurring schedule static and idle")
			return OnboardMovedToMaster, nil
		}
	}

	if !j.WithinOnboardingWindow(now, e.cfg.OnboardingWindow) {
		return OnboardTooEarly, nil
	}

	if j.ProcessDeadline == nil || !j.Status.IsBucketStatus() {
		// Data-integrity guard: surfaced, never silently dropped or
		// auto-corrected.
		e.log.Errorw("job failed onboarding integrity check",
			"job_id", j.ID,
			"status", j.Status,
			"has_deadline", j.ProcessDeadline != nil)
		return OnboardInvalid, nil
	}

	pushed := false
	if forceIfNoCapacity {
		pushed = e.pen.ForcePush(j, j.ID, j.ScheduledAt, *j.ProcessDeadline)
	} else {
		pushed = e.pen.Push(j, j.ID, j.ScheduledAt, *j.ProcessDeadline)
	}
	if pushed {
		return OnboardAccepted, nil
	}

	// Capacity exhausted: hand back and back off briefly so the dispatcher
	// does not spin re-offering under sustained overload.
	e.holdOnMaster(ctx, j, "onboarding capacity exhausted")
	select {
	case <-time.After(e.cfg.HeldOnMasterBackoff):
	case <-ctx.Done():
	}
	return OnboardMovedToMaster, nil
}

// Pulse is one scheduler tick: abort overruns, promote waiting work, and move
// due jobs from the pen into the task queue. It starts tasks and returns; it
// never blocks on job execution.
func (e *Engine) Pulse(ctx context.Context) error {
	now := time.Now().UTC()

	e.tasks.AbortTimeoutTasks(now)
	e.tasks.StartQueuedTasksIfHasSlotAvailable()

	if e.tasks.CountAvailability() <= 0 {
		return nil
	}

	bucket, err := e.buckets.Get(ctx, e.bucketID, e.cfg.BucketStaleness)
	if err != nil && !errors.IsNotFound(err) {
		return errors.Wrap(err, "fetch bucket state")
	}

	if bucket == nil || bucket.Status != job.BucketActive {
		// Bucket inactive: no promotion. Bound memory by draining old
		// entries and expired deadlines back to the master.
		for _, j := range e.pen.PruneOldDepartureItems(e.cfg.BatchSize) {
			e.holdOnMaster(ctx, j, "bucket no longer active")
		}
		e.pruneDeadlined(ctx, now)
		return nil
	}

	e.pruneDeadlined(ctx, now)

	departureCapacity := e.tasks.CountAvailability()
	for _, j := range e.pen.GetReadyItems(now, departureCapacity) {
		if j.ExceedsProcessDeadline(now) {
			if j.CanHoldPastDeadline {
				e.holdOnMaster(ctx, j, "process deadline exceeded in holding pen")
			}
			continue
		}
		if e.tasks.Contains(j.ID) {
			// Duplicate guard: the id is already running or waiting.
			continue
		}

		item := taskqueue.NewItem(e.ctx, j, e.executeJob, e.tasks.OnItemDone)
		if e.tasks.Enqueue(ctx, item) {
			continue
		}

		// Rejected by the queue. If another node already progressed the job
		// our copy is stale and must be dropped; otherwise retain it for the
		// next tick.
		current, err := e.ops.CheckVersion(ctx, j.ID, j.Version)
		if err != nil {
			e.log.Warnw("version check failed after queue rejection, re-buffering",
				"job_id", j.ID, "error", err)
			current = true
		}
		if !current {
			e.log.Debugw("dropping stale job after queue rejection", "job_id", j.ID)
			continue
		}
		if j.ProcessDeadline != nil {
			e.pen.ForcePush(j, j.ID, j.ScheduledAt, *j.ProcessDeadline)
		}
	}

	e.tasks.StartQueuedTasksIfHasSlotAvailable()
	return nil
}

// FlushToMaster drains the holding pen and the task queue's waiting set,
// handing every non-expired job back to the central store. Running tasks are
// left to finish or hit their own timeout. Called on graceful shutdown.
func (e *Engine) FlushToMaster(ctx context.Context) error {
	e.cancel()

	drained := e.pen.Shutdown()
	drained = append(drained, e.tasks.Shutdown()...)

	now := time.Now().UTC()
	var firstErr error
	flushed := 0
	for _, j := range drained {
		if j.ExceedsProcessDeadline(now) {
			// Expired items are left for deadline-based cleanup elsewhere.
			continue
		}
		j.HoldOnMaster()
		e.heldOnMaster.Add(1)
		if err := e.persist(ctx, j, "flush to master"); err != nil && firstErr == nil {
			firstErr = err
		}
		flushed++
	}

	e.log.Infow("flushed buffered work to master",
		"drained", len(drained),
		"flushed", flushed)
	return firstErr
}

// OnboardingAvailability returns the holding pen's free capacity.
func (e *Engine) OnboardingAvailability() int {
	return e.pen.CountAvailability()
}

// Snapshot returns current engine counters.
func (e *Engine) Snapshot() Stats {
	return Stats{
		Onboarding:   e.pen.Count(),
		Running:      e.tasks.CountRunning(),
		Waiting:      e.tasks.CountWaiting(),
		Executed:     e.executed.Load(),
		Succeeded:    e.succeeded.Load(),
		Failed:       e.failed.Load(),
		Cancelled:    e.cancelled.Load(),
		HeldOnMaster: e.heldOnMaster.Load(),
	}
}

// executeJob is the task-queue action: the business execution of one job,
// with overlap protection for recurring schedules and optimistic-concurrency
// persistence. ctx carries the per-job timeout.
func (e *Engine) executeJob(ctx context.Context, j *job.Job) {
	e.executed.Add(1)
	now := time.Now().UTC()

	// Deliberate throttle on every exit path, persisted outcome or not: one
	// bucket must not starve cluster-wide persistence throughput.
	defer func() {
		delay := j.Priority.PostExecutionDelay(e.cfg.ParallelismFactor)
		select {
		case <-time.After(delay):
		case <-e.ctx.Done():
		}
	}()

	if !e.clusterAllowsExecution(ctx) {
		e.holdOnMaster(ctx, j, "cluster or bucket not accepting executions")
		return
	}

	if j.ExceedsProcessDeadline(now) {
		if j.CanHoldPastDeadline {
			e.holdOnMaster(ctx, j, "process deadline exceeded while queued")
		}
		return
	}

	var lockToken string
	if j.RecurringScheduleID != "" {
		lease := j.Timeout + scheduleLeaseGrace
		token, err := e.locks.TryLock(ctx, scheduleLockKey(j.RecurringScheduleID), lease)
		if err != nil {
			if errors.Is(err, errors.ErrLockNotAcquired) {
				// A genuine overlap: another execution of this schedule is in
				// flight somewhere in the cluster. Not retried.
				j.MarkFailed(errors.ErrLockNotAcquired)
				e.failed.Add(1)
				e.persist(ctx, j, "mark failed: schedule overlap")
				return
			}
			e.log.Errorw("schedule lock acquisition failed", "job_id", j.ID, "error", err)
			e.retryOrFail(ctx, j, err)
			return
		}
		lockToken = token
		defer func() {
			if releaseErr := e.locks.ReleaseLock(context.WithoutCancel(ctx), scheduleLockKey(j.RecurringScheduleID), lockToken); releaseErr != nil {
				e.log.Warnw("failed to release schedule lock",
					"schedule_id", j.RecurringScheduleID, "error", releaseErr)
			}
		}()

		// The schedule may have been cancelled between onboarding and now.
		validation, err := e.validateSchedule(ctx, j, now)
		if err != nil {
			e.retryOrFail(ctx, j, err)
			return
		}
		switch validation {
		case scheduleNotFound:
			j.MarkFailed(errors.ErrNotFound)
			e.failed.Add(1)
			e.persist(ctx, j, "mark failed: schedule not found at execution")
			return
		case scheduleTerminated:
			j.MarkCancelled("recurring schedule terminated")
			e.cancelled.Add(1)
			e.persist(ctx, j, "cancel: schedule terminated at execution")
			return
		case scheduleStaticIdle:
			e.holdOnMaster(ctx, j, "recurring schedule static and idle at execution")
			return
		}
	}

	j.MarkProcessing()
	if err := e.persist(ctx, j, "mark processing"); err != nil {
		// Conflict reconciliation already logged and decided; nothing to run.
		return
	}

	handler := e.registry.Get(j.JobDefinitionID)
	if handler == nil {
		e.log.Errorw("no handler registered for job definition",
			"job_id", j.ID, "definition_id", j.JobDefinitionID)
		j.MarkFailed(errors.Wrapf(errors.ErrHandlerNotFound, "definition %s", j.JobDefinitionID))
		e.failed.Add(1)
		e.persist(ctx, j, "mark failed: handler not found")
		return
	}

	err := handler.Execute(ctx, j)

	switch {
	case err == nil:
		j.MarkSucceeded()
		e.succeeded.Add(1)
		e.persist(context.WithoutCancel(ctx), j, "mark succeeded")
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || ctx.Err() != nil:
		// Timeout and abort share the handler-exception retry policy.
		e.retryOrFail(context.WithoutCancel(ctx), j, errors.Wrap(err, "execution timed out"))
	default:
		e.retryOrFail(ctx, j, err)
	}
}

// preEnqueue is the task queue's pre-enqueue hook: it persists the Enqueued
// transition before the task may hold a slot. A false return drops the task
// rather than risking double execution.
func (e *Engine) preEnqueue(ctx context.Context, j *job.Job) bool {
	if !j.Status.IsBucketStatus() {
		e.log.Warnw("job no longer in a bucket status at enqueue",
			"job_id", j.ID, "status", j.Status)
		return false
	}

	prior := j.Status
	j.MarkEnqueued()
	err := e.ops.ExecWithRetry(ctx, func(ctx context.Context) error {
		return e.ops.Upsert(ctx, j)
	})
	if err == nil {
		return true
	}

	if errors.IsVersionConflict(err) {
		authoritative, readErr := e.ops.Get(ctx, j.ID)
		if readErr == nil && authoritative.Status == job.StatusCancelled {
			e.log.Debugw("job cancelled concurrently, dropping before enqueue", "job_id", j.ID)
			return false
		}
		e.log.Warnw("version conflict persisting enqueue transition, dropping",
			"job_id", j.ID, "version", j.Version)
		return false
	}

	// Transient persistence failure. The store was not written, so the job
	// must stay in a bucket status for the re-buffered copy to remain
	// enqueue-eligible on the next tick.
	j.Status = prior
	e.log.Errorw("failed to persist enqueue transition", "job_id", j.ID, "error", err)
	return false
}

// retryOrFail consumes one retry attempt, or marks the job terminally failed
// once retries are exhausted, and persists the outcome.
func (e *Engine) retryOrFail(ctx context.Context, j *job.Job, cause error) {
	if j.TryRetry(cause) {
		e.log.Infow("job execution failed, scheduled for retry",
			"job_id", j.ID,
			"failures", j.NumberOfFailures,
			"max_retries", j.MaxNumberOfRetries,
			"error", cause)
		e.persist(ctx, j, "retry after failure")
		return
	}
	j.MarkFailed(cause)
	e.failed.Add(1)
	e.log.Warnw("job failed terminally, retries exhausted",
		"job_id", j.ID,
		"failures", j.NumberOfFailures,
		"error", cause)
	e.persist(ctx, j, "mark failed: retries exhausted")
}

// holdOnMaster hands the job back to the central store for later re-dispatch.
func (e *Engine) holdOnMaster(ctx context.Context, j *job.Job, reason string) {
	j.HoldOnMaster()
	e.heldOnMaster.Add(1)
	e.log.Infow("job held on master", "job_id", j.ID, "reason", reason)
	e.persist(ctx, j, "hold on master: "+reason)
}

// persist writes the job with retry on transient failure. A version conflict
// is reconciled against the authoritative record: benign cross-node progress
// is logged quietly, anything else loudly, and no state change is forced
// either way.
func (e *Engine) persist(ctx context.Context, j *job.Job, op string) error {
	err := e.ops.ExecWithRetry(ctx, func(ctx context.Context) error {
		return e.ops.Upsert(ctx, j)
	})
	if err == nil {
		return nil
	}

	if errors.IsVersionConflict(err) {
		authoritative, readErr := e.ops.Get(ctx, j.ID)
		if readErr != nil {
			e.log.Errorw("version conflict and re-read failed",
				"job_id", j.ID, "op", op, "error", readErr)
			return err
		}
		if authoritative.Status.IsTerminal() || authoritative.Status == job.StatusHeldOnMaster {
			// Benign race: another node finished or reclaimed the job.
			e.log.Debugw("version conflict resolved by cross-node progress",
				"job_id", j.ID, "op", op, "authoritative_status", authoritative.Status)
			return err
		}
		// Two nodes appear to be executing the same job.
		e.log.Errorw("version conflict indicates concurrent execution",
			"job_id", j.ID,
			"op", op,
			"local_status", j.Status,
			"authoritative_status", authoritative.Status)
		return err
	}

	e.log.Errorw("failed to persist job", "job_id", j.ID, "op", op, "error", err)
	return err
}

func (e *Engine) clusterAllowsExecution(ctx context.Context) bool {
	if !e.cfg.ClusterActive() {
		return false
	}
	bucket, err := e.buckets.Get(ctx, e.bucketID, e.cfg.BucketStaleness)
	if err != nil || bucket == nil {
		return false
	}
	return bucket.AllowsExecution()
}

func (e *Engine) pruneDeadlined(ctx context.Context, now time.Time) {
	for _, j := range e.pen.PruneDeadlinedItems(now) {
		if j.CanHoldPastDeadline {
			e.holdOnMaster(ctx, j, "departure deadline expired in holding pen")
		} else {
			e.log.Warnw("dropping deadline-expired job from holding pen", "job_id", j.ID)
		}
	}
}

// scheduleValidation is the three-way outcome of checking a job's recurring
// schedule, shared by onboarding and execution.
type scheduleValidation int

const (
	scheduleValid scheduleValidation = iota
	scheduleNotFound
	scheduleTerminated
	scheduleStaticIdle
)

func (e *Engine) validateSchedule(ctx context.Context, j *job.Job, at time.Time) (scheduleValidation, error) {
	schedule, err := e.schedules.Get(ctx, j.RecurringScheduleID)
	if err != nil {
		if errors.IsNotFound(err) {
			return scheduleNotFound, nil
		}
		return scheduleValid, err
	}
	if schedule.TerminatedAsOf(at) {
		return scheduleTerminated, nil
	}
	if schedule.IdleSince(e.cfg.NodeStart) {
		return scheduleStaticIdle, nil
	}
	return scheduleValid, nil
}

func scheduleLockKey(scheduleID string) string {
	return "schedule:" + scheduleID
}
