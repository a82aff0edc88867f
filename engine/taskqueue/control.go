package taskqueue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loomctl/loom/job"
)

// PreEnqueueFunc runs before a task is allowed to hold a slot, typically to
// persist a state transition. Returning false rejects the enqueue: the hook
// already decided the job must not run.
type PreEnqueueFunc func(ctx context.Context, j *job.Job) bool

// Control runs jobs with a priority-derived concurrency ceiling, tracks
// running and waiting tasks, and aborts overruns. Shared state is mutated only
// under the internal lock.
type Control struct {
	priority       job.Priority
	runningCeiling int
	containerSize  int
	preEnqueue     PreEnqueueFunc
	log            *zap.SugaredLogger

	mu       sync.Mutex
	running  map[string]*Item
	waiting  []*Item
	shutdown bool
}

// NewControl builds an executor for one priority class. The parallelism factor
// scales both the running ceiling and the waiting-container size, never below
// one.
func NewControl(priority job.Priority, parallelismFactor float64, preEnqueue PreEnqueueFunc, log *zap.SugaredLogger) *Control {
	return &Control{
		priority:       priority,
		runningCeiling: priority.RunningCeiling(parallelismFactor),
		containerSize:  priority.ContainerSize(parallelismFactor),
		preEnqueue:     preEnqueue,
		log:            log,
		running:        make(map[string]*Item),
	}
}

// Enqueue admits an item. The pre-enqueue hook runs first; if it rejects, or
// the control is shut down, or both the running set and the waiting container
// are full, Enqueue returns false and the caller must fall back (typically by
// re-buffering the job). An admitted item starts immediately when a slot is
// free, otherwise it waits in FIFO order.
func (c *Control) Enqueue(ctx context.Context, item *Item) bool {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	// Hook runs outside the lock: it persists a state transition and may block.
	if c.preEnqueue != nil && !c.preEnqueue(ctx, item.Value) {
		item.Close()
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.shutdown {
		item.Close()
		return false
	}
	if len(c.running) < c.runningCeiling {
		c.running[item.ID] = item
		item.Start()
		return true
	}
	if len(c.waiting) >= c.containerSize {
		c.log.Debugw("task queue waiting container full",
			"priority", c.priority,
			"waiting", len(c.waiting),
			"container_size", c.containerSize)
		item.Close()
		return false
	}
	c.waiting = append(c.waiting, item)
	return true
}

// StartQueuedTasksIfHasSlotAvailable promotes as many waiting items as there
// are free running slots, preserving arrival order. Returns whether anything
// was started. Invoked after every completion and every enqueue attempt so
// capacity churns forward without a separate poller.
func (c *Control) StartQueuedTasksIfHasSlotAvailable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	started := false
	for len(c.waiting) > 0 && len(c.running) < c.runningCeiling {
		item := c.waiting[0]
		c.waiting = c.waiting[1:]
		c.running[item.ID] = item
		item.Start()
		started = true
	}
	return started
}

// AbortTimeoutTasks aborts every running task whose budget has elapsed and
// removes it from the running set. The job-level consequence of the abort
// (retry versus fail) is the engine's decision, not this control's.
func (c *Control) AbortTimeoutTasks(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	aborted := 0
	for id, item := range c.running {
		if item.IsTimedOut(now) {
			item.Abort()
			delete(c.running, id)
			aborted++
			c.log.Warnw("aborted timed-out task",
				"job_id", id,
				"timeout", item.Timeout,
				"priority", c.priority)
		}
	}
	return aborted
}

// Contains reports whether the id is running or waiting.
func (c *Control) Contains(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.running[id]; ok {
		return true
	}
	for _, item := range c.waiting {
		if item.ID == id {
			return true
		}
	}
	return false
}

// CountRunning returns the number of tasks currently executing.
func (c *Control) CountRunning() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.running)
}

// CountWaiting returns the number of tasks waiting for a slot.
func (c *Control) CountWaiting() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiting)
}

// CountAvailability returns the number of free running slots.
func (c *Control) CountAvailability() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runningCeiling - len(c.running)
}

// OnItemDone releases a finished item's slot and promotes waiting work. Wired
// as the items' afterRun callback by the engine.
func (c *Control) OnItemDone(item *Item) {
	c.mu.Lock()
	delete(c.running, item.ID)
	c.mu.Unlock()
	item.Close()
	c.StartQueuedTasksIfHasSlotAvailable()
}

// Shutdown stops accepting new work and returns the jobs of every item still
// waiting, so the caller can hand them back to the durable store. Running
// tasks are left to finish or hit their own timeout; shutdown never kills
// in-flight executions.
func (c *Control) Shutdown() []*job.Job {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.shutdown {
		return nil
	}
	c.shutdown = true

	values := make([]*job.Job, 0, len(c.waiting))
	for _, item := range c.waiting {
		values = append(values, item.Value)
		item.Close()
	}
	c.waiting = nil
	return values
}
