// Package taskqueue implements the bounded concurrent executor: task items
// with timeout-triggered cancellation and the priority-scoped control that
// runs them.
package taskqueue

import (
	"context"
	"sync"
	"time"

	"github.com/loomctl/loom/job"
)

// Action is the unit of work an Item runs. The context is cancelled on abort
// and after the item's timeout elapses from start.
type Action func(ctx context.Context, j *job.Job)

// Item wraps one executable job with its timeout and start/elapsed
// bookkeeping. Each item owns its own cancellation source.
type Item struct {
	ID         string
	Value      *job.Job
	Timeout    time.Duration
	EnqueuedAt time.Time

	action   Action
	afterRun func(*Item)

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	startedAt *time.Time
	started   bool
}

// NewItem builds an item around the job and action. afterRun, if non-nil, is
// invoked once the action returns; the control uses it to rebalance the queue.
func NewItem(parent context.Context, j *job.Job, action Action, afterRun func(*Item)) *Item {
	ctx, cancel := context.WithCancel(parent)
	return &Item{
		ID:         j.ID,
		Value:      j,
		Timeout:    j.Timeout,
		EnqueuedAt: time.Now().UTC(),
		action:     action,
		afterRun:   afterRun,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start begins running the wrapped action asynchronously. Idempotent: a second
// call is a no-op. If the timeout is positive, cancellation fires
// automatically once it elapses from start.
func (it *Item) Start() {
	it.mu.Lock()
	if it.started {
		it.mu.Unlock()
		return
	}
	it.started = true
	now := time.Now().UTC()
	it.startedAt = &now

	runCtx := it.ctx
	var timeoutCancel context.CancelFunc
	if it.Timeout > 0 {
		runCtx, timeoutCancel = context.WithTimeout(it.ctx, it.Timeout)
	}
	it.mu.Unlock()

	go func() {
		if timeoutCancel != nil {
			defer timeoutCancel()
		}
		it.action(runCtx, it.Value)
		if it.afterRun != nil {
			it.afterRun(it)
		}
	}()
}

// Abort requests cancellation immediately. Idempotent.
func (it *Item) Abort() {
	it.cancel()
}

// StartedAt returns when the action began, if it has.
func (it *Item) StartedAt() (time.Time, bool) {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.startedAt == nil {
		return time.Time{}, false
	}
	return *it.startedAt, true
}

// IsTimedOut reports whether the execution budget has elapsed since start.
// Only meaningful after Start.
func (it *Item) IsTimedOut(now time.Time) bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.startedAt == nil || it.Timeout <= 0 {
		return false
	}
	return now.Sub(*it.startedAt) > it.Timeout
}

// Close releases the item's cancellation resources. Safe to call more than
// once.
func (it *Item) Close() {
	it.cancel()
}
