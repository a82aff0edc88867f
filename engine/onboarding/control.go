// Package onboarding implements the capacity-bounded, time-ordered holding pen
// for jobs that are assigned to a bucket but not yet due for execution.
package onboarding

import (
	"sort"
	"sync"
	"time"

	"github.com/loomctl/loom/job"
)

const (
	// DefaultCapacity is used when the configured batch size is missing or
	// nonsensical.
	DefaultCapacity = 64

	// deadlineSkewTolerance is how far past a departure deadline a push is
	// still accepted, absorbing clock skew between the master and this node.
	deadlineSkewTolerance = 5 * time.Second
)

// Entry is one buffered job with its scheduled departure and hard deadline.
type Entry struct {
	Job               *job.Job
	ID                string
	DepartureTime     time.Time
	DepartureDeadline time.Time
}

// Control buffers jobs awaiting their scheduled moment. Entries are kept
// sorted ascending by departure time; ids are unique, and re-pushing an id
// replaces the prior entry in place. All operations hold one internal lock and
// are short and non-blocking.
type Control struct {
	mu       sync.Mutex
	entries  []Entry
	ids      map[string]struct{}
	capacity int
	shutdown bool
}

// NewControl creates a holding pen bounded by capacity. A non-positive
// capacity falls back to DefaultCapacity.
func NewControl(capacity int) *Control {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Control{
		entries:  make([]Entry, 0, capacity),
		ids:      make(map[string]struct{}),
		capacity: capacity,
	}
}

// Push inserts the job at its sorted position. It returns false without
// inserting when the control is shut down, the departure deadline has already
// passed beyond the skew tolerance, or the pen is at capacity. Re-pushing an
// existing id replaces the prior entry and always succeeds regardless of
// capacity.
func (c *Control) Push(j *job.Job, id string, departureTime, departureDeadline time.Time) bool {
	return c.push(j, id, departureTime, departureDeadline, false)
}

// ForcePush is Push without the capacity check. Used when a downstream queue
// rejected an item and it must be retained rather than dropped. The shutdown
// and deadline checks still apply.
func (c *Control) ForcePush(j *job.Job, id string, departureTime, departureDeadline time.Time) bool {
	return c.push(j, id, departureTime, departureDeadline, true)
}

func (c *Control) push(j *job.Job, id string, departureTime, departureDeadline time.Time, force bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.shutdown {
		return false
	}
	if time.Since(departureDeadline) > deadlineSkewTolerance {
		return false
	}

	_, replacing := c.ids[id]
	if replacing {
		c.removeLocked(id)
	} else if !force && len(c.entries) >= c.capacity {
		return false
	}

	idx := sort.Search(len(c.entries), func(i int) bool {
		return c.entries[i].DepartureTime.After(departureTime)
	})
	entry := Entry{Job: j, ID: id, DepartureTime: departureTime, DepartureDeadline: departureDeadline}
	c.entries = append(c.entries, Entry{})
	copy(c.entries[idx+1:], c.entries[idx:])
	c.entries[idx] = entry
	c.ids[id] = struct{}{}
	return true
}

// GetReadyItems pops, in ascending departure order, all head entries due as of
// now, up to limit. The list is sorted, so the scan stops at the first
// not-yet-due entry.
func (c *Control) GetReadyItems(now time.Time, limit int) []*job.Job {
	c.mu.Lock()
	defer c.mu.Unlock()

	var ready []*job.Job
	for len(c.entries) > 0 && len(ready) < limit {
		head := c.entries[0]
		if head.DepartureTime.After(now) {
			break
		}
		ready = append(ready, head.Job)
		delete(c.ids, head.ID)
		c.entries = c.entries[1:]
	}
	return ready
}

// PruneDeadlinedItems removes and returns all entries whose departure deadline
// has passed. Deadline order is independent of departure order, so the whole
// pen is scanned once.
func (c *Control) PruneDeadlinedItems(now time.Time) []*job.Job {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.shutdown {
		return nil
	}

	var pruned []*job.Job
	kept := c.entries[:0]
	for _, e := range c.entries {
		if now.After(e.DepartureDeadline) {
			pruned = append(pruned, e.Job)
			delete(c.ids, e.ID)
			continue
		}
		kept = append(kept, e)
	}
	c.entries = kept
	return pruned
}

// PruneOldDepartureItems removes up to limit entries from the tail. This is
// the maintenance path for buckets no longer active: it bounds memory without
// waiting for deadlines.
func (c *Control) PruneOldDepartureItems(limit int) []*job.Job {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.shutdown || limit <= 0 {
		return nil
	}
	if limit > len(c.entries) {
		limit = len(c.entries)
	}

	var pruned []*job.Job
	cut := len(c.entries) - limit
	for _, e := range c.entries[cut:] {
		pruned = append(pruned, e.Job)
		delete(c.ids, e.ID)
	}
	c.entries = c.entries[:cut]
	return pruned
}

// Contains reports whether an entry with the id is buffered.
func (c *Control) Contains(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.ids[id]
	return ok
}

// Count returns the number of buffered entries.
func (c *Control) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// CountAvailability returns the remaining capacity.
func (c *Control) CountAvailability() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capacity - len(c.entries)
}

// PeekNextDepartureTime returns the earliest departure time, if any.
func (c *Control) PeekNextDepartureTime() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) == 0 {
		return time.Time{}, false
	}
	return c.entries[0].DepartureTime, true
}

// Shutdown drains and returns every buffered job and permanently disables the
// control. A shut-down control is a dead end: further pushes and prunes are
// rejected. Idempotent.
func (c *Control) Shutdown() []*job.Job {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.shutdown {
		return nil
	}
	c.shutdown = true

	drained := make([]*job.Job, 0, len(c.entries))
	for _, e := range c.entries {
		drained = append(drained, e.Job)
	}
	c.entries = nil
	c.ids = make(map[string]struct{})
	return drained
}

func (c *Control) removeLocked(id string) {
	for i, e := range c.entries {
		if e.ID == id {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			delete(c.ids, id)
			return
		}
	}
}
