package job

import "time"

// BucketStatus represents the lifecycle of a bucket partition.
type BucketStatus string

const (
	// BucketActive means the bucket accepts and promotes jobs normally.
	BucketActive BucketStatus = "active"
	// BucketDraining means the owning worker is handing work back; no
	// promotion occurs.
	BucketDraining BucketStatus = "draining"
	// BucketCompleting means no new work is accepted but already-buffered jobs
	// may still execute.
	BucketCompleting BucketStatus = "completing"
	// BucketReadyToDelete means the bucket is empty and awaiting removal.
	BucketReadyToDelete BucketStatus = "ready_to_delete"
)

// Bucket is a partition of jobs owned exclusively by one worker node at a
// time; the unit of assignment and draining.
type Bucket struct {
	ID                string       `json:"id"`
	Status            BucketStatus `json:"status"`
	AgentConnectionID string       `json:"agent_connection_id"`
	AgentWorkerID     string       `json:"agent_worker_id"`
	Priority          Priority     `json:"priority"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// AllowsExecution reports whether jobs may run under this bucket. Jobs may
// only execute while the bucket is Active or Completing.
func (b *Bucket) AllowsExecution() bool {
	return b.Status == BucketActive || b.Status == BucketCompleting
}
