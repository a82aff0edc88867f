package job

import (
	"math"
	"time"
)

// Priority classifies jobs into throughput classes. Each class carries a base
// concurrency ceiling, a waiting-container size, and a post-execution delay
// that throttles one bucket's persistence traffic against the cluster.
type Priority string

const (
	PriorityVeryLow  Priority = "very_low"
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// IsValidPriority returns true if the string is a known Priority.
func IsValidPriority(s string) bool {
	switch Priority(s) {
	case PriorityVeryLow, PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	default:
		return false
	}
}

// baseRunningCeiling is the per-priority concurrency ceiling before scaling.
func (p Priority) baseRunningCeiling() int {
	switch p {
	case PriorityVeryLow:
		return 1
	case PriorityLow:
		return 2
	case PriorityMedium:
		return 3
	case PriorityHigh:
		return 4
	case PriorityCritical:
		return 5
	default:
		return 1
	}
}

// baseContainerSize bounds how many items may wait for a running slot, before
// scaling.
func (p Priority) baseContainerSize() int {
	switch p {
	case PriorityVeryLow, PriorityLow:
		return 3
	case PriorityMedium:
		return 4
	case PriorityHigh:
		return 5
	case PriorityCritical:
		return 8
	default:
		return 3
	}
}

// RunningCeiling returns the concurrency ceiling scaled by the parallelism
// factor, never below one.
func (p Priority) RunningCeiling(factor float64) int {
	return scale(p.baseRunningCeiling(), factor)
}

// ContainerSize returns the waiting-container bound scaled by the parallelism
// factor, never below one.
func (p Priority) ContainerSize(factor float64) int {
	return scale(p.baseContainerSize(), factor)
}

// PostExecutionDelay is the deliberate throttle applied after each execution so
// a single bucket cannot starve cluster-wide persistence throughput. Higher
// parallelism factors shorten the delay.
func (p Priority) PostExecutionDelay(factor float64) time.Duration {
	var base time.Duration
	switch p {
	case PriorityVeryLow:
		base = time.Second
	case PriorityLow:
		base = 750 * time.Millisecond
	case PriorityMedium:
		base = 500 * time.Millisecond
	case PriorityHigh:
		base = 250 * time.Millisecond
	case PriorityCritical:
		base = 100 * time.Millisecond
	default:
		base = time.Second
	}
	if factor <= 0 {
		return base
	}
	return time.Duration(float64(base) / factor)
}

func scale(base int, factor float64) int {
	if factor <= 0 {
		return base
	}
	scaled := int(math.Round(float64(base) * factor))
	if scaled < 1 {
		return 1
	}
	return scaled
}
