package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRunningCeilingUnitFactor(t *testing.T) {
	cases := map[Priority]int{
		PriorityVeryLow:  1,
		PriorityLow:      2,
		PriorityMedium:   3,
		PriorityHigh:     4,
		PriorityCritical: 5,
	}
	for p, want := range cases {
		assert.Equal(t, want, p.RunningCeiling(1.0), "priority %s", p)
	}
}

func TestContainerSizeUnitFactor(t *testing.T) {
	cases := map[Priority]int{
		PriorityVeryLow:  3,
		PriorityLow:      3,
		PriorityMedium:   4,
		PriorityHigh:     5,
		PriorityCritical: 8,
	}
	for p, want := range cases {
		assert.Equal(t, want, p.ContainerSize(1.0), "priority %s", p)
	}
}

func TestScalingNeverDropsBelowOne(t *testing.T) {
	assert.Equal(t, 1, PriorityVeryLow.RunningCeiling(0.1))
	assert.Equal(t, 1, PriorityCritical.RunningCeiling(0.01))
	assert.Equal(t, 1, PriorityLow.ContainerSize(0.1))
}

func TestScalingRounds(t *testing.T) {
	// 3 * 1.5 = 4.5 rounds to 5
	assert.Equal(t, 5, PriorityMedium.RunningCeiling(1.5))
	// 5 * 2 = 10
	assert.Equal(t, 10, PriorityCritical.RunningCeiling(2.0))
	// Non-positive factor falls back to the base value.
	assert.Equal(t, 3, PriorityMedium.RunningCeiling(0))
	assert.Equal(t, 3, PriorityMedium.RunningCeiling(-1))
}

func TestPostExecutionDelay(t *testing.T) {
	cases := map[Priority]time.Duration{
		PriorityVeryLow:  time.Second,
		PriorityLow:      750 * time.Millisecond,
		PriorityMedium:   500 * time.Millisecond,
		PriorityHigh:     250 * time.Millisecond,
		PriorityCritical: 100 * time.Millisecond,
	}
	for p, want := range cases {
		assert.Equal(t, want, p.PostExecutionDelay(1.0), "priority %s", p)
	}

	// Higher factor shortens the delay.
	assert.Equal(t, 250*time.Millisecond, PriorityMedium.PostExecutionDelay(2.0))
	// Non-positive factor falls back to the base delay.
	assert.Equal(t, 500*time.Millisecond, PriorityMedium.PostExecutionDelay(0))
}

func TestIsValidPriority(t *testing.T) {
	assert.True(t, IsValidPriority("medium"))
	assert.True(t, IsValidPriority("critical"))
	assert.False(t, IsValidPriority("urgent"))
	assert.False(t, IsValidPriority(""))
}
