package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomctl/loom/job"
)

func TestHandlerRegistryRegisterAndGet(t *testing.T) {
	registry := NewHandlerRegistry()
	assert.Empty(t, registry.DefinitionIDs())

	h := HandlerFunc{ID: "reports.daily", Fn: func(ctx context.Context, j *job.Job) error { return nil }}
	registry.Register(h)

	assert.True(t, registry.Has("reports.daily"))
	assert.NotNil(t, registry.Get("reports.daily"))
	assert.Nil(t, registry.Get("reports.weekly"))
	assert.False(t, registry.Has("reports.weekly"))
	assert.Equal(t, []string{"reports.daily"}, registry.DefinitionIDs())
}

func TestHandlerRegistryPanicsOnDuplicate(t *testing.T) {
	registry := NewHandlerRegistry()
	h := HandlerFunc{ID: "reports.daily", Fn: func(ctx context.Context, j *job.Job) error { return nil }}
	registry.Register(h)

	assert.Panics(t, func() { registry.Register(h) })
}

func TestHandlerRegistryPanicsOnEmptyID(t *testing.T) {
	registry := NewHandlerRegistry()
	assert.Panics(t, func() {
		registry.Register(HandlerFunc{ID: "", Fn: func(ctx context.Context, j *job.Job) error { return nil }})
	})
}

func TestHandlerFuncAdapts(t *testing.T) {
	called := false
	h := HandlerFunc{ID: "x", Fn: func(ctx context.Context, j *job.Job) error {
		called = true
		return nil
	}}
	require.NoError(t, h.Execute(context.Background(), &job.Job{}))
	assert.True(t, called)
	assert.Equal(t, "x", h.DefinitionID())
}

func TestExecuteUnknownDefinitionFails(t *testing.T) {
	e, deps := newTestEngine(t, Config{})

	j := baseJob("j1")
	j.JobDefinitionID = "not.registered"

	result, err := e.TryOnboard(context.Background(), j, false)
	require.NoError(t, err)
	require.Equal(t, OnboardAccepted, result)

	require.NoError(t, e.Pulse(context.Background()))
	waitForStatus(t, deps.ops, "j1", job.StatusFailed)

	stored, err := deps.ops.Get(context.Background(), "j1")
	require.NoError(t, err)
	assert.Contains(t, stored.LastError, "handler")
}
