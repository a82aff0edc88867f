package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/loomctl/loom/job"
)

// Handler executes jobs of one definition. Domain packages implement this
// interface; the engine routes jobs by definition id without knowing domain
// details.
type Handler interface {
	// Execute runs the job and returns any error encountered. Handlers MUST
	// honor ctx cancellation: the context carries the per-job timeout and is
	// cancelled when the task is aborted.
	Execute(ctx context.Context, j *job.Job) error

	// DefinitionID returns the job definition this handler serves.
	DefinitionID() string
}

// HandlerRegistry maps job definition ids to handlers. Registration is
// explicit and validated up front; an unresolvable definition at execution
// time is a configuration error for that job, not a transient failure.
// Thread-safe for concurrent registration and lookup.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewHandlerRegistry creates an empty handler registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler under its definition id.
// Panics if a handler is already registered for that id.
func (r *HandlerRegistry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := h.DefinitionID()
	if id == "" {
		panic("handler has empty definition id")
	}
	if _, exists := r.handlers[id]; exists {
		panic(fmt.Sprintf("handler already registered for definition: %s", id))
	}
	r.handlers[id] = h
}

// Get retrieves the handler for a definition id. Returns nil if none is
// registered.
func (r *HandlerRegistry) Get(definitionID string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[definitionID]
}

// Has checks whether a handler is registered for the definition id.
func (r *HandlerRegistry) Has(definitionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.handlers[definitionID]
	return exists
}

// DefinitionIDs returns all registered definition ids.
func (r *HandlerRegistry) DefinitionIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.handlers))
	for id := range r.handlers {
		ids = append(ids, id)
	}
	return ids
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc struct {
	ID string
	Fn func(ctx context.Context, j *job.Job) error
}

// Execute implements Handler.
func (h HandlerFunc) Execute(ctx context.Context, j *job.Job) error { return h.Fn(ctx, j) }

// DefinitionID implements Handler.
func (h HandlerFunc) DefinitionID() string { return h.ID }
