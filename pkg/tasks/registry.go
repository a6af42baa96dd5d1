package tasks

import (
	"context"
	"sync"
)

// Registry tracks named cancellable tasks owned by one manager instance.
// Teardown becomes a single CancelAll instead of ad hoc per-field
// cancellation.
type Registry struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewRegistry() *Registry {
	return &Registry{cancels: make(map[string]context.CancelFunc)}
}

// Add registers a task under a name. A task already registered under the
// same name is cancelled first, so a new listener always supersedes the
// stale one before it can race on shared state.
func (r *Registry) Add(name string, cancel context.CancelFunc) {
	r.mu.Lock()
	prev := r.cancels[name]
	r.cancels[name] = cancel
	r.mu.Unlock()
	if prev != nil {
		prev()
	}
}

// Cancel cancels and forgets one task. Unknown names are a no-op.
func (r *Registry) Cancel(name string) {
	r.mu.Lock()
	cancel := r.cancels[name]
	delete(r.cancels, name)
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// CancelAll cancels every registered task and clears the registry.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	cancels := r.cancels
	r.cancels = make(map[string]context.CancelFunc)
	r.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}
