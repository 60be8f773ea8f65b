// Package cancel provides the process-wide map from build identifier to
// cancellation handle. It is the one structure shared across concurrent
// builds; everything else in the engine is exclusively owned by one
// build's worker.
package cancel

import (
	"context"
	"sync"
)

// Registry maps build identifiers to cancellation functions. Handles are
// registered just before script load and removed just after the build
// result is finalized, so callers can cancel a build that is still
// compiling its script.
type Registry struct {
	mu      sync.Mutex
	handles map[string]context.CancelFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]context.CancelFunc)}
}

// Register stores the cancellation function for a build. At most one
// handle exists per identifier: registering a duplicate cancels and
// replaces the prior handle, since a build cannot run twice concurrently
// under the same identifier.
func (r *Registry) Register(id string, fn context.CancelFunc) {
	r.mu.Lock()
	prior := r.handles[id]
	r.handles[id] = fn
	r.mu.Unlock()

	if prior != nil {
		prior()
	}
}

// Cancel invokes the handle for id, if one is registered. It reports
// whether a handle was found. The handle stays registered so the owning
// worker still removes it when the build finalizes.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	fn, ok := r.handles[id]
	r.mu.Unlock()

	if ok {
		fn()
	}
	return ok
}

// Remove deletes the handle for id. Removing an unknown identifier is a
// no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.handles, id)
	r.mu.Unlock()
}

// Len returns the number of registered handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}
