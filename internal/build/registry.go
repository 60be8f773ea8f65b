package build

import (
	"context"
	"errors"
	"sync"
)

// ErrFrozen is returned by Registry.Append once execution has started.
var ErrFrozen = errors.New("step registry is frozen: build execution has started")

// Step is one deferred, named action registered during script load and
// executed later in registration order. Steps never reference each
// other; ordering is the only relationship between them.
type Step struct {
	// Name labels the step in logs and results.
	Name string

	// Context is optional free text shown alongside the name
	// (e.g. the command line or image reference).
	Context string

	// Action is the deferred work, a closure over whatever
	// operation-specific state was captured at declaration time.
	// It runs nothing until the workflow runner invokes it.
	Action func(ctx context.Context) error
}

// Registry is the append-only, then execution-only, ordered sequence of
// steps for one build. It has two phases: open (appends allowed, during
// script load) and frozen (read-only, during execution). The transition
// happens exactly once, at the first workflow-runner invocation, and
// cannot be reversed.
type Registry struct {
	mu     sync.Mutex
	steps  []Step
	frozen bool
}

// NewRegistry returns an empty, open registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Append adds a step to the registry. It fails with ErrFrozen after the
// registry has been frozen.
func (r *Registry) Append(s Step) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrFrozen
	}
	r.steps = append(r.steps, s)
	return nil
}

// Freeze transitions the registry to the execution phase and returns the
// steps in registration order. Freezing an already-frozen registry
// returns the same snapshot.
func (r *Registry) Freeze() []Step {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
	return r.steps
}

// Frozen reports whether the registry has been frozen.
func (r *Registry) Frozen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frozen
}

// Len returns the number of registered steps.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.steps)
}
