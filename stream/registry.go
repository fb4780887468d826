package stream

import "sync"

// Registry tracks teardown functions for open connections so the
// application shell can clean everything up on exit. It is an explicit
// injected object, not ambient global state.
type Registry struct {
	mu        sync.Mutex
	teardowns map[string]func()
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{teardowns: make(map[string]func())}
}

// Register stores a teardown for a job id. If the id already has a live
// connection, its teardown runs first: at most one connection exists per
// job id.
func (r *Registry) Register(jobID string, teardown func()) {
	r.mu.Lock()
	prior := r.teardowns[jobID]
	r.teardowns[jobID] = teardown
	r.mu.Unlock()

	if prior != nil {
		prior()
	}
}

// Unregister removes a job's teardown without running it.
func (r *Registry) Unregister(jobID string) {
	r.mu.Lock()
	delete(r.teardowns, jobID)
	r.mu.Unlock()
}

// CleanupAll runs and removes every registered teardown.
func (r *Registry) CleanupAll() {
	r.mu.Lock()
	teardowns := r.teardowns
	r.teardowns = make(map[string]func())
	r.mu.Unlock()

	for _, fn := range teardowns {
		fn()
	}
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.teardowns)
}
