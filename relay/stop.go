package relay

import (
	"context"
	"sync"
)

// stopRegistry maps the request id of each streaming turn to its cancel
// function.
type stopRegistry struct {
	mu      sync.Mutex
	cancels map[string]context.CancelCauseFunc
}

func newStopRegistry() *stopRegistry {
	return &stopRegistry{cancels: make(map[string]context.CancelCauseFunc)}
}

// add registers cancel under id. It returns false if id is already in use.
func (r *stopRegistry) add(id string, cancel context.CancelCauseFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.cancels[id]; ok {
		return false
	}
	r.cancels[id] = cancel
	return true
}

func (r *stopRegistry) remove(id string) {
	r.mu.Lock()
	delete(r.cancels, id)
	r.mu.Unlock()
}

// stop cancels the turn registered under id and reports whether one was.
// cancel runs under the lock, so a turn that checks its context after
// remove has returned sees every stop that was acknowledged.
func (r *stopRegistry) stop(id string, cause error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cancel, ok := r.cancels[id]
	if ok {
		cancel(cause)
	}
	return ok
}

func (r *stopRegistry) stopAll(cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cancel := range r.cancels {
		cancel(cause)
	}
}

func (r *stopRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cancels)
}
