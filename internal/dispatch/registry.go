// Package dispatch runs bulk messaging campaigns: it walks a dispatch's
// recipient list, sends through the channel gateway or kicks off flow
// sessions, and supports cooperative pause, stop, resume, and retry.
package dispatch

import "sync"

// Stop reason codes carried by a control handle. A pause is resumable; a
// stop is final, so the loop's exit path must not downgrade it to paused.
const (
	ReasonPause = "pause"
	ReasonStop  = "stop"
)

// Handle is the cooperative stop flag for one running dispatch loop. The
// loop polls it at each recipient boundary, never mid-send.
type Handle struct {
	mu     sync.Mutex
	reason string
}

// Signal raises the stop flag with a reason. A stop is never downgraded.
func (h *Handle) Signal(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.reason == ReasonStop {
		return
	}
	h.reason = reason
}

// Stopped returns the raised reason, or false when the loop should keep
// going.
func (h *Handle) Stopped() (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reason, h.reason != ""
}

// Registry maps running dispatch ids to their control handles. It is
// process-local: after a restart the persisted dispatch status is the only
// record, which is what startup recovery reconciles against.
type Registry struct {
	mu      sync.Mutex
	handles map[string]*Handle
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]*Handle)}
}

// Register creates and stores a fresh handle for a dispatch, replacing any
// stale one.
func (r *Registry) Register(dispatchID string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := &Handle{}
	r.handles[dispatchID] = h
	return h
}

// Get returns the handle for a dispatch, if registered.
func (r *Registry) Get(dispatchID string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[dispatchID]
	return h, ok
}

// Remove deregisters a dispatch's handle.
func (r *Registry) Remove(dispatchID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, dispatchID)
}

// SignalAll raises the given reason on every registered handle. Used by
// graceful shutdown to park running loops at their next recipient boundary.
func (r *Registry) SignalAll(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.handles {
		h.Signal(reason)
	}
}

// Len returns the number of registered handles. For testing.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}
