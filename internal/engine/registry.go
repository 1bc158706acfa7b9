package engine

import (
	"context"
	"sort"
	"sync"
	"time"
)

// RunHandle is the volatile state of one running task. It lives only as
// long as the loop goroutine and is never persisted.
type RunHandle struct {
	key    string
	cancel context.CancelCauseFunc
	done   chan struct{}

	mu           sync.Mutex
	running      bool
	steers       []string
	lastActivity time.Time
}

func (h *RunHandle) Key() string { return h.key }

// Done is closed after the run has been persisted and deregistered.
func (h *RunHandle) Done() <-chan struct{} { return h.done }

// Running is false once the run was aborted or reached a terminal state,
// even while its loop is still cleaning up.
func (h *RunHandle) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

// stopRunning clears the running flag and reports whether it was set.
func (h *RunHandle) stopRunning() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	was := h.running
	h.running = false
	return was
}

func (h *RunHandle) enqueueSteer(msg string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		return false
	}
	h.steers = append(h.steers, msg)
	h.lastActivity = time.Now()
	return true
}

// popSteer removes the oldest queued steering message.
func (h *RunHandle) popSteer() (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.steers) == 0 {
		return "", false
	}
	msg := h.steers[0]
	h.steers[0] = ""
	h.steers = h.steers[1:]
	return msg, true
}

func (h *RunHandle) PendingSteers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.steers)
}

func (h *RunHandle) touch() {
	h.mu.Lock()
	h.lastActivity = time.Now()
	h.mu.Unlock()
}

func (h *RunHandle) LastActivity() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastActivity
}

// Registry maps task keys to their live runs. A key stays registered until
// its loop has persisted the final state, but counts as running only until
// it is aborted or finishes.
type Registry struct {
	mu   sync.Mutex
	runs map[string]*RunHandle
}

func NewRegistry() *Registry {
	return &Registry{runs: make(map[string]*RunHandle)}
}

func (r *Registry) register(key string, cancel context.CancelCauseFunc) (*RunHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.runs[key]; exists {
		return nil, ErrAlreadyRunning
	}
	h := &RunHandle{key: key, cancel: cancel, done: make(chan struct{}), running: true, lastActivity: time.Now()}
	r.runs[key] = h
	return h, nil
}

// deregister removes h if it is still the handle registered for its key.
func (r *Registry) deregister(h *RunHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.runs[h.key]; ok && cur == h {
		delete(r.runs, h.key)
	}
}

func (r *Registry) get(key string) (*RunHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.runs[key]
	return h, ok
}

func (r *Registry) IsRunning(key string) bool {
	h, ok := r.get(key)
	return ok && h.Running()
}

// Steer queues msg for the next step boundary. It returns false when key
// is not running.
func (r *Registry) Steer(key, msg string) bool {
	h, ok := r.get(key)
	return ok && h.enqueueSteer(msg)
}

// Abort trips the run's cancellation signal and clears its running flag.
// Only the first call for a run returns true.
func (r *Registry) Abort(key string) bool {
	h, ok := r.get(key)
	if !ok || !h.Running() {
		return false
	}
	// Cancel before clearing the flag so a loop that sees the flag cleared
	// also sees the abort cause.
	h.cancel(ErrAborted)
	return h.stopRunning()
}

// Keys returns the running task keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	keys := make([]string, 0, len(r.runs))
	for k := range r.runs {
		keys = append(keys, k)
	}
	r.mu.Unlock()
	sort.Strings(keys)
	return keys
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}
