package client

import "sync"

// ScrollRegistry generalizes the scroll machine to many concurrently
// open views, keyed by id (conversation id for channel views, thread
// root id for thread panels). Instances are created lazily on first
// reference, carry isolated context per key, and are destroyed when the
// corresponding view closes.
type ScrollRegistry struct {
	mu       sync.RWMutex
	machines map[int64]*ScrollMachine
}

// NewScrollRegistry creates an empty registry.
func NewScrollRegistry() *ScrollRegistry {
	return &ScrollRegistry{
		machines: make(map[int64]*ScrollMachine),
	}
}

// Get returns the machine for a key, creating it if needed.
func (r *ScrollRegistry) Get(key int64) *ScrollMachine {
	r.mu.RLock()
	m, ok := r.machines[key]
	r.mu.RUnlock()
	if ok {
		return m
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.machines[key]; ok {
		return m
	}
	m = NewScrollMachine()
	r.machines[key] = m
	return m
}

// Peek returns the machine for a key only if it already exists.
func (r *ScrollRegistry) Peek(key int64) (*ScrollMachine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.machines[key]
	return m, ok
}

// Destroy tears down the machine for a closed view.
func (r *ScrollRegistry) Destroy(key int64) {
	r.mu.Lock()
	delete(r.machines, key)
	r.mu.Unlock()
}

// Send applies an event to the machine for a key and returns the
// resulting state.
func (r *ScrollRegistry) Send(key int64, event ScrollEvent) ScrollState {
	return r.Get(key).Send(event)
}

// CurrentState returns the state of the machine for a key.
func (r *ScrollRegistry) CurrentState(key int64) ScrollState {
	return r.Get(key).State()
}

// ShouldShowIndicator reports whether the view for a key should show
// the "new messages" badge.
func (r *ScrollRegistry) ShouldShowIndicator(key int64) bool {
	r.mu.RLock()
	m, ok := r.machines[key]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return m.ShouldShowIndicator()
}

// Len returns the number of live machines.
func (r *ScrollRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.machines)
}
