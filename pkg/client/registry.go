package client

import "sync"

// LedgerRegistry holds ledgers keyed by id (conversation id for channel
// views, thread root id for thread panels). Ledgers are created lazily
// on first reference and torn down when the corresponding view closes.
type LedgerRegistry struct {
	mu      sync.RWMutex
	ledgers map[int64]*Ledger
}

// NewLedgerRegistry creates an empty registry.
func NewLedgerRegistry() *LedgerRegistry {
	return &LedgerRegistry{
		ledgers: make(map[int64]*Ledger),
	}
}

// Get returns the ledger for a key, creating it if needed.
func (r *LedgerRegistry) Get(key int64) *Ledger {
	r.mu.RLock()
	ledger, ok := r.ledgers[key]
	r.mu.RUnlock()
	if ok {
		return ledger
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if ledger, ok := r.ledgers[key]; ok {
		return ledger
	}
	ledger = NewLedger(key)
	r.ledgers[key] = ledger
	return ledger
}

// Peek returns the ledger for a key only if it already exists.
func (r *LedgerRegistry) Peek(key int64) (*Ledger, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ledger, ok := r.ledgers[key]
	return ledger, ok
}

// Remove tears down the ledger for a closed view.
func (r *LedgerRegistry) Remove(key int64) {
	r.mu.Lock()
	delete(r.ledgers, key)
	r.mu.Unlock()
}

// Subscribe attaches a change callback to the ledger for a key,
// creating the ledger if needed, and returns an unsubscribe func.
func (r *LedgerRegistry) Subscribe(key int64, fn func(Change)) func() {
	return r.Get(key).Subscribe(fn)
}

// Len returns the number of live ledgers.
func (r *LedgerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ledgers)
}
