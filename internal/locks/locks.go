// Package locks provides per-document single-flight locks. Saves,
// finalizes, and reconciliation for one document never overlap;
// different documents proceed fully in parallel.
package locks

import "sync"

// Registry hands out one logical lock per document id.
type Registry struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewRegistry() *Registry {
	return &Registry{locks: make(map[string]*sync.Mutex)}
}

func (r *Registry) lock(id string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[id]
	if !ok {
		l = &sync.Mutex{}
		r.locks[id] = l
	}
	return l
}

// Acquire blocks until the document's lock is held and returns the
// release function.
func (r *Registry) Acquire(id string) func() {
	l := r.lock(id)
	l.Lock()
	return l.Unlock
}

// TryAcquire takes the lock only if it is free. The reconciler uses
// this to skip documents with a save or finalize in flight.
func (r *Registry) TryAcquire(id string) (func(), bool) {
	l := r.lock(id)
	if !l.TryLock() {
		return nil, false
	}
	return l.Unlock, true
}
