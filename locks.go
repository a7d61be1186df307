package shardmap

import "sync"

// LockRegistry serializes structural operations keyed by an arbitrary
// value (shard map name or id) without holding a database-level lock.
// Locks are reference counted so operations on different keys never
// contend and idle keys leave no residue.
type LockRegistry struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func NewLockRegistry() *LockRegistry {
	return &LockRegistry{locks: make(map[string]*refLock)}
}

// Lock acquires the process-wide lock for key and returns its release
// function. Release exactly once.
func (r *LockRegistry) Lock(key string) func() {
	r.mu.Lock()
	l, ok := r.locks[key]
	if !ok {
		l = &refLock{}
		r.locks[key] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, key)
		}
		r.mu.Unlock()
	}
}
