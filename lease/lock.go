package lease

import (
	"sync"

	"github.com/warp/lease-engine/core"
)

// KeyedMutex serializes writes per lease ID. All writes affecting a
// single lease (state transitions, payment updates, ledger appends for
// that lease) must be serialized; a single global lock would serialize
// writes to unrelated leases for no reason, so the lock is keyed by
// lease ID instead.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[core.LeaseID]*sync.Mutex
}

// NewKeyedMutex creates an empty per-lease lock table.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[core.LeaseID]*sync.Mutex)}
}

// Lock blocks until the calling goroutine holds the lock for leaseID.
func (k *KeyedMutex) Lock(leaseID core.LeaseID) {
	k.mu.Lock()
	l, ok := k.locks[leaseID]
	if !ok {
		l = &sync.Mutex{}
		k.locks[leaseID] = l
	}
	k.mu.Unlock()
	l.Lock()
}

// Unlock releases the lock for leaseID. The caller must hold it.
func (k *KeyedMutex) Unlock(leaseID core.LeaseID) {
	k.mu.Lock()
	l, ok := k.locks[leaseID]
	k.mu.Unlock()
	if ok {
		l.Unlock()
	}
}
