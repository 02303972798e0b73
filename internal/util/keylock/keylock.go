// Package keylock serializes work per key without a global lock.
package keylock

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

type entry struct {
	mu   sync.Mutex
	refs int // guarded by the map bucket during Compute
}

// KeyedMutex hands out one mutex per key and forgets keys nobody holds
type KeyedMutex struct {
	locks *xsync.MapOf[string, *entry]
}

// New creates an empty KeyedMutex
func New() *KeyedMutex {
	return &KeyedMutex{locks: xsync.NewMapOf[string, *entry]()}
}

// Lock blocks until key is free and returns the matching unlock func
func (k *KeyedMutex) Lock(key string) func() {
	e, _ := k.locks.Compute(key, func(old *entry, loaded bool) (*entry, bool) {
		if !loaded {
			old = &entry{}
		}
		old.refs++
		return old, false
	})
	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			k.locks.Compute(key, func(old *entry, loaded bool) (*entry, bool) {
				if !loaded {
					return old, true
				}
				old.refs--
				return old, old.refs == 0
			})
		})
	}
}

// Len returns the number of keys currently held or awaited
func (k *KeyedMutex) Len() int {
	return k.locks.Size()
}
