// Package sync provides the synchronization primitives that guard the
// memory-management state shared between harts.
package sync

import "sync/atomic"

var (
	// yieldFn, when set, is invoked between acquisition attempts. Tests
	// point it at runtime.Gosched to avoid deadlocks on a single scheduler
	// thread.
	yieldFn func()
)

// Spinlock implements a lock where each hart trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the calling hart. Any
// attempt to re-acquire a lock already held by the current hart will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	for atomic.SwapUint32(&l.state, 1) != 0 {
		if yieldFn != nil {
			yieldFn()
		}
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock
// could be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other harts to acquire it.
// Calling Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}
