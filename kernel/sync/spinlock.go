// Package sync provides synchronization primitives for kernel code: a
// test-and-set spinlock and an IRQ-safe variant that disables interrupts for
// the duration of the critical section.
package sync

import (
	"sync/atomic"

	"voidframe/kernel/cpu"
)

var (
	// pauseFn is mocked by tests and is automatically inlined by the compiler.
	pauseFn = cpu.Pause
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// until the lock becomes available. It does not touch the interrupt flag;
// code that can run in IRQ context should use IRQLock instead.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Re-acquiring a lock already held by the current task will deadlock.
func (l *Spinlock) Acquire() {
	for atomic.SwapUint32(&l.state, 1) != 0 {
		for atomic.LoadUint32(&l.state) != 0 {
			pauseFn()
		}
	}
}

// TryToAcquire attempts to acquire the lock without blocking and reports
// whether it succeeded.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock, allowing other tasks to acquire it.
// Calling Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// IRQLock is a spinlock safe to acquire from a context that may itself be
// interrupted, such as an allocator called from a page fault handler, or
// data shared between the scheduler tick handler and normal kernel code
// (spec.md §4.4). Acquire disables interrupts and records whatever the
// interrupt flag was beforehand so Release can restore it; holding an
// IRQLock across any operation that may block is forbidden.
type IRQLock struct {
	inner     Spinlock
	savedFlag uint64
}

var (
	saveFlagsFn          = cpu.SaveFlags
	restoreFlagsFn       = cpu.RestoreFlags
	disableInterruptsFn  = cpu.DisableInterrupts
)

// Acquire disables interrupts, saving the prior interrupt flag, and then
// acquires the underlying spinlock.
func (l *IRQLock) Acquire() {
	flags := saveFlagsFn()
	disableInterruptsFn()
	l.inner.Acquire()
	l.savedFlag = flags
}

// Release releases the underlying spinlock and restores whatever interrupt
// flag was in effect when Acquire was called.
func (l *IRQLock) Release() {
	flags := l.savedFlag
	l.inner.Release()
	restoreFlagsFn(flags)
}
