// Package trap implements the Trap Dispatcher (TRAP, spec §4.4): IDT gate
// description, the big-kernel-lock entry/exit protocol, dispatch to
// syscall/page-fault/IPC/timer/device-IRQ handlers, and the user-level
// page-fault upcall frame construction (UPCALL, spec §4.5).
package trap

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// BKL is the single global kernel lock serializing all kernel execution
// across CPUs (spec §5). It is backed by a weighted semaphore of size 1
// rather than a bare sync.Mutex, which also gives it a non-blocking
// TryAcquire; Acquire itself waits without a deadline.
type BKL struct {
	sem *semaphore.Weighted
}

// NewBKL constructs an unheld lock.
func NewBKL() *BKL {
	return &BKL{sem: semaphore.NewWeighted(1)}
}

// Acquire blocks until the lock is held. Kernel entry acquires it in
// exactly one place, Kernel.Enter (on a user-mode entry, or the
// HALTED→STARTED re-acquire on an IRQ waking a halted CPU).
func (b *BKL) Acquire() {
	_ = b.sem.Acquire(context.Background(), 1)
}

// Release drops the lock. Every path that acquires the BKL releases it on
// every exit, including sched_halt (before hlt) and the env_pop_tf tail
// (just before iret).
func (b *BKL) Release() {
	b.sem.Release(1)
}

// TryAcquire attempts a non-blocking acquire. The tests use it to assert
// the BKL is free after Kernel.Enter returns.
func (b *BKL) TryAcquire() bool {
	return b.sem.TryAcquire(1)
}

// CPUStatus is the per-CPU {STARTED, HALTED} transition word (spec §3,
// §4.4). The atomic exchange used to observe and clear it is the sole
// unsynchronized primitive in the kernel (spec §5) — everything else is
// protected by the BKL.
type CPUStatus int32

const (
	StatusStarted CPUStatus = iota
	StatusHalted
)
