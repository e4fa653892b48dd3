// Package lock provides the two concurrency primitives the rest of the
// kernel core is built on: a busy-wait Spinlock_t and a blocking
// Sleeplock_t, plus a Waitchan_t giving sleep(chan, lock)/wakeup(chan)
// semantics a concrete body atop sync.Cond.
package lock

import "sync"

// Spinlock_t is a mutual-exclusion lock for short critical sections where
// the holder never blocks. Go has no preemption-disable primitive
// available to user code, so this is a plain mutex; callers must still
// honor the "never call anything that blocks while holding one" discipline
// the name implies.
type Spinlock_t struct {
	sync.Mutex
}

// Sleeplock_t is a mutual-exclusion lock a holder may hold across a
// blocking operation (disk I/O, waiting on a Waitchan_t).
type Sleeplock_t struct {
	sync.Mutex
}

// Waitchan_t is a condition-variable-backed wait channel. Sleep
// atomically releases the caller's lock and blocks; Wakeup releases every
// waiter. The zero value is not usable; use NewWaitchan.
type Waitchan_t struct {
	cond *sync.Cond
}

// NewWaitchan builds a wait channel guarded by lk. lk must already be the
// lock callers hold when they call Sleep or Wakeup.
func NewWaitchan(lk sync.Locker) *Waitchan_t {
	return &Waitchan_t{cond: sync.NewCond(lk)}
}

// Sleep releases the guarding lock, blocks until Wakeup is called, then
// reacquires the lock before returning. The caller must hold the lock.
func (w *Waitchan_t) Sleep() {
	w.cond.Wait()
}

// Wakeup wakes every goroutine blocked in Sleep. The caller must hold the
// guarding lock, so that no wakeup is lost between a waiter's test of its
// wait condition and its call to Sleep.
func (w *Waitchan_t) Wakeup() {
	w.cond.Broadcast()
}
