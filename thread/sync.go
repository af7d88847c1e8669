package thread

import (
	"sync"

	"github.com/rwan6/pintos/internal/kassert"
	"github.com/rwan6/pintos/internal/klist"
)

// Semaphore is an integer ≥ 0 plus a waiter list ordered (at wake
// time) by effective priority, per spec.md §4.1. Down blocks the
// calling Thread until the value is positive, then decrements it; Up
// increments and wakes the highest-priority waiter.
type Semaphore struct {
	mu      sync.Mutex
	value   int
	waiters *klist.List[semWaiter]
}

type semWaiter struct {
	t  *Thread
	ch chan struct{}
}

// NewSemaphore creates a Semaphore with the given initial value.
func NewSemaphore(value int) *Semaphore {
	kassert.True(value >= 0, "semaphore initial value must be >= 0, got %d", value)
	return &Semaphore{value: value, waiters: klist.New[semWaiter]()}
}

// Down waits until the semaphore's value is positive, then
// decrements it. Must be called with t as the calling thread so the
// waiter list can order by effective priority.
func (s *Semaphore) Down(t *Thread) {
	s.mu.Lock()
	if s.value > 0 {
		s.value--
		s.mu.Unlock()
		return
	}
	ch := make(chan struct{})
	s.waiters.PushBack(semWaiter{t: t, ch: ch})
	t.setStatus(Blocked)
	s.mu.Unlock()

	<-ch
	t.setStatus(Running)
}

// TryDown attempts a non-blocking decrement, returning whether it
// succeeded.
func (s *Semaphore) TryDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.value > 0 {
		s.value--
		return true
	}
	return false
}

// Up increments the semaphore and wakes the highest effective-priority
// waiter, if any. It returns the woken thread, or nil if the value
// was simply incremented because nobody was waiting. Per spec.md
// §4.1, a woken thread with higher effective priority than the caller
// should preempt on return; callers that track "current priority" can
// use the returned thread to decide whether to yield.
func (s *Semaphore) Up() *Thread {
	s.mu.Lock()
	w, ok := s.waiters.Max(func(a, b semWaiter) bool {
		return a.t.EffectivePriority() < b.t.EffectivePriority()
	})
	if !ok {
		s.value++
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	close(w.ch)
	return w.t
}

// waiterThreads returns a snapshot of threads currently blocked on
// this semaphore, without waking or removing them.
func (s *Semaphore) waiterThreads() []*Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Thread, 0, s.waiters.Len())
	s.waiters.Each(func(w semWaiter) { out = append(out, w.t) })
	return out
}

// Lock is a binary semaphore plus owner tracking and priority
// donation, per spec.md §3/§4.1.
type Lock struct {
	sem *Semaphore

	mu    sync.Mutex
	owner *Thread
}

// NewLock creates an unheld Lock.
func NewLock() *Lock {
	return &Lock{sem: NewSemaphore(1)}
}

// Owner returns the thread currently holding the lock, or nil.
func (l *Lock) Owner() *Thread {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owner
}

// Acquire blocks until l is free, then takes ownership. Acquiring a
// lock already held by t is a programming error and panics, per
// spec.md §4.1 and §7.
func (l *Lock) Acquire(t *Thread) {
	l.mu.Lock()
	owner := l.owner
	kassert.True(owner != t, "%s attempted to re-acquire a lock it already holds", t)
	l.mu.Unlock()

	if owner != nil {
		t.mu.Lock()
		t.waitingOnLock = l
		eff := t.effectivePriorityLocked()
		t.mu.Unlock()
		owner.donateFrom(t, eff, 0)
	}

	l.sem.Down(t)

	t.mu.Lock()
	t.waitingOnLock = nil
	t.mu.Unlock()

	l.mu.Lock()
	l.owner = t
	l.mu.Unlock()
}

// TryAcquire attempts a non-blocking acquire; it never donates.
func (l *Lock) TryAcquire(t *Thread) bool {
	if !l.sem.TryDown() {
		return false
	}
	l.mu.Lock()
	l.owner = t
	l.mu.Unlock()
	return true
}

// Release gives up ownership, withdrawing any donations that arrived
// because another thread was waiting on this specific lock, then
// wakes the next waiter (if any) in effective-priority order.
func (l *Lock) Release(t *Thread) {
	l.mu.Lock()
	kassert.True(l.owner == t, "%s released a lock it does not hold", t)
	donors := l.sem.waiterThreads()
	l.owner = nil
	l.mu.Unlock()

	t.withdrawDonations(donors)
	l.sem.Up()
}

// HeldBy reports whether t currently holds the lock.
func (l *Lock) HeldBy(t *Thread) bool { return l.Owner() == t }

// Cond is a condition variable: one semaphore per waiter, signalled
// in effective-priority order, exactly mirroring spec.md §4.1's
// description ("list of semaphores, one per waiter").
type Cond struct {
	mu      sync.Mutex
	waiters *klist.List[condWaiter]
}

type condWaiter struct {
	t   *Thread
	sem *Semaphore
}

// NewCond creates an empty condition variable. The Cond is not bound
// to a lock: the lock the caller must hold around Wait/Signal/Broadcast
// is passed to Wait, matching the standard monitor pattern (and the
// original's cond_wait(cond, lock) signature).
func NewCond() *Cond {
	return &Cond{waiters: klist.New[condWaiter]()}
}

// Wait atomically releases l, blocks until signalled, then
// reacquires l before returning.
func (c *Cond) Wait(t *Thread, l *Lock) {
	sem := NewSemaphore(0)
	c.mu.Lock()
	c.waiters.PushBack(condWaiter{t: t, sem: sem})
	c.mu.Unlock()

	l.Release(t)
	sem.Down(t)
	l.Acquire(t)
}

// Signal wakes the highest effective-priority waiter, if any.
func (c *Cond) Signal() {
	c.mu.Lock()
	w, ok := c.waiters.Max(func(a, b condWaiter) bool {
		return a.t.EffectivePriority() < b.t.EffectivePriority()
	})
	c.mu.Unlock()
	if ok {
		w.sem.Up()
	}
}

// Broadcast wakes every waiter.
func (c *Cond) Broadcast() {
	for {
		c.mu.Lock()
		w, ok := c.waiters.PopFront()
		c.mu.Unlock()
		if !ok {
			return
		}
		w.sem.Up()
	}
}
