// Package thread implements the kernel's thread and synchronization
// runtime: a priority scheduler with donation (spec.md §4.1) and the
// blocking primitives built on top of it (semaphore, lock, condition
// variable). Each kernel Thread is backed by one goroutine; blocking
// a Thread blocks its goroutine, and "the scheduler" is the bookkeeping
// that decides wake order when a blocking primitive releases waiters —
// the same division of labour go-fuse uses between its Server loop
// (the thing that decides what runs next) and sync.Mutex/sync.Cond
// (the thing that actually parks a goroutine).
package thread

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rwan6/pintos/internal/kassert"
	"github.com/rwan6/pintos/internal/klist"
)

// Status mirrors the thread state machine in spec.md §3/§4.8.
type Status int

const (
	StatusNew Status = iota
	Ready
	Running
	Blocked
	Dying
)

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "new"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Dying:
		return "dying"
	default:
		return "status?"
	}
}

// PriorityMin, PriorityMax and PriorityDefault bound the priority
// range from spec.md §3: base priority ∈ [0,63].
const (
	PriorityMin     = 0
	PriorityMax     = 63
	PriorityDefault = 31
)

// MaxDonationDepth bounds transitive priority donation chains
// (spec.md §4.1, §9): cycles or chains longer than this simply stop
// donating rather than being detected as deadlock.
const MaxDonationDepth = 8

var nextID atomic.Uint64

// Thread is one execution context. The exported OwnerData field lets
// higher layers attach their own per-thread state without thread
// importing any of those packages — the same opaque
// association go-fuse uses between an Inode and its InodeEmbedder.
type Thread struct {
	ID   uint64
	Name string

	mu            sync.Mutex
	status        Status
	basePriority  int
	nice          int
	recentCPU     fixedPoint
	donations     *klist.List[*donation]
	waitingOnLock *Lock

	sched *Scheduler

	// OwnerData is a slot for higher layers (process.Process) to
	// stash their per-thread state.
	OwnerData any

	exited   chan struct{}
	exitOnce sync.Once
}

type donation struct {
	from     *Thread
	priority int
}

func newThread(sched *Scheduler, name string, priority int) *Thread {
	kassert.True(priority >= PriorityMin && priority <= PriorityMax, "priority %d out of range", priority)
	return &Thread{
		ID:           nextID.Add(1),
		Name:         name,
		status:       StatusNew,
		basePriority: priority,
		donations:    klist.New[*donation](),
		sched:        sched,
		exited:       make(chan struct{}),
	}
}

// Status returns the thread's current scheduling status.
func (t *Thread) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Thread) setStatus(s Status) {
	t.mu.Lock()
	t.status = s
	t.mu.Unlock()
}

// BasePriority returns the thread's own priority, ignoring donations.
func (t *Thread) BasePriority() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.basePriority
}

// EffectivePriority is max(base, every currently-held donation),
// satisfying the invariant in spec.md §3 that effective ≥ base.
func (t *Thread) EffectivePriority() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.effectivePriorityLocked()
}

func (t *Thread) effectivePriorityLocked() int {
	best := t.basePriority
	t.donations.Each(func(d *donation) {
		if d.priority > best {
			best = d.priority
		}
	})
	return best
}

// SetPriority changes the thread's base priority (thread_set_priority
// in the original). Under mlfqs this is a no-op, matching Pintos.
func (t *Thread) SetPriority(p int) {
	if t.sched.Mode() == MLFQS {
		return
	}
	t.mu.Lock()
	old := t.effectivePriorityLocked()
	t.basePriority = p
	neu := t.effectivePriorityLocked()
	t.mu.Unlock()
	if neu < old {
		t.sched.maybeYieldTo(neu)
	}
}

// Nice and SetNice implement the mlfqs niceness knob (thread_get_nice
// / thread_set_nice in the original).
func (t *Thread) Nice() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nice
}

func (t *Thread) SetNice(n int) {
	t.mu.Lock()
	t.nice = n
	t.mu.Unlock()
	t.sched.recomputeMLFQSPriority(t)
}

// RecentCPU returns the thread's recent-CPU estimate scaled by 100,
// matching thread_get_recent_cpu's rounding in the original.
func (t *Thread) RecentCPU() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recentCPU.scale(100).round()
}

// donateFrom records that donor is waiting on a lock held by t with
// the given priority, walking the transitive chain up to
// MaxDonationDepth (spec.md §4.1, §9: snapshots, not a dynamic
// semilattice).
func (t *Thread) donateFrom(donor *Thread, priority int, depth int) {
	if depth >= MaxDonationDepth {
		return
	}
	t.mu.Lock()
	t.donations.RemoveMatch(func(d *donation) bool { return d.from == donor })
	t.donations.PushBack(&donation{from: donor, priority: priority})
	eff := t.effectivePriorityLocked()
	holding := t.waitingOnLock
	t.mu.Unlock()

	if holding != nil {
		holder := holding.Owner()
		if holder != nil && holder != t {
			holder.donateFrom(t, eff, depth+1)
		}
	}
}

// withdrawDonations removes every donation made by one of donors (the
// threads still waiting on the lock being released, see Lock.Release)
// and recomputes effective priority, possibly yielding if a
// higher-priority ready thread now outranks this one.
func (t *Thread) withdrawDonations(donors []*Thread) {
	t.mu.Lock()
	for _, d := range donors {
		t.donations.RemoveMatch(func(x *donation) bool { return x.from == d })
	}
	eff := t.effectivePriorityLocked()
	t.mu.Unlock()
	t.sched.maybeYieldTo(eff)
}

// exit marks the thread Dying and releases anyone blocked in Join.
func (t *Thread) exit() {
	t.setStatus(Dying)
	t.exitOnce.Do(func() { close(t.exited) })
}

// Join blocks until the thread has exited.
func (t *Thread) Join() {
	<-t.exited
}

func (t *Thread) String() string {
	return fmt.Sprintf("Thread(%d,%q,prio=%d/%d,%s)", t.ID, t.Name, t.BasePriority(), t.EffectivePriority(), t.Status())
}
