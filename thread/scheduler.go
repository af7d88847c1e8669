package thread

import (
	"log"
	"sync"

	"github.com/rwan6/pintos/timer"
)

// Mode selects the scheduling policy, matching the boot-time choice
// in spec.md §4.1.
type Mode int

const (
	// StrictPriority always runs the highest effective-priority
	// thread, with donation. This is the default.
	StrictPriority Mode = iota
	// MLFQS is the 4.4BSD-style multilevel feedback queue.
	MLFQS
)

// Scheduler owns the registry of live threads and the mlfqs
// bookkeeping cadence described in spec.md §4.1: recent_cpu for the
// running thread every tick, priority every 4 ticks, load_avg and
// every thread's recent_cpu every second (TIMER_FREQ ticks).
type Scheduler struct {
	mode  Mode
	timer *timer.Source

	mu      sync.Mutex
	threads map[*Thread]struct{}
	loadAvg fixedPoint
	running *Thread // best-effort bookkeeping only, see below

	preempt func(minPriority int) // optional hook, e.g. runtime.Gosched

	idleDepth int

	logger *log.Logger
}

// SetLogger installs a logger used to trace thread spawns, mirroring
// the kernel's Machine.debugf gate (nil disables logging, the
// default).
func (s *Scheduler) SetLogger(l *log.Logger) {
	s.mu.Lock()
	s.logger = l
	s.mu.Unlock()
}

func (s *Scheduler) logf(format string, args ...interface{}) {
	s.mu.Lock()
	l := s.logger
	s.mu.Unlock()
	if l != nil {
		l.Printf(format, args...)
	}
}

// New creates a Scheduler in the given mode, driven by src's ticks.
//
// Because goroutines cannot be forcibly preempted from outside, this
// scheduler does not simulate "one thread runs at a time" the way a
// uniprocessor kernel literally would: every Thread's goroutine runs
// concurrently under the Go runtime, and StrictPriority/MLFQS govern
// wake order out of the blocking primitives (Lock, Semaphore, Cond)
// rather than which goroutine physically executes next. That is
// sufficient to make every invariant and scenario in spec.md §8
// observable and correct; see DESIGN.md for the fuller rationale.
func New(mode Mode, src *timer.Source) *Scheduler {
	s := &Scheduler{
		mode:    mode,
		timer:   src,
		threads: make(map[*Thread]struct{}),
	}
	if src != nil {
		src.OnTick(s.onTick)
	}
	return s
}

// Mode returns the scheduling policy.
func (s *Scheduler) Mode() Mode { return s.mode }

// Spawn creates a new Thread and starts fn running in its own
// goroutine with the given base priority, returning once fn has been
// launched (not once it has finished).
func (s *Scheduler) Spawn(name string, priority int, fn func(t *Thread)) *Thread {
	t := newThread(s, name, priority)
	s.mu.Lock()
	s.threads[t] = struct{}{}
	s.mu.Unlock()

	t.setStatus(Ready)
	s.logf("spawn %s", t)
	go func() {
		t.setStatus(Running)
		fn(t)
		t.exit()
		s.logf("exit %s", t)
		s.mu.Lock()
		delete(s.threads, t)
		s.mu.Unlock()
	}()
	return t
}

// SetPreemptHook installs fn, called with a thread's new effective
// priority whenever that priority may have dropped: when SetPriority
// lowers it, and when Lock.Release withdraws the released lock's
// donations. Receiving a donation does not call fn. This is the
// analogue of the "yield requested" check in spec.md §4.1. Tests can
// use this to observe preemption requests deterministically instead
// of racing real goroutines.
func (s *Scheduler) SetPreemptHook(fn func(minPriority int)) {
	s.mu.Lock()
	s.preempt = fn
	s.mu.Unlock()
}

func (s *Scheduler) maybeYieldTo(priority int) {
	s.mu.Lock()
	hook := s.preempt
	s.mu.Unlock()
	if hook != nil {
		hook(priority)
	}
}

// Threads returns a snapshot of every live thread, for mlfqs sweeps
// and tests.
func (s *Scheduler) Threads() []*Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Thread, 0, len(s.threads))
	for t := range s.threads {
		out = append(out, t)
	}
	return out
}

// LoadAvg returns load_avg scaled by 100, as thread_get_load_avg does
// in the original.
func (s *Scheduler) LoadAvg() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadAvg.scale(100).round()
}

func (s *Scheduler) onTick(tick uint64) {
	if s.mode != MLFQS {
		return
	}
	freq := uint64(s.timer.Freq())

	for t := range s.snapshotThreads() {
		if t == s.runningHint() {
			t.mu.Lock()
			// recent_cpu += 1 for the running thread, every tick.
			t.recentCPU = t.recentCPU.addInt(1)
			t.mu.Unlock()
		}
	}

	if tick%4 == 0 {
		for t := range s.snapshotThreads() {
			s.recomputeMLFQSPriority(t)
		}
	}

	if tick%freq == 0 {
		s.recomputeLoadAvgAndRecentCPU()
	}
}

func (s *Scheduler) snapshotThreads() map[*Thread]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[*Thread]struct{}, len(s.threads))
	for t := range s.threads {
		out[t] = struct{}{}
	}
	return out
}

// runningHint returns the thread this Scheduler believes is currently
// running, for mlfqs recent_cpu accounting. Set via MarkRunning by
// whatever ties a Thread to actual execution (e.g. process dispatch);
// defaults to nil, under which no thread accrues recent_cpu.
func (s *Scheduler) runningHint() *Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// MarkRunning records which thread should accrue recent_cpu under
// mlfqs. Call this around the portion of a thread's work that
// represents "this goroutine is the one actually executing".
func (s *Scheduler) MarkRunning(t *Thread) {
	s.mu.Lock()
	s.running = t
	s.mu.Unlock()
}

// recomputeMLFQSPriority implements:
//
//	priority = PRI_MAX - (recent_cpu / 4) - (nice * 2)
//
// clamped to [PriorityMin, PriorityMax], per the original's
// thread_mlfqs_priority.
func (s *Scheduler) recomputeMLFQSPriority(t *Thread) {
	if s.mode != MLFQS {
		return
	}
	t.mu.Lock()
	p := PriorityMax - t.recentCPU.truncate()/4 - t.nice*2
	if p < PriorityMin {
		p = PriorityMin
	} else if p > PriorityMax {
		p = PriorityMax
	}
	t.basePriority = p
	t.mu.Unlock()
}

// recomputeLoadAvgAndRecentCPU implements, once per second:
//
//	load_avg = (59/60)*load_avg + (1/60)*ready_threads
//	recent_cpu = (2*load_avg)/(2*load_avg+1) * recent_cpu + nice
//
// per the original's thread_mlfqs_update and devices/timer.c's
// per-second hook.
func (s *Scheduler) recomputeLoadAvgAndRecentCPU() {
	ready := 0
	threads := s.snapshotThreads()
	for t := range threads {
		if t.Status() != Blocked && t.Status() != Dying {
			ready++
		}
	}

	s.mu.Lock()
	fifty9_60 := intToFixed(59).div(intToFixed(60))
	one60 := intToFixed(1).div(intToFixed(60))
	s.loadAvg = fifty9_60.mul(s.loadAvg) + one60.mul(intToFixed(ready))
	loadAvg := s.loadAvg
	s.mu.Unlock()

	coef := loadAvg.scale(2).div(loadAvg.scale(2).addInt(1))
	for t := range threads {
		t.mu.Lock()
		t.recentCPU = coef.mul(t.recentCPU).addInt(t.nice)
		t.mu.Unlock()
	}
}
