// Package timer is the kernel's tick source: a monotonic tick counter
// and the sleep queue built on top of it (spec.md §4.2). Pintos derives
// this from the 8254 PIT interrupt, which is out of scope here (§1);
// Source is the concrete collaborator that stands in for it, exactly
// the way go-fuse's fs.loopbackRoot stands in for a real kernel VFS
// while still implementing the contract the rest of the package needs.
package timer

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// MinFreq and MaxFreq bound the tick rate, per spec.md §6.
const (
	MinFreq = 19
	MaxFreq = 1000
)

// Source drives a monotonic tick counter. A real Source ticks on a
// wall-clock interval; a Manual Source (see NewManualSource) only
// advances when told to, which is what every test that needs ticks in
// this module uses so that scheduling scenarios are deterministic.
type Source struct {
	freq    int
	ticks   atomic.Uint64
	mu      sync.Mutex
	waiters *sleepQueue
	onTick  []func(tick uint64)
	stop    chan struct{}
	done    chan struct{}
}

// New creates a Source with freq ticks/sec (clamped to [MinFreq,MaxFreq])
// that advances on its own via a background goroutine. Call Stop to
// halt it.
func New(freq int) *Source {
	s := newSource(freq)
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.run()
	return s
}

// NewManualSource creates a Source that only advances when Advance is
// called. This is the form used throughout the test suite, matching
// §9's requirement that global singletons be resettable between runs.
func NewManualSource(freq int) *Source {
	return newSource(freq)
}

func newSource(freq int) *Source {
	if freq < MinFreq {
		freq = MinFreq
	} else if freq > MaxFreq {
		freq = MaxFreq
	}
	return &Source{freq: freq, waiters: newSleepQueue()}
}

func (s *Source) run() {
	defer close(s.done)
	interval := time.Second / time.Duration(s.freq)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			s.Tick()
		}
	}
}

// Stop halts a background-driven Source. No-op on a manual Source.
func (s *Source) Stop() {
	if s.stop == nil {
		return
	}
	close(s.stop)
	<-s.done
}

// Freq returns the configured tick frequency.
func (s *Source) Freq() int { return s.freq }

// Ticks returns the current tick count.
func (s *Source) Ticks() uint64 { return s.ticks.Load() }

// Elapsed returns the number of ticks since `since`.
func (s *Source) Elapsed(since uint64) uint64 { return s.Ticks() - since }

// OnTick registers fn to run, in registration order, every time the
// tick counter advances — used by the scheduler to drive mlfqs
// recomputation (spec.md §4.1) without timer importing the thread
// package.
func (s *Source) OnTick(fn func(tick uint64)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTick = append(s.onTick, fn)
}

// Tick advances the counter by one and wakes any sleepers whose
// wake-tick has arrived. Safe to call from a simulated interrupt
// handler context: it does not block.
func (s *Source) Tick() uint64 {
	tick := s.ticks.Add(1)
	s.waiters.wake(tick)
	s.mu.Lock()
	hooks := s.onTick
	s.mu.Unlock()
	for _, fn := range hooks {
		fn(tick)
	}
	return tick
}

// Advance ticks the source n times, synchronously. Intended for
// NewManualSource in tests.
func (s *Source) Advance(n uint64) {
	for i := uint64(0); i < n; i++ {
		s.Tick()
	}
}

// Sleep blocks the calling goroutine until at least `ticks` ticks have
// elapsed since the call, per spec.md §4.2: the thread is enqueued by
// wake-tick (monotonic ordering, S2) and released by Tick as soon as
// its deadline passes.
func (s *Source) Sleep(ticks uint64) {
	if ticks == 0 {
		return
	}
	wake := s.Ticks() + ticks
	ch := make(chan struct{})
	s.waiters.insert(wake, ch)
	<-ch
}

// Udelay, Mdelay and Ndelay busy-wait for the given number of
// microseconds/milliseconds/nanoseconds without blocking on the tick
// queue, mirroring Pintos's timer_udelay/timer_mdelay/timer_ndelay
// (devices/timer.c), which calibrate a busy loop against the
// configured tick frequency for waits shorter than one tick.
func (s *Source) Udelay(us int64) { busyWait(time.Duration(us) * time.Microsecond) }
func (s *Source) Mdelay(ms int64) { busyWait(time.Duration(ms) * time.Millisecond) }
func (s *Source) Ndelay(ns int64) { busyWait(time.Duration(ns) * time.Nanosecond) }

func busyWait(d time.Duration) {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		// Calibrated busy loop stand-in: real Pintos spins on a
		// loops-per-tick count derived at boot.
	}
}

// sleepQueue holds sleepers ordered by wake-tick, matching spec.md
// §4.2's invariant that the timer interrupt only needs to scan a
// prefix of the list before stopping at the first not-yet-ready
// thread.
type sleepQueue struct {
	mu      sync.Mutex
	entries []sleepEntry
}

type sleepEntry struct {
	wake uint64
	done chan struct{}
}

func newSleepQueue() *sleepQueue { return &sleepQueue{} }

func (q *sleepQueue) insert(wake uint64, done chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := 0
	for i < len(q.entries) && q.entries[i].wake <= wake {
		i++
	}
	q.entries = append(q.entries, sleepEntry{})
	copy(q.entries[i+1:], q.entries[i:])
	q.entries[i] = sleepEntry{wake: wake, done: done}
}

func (q *sleepQueue) wake(tick uint64) {
	q.mu.Lock()
	i := 0
	for i < len(q.entries) && q.entries[i].wake <= tick {
		close(q.entries[i].done)
		i++
	}
	q.entries = q.entries[i:]
	q.mu.Unlock()
}

func (s *Source) String() string {
	return fmt.Sprintf("timer.Source(freq=%dHz, ticks=%d)", s.freq, s.Ticks())
}
