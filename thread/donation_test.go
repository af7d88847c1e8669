package thread_test

import (
	"testing"
	"time"

	"github.com/rwan6/pintos/thread"
)

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

// TestPriorityDonationChain implements spec.md §8 scenario S1: L (10)
// holds lock A; M (31) holds lock B then blocks on A; H (63) blocks
// on B. Both L and M must run at effective priority 63 until they
// release, locks must release in order A (by L) then B (by M), and H
// must not make progress until B is released.
func TestPriorityDonationChain(t *testing.T) {
	sched := thread.New(thread.StrictPriority, nil)
	lockA := thread.NewLock()
	lockB := thread.NewLock()

	mArrivedAtA := make(chan struct{})
	releaseA := make(chan struct{})

	eventsCh := make(chan string, 8)

	var lThread, mThread *thread.Thread
	lDone := make(chan struct{})
	mDone := make(chan struct{})
	hDone := make(chan struct{})

	lThread = sched.Spawn("L", 10, func(t *thread.Thread) {
		lockA.Acquire(t)
		<-releaseA
		lockA.Release(t)
		eventsCh <- "release:A:L"
		close(lDone)
	})

	mThread = sched.Spawn("M", 31, func(t *thread.Thread) {
		lockB.Acquire(t)
		close(mArrivedAtA) // signal before blocking on A
		lockA.Acquire(t)   // blocks until L releases
		lockA.Release(t)
		lockB.Release(t)
		eventsCh <- "release:B:M"
		close(mDone)
	})

	sched.Spawn("H", 63, func(t *thread.Thread) {
		<-mArrivedAtA    // ensure M already holds B and is attempting A
		lockB.Acquire(t) // blocks until M releases B; donates along the chain
		lockB.Release(t)
		eventsCh <- "run:H"
		close(hDone)
	})

	// Wait until the donation chain has fully propagated: H must be
	// blocked on B (so it has donated to M) and M must be blocked on
	// A (so M's received donation has propagated on to L) before we
	// let L proceed.
	waitUntil(t, 2*time.Second, func() bool {
		return lThread.EffectivePriority() == 63 && mThread.EffectivePriority() == 63
	})
	close(releaseA)

	select {
	case <-hDone:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for H to finish")
	}
	<-lDone
	<-mDone
	close(eventsCh)

	var order []string
	for e := range eventsCh {
		order = append(order, e)
	}
	if len(order) != 3 {
		t.Fatalf("expected 3 events, got %v", order)
	}
	if order[0] != "release:A:L" {
		t.Errorf("expected first release to be A by L, got %v", order)
	}
	if order[1] != "release:B:M" {
		t.Errorf("expected second release to be B by M, got %v", order)
	}
	if order[2] != "run:H" {
		t.Errorf("expected H to run last, got %v", order)
	}
	if lThread.BasePriority() != 10 || mThread.BasePriority() != 31 {
		t.Errorf("base priorities must be unaffected by donation: L=%d M=%d", lThread.BasePriority(), mThread.BasePriority())
	}
}
