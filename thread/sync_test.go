package thread_test

import (
	"testing"
	"time"

	"github.com/rwan6/pintos/thread"
)

func TestSemaphoreWakesHighestPriorityFirst(t *testing.T) {
	sched := thread.New(thread.StrictPriority, nil)
	sem := thread.NewSemaphore(0)

	var order []int
	orderCh := make(chan int, 3)
	started := make(chan struct{}, 3)

	for _, prio := range []int{10, 40, 25} {
		p := prio
		sched.Spawn("waiter", p, func(t *thread.Thread) {
			started <- struct{}{}
			sem.Down(t)
			orderCh <- p
		})
	}

	for i := 0; i < 3; i++ {
		<-started
	}
	time.Sleep(20 * time.Millisecond) // let all three reach Down and block

	// One Up per step, collecting that step's waiter before the next
	// Up, so the recorded order is the order Up picked the waiters
	// rather than the order the Go runtime runs goroutines released
	// together.
	for i := 0; i < 3; i++ {
		sem.Up()
		select {
		case p := <-orderCh:
			order = append(order, p)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for waiter to wake")
		}
	}

	if len(order) != 3 || order[0] != 40 || order[1] != 25 || order[2] != 10 {
		t.Fatalf("expected wake order [40,25,10], got %v", order)
	}
}

func TestLockDoubleAcquirePanics(t *testing.T) {
	sched := thread.New(thread.StrictPriority, nil)
	l := thread.NewLock()
	done := make(chan struct{})
	sched.Spawn("t", thread.PriorityDefault, func(t *thread.Thread) {
		defer func() {
			if recover() == nil {
				panic("expected panic on double-acquire")
			}
			close(done)
		}()
		l.Acquire(t)
		l.Acquire(t)
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}

func TestCondSignalWakesOneWaiter(t *testing.T) {
	sched := thread.New(thread.StrictPriority, nil)
	l := thread.NewLock()
	c := thread.NewCond()
	woke := make(chan string, 2)
	ready := make(chan struct{}, 2)

	for _, name := range []string{"a", "b"} {
		n := name
		sched.Spawn(n, thread.PriorityDefault, func(t *thread.Thread) {
			l.Acquire(t)
			ready <- struct{}{}
			c.Wait(t, l)
			woke <- n
			l.Release(t)
		})
	}
	<-ready
	<-ready
	time.Sleep(10 * time.Millisecond)

	c.Signal()
	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a waiter to wake")
	}
	select {
	case <-woke:
		t.Fatal("Signal woke both waiters")
	case <-time.After(50 * time.Millisecond):
	}
	c.Broadcast()
	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("Broadcast did not wake remaining waiter")
	}
}
