package timer_test

import (
	"testing"
	"time"

	"github.com/rwan6/pintos/timer"
)

// TestSleepOrdering implements spec.md §8 scenario S2: three threads
// call sleep(30), sleep(10), sleep(20) at the same tick; they must
// wake in the order second, third, first (monotonic in wake-tick).
// The clock advances ten ticks at a time and one wake-up is collected
// after each step, so the recorded order is the order in which Tick
// released the sleepers rather than the order in which the Go runtime
// happens to schedule goroutines that were all released together.
func TestSleepOrdering(t *testing.T) {
	src := timer.NewManualSource(100)

	type call struct {
		ticks uint64
		name  string
	}
	calls := []call{{30, "A"}, {10, "B"}, {20, "C"}}

	wakeOrder := make(chan string, 3)
	started := make(chan struct{}, 3)
	for _, c := range calls {
		cc := c
		go func() {
			started <- struct{}{}
			src.Sleep(cc.ticks)
			wakeOrder <- cc.name
		}()
	}
	for range calls {
		<-started
	}
	time.Sleep(10 * time.Millisecond) // let all three register in the sleep queue

	var order []string
	for range calls {
		src.Advance(10)
		select {
		case n := <-wakeOrder:
			order = append(order, n)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for sleeper to wake")
		}
	}
	want := []string{"B", "C", "A"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("wake order = %v, want %v", order, want)
		}
	}
}

func TestTicksMonotonic(t *testing.T) {
	src := timer.NewManualSource(100)
	if src.Ticks() != 0 {
		t.Fatalf("expected 0 ticks initially")
	}
	src.Advance(5)
	if src.Ticks() != 5 {
		t.Fatalf("expected 5 ticks, got %d", src.Ticks())
	}
	if src.Elapsed(2) != 3 {
		t.Fatalf("expected elapsed 3, got %d", src.Elapsed(2))
	}
}

func TestFreqClamped(t *testing.T) {
	if f := timer.NewManualSource(1).Freq(); f != timer.MinFreq {
		t.Fatalf("expected clamp to MinFreq, got %d", f)
	}
	if f := timer.NewManualSource(100000).Freq(); f != timer.MaxFreq {
		t.Fatalf("expected clamp to MaxFreq, got %d", f)
	}
}
