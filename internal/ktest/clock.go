package ktest

import "github.com/rwan6/pintos/timer"

// Clock wraps a manual timer.Source with the handful of conveniences
// every scheduler and vm test wants: a caller-chosen, clamped
// frequency, and an AdvanceSeconds helper so mlfqs-recalculation tests (which fire on
// tick%freq==0) don't have to hand-compute tick counts.
type Clock struct {
	*timer.Source
}

// NewClock returns a Clock over a manual timer.Source at freq ticks/sec
// (clamped to [timer.MinFreq, timer.MaxFreq] by timer.NewManualSource).
// Nothing advances until the test calls Advance or AdvanceSeconds.
func NewClock(freq int) *Clock {
	return &Clock{Source: timer.NewManualSource(freq)}
}

// AdvanceSeconds ticks the clock enough times to cross n whole seconds
// at its configured frequency, for driving the scheduler's per-second
// load_avg/recent_cpu recomputation deterministically.
func (c *Clock) AdvanceSeconds(n int) {
	c.Advance(uint64(n) * uint64(c.Freq()))
}
