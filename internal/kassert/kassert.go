// Package kassert provides the kernel's invariant-checking surface.
//
// Pintos leans on ASSERT() pervasively inside synch.c, thread.c and
// the filesystem to turn a broken invariant into an immediate halt
// rather than undefined behaviour. kassert.True plays the same role
// here: a failed invariant panics the goroutine instead of returning
// an error, because by definition these conditions should never be
// false in a correct kernel.
package kassert

import "fmt"

// True panics with msg (formatted with args) if cond is false.
func True(cond bool, msg string, args ...any) {
	if !cond {
		panic("kassert: " + fmt.Sprintf(msg, args...))
	}
}

// Never panics unconditionally; use for switch default cases over a
// closed enum that must not be reached.
func Never(msg string, args ...any) {
	panic("kassert: unreachable: " + fmt.Sprintf(msg, args...))
}
