package ktest

import "testing"

// Recover turns a panic on the calling goroutine — typically a failed
// kassert.True/kassert.Never invariant — into t.Fatal instead of
// crashing the whole test binary. Defer it at the top of any test that
// exercises code paths guarded by kassert.
//
//	defer ktest.Recover(t)
func Recover(t *testing.T) {
	if r := recover(); r != nil {
		t.Fatalf("panic: %v", r)
	}
}
