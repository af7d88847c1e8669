// Package ktest holds the small set of test-only collaborators every
// package's _test.go files reach for: a tick-controllable clock, a
// scratch block device, and a panic recoverer that turns a kernel-side
// panic (kassert.Never, an unreachable switch arm) into a normal
// t.Fatal instead of crashing the whole test binary.
package ktest

import "os"

// Verbose reports whether tests were run with DEBUG=1, the same
// env-var convention go-fuse's internal/testutil.VerboseTest uses.
func Verbose() bool {
	return os.Getenv("DEBUG") == "1"
}
