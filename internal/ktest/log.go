package ktest

import "log"

func init() {
	// Test output cares about ordering, not wall-clock date.
	log.SetFlags(log.Lmicroseconds)
}
