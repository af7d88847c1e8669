// Package pintos is a userspace reconstruction of a Pintos-style
// educational kernel's design core: goroutine-backed threads with
// priority donation (package thread), demand-paged virtual memory (package vm),
// an indexed-inode file system with a buffer cache (packages filesys
// and cache), and the process lifecycle and syscall boundary that ties
// them together (package process). Package kernel wires all four into
// one running Machine.
//
// There is no hardware underneath any of this: every subsystem is
// driven by goroutines, channels and the collaborators in
// internal/blockdev and package timer/swap stand in for the devices a
// real kernel would talk to. See SPEC_FULL.md for the full design and
// DESIGN.md for how each package is grounded.
package pintos
