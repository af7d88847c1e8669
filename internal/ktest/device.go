package ktest

import "github.com/rwan6/pintos/internal/blockdev"

// ScratchDevice returns a memory-backed block device of n sectors,
// named for whichever role the caller is exercising ("fs", "swap"),
// for tests that don't want a file on disk.
func ScratchDevice(name string, sectors uint32) *blockdev.Device {
	return blockdev.NewMemory(name, sectors)
}
