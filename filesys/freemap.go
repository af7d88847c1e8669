package filesys

import (
	"fmt"
	"sync"
)

// FreeMap is the on-disk free-block bitmap collaborator from spec.md
// §6: Allocate(count, &out_first_sector) -> bool and
// Release(first, count). Pintos keeps this bitmap itself inside a
// regular file (sector 0's inode); go-pintos keeps the same sector-0
// reservation but stores the bitmap as a plain in-memory slice sized
// to the device, which is all the rest of this package's contract
// needs — the bitmap's on-disk encoding is explicitly out of scope
// (spec.md §1).
type FreeMap struct {
	mu   sync.Mutex
	bits []bool
}

// NewFreeMap creates a FreeMap over `sectors` total sectors. Sectors 0
// (the free-map inode) and 1 (the root directory inode) are
// pre-allocated, per spec.md §6's on-disk layout.
func NewFreeMap(sectors uint32) *FreeMap {
	fm := &FreeMap{bits: make([]bool, sectors)}
	fm.bits[0] = true
	fm.bits[1] = true
	return fm
}

// Allocate reserves `count` contiguous sectors and returns the first
// one. ok is false if no run of that length is free.
func (fm *FreeMap) Allocate(count int) (first uint32, ok bool) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	run := 0
	for i := 0; i < len(fm.bits); i++ {
		if fm.bits[i] {
			run = 0
			continue
		}
		run++
		if run == count {
			start := i - count + 1
			for j := start; j <= i; j++ {
				fm.bits[j] = true
			}
			return uint32(start), true
		}
	}
	return 0, false
}

// Release frees `count` contiguous sectors starting at `first`.
// Releasing an already-free sector is a programming error.
func (fm *FreeMap) Release(first uint32, count int) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	for i := 0; i < count; i++ {
		idx := first + uint32(i)
		if int(idx) >= len(fm.bits) {
			panic(fmt.Sprintf("filesys: release sector %d out of range", idx))
		}
		if !fm.bits[idx] {
			panic(fmt.Sprintf("filesys: double release of sector %d", idx))
		}
		fm.bits[idx] = false
	}
}

// FreeSectors returns the count of currently unallocated sectors.
func (fm *FreeMap) FreeSectors() int {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	n := 0
	for _, b := range fm.bits {
		if !b {
			n++
		}
	}
	return n
}
