// Package swap implements the fixed-slot swap store described in
// spec.md §3/§4.5/§6: a dedicated block device addressed in
// PageSlotSectors-sector slots, tracked by an in-memory bitmap (not
// persisted across boots, per spec.md §6).
package swap

import (
	"fmt"
	"sync"

	"github.com/rwan6/pintos/internal/blockdev"
)

// PageSlotSectors is the number of 512-byte sectors a single page
// occupies in swap (spec.md §3: "sector-aligned run of 8 contiguous
// 512-byte sectors").
const PageSlotSectors = 8

// PageSize is the size in bytes of one swap slot (and one VM page).
const PageSize = PageSlotSectors * blockdev.SectorSize

// Slot identifies one swap-slot allocation.
type Slot int64

// Invalid is the sentinel meaning "no swap slot". It is -1, not the
// zero value: Slot(0) is the first real slot.
const Invalid Slot = -1

// Store is the swap device plus its occupancy bitmap.
type Store struct {
	dev *blockdev.Device

	mu     sync.Mutex
	bitmap []bool // one bool per slot; true = allocated
}

// New creates a Store over dev, which must have a sector count
// divisible by PageSlotSectors.
func New(dev *blockdev.Device) *Store {
	slots := dev.Sectors() / PageSlotSectors
	return &Store{dev: dev, bitmap: make([]bool, slots)}
}

// Slots returns the total number of swap slots.
func (s *Store) Slots() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bitmap)
}

// Alloc reserves a free slot. It panics if swap is full: spec.md §7
// classifies swap exhaustion as unrecoverable resource exhaustion.
func (s *Store) Alloc() Slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, used := range s.bitmap {
		if !used {
			s.bitmap[i] = true
			return Slot(i)
		}
	}
	panic("swap: store exhausted, no free slot")
}

// TryAlloc is Alloc without the panic, for callers (eviction) that
// want to try another victim instead of crashing the kernel.
func (s *Store) TryAlloc() (Slot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, used := range s.bitmap {
		if !used {
			s.bitmap[i] = true
			return Slot(i), true
		}
	}
	return Invalid, false
}

// Free releases slot back to the bitmap. Freeing an already-free slot
// or an out-of-range slot is a programming error.
func (s *Store) Free(slot Slot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkRangeLocked(slot)
	if !s.bitmap[slot] {
		panic(fmt.Sprintf("swap: double free of slot %d", slot))
	}
	s.bitmap[slot] = false
}

func (s *Store) checkRangeLocked(slot Slot) {
	if slot < 0 || int(slot) >= len(s.bitmap) {
		panic(fmt.Sprintf("swap: slot %d out of range [0,%d)", slot, len(s.bitmap)))
	}
}

// Read copies exactly PageSize bytes from slot into page.
func (s *Store) Read(slot Slot, page []byte) error {
	s.mu.Lock()
	s.checkRangeLocked(slot)
	s.mu.Unlock()
	if len(page) != PageSize {
		panic(fmt.Sprintf("swap: Read buffer must be %d bytes, got %d", PageSize, len(page)))
	}
	base := uint32(slot) * PageSlotSectors
	for i := 0; i < PageSlotSectors; i++ {
		if err := s.dev.Read(base+uint32(i), page[i*blockdev.SectorSize:(i+1)*blockdev.SectorSize]); err != nil {
			return err
		}
	}
	return nil
}

// Write copies exactly PageSize bytes from page into slot.
func (s *Store) Write(slot Slot, page []byte) error {
	s.mu.Lock()
	s.checkRangeLocked(slot)
	s.mu.Unlock()
	if len(page) != PageSize {
		panic(fmt.Sprintf("swap: Write buffer must be %d bytes, got %d", PageSize, len(page)))
	}
	base := uint32(slot) * PageSlotSectors
	for i := 0; i < PageSlotSectors; i++ {
		if err := s.dev.Write(base+uint32(i), page[i*blockdev.SectorSize:(i+1)*blockdev.SectorSize]); err != nil {
			return err
		}
	}
	return nil
}
