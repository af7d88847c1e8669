package vm

import (
	"fmt"

	"github.com/rwan6/pintos/swap"
)

// Fault implements spec.md §4.5's fault entry and page-fetch dispatch
// for a user-mode fault at address vaddr with (simulated) stack
// pointer esp. It returns ErrBadAccess when the process must be
// terminated with status -1; any other non-nil error is an internal
// I/O failure.
func (as *AddressSpace) Fault(vaddr, esp uintptr) error {
	if vaddr == 0 || vaddr >= PhysBase {
		return ErrBadAccess
	}
	page := pageAlign(vaddr)

	as.mu.Lock()
	pte, ok := as.pages[page]
	as.mu.Unlock()

	if ok {
		if pte.Frame != nil {
			return nil // already resident; spurious fault
		}
		return as.fetch(page, pte)
	}

	if !stackMayGrow(vaddr, esp) {
		return ErrBadAccess
	}

	as.mu.Lock()
	if existing, exists := as.pages[page]; exists {
		as.mu.Unlock()
		if existing.Frame != nil {
			return nil
		}
		return as.fetch(page, existing)
	}
	pte = &PTE{Status: Zeros, Writable: true}
	as.pages[page] = pte
	as.mu.Unlock()
	return as.fetch(page, pte)
}

// stackMayGrow implements the criterion from spec.md §4.5: "fa ≥ sp −
// 32 AND fa ≥ PHYS_BASE − 8 MB".
func stackMayGrow(vaddr, esp uintptr) bool {
	var lowBound uintptr
	if esp > stackGrowthSlack {
		lowBound = esp - stackGrowthSlack
	}
	if vaddr < lowBound {
		return false
	}
	return vaddr+StackLimit >= PhysBase
}

// fetch brings page's backing data into a frame and installs the
// supplemental PTE, dispatching by status per spec.md §4.5's "Page
// fetch" section.
func (as *AddressSpace) fetch(page uintptr, pte *PTE) error {
	frame := as.table.acquire(as, page)
	defer frame.mu.Unlock()

	switch pte.Status {
	case Zeros:
		zero(frame.data[:])
		as.installFrameLocked(pte, frame, NonZeros)

	case Swap:
		if err := as.swap.Read(pte.Slot, frame.data[:]); err != nil {
			return err
		}
		as.swap.Free(pte.Slot)
		as.mu.Lock()
		pte.Slot = swap.Invalid
		as.mu.Unlock()
		as.installFrameLocked(pte, frame, NonZeros)

	case Code, Mmap:
		n := PageSize - pte.NumZeros
		if n < 0 || n > PageSize {
			return fmt.Errorf("vm: invalid NumZeros %d for page %#x", pte.NumZeros, page)
		}
		if n > 0 {
			got := pte.Backing.ReadAt(frame.data[:n], pte.FileOffset)
			for i := got; i < n; i++ {
				frame.data[i] = 0
			}
		}
		zero(frame.data[n:])
		as.installFrameLocked(pte, frame, pte.Status)

	default:
		return fmt.Errorf("vm: cannot fetch page %#x with status %s", page, pte.Status)
	}
	return nil
}

func (as *AddressSpace) installFrameLocked(pte *PTE, frame *Frame, newStatus Status) {
	as.mu.Lock()
	pte.Frame = frame
	pte.Status = newStatus
	as.mu.Unlock()
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Touch marks the page containing addr as written (setting the
// frame's dirty bit), matching the hardware dirty bit the real
// eviction algorithm inspects (spec.md §4.5). Callers that write to
// user memory on the kernel's behalf — the read() syscall filling a
// user buffer, for instance — call this for every page they touch.
func (as *AddressSpace) Touch(addr uintptr) {
	as.mu.Lock()
	pte, ok := as.pages[pageAlign(addr)]
	as.mu.Unlock()
	if !ok || pte.Frame == nil {
		return
	}
	pte.Frame.mu.Lock()
	pte.Frame.dirty = true
	pte.Frame.mu.Unlock()
}
