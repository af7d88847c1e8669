// Package vm implements the demand-paged virtual memory subsystem
// described in spec.md §3/§4.5: a per-process supplemental page table,
// a global frame table with clock eviction, and the swap/mmap backing
// paths a page fault dispatches to. The frame table's two-phase
// lookup/eviction locking is the same pattern cache.Cache uses for its
// 64 buffer-cache slots (spec.md §4.3) — a frame-table lock decides
// *which* frame a fault gets and is released before any swap or file
// I/O runs, exactly as the cache's lookupMu is released before a
// cache-entry writeback.
package vm

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rwan6/pintos/swap"
)

// PageSize is the size in bytes of one virtual page (spec.md glossary).
const PageSize = swap.PageSize

// PhysBase is the boundary between user and kernel virtual addresses.
// Matches Pintos's default (3GB/1GB split); addresses at or above this
// are kernel addresses and a user-mode fault there is always fatal
// (spec.md §4.5 step 1).
const PhysBase uintptr = 0xC0000000

// StackLimit bounds how far below PhysBase the stack-growth heuristic
// is willing to extend the stack (spec.md §4.5: "fa ≥ PHYS_BASE − 8 MB").
const StackLimit = 8 << 20

// stackGrowthSlack is the "fa ≥ sp − 32" allowance for PUSHA-style
// instructions that touch memory below the current stack pointer
// before adjusting it (spec.md §4.5).
const stackGrowthSlack = 32

// Status is a supplemental page table entry's backing-storage kind
// (spec.md §4.8's page state machine).
type Status int

const (
	// Zeros is a page not yet fetched, to be zero-filled on first
	// access (anonymous memory or fresh stack).
	Zeros Status = iota
	// NonZeros is a resident page that has been written to the
	// frame at least once: a Zeros or Swap page, once fetched.
	NonZeros
	// Swap is a page currently written out to the swap store.
	Swap
	// Code is a page backed by an executable's load segment.
	Code
	// Mmap is a page backed by a memory-mapped file.
	Mmap
)

func (s Status) String() string {
	switch s {
	case Zeros:
		return "zeros"
	case NonZeros:
		return "nonzeros"
	case Swap:
		return "swap"
	case Code:
		return "code"
	case Mmap:
		return "mmap"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Backing is the narrow file contract a Code or Mmap page reads from
// and (for Mmap) writes back to. filesys.Inode satisfies this
// directly — both its ReadAt and WriteAt already have this exact
// signature — so vm never needs to import filesys and risk a cycle
// with process, which imports both.
type Backing interface {
	ReadAt(buf []byte, offset uint32) int
	WriteAt(buf []byte, offset uint32) int
}

// PTE is one supplemental page table entry (spec.md §3, §4.5).
type PTE struct {
	Status     Status
	Writable   bool
	Frame      *Frame // nil unless resident
	Slot       swap.Slot
	Backing    Backing
	FileOffset uint32
	NumZeros   int // trailing zero-fill bytes for Code/Mmap pages
	MappingID  int // valid only when Status == Mmap
}

// ErrBadAccess is returned by Fault for a kernel address, a null
// pointer, or a non-stack-growth access to an unmapped page — the
// caller (the syscall/fault boundary) converts this into exit(-1) per
// spec.md §7.
var ErrBadAccess = errors.New("vm: invalid user memory access")

// AddressSpace is one process's supplemental page table (spec.md §5:
// "per-process supplemental page table: per-process lock").
type AddressSpace struct {
	mu    sync.Mutex
	table *FrameTable
	swap  *swap.Store

	pages    map[uintptr]*PTE
	mappings map[int][]uintptr
	nextMap  int
}

// NewAddressSpace creates an empty address space drawing frames from
// table and swap space from store.
func NewAddressSpace(table *FrameTable, store *swap.Store) *AddressSpace {
	return &AddressSpace{
		table:    table,
		swap:     store,
		pages:    make(map[uintptr]*PTE),
		mappings: make(map[int][]uintptr),
	}
}

func pageAlign(addr uintptr) uintptr { return addr &^ (PageSize - 1) }

// PageAlign rounds addr down to its containing page boundary.
func PageAlign(addr uintptr) uintptr { return pageAlign(addr) }

// CopyOut copies len(dst) bytes from user memory starting at addr into
// dst. Every page touched must already be resident and pinned (see
// PinRange) — CopyOut itself does not fault or pin, matching the
// narrow "just move bytes" role the frame copy plays inside a pinned
// syscall buffer operation (spec.md §4.5).
func (as *AddressSpace) CopyOut(addr uintptr, dst []byte) error {
	done := 0
	for done < len(dst) {
		cur := addr + uintptr(done)
		page := pageAlign(cur)
		pte, ok := as.Lookup(page)
		if !ok || pte.Frame == nil {
			return ErrBadAccess
		}
		n := pte.Frame.Read(dst[done:], int(cur-page))
		if n == 0 {
			return ErrBadAccess
		}
		done += n
	}
	return nil
}

// CopyIn copies src into user memory starting at addr, marking every
// touched frame dirty. Same pinning precondition as CopyOut.
func (as *AddressSpace) CopyIn(addr uintptr, src []byte) error {
	done := 0
	for done < len(src) {
		cur := addr + uintptr(done)
		page := pageAlign(cur)
		pte, ok := as.Lookup(page)
		if !ok || pte.Frame == nil {
			return ErrBadAccess
		}
		n := pte.Frame.Write(src[done:], int(cur-page))
		if n == 0 {
			return ErrBadAccess
		}
		done += n
	}
	return nil
}

// NextMapID allocates the next mmap id for this address space, for
// callers (process.Mmap) assembling the id to pass to MapRegion.
func (as *AddressSpace) NextMapID() int {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.nextMap++
	return as.nextMap
}

// Lookup returns the supplemental PTE for the page containing addr.
func (as *AddressSpace) Lookup(addr uintptr) (*PTE, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	pte, ok := as.pages[pageAlign(addr)]
	return pte, ok
}

// InstallZero records a lazily zero-filled page at vaddr (anonymous
// memory, or the initial page of a stack). vaddr must be page-aligned
// and not already mapped, per invariant I-1.
func (as *AddressSpace) InstallZero(vaddr uintptr, writable bool) error {
	return as.install(vaddr, &PTE{Status: Zeros, Writable: writable})
}

// InstallCode records a lazily fetched executable-segment page backed
// by file at the given offset; numZeros trailing bytes of the page are
// zero-filled rather than read from the file (spec.md §4.5, the ELF
// loader collaborator contract in §6).
func (as *AddressSpace) InstallCode(vaddr uintptr, file Backing, offset uint32, numZeros int, writable bool) error {
	return as.install(vaddr, &PTE{Status: Code, Backing: file, FileOffset: offset, NumZeros: numZeros, Writable: writable})
}

func (as *AddressSpace) install(vaddr uintptr, pte *PTE) error {
	if vaddr != pageAlign(vaddr) {
		return fmt.Errorf("vm: vaddr %#x is not page-aligned", vaddr)
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	if _, exists := as.pages[vaddr]; exists {
		return fmt.Errorf("vm: page %#x is already mapped", vaddr)
	}
	as.pages[vaddr] = pte
	return nil
}

// Unload removes every page this address space owns, releasing
// resident frames and swap slots — used on process exit (spec.md
// §4.6).
func (as *AddressSpace) Unload() {
	as.mu.Lock()
	pages := as.pages
	as.pages = make(map[uintptr]*PTE)
	as.mappings = make(map[int][]uintptr)
	as.mu.Unlock()

	for _, pte := range pages {
		if pte.Frame != nil {
			as.table.release(pte.Frame)
		}
		if pte.Status == Swap {
			as.swap.Free(pte.Slot)
		}
	}
}
