package vm

import (
	"context"
	"log"
	"sync"

	"github.com/rwan6/pintos/swap"
	"golang.org/x/sync/semaphore"
)

// maxConcurrentEvictions bounds how many frames may be mid-writeback at
// once, the frame-table analogue of cache.Cache's single eviction path
// — eviction itself may block on swap/file I/O, so a handful running
// concurrently keeps faults flowing without letting an unbounded pile
// of evictions starve the swap device.
const maxConcurrentEvictions = 4

// Frame is one user-pool physical page frame. Its identity fields
// (owner, vaddr, the mid-eviction reservation) are protected by the
// owning FrameTable's lookupMu; its contents and dirty bit are
// protected by mu, exactly mirroring cache.entry's split between
// cache.lookupMu and the entry's own lock (spec.md §4.3 and §5: "frame
// table: global lock for ring mutation and eviction decision; released
// during I/O for writebacks").
type Frame struct {
	mu   sync.Mutex
	data [PageSize]byte
	dirty bool

	owner     *AddressSpace
	vaddr     uintptr
	nextOwner *AddressSpace
	nextVaddr uintptr
	pinned    bool
	accessed  bool
}

// FrameTable is the fixed-size ring of user-pool frames (spec.md §4.5:
// "The frame table is a ring; if user-pool allocation fails, run
// eviction").
type FrameTable struct {
	lookupMu sync.Mutex
	frames   []*Frame
	hand     int
	swap     *swap.Store

	evicting *semaphore.Weighted
	logger   *log.Logger
}

// SetLogger installs a logger used to trace eviction decisions,
// mirroring the kernel's Machine.debugf gate (nil disables logging,
// the default).
func (ft *FrameTable) SetLogger(l *log.Logger) {
	ft.lookupMu.Lock()
	ft.logger = l
	ft.lookupMu.Unlock()
}

func (ft *FrameTable) logf(format string, args ...interface{}) {
	if ft.logger != nil {
		ft.logger.Printf(format, args...)
	}
}

// NewFrameTable creates a table of n frames backed by store for
// eviction swap-out.
func NewFrameTable(n int, store *swap.Store) *FrameTable {
	ft := &FrameTable{
		frames:   make([]*Frame, n),
		swap:     store,
		evicting: semaphore.NewWeighted(maxConcurrentEvictions),
	}
	for i := range ft.frames {
		ft.frames[i] = &Frame{}
	}
	return ft
}

// Size returns the number of frames in the table.
func (ft *FrameTable) Size() int { return len(ft.frames) }

// Read copies bytes out of the frame starting at offset, for kernel
// code copying data out of a pinned user page (spec.md §4.5's
// pinning). Safe to call concurrently with other Read/Write calls on
// the same frame; callers are responsible for ensuring the frame stays
// pinned for the duration.
func (f *Frame) Read(dst []byte, offset int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return copy(dst, f.data[offset:])
}

// Write copies src into the frame starting at offset and marks it
// dirty, for kernel code writing into a pinned user page (e.g.
// fulfilling a read() syscall into a user buffer).
func (f *Frame) Write(src []byte, offset int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := copy(f.data[offset:], src)
	if n > 0 {
		f.dirty = true
	}
	return n
}

// acquire returns, locked, the frame now owned by (owner, vaddr),
// finding a free frame or running clock eviction as needed. The
// caller must fill frame.data appropriately for pte.Status before
// unlocking.
func (ft *FrameTable) acquire(owner *AddressSpace, vaddr uintptr) *Frame {
	for {
		f := ft.findOrEvict(owner, vaddr)
		f.mu.Lock()
		ft.lookupMu.Lock()
		match := f.owner == owner && f.vaddr == vaddr && f.nextOwner == nil
		ft.lookupMu.Unlock()
		if match {
			return f
		}
		f.mu.Unlock()
	}
}

func (ft *FrameTable) findOrEvict(owner *AddressSpace, vaddr uintptr) *Frame {
	ft.lookupMu.Lock()
	for _, f := range ft.frames {
		if f.owner == owner && f.vaddr == vaddr {
			f.accessed = true
			ft.lookupMu.Unlock()
			return f
		}
	}
	for _, f := range ft.frames {
		if f.owner == nil {
			f.owner = owner
			f.vaddr = vaddr
			f.accessed = true
			ft.lookupMu.Unlock()
			return f
		}
	}

	victim := ft.evictVictimLocked()
	victim.nextOwner = owner
	victim.nextVaddr = vaddr
	ft.lookupMu.Unlock()
	ft.logf("evicting frame for vaddr %#x (was owned by %p at %#x)", vaddr, victim.owner, victim.vaddr)

	ft.evicting.Acquire(context.Background(), 1)
	victim.mu.Lock()
	ft.writeBackLocked(victim)
	ft.evicting.Release(1)
	ft.lookupMu.Lock()
	victim.owner = owner
	victim.vaddr = vaddr
	victim.nextOwner = nil
	victim.accessed = true
	ft.lookupMu.Unlock()
	victim.dirty = false
	victim.mu.Unlock()

	return victim
}

// evictVictimLocked runs the clock algorithm, skipping pinned frames
// and clearing accessed bits that were set, per spec.md §4.5's
// eviction description. Caller must hold lookupMu.
func (ft *FrameTable) evictVictimLocked() *Frame {
	for {
		f := ft.frames[ft.hand]
		ft.hand = (ft.hand + 1) % len(ft.frames)
		if f.pinned {
			continue
		}
		if f.accessed {
			f.accessed = false
			continue
		}
		return f
	}
}

// writeBackLocked performs step 1-2 of spec.md §4.5's eviction
// algorithm: clear the victim's owner's PTE (so a subsequent access
// faults), then, per the victim's dirty bit and original status,
// either swap it out, write it back to its mmap file, or discard it.
// Caller holds victim.mu; lookupMu is not held here, matching the
// "released during I/O for writebacks" requirement.
func (ft *FrameTable) writeBackLocked(victim *Frame) {
	owner := victim.owner
	if owner == nil {
		return
	}
	owner.mu.Lock()
	pte := owner.pages[victim.vaddr]
	owner.mu.Unlock()
	if pte == nil {
		return
	}

	dirty := victim.dirty
	switch {
	case pte.Status == NonZeros || (dirty && pte.Status == Code):
		slot := ft.swap.Alloc()
		if err := ft.swap.Write(slot, victim.data[:]); err != nil {
			panic(err)
		}
		owner.mu.Lock()
		pte.Status = Swap
		pte.Slot = slot
		pte.Frame = nil
		owner.mu.Unlock()
	case pte.Status == Mmap && dirty:
		n := PageSize - pte.NumZeros
		if n > 0 {
			pte.Backing.WriteAt(victim.data[:n], pte.FileOffset)
		}
		owner.mu.Lock()
		pte.Frame = nil
		owner.mu.Unlock()
	default:
		owner.mu.Lock()
		pte.Frame = nil
		owner.mu.Unlock()
	}
}

// release returns a resident frame to the free pool without writeback
// (used on process exit, where the owning address space is being torn
// down wholesale rather than evicted page by page).
func (ft *FrameTable) release(f *Frame) {
	f.mu.Lock()
	ft.lookupMu.Lock()
	f.owner = nil
	f.vaddr = 0
	f.pinned = false
	f.accessed = false
	ft.lookupMu.Unlock()
	f.dirty = false
	f.mu.Unlock()
}

// pin marks f ineligible for eviction; unpin reverses it (spec.md
// §4.5's syscall-buffer pinning).
func (ft *FrameTable) pin(f *Frame) {
	ft.lookupMu.Lock()
	f.pinned = true
	ft.lookupMu.Unlock()
}

func (ft *FrameTable) unpin(f *Frame) {
	ft.lookupMu.Lock()
	f.pinned = false
	ft.lookupMu.Unlock()
}
