package vm

import "fmt"

// MapRegion installs one lazily-fetched Mmap page per PageSize chunk
// of [vaddr, vaddr+size), backed by file starting at offset 0, per
// spec.md §4.5: "addr page-aligned and non-zero ... the range
// unmapped in the caller's supplemental page table ... one Mmap PTE
// per page is installed lazily (no frames allocated up front)". The
// caller (process.Mmap) is responsible for validating fd/size/addr
// preconditions and reopening the backing file before calling this.
func (as *AddressSpace) MapRegion(id int, file Backing, size int, vaddr uintptr) ([]uintptr, error) {
	if vaddr == 0 || vaddr != pageAlign(vaddr) {
		return nil, fmt.Errorf("vm: mmap address %#x must be non-zero and page-aligned", vaddr)
	}
	if size <= 0 {
		return nil, fmt.Errorf("vm: mmap of empty file")
	}
	pageCount := (size + PageSize - 1) / PageSize
	pages := make([]uintptr, pageCount)
	for i := range pages {
		pages[i] = vaddr + uintptr(i*PageSize)
	}

	as.mu.Lock()
	for _, p := range pages {
		if _, exists := as.pages[p]; exists {
			as.mu.Unlock()
			return nil, fmt.Errorf("vm: mmap range overlaps an existing mapping at %#x", p)
		}
	}
	for i, p := range pages {
		offset := uint32(i * PageSize)
		numZeros := 0
		if remaining := size - i*PageSize; remaining < PageSize {
			numZeros = PageSize - remaining
		}
		as.pages[p] = &PTE{
			Status:     Mmap,
			Writable:   true,
			Backing:    file,
			FileOffset: offset,
			NumZeros:   numZeros,
			MappingID:  id,
		}
	}
	as.mappings[id] = pages
	as.mu.Unlock()
	return pages, nil
}

// Unmap implements spec.md §4.5's munmap: for each page in the
// mapping that is resident and dirty, write it back to the file;
// clear the PTE; remove it from the supplemental page table.
func (as *AddressSpace) Unmap(id int) error {
	as.mu.Lock()
	pages, ok := as.mappings[id]
	delete(as.mappings, id)
	as.mu.Unlock()
	if !ok {
		return fmt.Errorf("vm: no such mapping %d", id)
	}

	for _, p := range pages {
		as.mu.Lock()
		pte := as.pages[p]
		delete(as.pages, p)
		as.mu.Unlock()
		if pte == nil || pte.Frame == nil {
			continue
		}

		f := pte.Frame
		f.mu.Lock()
		if f.dirty {
			n := PageSize - pte.NumZeros
			if n > 0 {
				pte.Backing.WriteAt(f.data[:n], pte.FileOffset)
			}
		}
		f.mu.Unlock()
		as.table.release(f)
	}
	return nil
}
