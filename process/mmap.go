package process

import (
	"github.com/rwan6/pintos/filesys"
	"github.com/rwan6/pintos/vm"
)

// Mmap implements mmap(fd, addr): it reopens fd's underlying file (so
// the mapping survives the original fd being closed, per spec.md §6),
// validates preconditions, and installs one lazily-fetched Mmap PTE
// per page via vm.MapRegion.
func (p *Process) Mmap(fd int, addr uintptr) (id int, ok bool) {
	if addr == 0 || addr != vm.PageAlign(addr) {
		return 0, false
	}
	fh, exists := p.fileAt(fd)
	if !exists || fh.inode == nil {
		return 0, false
	}
	size := int(fh.inode.Length())
	if size == 0 {
		return 0, false
	}

	in, err := p.fs.Open(fh.inode.Sector)
	if err != nil {
		return 0, false
	}

	mapID := p.AS.NextMapID()
	if _, err := p.AS.MapRegion(mapID, in, size, addr); err != nil {
		in.Close()
		return 0, false
	}

	p.mu.Lock()
	p.mappings[mapID] = in
	p.mu.Unlock()
	return mapID, true
}

// Munmap implements munmap(mapping): write back every dirty resident
// page, then close the file this mapping reopened (spec.md §6).
func (p *Process) Munmap(id int) {
	p.mu.Lock()
	in, ok := p.mappings[id]
	delete(p.mappings, id)
	p.mu.Unlock()
	if !ok {
		return
	}
	p.AS.Unmap(id)
	in.Close()
}
