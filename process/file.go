package process

import (
	"fmt"
	"strings"

	"github.com/rwan6/pintos/filesys"
)

// splitPath separates the final path component from everything before
// it, the way the original splits a path into "the directory we Add
// to" and "the name we Add" for create/remove/mkdir.
func splitPath(path string) (dir, base string) {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return "", path
	}
	if i == 0 {
		return "/", path[1:]
	}
	return path[:i], path[i+1:]
}

// openDirAt opens the directory named by dir, relative to p's current
// directory, or p's current directory itself if dir is empty.
func (p *Process) openDirAt(dir string) (*filesys.Directory, error) {
	p.mu.Lock()
	cwd := p.cwd
	p.mu.Unlock()

	if dir == "" {
		in, err := p.fs.Open(cwd)
		if err != nil {
			return nil, err
		}
		return filesys.OpenDirectory(in)
	}
	sector, isDir, err := filesys.Resolve(p.fs, cwd, dir)
	if err != nil {
		return nil, err
	}
	if !isDir {
		return nil, fmt.Errorf("process: %q is not a directory", dir)
	}
	in, err := p.fs.Open(sector)
	if err != nil {
		return nil, err
	}
	return filesys.OpenDirectory(in)
}

// Create implements create(file, initial_size): spec.md §6.
func (p *Process) Create(name string, initialSize uint32) bool {
	dirPath, base := splitPath(name)
	if base == "" {
		return false
	}
	dir, err := p.openDirAt(dirPath)
	if err != nil {
		return false
	}
	defer dir.Close()

	sector, ok := p.fs.FreeMap.Allocate(1)
	if !ok {
		return false
	}
	if err := p.fs.Create(sector, initialSize, true); err != nil {
		p.fs.FreeMap.Release(sector, 1)
		return false
	}
	if err := dir.Add(base, sector); err != nil {
		if in, e := p.fs.Open(sector); e == nil {
			in.Remove()
			in.Close()
		}
		return false
	}
	return true
}

// Remove implements remove(file): removing a file with open handles
// succeeds immediately and the file disappears once the last handle
// closes (spec.md §6, §4.4).
func (p *Process) Remove(name string) bool {
	dirPath, base := splitPath(name)
	if base == "" {
		return false
	}
	dir, err := p.openDirAt(dirPath)
	if err != nil {
		return false
	}
	defer dir.Close()
	return dir.Remove(p.fs, base) == nil
}

// Open implements open(file): it resolves name against p's current
// directory and hands back a fresh fd for either a file or a
// directory (spec.md §6: "opening a directory succeeds").
func (p *Process) Open(name string) (fd int, ok bool) {
	p.mu.Lock()
	cwd := p.cwd
	p.mu.Unlock()

	sector, isDir, err := filesys.Resolve(p.fs, cwd, name)
	if err != nil {
		return 0, false
	}
	in, err := p.fs.Open(sector)
	if err != nil {
		return 0, false
	}

	fh := &fileHandle{}
	if isDir {
		d, err := filesys.OpenDirectory(in)
		if err != nil {
			in.Close()
			return 0, false
		}
		fh.dir = d
	} else {
		fh.inode = in
	}
	return p.allocFD(fh), true
}

// Filesize implements filesize(fd).
func (p *Process) Filesize(fd int) (int, bool) {
	fh, ok := p.fileAt(fd)
	if !ok || fh.inode == nil {
		return 0, false
	}
	return int(fh.inode.Length()), true
}

// Read implements read(fd, buffer, size): the buffer is validated and
// pinned for the duration of the copy, matching spec.md §4.7's
// "validate every user pointer before dereferencing it" requirement.
// esp is the simulated stack pointer, needed only if the buffer itself
// requires growing the stack.
func (p *Process) Read(fd int, addr uintptr, length int, esp uintptr) (int, bool) {
	if length == 0 {
		return 0, true
	}
	if fd == FDStdin {
		return 0, true // no console input device modeled
	}
	fh, ok := p.fileAt(fd)
	if !ok || fh.inode == nil {
		return 0, false
	}

	unpin, err := p.AS.PinRange(addr, length, esp, true)
	if err != nil {
		return 0, false
	}
	defer unpin()

	buf := make([]byte, length)
	p.mu.Lock()
	offset := fh.pos
	p.mu.Unlock()
	n := fh.inode.ReadAt(buf, offset)
	if n == 0 {
		return 0, true
	}
	if err := p.AS.CopyIn(addr, buf[:n]); err != nil {
		return 0, false
	}
	p.mu.Lock()
	fh.pos += uint32(n)
	p.mu.Unlock()
	return n, true
}

// Write implements write(fd, buffer, size), including the console
// write path for fd == FDStdout (spec.md §6).
func (p *Process) Write(fd int, addr uintptr, length int, esp uintptr) (int, bool) {
	if length == 0 {
		return 0, true
	}

	unpin, err := p.AS.PinRange(addr, length, esp, false)
	if err != nil {
		return 0, false
	}
	defer unpin()

	buf := make([]byte, length)
	if err := p.AS.CopyOut(addr, buf); err != nil {
		return 0, false
	}

	if fd == FDStdout {
		n, _ := Console.Write(buf)
		return n, true
	}

	fh, ok := p.fileAt(fd)
	if !ok || fh.inode == nil {
		return 0, false
	}
	p.mu.Lock()
	offset := fh.pos
	p.mu.Unlock()
	n := fh.inode.WriteAt(buf, offset)
	p.mu.Lock()
	fh.pos += uint32(n)
	p.mu.Unlock()
	return n, true
}

// Seek implements seek(fd, position).
func (p *Process) Seek(fd int, pos uint32) bool {
	fh, ok := p.fileAt(fd)
	if !ok {
		return false
	}
	p.mu.Lock()
	fh.pos = pos
	p.mu.Unlock()
	return true
}

// Tell implements tell(fd).
func (p *Process) Tell(fd int) (uint32, bool) {
	fh, ok := p.fileAt(fd)
	if !ok {
		return 0, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return fh.pos, true
}

// Close implements close(fd).
func (p *Process) Close(fd int) bool {
	return p.closeFD(fd)
}

// Chdir implements chdir(dir).
func (p *Process) Chdir(path string) bool {
	p.mu.Lock()
	cwd := p.cwd
	p.mu.Unlock()

	sector, isDir, err := filesys.Resolve(p.fs, cwd, path)
	if err != nil || !isDir {
		return false
	}
	p.mu.Lock()
	p.cwd = sector
	p.mu.Unlock()
	return true
}

// Mkdir implements mkdir(dir).
func (p *Process) Mkdir(path string) bool {
	dirPath, base := splitPath(path)
	if base == "" {
		return false
	}
	parent, err := p.openDirAt(dirPath)
	if err != nil {
		return false
	}
	defer parent.Close()

	sector, ok := p.fs.FreeMap.Allocate(1)
	if !ok {
		return false
	}
	if err := p.fs.Create(sector, 0, false); err != nil {
		p.fs.FreeMap.Release(sector, 1)
		return false
	}
	in, err := p.fs.Open(sector)
	if err != nil {
		p.fs.FreeMap.Release(sector, 1)
		return false
	}
	if err := filesys.InitDirectory(in, sector, parent.Inode().Sector); err != nil {
		in.Close()
		return false
	}
	in.Close()

	if err := parent.Add(base, sector); err != nil {
		if in2, e := p.fs.Open(sector); e == nil {
			in2.Remove()
			in2.Close()
		}
		return false
	}
	return true
}

// Readdir implements readdir(fd, name): it returns the next entry in
// fd's directory (skipping "." and ".."), advancing fd's own cursor
// one entry at a time, or ok == false once exhausted or if fd does not
// name an open directory (spec.md §6).
func (p *Process) Readdir(fd int) (name string, ok bool) {
	fh, exists := p.fileAt(fd)
	if !exists || fh.dir == nil {
		return "", false
	}
	entries := fh.dir.Readdir()
	p.mu.Lock()
	idx := fh.pos
	p.mu.Unlock()
	if int(idx) >= len(entries) {
		return "", false
	}
	p.mu.Lock()
	fh.pos++
	p.mu.Unlock()
	return entries[idx].Name, true
}

// Isdir implements isdir(fd).
func (p *Process) Isdir(fd int) bool {
	fh, ok := p.fileAt(fd)
	return ok && fh.dir != nil
}

// Inumber implements inumber(fd).
func (p *Process) Inumber(fd int) (int, bool) {
	fh, ok := p.fileAt(fd)
	if !ok {
		return 0, false
	}
	if fh.dir != nil {
		return int(fh.dir.Inode().Sector), true
	}
	return int(fh.inode.Sector), true
}
