package filesys

import (
	"fmt"
	"strings"
	"unsafe"
)

// MaxNameLen is the longest file name a directory entry can hold
// (spec.md §3, §4.4).
const MaxNameLen = 14

// dirEntrySize is the packed on-disk record size: a 4-byte sector
// number, a 15-byte name buffer (MaxNameLen plus a NUL terminator)
// and a 1-byte in-use flag (spec.md §6).
const dirEntrySize = int(unsafe.Sizeof(dirEntryOnDisk{}))

type dirEntryOnDisk struct {
	InodeSector uint32
	Name        [MaxNameLen + 1]byte
	InUse       uint8
}

func decodeDirEntry(buf *[dirEntrySize]byte) *dirEntryOnDisk {
	return (*dirEntryOnDisk)(unsafe.Pointer(&buf[0]))
}

// Directory wraps an Inode whose content is a packed sequence of
// directory entries (spec.md §3, §4.4).
type Directory struct {
	inode *Inode
}

// OpenDirectory wraps an already-open directory inode.
func OpenDirectory(in *Inode) (*Directory, error) {
	if in.IsFile() {
		return nil, fmt.Errorf("filesys: sector %d is a file, not a directory", in.Sector)
	}
	return &Directory{inode: in}, nil
}

// Inode returns the backing inode.
func (d *Directory) Inode() *Inode { return d.inode }

// Close closes the backing inode.
func (d *Directory) Close() error { return d.inode.Close() }

// InitDirectory writes the implicit "." and ".." entries into a
// freshly created directory inode (spec.md §4.4: non-root directories
// get both; the root's ".." resolves to itself). Format calls this for
// the root; mkdir calls it for every directory it creates afterward.
func InitDirectory(in *Inode, selfSector, parentSector uint32) error {
	d := &Directory{inode: in}
	if err := d.addRaw(".", selfSector); err != nil {
		return err
	}
	return d.addRaw("..", parentSector)
}

func validName(name string) bool {
	return name != "" && name != "." && name != ".." && len(name) <= MaxNameLen
}

// Lookup finds name (linear scan, spec.md §4.4) and returns its inode
// sector.
func (d *Directory) Lookup(name string) (sector uint32, ok bool) {
	d.each(func(e dirEntryOnDisk) bool {
		if e.InUse != 0 && cstr(e.Name[:]) == name {
			sector, ok = e.InodeSector, true
			return false
		}
		return true
	})
	return sector, ok
}

// Add inserts a new entry, failing on a duplicate name, an empty or
// oversize name, or the reserved names "." / ".." (spec.md §4.4).
func (d *Directory) Add(name string, sector uint32) error {
	if !validName(name) {
		return fmt.Errorf("filesys: invalid directory entry name %q", name)
	}
	if _, ok := d.Lookup(name); ok {
		return fmt.Errorf("filesys: %q already exists", name)
	}
	return d.addRaw(name, sector)
}

func (d *Directory) addRaw(name string, sector uint32) error {
	var rec dirEntryOnDisk
	rec.InodeSector = sector
	rec.InUse = 1
	copy(rec.Name[:], name)

	// Reuse a free slot if one exists, else append.
	offset := uint32(0)
	length := d.inode.Length()
	found := false
	for offset < length {
		var buf [dirEntrySize]byte
		d.inode.ReadAt(buf[:], offset)
		if decodeDirEntry(&buf).InUse == 0 {
			found = true
			break
		}
		offset += uint32(dirEntrySize)
	}
	if !found {
		offset = length
	}

	var buf [dirEntrySize]byte
	*decodeDirEntry(&buf) = rec
	if n := d.inode.WriteAt(buf[:], offset); n != dirEntrySize {
		return fmt.Errorf("filesys: short write adding directory entry %q", name)
	}
	return nil
}

// Remove deletes the entry for name. Removing a non-empty directory
// fails; removing a file succeeds whether or not it has open handles
// (spec.md §4.4: the file disappears on final close).
func (d *Directory) Remove(fs *FileSystem, name string) error {
	if !validName(name) {
		return fmt.Errorf("filesys: invalid directory entry name %q", name)
	}
	sector, ok := d.Lookup(name)
	if !ok {
		return fmt.Errorf("filesys: %q not found", name)
	}

	target, err := fs.Open(sector)
	if err != nil {
		return err
	}
	defer target.Close()

	if !target.IsFile() {
		sub, err := OpenDirectory(target)
		if err != nil {
			return err
		}
		if !sub.isEmpty() {
			return fmt.Errorf("filesys: directory %q is not empty", name)
		}
	}

	if err := d.clearEntry(name); err != nil {
		return err
	}
	target.Remove()
	return nil
}

func (d *Directory) clearEntry(name string) error {
	offset := uint32(0)
	length := d.inode.Length()
	for offset < length {
		var buf [dirEntrySize]byte
		d.inode.ReadAt(buf[:], offset)
		e := decodeDirEntry(&buf)
		if e.InUse != 0 && cstr(e.Name[:]) == name {
			e.InUse = 0
			d.inode.WriteAt(buf[:], offset)
			return nil
		}
		offset += uint32(dirEntrySize)
	}
	return fmt.Errorf("filesys: %q not found", name)
}

// isEmpty reports whether the directory has no entries besides "."
// and "..".
func (d *Directory) isEmpty() bool {
	empty := true
	d.each(func(e dirEntryOnDisk) bool {
		if e.InUse == 0 {
			return true
		}
		name := cstr(e.Name[:])
		if name != "." && name != ".." {
			empty = false
			return false
		}
		return true
	})
	return empty
}

// Entry is one (name, sector) pair, used by Readdir.
type Entry struct {
	Name   string
	Sector uint32
}

// Readdir lists every in-use entry except "." and "..", matching the
// readdir syscall's contract (spec.md §6).
func (d *Directory) Readdir() []Entry {
	var out []Entry
	d.each(func(e dirEntryOnDisk) bool {
		if e.InUse == 0 {
			return true
		}
		name := cstr(e.Name[:])
		if name == "." || name == ".." {
			return true
		}
		out = append(out, Entry{Name: name, Sector: e.InodeSector})
		return true
	})
	return out
}

func (d *Directory) each(fn func(e dirEntryOnDisk) bool) {
	offset := uint32(0)
	length := d.inode.Length()
	for offset < length {
		var buf [dirEntrySize]byte
		d.inode.ReadAt(buf[:], offset)
		if !fn(*decodeDirEntry(&buf)) {
			return
		}
		offset += uint32(dirEntrySize)
	}
}

func cstr(b []byte) string {
	i := 0
	for i < len(b) && b[i] != 0 {
		i++
	}
	return string(b[:i])
}

// Resolve walks path from start (or the root if path begins with
// "/"), opening intermediate directories as it goes, and returns the
// sector of the final component and whether it names a directory.
// Every component but the last must be a directory (spec.md §4.4).
func Resolve(fs *FileSystem, start uint32, path string) (sector uint32, isDir bool, err error) {
	cur := start
	if strings.HasPrefix(path, "/") {
		cur = RootSector
	}
	var parts []string
	for _, p := range strings.Split(path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	curIsDir := true
	for i, part := range parts {
		if !curIsDir {
			return 0, false, fmt.Errorf("filesys: %q is not a directory", part)
		}
		in, err := fs.Open(cur)
		if err != nil {
			return 0, false, err
		}
		dir, err := OpenDirectory(in)
		if err != nil {
			in.Close()
			return 0, false, err
		}
		var next uint32
		var ok bool
		switch part {
		case ".":
			next, ok = cur, true
		case "..":
			next, ok = dir.Lookup("..")
		default:
			next, ok = dir.Lookup(part)
		}
		dir.Close()
		if !ok {
			return 0, false, fmt.Errorf("filesys: %q not found", part)
		}
		cur = next
		if i == len(parts)-1 {
			break
		}
		nextIn, err := fs.Open(cur)
		if err != nil {
			return 0, false, err
		}
		curIsDir = !nextIn.IsFile()
		nextIn.Close()
	}
	finalIn, err := fs.Open(cur)
	if err != nil {
		return 0, false, err
	}
	isDir = !finalIn.IsFile()
	finalIn.Close()
	return cur, isDir, nil
}
