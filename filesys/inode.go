package filesys

import (
	"context"
	"fmt"
	"sync"

	"github.com/rwan6/pintos/cache"
	"github.com/rwan6/pintos/internal/kassert"
	"golang.org/x/sync/errgroup"
)

// FileSystem ties the buffer cache, free map and open-inode table
// together (spec.md §4.4).
type FileSystem struct {
	Cache   *cache.Cache
	FreeMap *FreeMap

	openMu sync.Mutex
	open   map[uint32]*Inode

	// fileLock is the single coarse file-operation lock named in
	// spec.md §5. No code path in this module acquires it, so
	// file_read/_write/_open/_close/_length/_tell/_seek are not made
	// atomic by it. Inode growth has its own per-inode lock.
	fileLock sync.Mutex
}

// RootSector and FreeMapSector fix the on-disk layout from spec.md
// §6.
const (
	FreeMapSector = 0
	RootSector    = 1
)

// NewFileSystem wires a Cache and FreeMap into a FileSystem. Callers
// that need a fresh disk image should call Format first.
func NewFileSystem(c *cache.Cache, fm *FreeMap) *FileSystem {
	return &FileSystem{Cache: c, FreeMap: fm, open: make(map[uint32]*Inode)}
}

// Format zeroes the root directory's inode record and initializes it
// as an empty directory, matching Pintos's do_format.
func Format(fs *FileSystem) error {
	if err := writeInodeRecord(fs.Cache, RootSector, &onDiskInode{Magic: InodeMagic, IsFile: 0}); err != nil {
		return err
	}
	root, err := fs.Open(RootSector)
	if err != nil {
		return err
	}
	defer root.Close()
	return InitDirectory(root, RootSector, RootSector)
}

func writeInodeRecord(c *cache.Cache, sector uint32, rec *onDiskInode) error {
	var buf [cache.SectorSize]byte
	*decodeInode(&buf) = *rec
	c.Write(sector, buf[:], cache.SectorSize, 0)
	return nil
}

func readInodeRecord(c *cache.Cache, sector uint32) onDiskInode {
	var buf [cache.SectorSize]byte
	c.Read(sector, buf[:], cache.SectorSize, 0)
	return *decodeInode(&buf)
}

// Inode is the in-memory inode object: one per open sector, shared by
// every caller that has it open (spec.md §3, §4.4's open-inode
// table).
type Inode struct {
	fs     *FileSystem
	Sector uint32

	mu             sync.Mutex
	disk           onDiskInode
	openCount      int
	removed        bool
	denyWriteCount int
}

// Open returns the in-memory Inode for sector, creating it (and
// loading its on-disk record) if it isn't already open, and bumping
// its open count either way. At most one in-memory inode per sector
// exists globally, per spec.md §3.
func (fs *FileSystem) Open(sector uint32) (*Inode, error) {
	fs.openMu.Lock()
	defer fs.openMu.Unlock()
	if in, ok := fs.open[sector]; ok {
		in.openCount++
		return in, nil
	}
	rec := readInodeRecord(fs.Cache, sector)
	if rec.Magic != InodeMagic {
		return nil, fmt.Errorf("filesys: sector %d is not a valid inode (magic %#x)", sector, rec.Magic)
	}
	in := &Inode{fs: fs, Sector: sector, disk: rec, openCount: 1}
	fs.open[sector] = in
	return in, nil
}

// Create allocates sector as a new inode of the given length
// (immediately grown and zero-filled, per the original's
// inode_create) and is-file flag.
func (fs *FileSystem) Create(sector uint32, length uint32, isFile bool) error {
	rec := onDiskInode{Magic: InodeMagic}
	if isFile {
		rec.IsFile = 1
	}
	if err := writeInodeRecord(fs.Cache, sector, &rec); err != nil {
		return err
	}
	in, err := fs.Open(sector)
	if err != nil {
		return err
	}
	defer in.Close()
	return in.growTo(length)
}

// Close decrements the open count; at zero, the inode leaves the
// open table, and if it was removed, its blocks are returned to the
// free map (spec.md §4.4).
func (in *Inode) Close() error {
	in.fs.openMu.Lock()
	in.mu.Lock()
	in.openCount--
	dead := in.openCount == 0
	removed := in.removed
	if dead {
		delete(in.fs.open, in.Sector)
	}
	in.mu.Unlock()
	in.fs.openMu.Unlock()

	if dead && removed {
		return in.deallocate()
	}
	return nil
}

// Remove marks the inode for deletion on final close. removed is
// monotonic: once true, it never reverts (spec.md §3).
func (in *Inode) Remove() {
	in.mu.Lock()
	in.removed = true
	in.mu.Unlock()
}

// Removed reports whether Remove has been called.
func (in *Inode) Removed() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.removed
}

// IsFile reports the inode's is_file flag.
func (in *Inode) IsFile() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.disk.IsFile != 0
}

// Length returns the file's current length in bytes.
func (in *Inode) Length() uint32 {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.disk.Length
}

// DenyWrite increments the deny-write count (opened for execution,
// in the original); AllowWrite decrements it. deny_write_count <=
// open_count always (spec.md §3).
func (in *Inode) DenyWrite() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.denyWriteCount++
	kassert.True(in.denyWriteCount <= in.openCount, "deny_write_count exceeds open_count for inode %d", in.Sector)
}

func (in *Inode) AllowWrite() {
	in.mu.Lock()
	defer in.mu.Unlock()
	kassert.True(in.denyWriteCount > 0, "deny-write underflow on inode %d", in.Sector)
	in.denyWriteCount--
}

// Writable reports whether writes are currently permitted (deny-write
// count is zero).
func (in *Inode) Writable() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.denyWriteCount == 0
}

// ReadAt copies up to len(buf) bytes starting at offset, returning
// exactly min(length-offset, len(buf)) bytes — a read that overlaps
// EOF returns a short count rather than an error (spec.md §4.4, §8
// property 8). Read-only paths that don't cross EOF take no lock,
// matching spec.md §4.4's concurrency note; since Go doesn't give us
// a lock-free length snapshot without a race, we take the lock only
// long enough to read the length and resolve block indices.
func (in *Inode) ReadAt(buf []byte, offset uint32) int {
	in.mu.Lock()
	length := in.disk.Length
	in.mu.Unlock()
	if offset >= length {
		return 0
	}
	n := len(buf)
	if avail := int(length - offset); n > avail {
		n = avail
	}
	return in.ioAt(buf[:n], offset, false)
}

// WriteAt writes len(buf) bytes at offset, extending the file under
// the inode lock if the write runs past EOF. The writer re-checks the
// length after acquiring the lock to avoid a redundant extension race
// (spec.md §4.4). On allocation failure mid-write, the write returns
// 0 (spec.md §7).
func (in *Inode) WriteAt(buf []byte, offset uint32) int {
	end := offset + uint32(len(buf))
	in.mu.Lock()
	if end > in.disk.Length {
		if err := in.growToLocked(end); err != nil {
			in.mu.Unlock()
			return 0
		}
	}
	in.mu.Unlock()
	return in.ioAt(buf, offset, true)
}

func (in *Inode) ioAt(buf []byte, offset uint32, write bool) int {
	done := 0
	for done < len(buf) {
		blockIdx := (offset + uint32(done)) / cache.SectorSize
		blockOff := int((offset + uint32(done)) % cache.SectorSize)
		sector, ok := in.blockLookup(int(blockIdx))
		if !ok {
			break
		}
		n := len(buf) - done
		if write {
			n = in.fs.Cache.Write(sector, buf[done:], n, blockOff)
		} else {
			n = in.fs.Cache.Read(sector, buf[done:], n, blockOff)
		}
		if n == 0 {
			break
		}
		done += n
	}
	return done
}

// growTo is Create's entry point: it grows without needing to hold a
// caller-visible lock across a longer operation.
func (in *Inode) growTo(length uint32) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.growToLocked(length)
}

// growToLocked grows the file to cover `length` bytes, appending one
// block at a time and allocating indirect/doubly-indirect index
// sectors exactly when the append first needs them (spec.md §4.4).
// Caller must hold in.mu.
func (in *Inode) growToLocked(length uint32) error {
	targetBlocks := int((length + cache.SectorSize - 1) / cache.SectorSize)
	for int(in.disk.NumBlocks) < targetBlocks {
		if err := in.appendOneBlockLocked(); err != nil {
			return err
		}
	}
	if length > in.disk.Length {
		in.disk.Length = length
	}
	in.flushRecordLocked()
	return nil
}

func (in *Inode) appendOneBlockLocked() error {
	i := int(in.disk.NumBlocks)
	dataSector, ok := in.fs.FreeMap.Allocate(1)
	if !ok {
		return fmt.Errorf("filesys: disk full, cannot grow inode %d", in.Sector)
	}
	in.fs.Cache.ZeroSector(dataSector)

	switch {
	case i < FirstLevel:
		in.disk.Direct[i] = dataSector

	case i < FirstLevel+N:
		if i == FirstLevel {
			indSector, ok := in.fs.FreeMap.Allocate(1)
			if !ok {
				in.fs.FreeMap.Release(dataSector, 1)
				return fmt.Errorf("filesys: disk full, cannot allocate indirect sector for inode %d", in.Sector)
			}
			in.fs.Cache.ZeroSector(indSector)
			in.disk.Indirect = indSector
		}
		setIndirectEntry(in.fs.Cache, in.disk.Indirect, i-FirstLevel, dataSector)

	default:
		offset := i - FirstLevel - N
		row := offset / N
		col := offset % N
		if i == FirstLevel+N {
			doubSector, ok := in.fs.FreeMap.Allocate(1)
			if !ok {
				in.fs.FreeMap.Release(dataSector, 1)
				return fmt.Errorf("filesys: disk full, cannot allocate doubly-indirect sector for inode %d", in.Sector)
			}
			in.fs.Cache.ZeroSector(doubSector)
			in.disk.DoublyIndirect = doubSector
		}
		if col == 0 {
			rowSector, ok := in.fs.FreeMap.Allocate(1)
			if !ok {
				in.fs.FreeMap.Release(dataSector, 1)
				return fmt.Errorf("filesys: disk full, cannot allocate row-indirect sector for inode %d", in.Sector)
			}
			in.fs.Cache.ZeroSector(rowSector)
			setIndirectEntry(in.fs.Cache, in.disk.DoublyIndirect, row, rowSector)
		}
		rowSector := getIndirectEntry(in.fs.Cache, in.disk.DoublyIndirect, row)
		setIndirectEntry(in.fs.Cache, rowSector, col, dataSector)
	}

	in.disk.NumBlocks++
	in.flushRecordLocked()
	return nil
}

func (in *Inode) flushRecordLocked() {
	writeInodeRecord(in.fs.Cache, in.Sector, &in.disk)
}

// blockLookup resolves a logical block index to a physical sector,
// matching spec.md §8 property 7 (every index in [0,num_blocks)
// resolves to a distinct allocated sector).
func (in *Inode) blockLookup(index int) (uint32, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if index >= int(in.disk.NumBlocks) {
		return 0, false
	}
	switch {
	case index < FirstLevel:
		return in.disk.Direct[index], true
	case index < FirstLevel+N:
		return getIndirectEntry(in.fs.Cache, in.disk.Indirect, index-FirstLevel), true
	default:
		offset := index - FirstLevel - N
		row := offset / N
		col := offset % N
		rowSector := getIndirectEntry(in.fs.Cache, in.disk.DoublyIndirect, row)
		return getIndirectEntry(in.fs.Cache, rowSector, col), true
	}
}

func getIndirectEntry(c *cache.Cache, sector uint32, idx int) uint32 {
	var buf [cache.SectorSize]byte
	c.Read(sector, buf[:], cache.SectorSize, 0)
	return decodeIndirect(&buf)[idx]
}

func setIndirectEntry(c *cache.Cache, sector uint32, idx int, value uint32) {
	var buf [cache.SectorSize]byte
	c.Read(sector, buf[:], cache.SectorSize, 0)
	decodeIndirect(&buf)[idx] = value
	c.Write(sector, buf[:], cache.SectorSize, 0)
}

// deallocate returns every block this inode owns — direct, indirect
// and doubly-indirect index sectors included — to the free map, per
// spec.md §4.4's close-when-removed behaviour.
func (in *Inode) deallocate() error {
	in.mu.Lock()
	rec := in.disk
	in.mu.Unlock()

	n := int(rec.NumBlocks)
	direct := n
	if direct > FirstLevel {
		direct = FirstLevel
	}
	for i := 0; i < direct; i++ {
		in.fs.FreeMap.Release(rec.Direct[i], 1)
	}
	n -= direct
	if n <= 0 {
		return nil
	}

	indirect := n
	if indirect > N {
		indirect = N
	}
	for i := 0; i < indirect; i++ {
		in.fs.FreeMap.Release(getIndirectEntry(in.fs.Cache, rec.Indirect, i), 1)
	}
	in.fs.FreeMap.Release(rec.Indirect, 1)
	n -= indirect
	if n <= 0 {
		return nil
	}

	// Doubly-indirect rows are released concurrently, the way
	// cache.Cache.PrefetchAll fans out sector reads with an errgroup:
	// each row's release only touches its own row-indirect sector and
	// the free map (which has its own lock), so there is no cross-row
	// ordering to preserve.
	rows := (n + N - 1) / N
	g, _ := errgroup.WithContext(context.Background())
	for row := 0; row < rows; row++ {
		row := row
		g.Go(func() error {
			rowSector := getIndirectEntry(in.fs.Cache, rec.DoublyIndirect, row)
			colCount := N
			if remaining := n - row*N; remaining < colCount {
				colCount = remaining
			}
			for col := 0; col < colCount; col++ {
				in.fs.FreeMap.Release(getIndirectEntry(in.fs.Cache, rowSector, col), 1)
			}
			in.fs.FreeMap.Release(rowSector, 1)
			return nil
		})
	}
	g.Wait()
	in.fs.FreeMap.Release(rec.DoublyIndirect, 1)
	return nil
}
