// Package filesys implements the indexed-inode file system described
// in spec.md §3/§4.4: direct/indirect/doubly-indirect block index,
// growable files, hierarchical directories, and the on-disk free map.
// Every sector-shaped struct here is decoded straight out of a cache
// sector buffer via unsafe.Pointer, the same technique go-fuse uses
// to decode FUSE's wire-protocol structs directly out of its request
// buffer (fuse/direntry.go, fuse/fuse.go) instead of a serialization
// library.
package filesys

import (
	"unsafe"

	"github.com/rwan6/pintos/cache"
)

// InodeMagic identifies a sector as holding a valid on-disk inode
// (spec.md §3: magic=0x494e4f44, ASCII "INOD").
const InodeMagic = 0x494e4f44

// N is the number of uint32 entries an indirect sector holds
// (512/4), per spec.md §4.4.
const N = cache.SectorSize / 4

// inodeOverhead is the byte size of every onDiskInode field other
// than Direct.
const inodeOverhead = 4 * 6 // Length, NumBlocks, Magic, IsFile, Indirect, DoublyIndirect

// FirstLevel is the number of direct block pointers, filling the
// remainder of the sector after metadata (spec.md §3).
const FirstLevel = (cache.SectorSize - inodeOverhead) / 4

// MaxFileBlocks is the number of blocks a file can address:
// FIRSTLEVEL + N + N² (spec.md §4.4), so the largest block index is
// MaxFileBlocks-1.
const MaxFileBlocks = FirstLevel + N + N*N

// MaxFileSize is MaxFileBlocks sectors, in bytes.
const MaxFileSize = int64(MaxFileBlocks) * cache.SectorSize

// onDiskInode is the fixed 512-byte on-disk inode record (spec.md §3,
// §6). All fields are uint32 so the struct has no internal padding
// and its size is exactly cache.SectorSize.
type onDiskInode struct {
	Length         uint32
	NumBlocks      uint32
	Magic          uint32
	IsFile         uint32 // 0 or 1; bool avoided for deterministic layout
	Direct         [FirstLevel]uint32
	Indirect       uint32
	DoublyIndirect uint32
}

func init() {
	if unsafe.Sizeof(onDiskInode{}) != cache.SectorSize {
		panic("filesys: onDiskInode does not pack to one sector")
	}
}

func decodeInode(buf *[cache.SectorSize]byte) *onDiskInode {
	return (*onDiskInode)(unsafe.Pointer(&buf[0]))
}

// indirectBlock is an array of N sector numbers (spec.md §6).
type indirectBlock [N]uint32

func decodeIndirect(buf *[cache.SectorSize]byte) *indirectBlock {
	return (*indirectBlock)(unsafe.Pointer(&buf[0]))
}
