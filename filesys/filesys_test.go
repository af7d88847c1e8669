package filesys_test

import (
	"testing"

	"github.com/rwan6/pintos/cache"
	"github.com/rwan6/pintos/filesys"
	"github.com/rwan6/pintos/internal/blockdev"
)

func newTestFS(t *testing.T, sectors uint32) *filesys.FileSystem {
	t.Helper()
	dev := blockdev.NewMemory("fs", sectors)
	c := cache.New(dev)
	t.Cleanup(func() { c.Close() })
	fm := filesys.NewFreeMap(sectors)
	fs := filesys.NewFileSystem(c, fm)
	if err := filesys.Format(fs); err != nil {
		t.Fatal(err)
	}
	return fs
}

func mustRoot(t *testing.T, fs *filesys.FileSystem) *filesys.Directory {
	t.Helper()
	in, err := fs.Open(filesys.RootSector)
	if err != nil {
		t.Fatal(err)
	}
	dir, err := filesys.OpenDirectory(in)
	if err != nil {
		t.Fatal(err)
	}
	return dir
}

// TestFileGrowThenReadPastEnd implements spec.md §8 scenario S3:
// create /a, write 600 bytes at offset 0, then read(100, offset=580)
// must return exactly 20 bytes.
func TestFileGrowThenReadPastEnd(t *testing.T) {
	fs := newTestFS(t, 4096)
	root := mustRoot(t, fs)
	defer root.Close()

	sector, ok := fs.FreeMap.Allocate(1)
	if !ok {
		t.Fatal("no free sector")
	}
	if err := fs.Create(sector, 0, true); err != nil {
		t.Fatal(err)
	}
	if err := root.Add("a", sector); err != nil {
		t.Fatal(err)
	}

	in, err := fs.Open(sector)
	if err != nil {
		t.Fatal(err)
	}
	defer in.Close()

	payload := make([]byte, 600)
	for i := range payload {
		payload[i] = byte(i)
	}
	if n := in.WriteAt(payload, 0); n != 600 {
		t.Fatalf("short write: %d", n)
	}
	if in.Length() != 600 {
		t.Fatalf("expected length 600, got %d", in.Length())
	}

	buf := make([]byte, 100)
	n := in.ReadAt(buf, 580)
	if n != 20 {
		t.Fatalf("expected 20 bytes past EOF, got %d", n)
	}
	for i := 0; i < 20; i++ {
		if buf[i] != payload[580+i] {
			t.Fatalf("byte %d mismatch: got %d want %d", i, buf[i], payload[580+i])
		}
	}
}

func TestLargeFileAddressing(t *testing.T) {
	fs := newTestFS(t, uint32(filesys.MaxFileBlocks)+4096)
	root := mustRoot(t, fs)
	defer root.Close()

	sector, ok := fs.FreeMap.Allocate(1)
	if !ok {
		t.Fatal("no free sector")
	}
	if err := fs.Create(sector, 0, true); err != nil {
		t.Fatal(err)
	}

	in, err := fs.Open(sector)
	if err != nil {
		t.Fatal(err)
	}
	defer in.Close()

	// Write one byte just past the direct range and just past the
	// single-indirect range, to exercise the indirect/doubly-indirect
	// allocation thresholds from spec.md §4.4.
	offsets := []uint32{
		uint32(filesys.FirstLevel)*cache.SectorSize + 1,
		uint32(filesys.FirstLevel+filesys.N)*cache.SectorSize + 1,
	}
	for _, off := range offsets {
		if n := in.WriteAt([]byte{0x7F}, off); n != 1 {
			t.Fatalf("short write at offset %d: %d", off, n)
		}
		got := make([]byte, 1)
		if n := in.ReadAt(got, off); n != 1 || got[0] != 0x7F {
			t.Fatalf("read back at offset %d: got %v", off, got)
		}
	}
}

func TestDirectoryAddDuplicateAndReservedNames(t *testing.T) {
	fs := newTestFS(t, 4096)
	root := mustRoot(t, fs)
	defer root.Close()

	sector, _ := fs.FreeMap.Allocate(1)
	if err := fs.Create(sector, 0, true); err != nil {
		t.Fatal(err)
	}
	if err := root.Add("foo", sector); err != nil {
		t.Fatal(err)
	}
	if err := root.Add("foo", sector); err == nil {
		t.Fatal("expected duplicate name to fail")
	}
	if err := root.Add("", sector); err == nil {
		t.Fatal("expected empty name to fail")
	}
	if err := root.Add(".", sector); err == nil {
		t.Fatal("expected reserved name . to fail")
	}
	if err := root.Add("this-name-is-too-long", sector); err == nil {
		t.Fatal("expected oversize name to fail")
	}
}

func TestDirectoryRemoveNonEmptyFails(t *testing.T) {
	fs := newTestFS(t, 4096)
	root := mustRoot(t, fs)
	defer root.Close()

	dirSector, _ := fs.FreeMap.Allocate(1)
	if err := fs.Create(dirSector, 0, false); err != nil {
		t.Fatal(err)
	}
	din, err := fs.Open(dirSector)
	if err != nil {
		t.Fatal(err)
	}
	if err := filesys.InitDirectory(din, dirSector, filesys.RootSector); err != nil {
		t.Fatal(err)
	}
	if err := root.Add("sub", dirSector); err != nil {
		t.Fatal(err)
	}

	childSector, _ := fs.FreeMap.Allocate(1)
	if err := fs.Create(childSector, 0, true); err != nil {
		t.Fatal(err)
	}
	sub, err := filesys.OpenDirectory(din)
	if err != nil {
		t.Fatal(err)
	}
	if err := sub.Add("child", childSector); err != nil {
		t.Fatal(err)
	}

	if err := root.Remove(fs, "sub"); err == nil {
		t.Fatal("expected remove of non-empty directory to fail")
	}
	if err := sub.Remove(fs, "child"); err != nil {
		t.Fatal(err)
	}
	if err := root.Remove(fs, "sub"); err != nil {
		t.Fatalf("expected remove of now-empty directory to succeed: %v", err)
	}
	sub.Close()
}

func TestResolvePath(t *testing.T) {
	fs := newTestFS(t, 4096)
	root := mustRoot(t, fs)

	dirSector, _ := fs.FreeMap.Allocate(1)
	if err := fs.Create(dirSector, 0, false); err != nil {
		t.Fatal(err)
	}
	din, err := fs.Open(dirSector)
	if err != nil {
		t.Fatal(err)
	}
	if err := filesys.InitDirectory(din, dirSector, filesys.RootSector); err != nil {
		t.Fatal(err)
	}
	if err := root.Add("sub", dirSector); err != nil {
		t.Fatal(err)
	}
	root.Close()

	fileSector, _ := fs.FreeMap.Allocate(1)
	if err := fs.Create(fileSector, 0, true); err != nil {
		t.Fatal(err)
	}
	sub, err := filesys.OpenDirectory(din)
	if err != nil {
		t.Fatal(err)
	}
	if err := sub.Add("f.txt", fileSector); err != nil {
		t.Fatal(err)
	}
	sub.Close()

	got, isDir, err := filesys.Resolve(fs, filesys.RootSector, "/sub/f.txt")
	if err != nil {
		t.Fatal(err)
	}
	if got != fileSector || isDir {
		t.Fatalf("expected file sector %d non-dir, got %d isDir=%v", fileSector, got, isDir)
	}

	got, isDir, err = filesys.Resolve(fs, filesys.RootSector, "/sub/..")
	if err != nil {
		t.Fatal(err)
	}
	if got != filesys.RootSector || !isDir {
		t.Fatalf("expected .. from /sub to resolve to root, got %d isDir=%v", got, isDir)
	}
}
