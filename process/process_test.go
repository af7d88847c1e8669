package process

import (
	"sort"
	"testing"

	"github.com/kylelemons/godebug/pretty"

	"github.com/rwan6/pintos/cache"
	"github.com/rwan6/pintos/filesys"
	"github.com/rwan6/pintos/internal/blockdev"
	"github.com/rwan6/pintos/swap"
	"github.com/rwan6/pintos/thread"
	"github.com/rwan6/pintos/vm"
)

// newTestTable wires a Table over memory-backed fs and swap devices,
// the process-package analogue of filesys_test.go's newTestFS.
func newTestTable(t *testing.T) *Table {
	t.Helper()
	dev := blockdev.NewMemory("fs", 4096)
	c := cache.New(dev)
	t.Cleanup(func() { c.Close() })
	fm := filesys.NewFreeMap(4096)
	fs := filesys.NewFileSystem(c, fm)
	if err := filesys.Format(fs); err != nil {
		t.Fatal(err)
	}
	store := swap.New(blockdev.NewMemory("swap", 256))
	frames := vm.NewFrameTable(8, store)
	sched := thread.New(thread.StrictPriority, nil)
	return NewTable(fs, frames, store, sched)
}

// newTestProcess creates a Process directly against tbl's root
// directory, bypassing SpawnRoot/LoadImage since file.go's operations
// never touch p.Thread.
func newTestProcess(tbl *Table) *Process {
	as := vm.NewAddressSpace(tbl.Frames, tbl.Swap)
	return newProcess(tbl, as, "test", nil, filesys.RootSector)
}

// installUserPage gives p a writable, resident page at vaddr, for
// tests that poke a syscall buffer directly instead of driving it
// through a real user-mode fault.
func installUserPage(t *testing.T, p *Process, vaddr uintptr) {
	t.Helper()
	if err := p.AS.InstallZero(vaddr, true); err != nil {
		t.Fatal(err)
	}
	if err := p.AS.Fault(vaddr, vaddr); err != nil {
		t.Fatal(err)
	}
}

func TestCreateOpenWriteRead(t *testing.T) {
	tbl := newTestTable(t)
	p := newTestProcess(tbl)

	if !p.Create("hello.txt", 0) {
		t.Fatal("Create failed")
	}
	fd, ok := p.Open("hello.txt")
	if !ok {
		t.Fatal("Open failed")
	}

	const bufAddr = 0x08048000
	installUserPage(t, p, bufAddr)

	payload := []byte("hello, pintos")
	if err := p.AS.CopyIn(bufAddr, payload); err != nil {
		t.Fatal(err)
	}

	n, ok := p.Write(fd, bufAddr, len(payload), bufAddr)
	if !ok || n != len(payload) {
		t.Fatalf("Write: n=%d ok=%v", n, ok)
	}
	if size, ok := p.Filesize(fd); !ok || size != len(payload) {
		t.Fatalf("Filesize: got %d ok=%v", size, ok)
	}

	p.Seek(fd, 0)
	n, ok = p.Read(fd, bufAddr, len(payload), bufAddr)
	if !ok || n != len(payload) {
		t.Fatalf("Read: n=%d ok=%v", n, ok)
	}
	var got [13]byte
	if err := p.AS.CopyOut(bufAddr, got[:]); err != nil {
		t.Fatal(err)
	}
	if string(got[:]) != string(payload) {
		t.Fatalf("readback mismatch: got %q want %q", got, payload)
	}

	if !p.Close(fd) {
		t.Fatal("Close failed")
	}
	if !p.Remove("hello.txt") {
		t.Fatal("Remove failed")
	}
}

func TestMkdirChdirReaddir(t *testing.T) {
	tbl := newTestTable(t)
	p := newTestProcess(tbl)

	if !p.Mkdir("sub") {
		t.Fatal("Mkdir failed")
	}
	if !p.Create("sub/a.txt", 0) {
		t.Fatal("Create in subdir failed")
	}
	if !p.Create("sub/b.txt", 0) {
		t.Fatal("Create in subdir failed")
	}

	if !p.Chdir("sub") {
		t.Fatal("Chdir failed")
	}

	fd, ok := p.Open(".")
	if !ok {
		t.Fatal("Open . failed")
	}
	if !p.Isdir(fd) {
		t.Fatal("expected Isdir true for directory fd")
	}

	var names []string
	for {
		name, ok := p.Readdir(fd)
		if !ok {
			break
		}
		names = append(names, name)
	}
	sort.Strings(names)

	want := []string{"a.txt", "b.txt"}
	if diff := pretty.Compare(want, names); diff != "" {
		t.Fatalf("readdir entries mismatch (-want +got):\n%s", diff)
	}
}

func TestInumberDistinguishesFilesAndDirs(t *testing.T) {
	tbl := newTestTable(t)
	p := newTestProcess(tbl)

	if !p.Mkdir("d") {
		t.Fatal("Mkdir failed")
	}
	if !p.Create("f", 0) {
		t.Fatal("Create failed")
	}

	dfd, ok := p.Open("d")
	if !ok {
		t.Fatal("Open d failed")
	}
	ffd, ok := p.Open("f")
	if !ok {
		t.Fatal("Open f failed")
	}

	dn, ok := p.Inumber(dfd)
	if !ok {
		t.Fatal("Inumber(d) failed")
	}
	fn, ok := p.Inumber(ffd)
	if !ok {
		t.Fatal("Inumber(f) failed")
	}
	if dn == fn {
		t.Fatalf("expected distinct inumbers, got %d for both", dn)
	}
	if !p.Isdir(dfd) || p.Isdir(ffd) {
		t.Fatal("Isdir mismatch")
	}
}
