// Package process implements the process lifecycle and system-call
// boundary described in spec.md §4.6/§4.7/§6: exec/wait/exit, a
// per-process file-descriptor table, and the 20 enumerated syscalls.
// It sits on top of thread (for the underlying execution context),
// vm (for the address space pointer arguments are validated against)
// and filesys (for the backing file operations), the same layering
// go-fuse's fs.Inode sits on top of its RawFileSystem plumbing.
package process

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rwan6/pintos/filesys"
	"github.com/rwan6/pintos/swap"
	"github.com/rwan6/pintos/thread"
	"github.com/rwan6/pintos/vm"
)

// Console is where every process's "name: exit(status)" line is
// written (spec.md §7). Tests swap this for a buffer; a running
// kernel defaults it to os.Stdout.
var Console io.Writer = os.Stdout

// FDStdin and FDStdout are the descriptors the file-descriptor table
// never hands out to open() (spec.md §6); open() starts at firstFD.
const (
	FDStdin  = 0
	FDStdout = 1
	firstFD  = 2
)

// fileHandle is one open file-descriptor's state: either a regular
// file position cursor, or an open directory.
type fileHandle struct {
	inode *filesys.Inode
	dir   *filesys.Directory // non-nil iff this fd names a directory
	pos   uint32
}

// Process is one running user program: a thread, an address space, a
// current directory, an open-file table and the bookkeeping exec/wait
// need (spec.md §4.6).
type Process struct {
	PID    int
	Name   string
	Thread *thread.Thread
	AS     *vm.AddressSpace

	fs  *filesys.FileSystem
	tbl *Table

	mu       sync.Mutex
	cwd      uint32
	files    map[int]*fileHandle
	nextFD   int
	exitCode int
	mappings map[int]*filesys.Inode

	parent   *Process
	children map[int]*childRecord
}

// childRecord is the wait()-able record a parent keeps for each child
// it has not yet reaped, signalled via a thread.Cond the way every
// other blocking wait in this module is (spec.md §4.6: "the parent
// blocks on its own wait-condition; the child signals this condition
// on exit").
type childRecord struct {
	pid    int
	lock   *thread.Lock
	cond   *thread.Cond
	done   bool
	waited bool
	status int
}

// Table is the process-wide registry of live processes, the process
// analogue of filesys's open-inode table (spec.md §4.4's singleton
// pattern, generalized per §9: "global tables ... should be
// resettable between runs").
type Table struct {
	FS     *filesys.FileSystem
	Frames *vm.FrameTable
	Swap   *swap.Store
	Sched  *thread.Scheduler

	mu      sync.Mutex
	byPID   map[int]*Process
	nextPID int
}

// NewTable creates a process table that spawns threads on sched and
// gives every process an address space drawing frames from frames and
// swap space from store, with files resolved against fs.
func NewTable(fs *filesys.FileSystem, frames *vm.FrameTable, store *swap.Store, sched *thread.Scheduler) *Table {
	return &Table{FS: fs, Frames: frames, Swap: store, Sched: sched, byPID: make(map[int]*Process)}
}

func (tbl *Table) register(p *Process) {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	tbl.nextPID++
	p.PID = tbl.nextPID
	tbl.byPID[p.PID] = p
}

func (tbl *Table) unregister(pid int) {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	delete(tbl.byPID, pid)
}

// Lookup returns the live process with the given pid, if any.
func (tbl *Table) Lookup(pid int) (*Process, bool) {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	p, ok := tbl.byPID[pid]
	return p, ok
}

func newProcess(tbl *Table, as *vm.AddressSpace, name string, parent *Process, cwd uint32) *Process {
	p := &Process{
		Name:     name,
		AS:       as,
		fs:       tbl.FS,
		tbl:      tbl,
		cwd:      cwd,
		files:    make(map[int]*fileHandle),
		nextFD:   firstFD,
		mappings: make(map[int]*filesys.Inode),
		parent:   parent,
		children: make(map[int]*childRecord),
	}
	tbl.register(p)
	return p
}

func (p *Process) addChild(pid int) *childRecord {
	rec := &childRecord{pid: pid, lock: thread.NewLock(), cond: thread.NewCond()}
	p.mu.Lock()
	p.children[pid] = rec
	p.mu.Unlock()
	return rec
}

func (p *Process) childRecordFor(pid int) (*childRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.children[pid]
	return rec, ok
}

func (p *Process) allocFD(fh *fileHandle) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	fd := p.nextFD
	p.nextFD++
	p.files[fd] = fh
	return fd
}

func (p *Process) fileAt(fd int) (*fileHandle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fh, ok := p.files[fd]
	return fh, ok
}

func (p *Process) closeFD(fd int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	fh, ok := p.files[fd]
	if !ok {
		return false
	}
	delete(p.files, fd)
	if fh.dir != nil {
		fh.dir.Close()
	} else {
		fh.inode.Close()
	}
	return true
}

func (p *Process) println(status int) {
	fmt.Fprintf(Console, "%s: exit(%d)\n", p.Name, status)
}
