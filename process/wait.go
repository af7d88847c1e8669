package process

import (
	"github.com/rwan6/pintos/filesys"
	"github.com/rwan6/pintos/thread"
	"github.com/rwan6/pintos/vm"
)

// SpawnRoot creates the first process in the system (no parent, no
// child record to signal) and runs it to completion synchronously —
// the stand-in for "the kernel boots directly into this program"
// rather than a parent's exec() call. Returns the exit status.
func (tbl *Table) SpawnRoot(name string, img *Image, cwd uint32) int {
	statusCh := make(chan int, 1)
	tbl.Sched.Spawn(name, thread.PriorityDefault, func(t *thread.Thread) {
		as := vm.NewAddressSpace(tbl.Frames, tbl.Swap)
		p := newProcess(tbl, as, name, nil, cwd)
		p.Thread = t
		if err := LoadImage(p, img); err != nil {
			p.Exit(-1)
			statusCh <- -1
			return
		}
		if _, err := buildArgvStack(p, []string{name}); err != nil {
			p.Exit(-1)
			statusCh <- -1
			return
		}
		status := img.Entry(p)
		p.Exit(status)
		statusCh <- status
	})
	return <-statusCh
}

// Wait implements spec.md §4.6's wait(tid): it returns the exit
// status of a live child exactly once, blocking if the child has not
// exited yet, and fails with -1 if tid does not name a child of p (or
// has already been waited on).
func (p *Process) Wait(tid int) int {
	rec, ok := p.childRecordFor(tid)
	if !ok {
		return -1
	}

	rec.lock.Acquire(p.Thread)
	if rec.waited {
		rec.lock.Release(p.Thread)
		return -1
	}
	rec.waited = true
	for !rec.done {
		rec.cond.Wait(p.Thread, rec.lock)
	}
	status := rec.status
	rec.lock.Release(p.Thread)

	p.mu.Lock()
	delete(p.children, tid)
	p.mu.Unlock()
	return status
}

// Exit implements spec.md §4.6's exit(status): closing descriptors,
// unmapping every mmap region, tearing down the address space,
// publishing the status to the parent's child record (or, if orphaned,
// discarding it), and orphaning any still-living children.
func (p *Process) Exit(status int) {
	p.mu.Lock()
	for fd := range p.files {
		fh := p.files[fd]
		if fh.dir != nil {
			fh.dir.Close()
		} else {
			fh.inode.Close()
		}
	}
	p.files = make(map[int]*fileHandle)
	mappings := p.mappings
	p.mappings = make(map[int]*filesys.Inode)
	children := p.children
	p.children = make(map[int]*childRecord)
	p.mu.Unlock()

	for id, in := range mappings {
		p.AS.Unmap(id)
		in.Close()
	}

	p.AS.Unload()
	p.println(status)
	p.cleanup(status)

	// Orphan every child this process hasn't waited for: they free
	// their own record on exit instead of publishing it upward
	// (spec.md §4.6).
	for _, rec := range children {
		rec.lock.Acquire(p.Thread)
		rec.done = true
		rec.lock.Release(p.Thread)
	}

	p.tbl.unregister(p.PID)
}

// cleanup publishes status to the parent's record for this pid, if
// the parent is still alive and tracking it; a process with no parent
// (the root process, or an already-orphaned process) has nothing to
// publish to.
func (p *Process) cleanup(status int) {
	if p.parent == nil {
		return
	}
	rec, ok := p.parent.childRecordFor(p.PID)
	if !ok {
		return
	}
	rec.lock.Acquire(p.Thread)
	rec.status = status
	rec.done = true
	rec.cond.Signal()
	rec.lock.Release(p.Thread)
}
