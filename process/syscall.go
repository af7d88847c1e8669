package process

import (
	"fmt"

	"github.com/rwan6/pintos/vm"
)

// Call numbers, matching spec.md §6's enumerated call set in order.
const (
	SysHalt = iota
	SysExit
	SysExec
	SysWait
	SysCreate
	SysRemove
	SysOpen
	SysFilesize
	SysRead
	SysWrite
	SysSeek
	SysTell
	SysClose
	SysMmap
	SysMunmap
	SysChdir
	SysMkdir
	SysReaddir
	SysIsdir
	SysInumber
)

// maxCStringLen bounds readCString so a runaway or unterminated
// pointer can't loop forever (no filename or path in this file system
// can legally exceed a handful of path components).
const maxCStringLen = 512

// Halt is supplied by the kernel wiring (it has no Process to act on):
// kernel.New assigns this package variable, and process.Dispatch calls
// it for the halt syscall. The default does nothing.
var Halt func() = func() {}

// readCString reads a NUL-terminated string out of user memory
// starting at addr, one byte at a time so every byte crossed is
// individually pinned and validated (spec.md §4.7: "pointer arguments
// are validated byte-by-byte").
func readCString(as *vm.AddressSpace, addr uintptr, esp uintptr) (string, error) {
	var out []byte
	for i := 0; i < maxCStringLen; i++ {
		cur := addr + uintptr(i)
		unpin, err := as.PinRange(cur, 1, esp, false)
		if err != nil {
			return "", err
		}
		var b [1]byte
		cerr := as.CopyOut(cur, b[:])
		unpin()
		if cerr != nil {
			return "", cerr
		}
		if b[0] == 0 {
			return string(out), nil
		}
		out = append(out, b[0])
	}
	return "", fmt.Errorf("process: string at %#x exceeds %d bytes", addr, maxCStringLen)
}

func readWord(as *vm.AddressSpace, addr uintptr, esp uintptr) (uint32, error) {
	unpin, err := as.PinRange(addr, 4, esp, false)
	if err != nil {
		return 0, err
	}
	defer unpin()
	var buf [4]byte
	if err := as.CopyOut(addr, buf[:]); err != nil {
		return 0, err
	}
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24, nil
}

// Dispatch implements spec.md §4.7's syscall entry: it reads the call
// number and up to three arguments off the user stack at esp, routes
// to the corresponding Process method, and reports what the handler
// should write to the return-value register, the Errno a caller
// logging this dispatch would want, and whether the process has
// already been terminated (exit, halt, or a fatal exit(-1)) and must
// not be resumed. The Errno is ErrBadPointer whenever Dispatch itself
// kills the process with exit(-1): a stack word or pointer argument
// failed validation, a descriptor was bad for a call that kills on a
// bad descriptor, or the call number is unknown. It is ErrNotFound
// when create/remove/open/chdir/mkdir fail, ErrBadFD when inumber is
// given a bad descriptor, and OK otherwise.
func (p *Process) Dispatch(esp uintptr) (ret uint32, errno Errno, terminated bool) {
	number, err := readWord(p.AS, esp, esp)
	if err != nil {
		p.Exit(-1)
		return 0, ErrBadPointer, true
	}
	arg := func(i int) (uint32, error) {
		return readWord(p.AS, esp+uintptr(4*(i+1)), esp)
	}
	fail := func() (uint32, Errno, bool) {
		p.Exit(-1)
		return 0, ErrBadPointer, true
	}

	switch number {
	case SysHalt:
		Halt()
		return 0, OK, true

	case SysExit:
		status, err := arg(0)
		if err != nil {
			return fail()
		}
		p.Exit(int(int32(status)))
		return 0, OK, true

	case SysExec:
		a0, err := arg(0)
		if err != nil {
			return fail()
		}
		cmdline, err := readCString(p.AS, uintptr(a0), esp)
		if err != nil {
			return fail()
		}
		pid, ok := p.Exec(cmdline)
		if !ok {
			return uint32(int32(-1)), OK, false
		}
		return uint32(pid), OK, false

	case SysWait:
		a0, err := arg(0)
		if err != nil {
			return fail()
		}
		return uint32(int32(p.Wait(int(int32(a0))))), OK, false

	case SysCreate:
		a0, err := arg(0)
		if err != nil {
			return fail()
		}
		a1, err := arg(1)
		if err != nil {
			return fail()
		}
		name, err := readCString(p.AS, uintptr(a0), esp)
		if err != nil {
			return fail()
		}
		if !p.Create(name, a1) {
			return uint32(int32(0)), ErrNotFound, false
		}
		return 1, OK, false

	case SysRemove:
		a0, err := arg(0)
		if err != nil {
			return fail()
		}
		name, err := readCString(p.AS, uintptr(a0), esp)
		if err != nil {
			return fail()
		}
		if !p.Remove(name) {
			return uint32(int32(0)), ErrNotFound, false
		}
		return 1, OK, false

	case SysOpen:
		a0, err := arg(0)
		if err != nil {
			return fail()
		}
		name, err := readCString(p.AS, uintptr(a0), esp)
		if err != nil {
			return fail()
		}
		fd, ok := p.Open(name)
		if !ok {
			return uint32(int32(-1)), ErrNotFound, false
		}
		return uint32(fd), OK, false

	case SysFilesize:
		a0, err := arg(0)
		if err != nil {
			return fail()
		}
		n, ok := p.Filesize(int(int32(a0)))
		if !ok {
			return fail()
		}
		return uint32(n), OK, false

	case SysRead:
		a0, err := arg(0)
		if err != nil {
			return fail()
		}
		a1, err := arg(1)
		if err != nil {
			return fail()
		}
		a2, err := arg(2)
		if err != nil {
			return fail()
		}
		n, ok := p.Read(int(int32(a0)), uintptr(a1), int(a2), esp)
		if !ok {
			return fail()
		}
		return uint32(n), OK, false

	case SysWrite:
		a0, err := arg(0)
		if err != nil {
			return fail()
		}
		a1, err := arg(1)
		if err != nil {
			return fail()
		}
		a2, err := arg(2)
		if err != nil {
			return fail()
		}
		n, ok := p.Write(int(int32(a0)), uintptr(a1), int(a2), esp)
		if !ok {
			return fail()
		}
		return uint32(n), OK, false

	case SysSeek:
		a0, err := arg(0)
		if err != nil {
			return fail()
		}
		a1, err := arg(1)
		if err != nil {
			return fail()
		}
		if !p.Seek(int(int32(a0)), a1) {
			return fail()
		}
		return 0, OK, false

	case SysTell:
		a0, err := arg(0)
		if err != nil {
			return fail()
		}
		pos, ok := p.Tell(int(int32(a0)))
		if !ok {
			return fail()
		}
		return pos, OK, false

	case SysClose:
		a0, err := arg(0)
		if err != nil {
			return fail()
		}
		if !p.Close(int(int32(a0))) {
			return fail()
		}
		return 0, OK, false

	case SysMmap:
		a0, err := arg(0)
		if err != nil {
			return fail()
		}
		a1, err := arg(1)
		if err != nil {
			return fail()
		}
		id, ok := p.Mmap(int(int32(a0)), uintptr(a1))
		if !ok {
			return uint32(int32(-1)), OK, false
		}
		return uint32(id), OK, false

	case SysMunmap:
		a0, err := arg(0)
		if err != nil {
			return fail()
		}
		p.Munmap(int(int32(a0)))
		return 0, OK, false

	case SysChdir:
		a0, err := arg(0)
		if err != nil {
			return fail()
		}
		path, err := readCString(p.AS, uintptr(a0), esp)
		if err != nil {
			return fail()
		}
		if !p.Chdir(path) {
			return 0, ErrNotFound, false
		}
		return 1, OK, false

	case SysMkdir:
		a0, err := arg(0)
		if err != nil {
			return fail()
		}
		path, err := readCString(p.AS, uintptr(a0), esp)
		if err != nil {
			return fail()
		}
		if !p.Mkdir(path) {
			return 0, ErrNotFound, false
		}
		return 1, OK, false

	case SysReaddir:
		a0, err := arg(0)
		if err != nil {
			return fail()
		}
		a1, err := arg(1)
		if err != nil {
			return fail()
		}
		name, ok := p.Readdir(int(int32(a0)))
		if !ok {
			return boolWord(false), OK, false
		}
		buf := append([]byte(name), 0)
		unpin, err := p.AS.PinRange(uintptr(a1), len(buf), esp, true)
		if err != nil {
			return fail()
		}
		cerr := p.AS.CopyIn(uintptr(a1), buf)
		unpin()
		if cerr != nil {
			return fail()
		}
		return boolWord(true), OK, false

	case SysIsdir:
		a0, err := arg(0)
		if err != nil {
			return fail()
		}
		return boolWord(p.Isdir(int(int32(a0)))), OK, false

	case SysInumber:
		a0, err := arg(0)
		if err != nil {
			return fail()
		}
		n, ok := p.Inumber(int(int32(a0)))
		if !ok {
			return uint32(int32(-1)), ErrBadFD, false
		}
		return uint32(n), OK, false

	default:
		return fail()
	}
}

func boolWord(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
