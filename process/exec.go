package process

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rwan6/pintos/thread"
	"github.com/rwan6/pintos/vm"
)

// Program is the simulated entry point a loaded executable transfers
// control to — the stand-in for "the CPU starts executing at the ELF
// entry address" described in spec.md §4.6. It receives the process
// that was just set up (argv already parsed, address space already
// populated) and returns the status the process exits with.
type Program func(p *Process) int

// Segment is one loadable region of an Image: a run of bytes read
// from a backing file, followed by zero-fill, installed as lazily
// fetched Code pages (spec.md §4.5/§6's ELF-loader contract). Vaddr
// must be page-aligned.
type Segment struct {
	Vaddr      uintptr
	Backing    vm.Backing
	FileOffset uint32
	FileBytes  int
	ZeroBytes  int
	Writable   bool
}

// Image is a registered executable: its loadable segments plus the
// Program its entry point resolves to.
type Image struct {
	Segments []Segment
	Entry    Program
}

var (
	registryMu sync.Mutex
	registry   = map[string]*Image{}
)

// RegisterExecutable makes name resolve to img for every future Exec
// call, the stand-in for "the executable exists on disk" since
// go-pintos has no real ELF loader (spec.md §6's loader collaborator
// contract). Tests call this before exercising exec/wait/exit.
func RegisterExecutable(name string, img *Image) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = img
}

func lookupExecutable(name string) (*Image, bool) {
	registryMu.Lock()
	defer registryMu.Unlock()
	img, ok := registry[name]
	return img, ok
}

// LoadImage installs every segment of img into p's address space as
// lazily fetched Code pages, splitting multi-page segments on PageSize
// boundaries (spec.md §4.5: "Code ... read from the file at the
// recorded offset for (PGSIZE − num_zeros) bytes, zero-fill the
// remainder").
func LoadImage(p *Process, img *Image) error {
	for _, seg := range img.Segments {
		if seg.Vaddr != vm.PageAlign(seg.Vaddr) {
			return fmt.Errorf("process: segment vaddr %#x is not page-aligned", seg.Vaddr)
		}
		total := seg.FileBytes + seg.ZeroBytes
		pages := (total + vm.PageSize - 1) / vm.PageSize
		for i := 0; i < pages; i++ {
			vaddr := seg.Vaddr + uintptr(i*vm.PageSize)
			pageStart := i * vm.PageSize
			pageFileBytes := 0
			if pageStart < seg.FileBytes {
				pageFileBytes = seg.FileBytes - pageStart
				if pageFileBytes > vm.PageSize {
					pageFileBytes = vm.PageSize
				}
			}
			numZeros := vm.PageSize - pageFileBytes
			if err := p.AS.InstallCode(vaddr, seg.Backing, seg.FileOffset+uint32(pageStart), numZeros, seg.Writable); err != nil {
				return err
			}
		}
	}
	return nil
}

// stackTop is the initial page of every process's user stack: the
// highest page below PhysBase. Argv and the program's own stack usage
// both start here and grow down; stack growth past this page is
// handled by AddressSpace.Fault's stack-growth criterion like any
// other access (spec.md §4.5).
var stackTop = vm.PhysBase - vm.PageSize

// buildArgvStack lays out argv on the single initial stack page in
// the shape spec.md §4.6 describes: the argument strings themselves,
// a word-aligned argv pointer array terminated by a null sentinel,
// the argv pointer, argc, and a zero fake return address — then
// returns the resulting stack pointer. This simulation keeps argv on
// one page; a real loader would let the stack grow across pages as
// needed, which AddressSpace.Fault already supports for everything
// above this initial page.
func buildArgvStack(p *Process, argv []string) (uintptr, error) {
	if err := p.AS.InstallZero(stackTop, true); err != nil {
		return 0, err
	}
	if err := p.AS.Fault(stackTop, vm.PhysBase-4); err != nil {
		return 0, err
	}
	pte, _ := p.AS.Lookup(stackTop)
	frame := pte.Frame

	sp := vm.PageSize
	strAddrs := make([]uintptr, len(argv))
	for i := len(argv) - 1; i >= 0; i-- {
		s := argv[i] + "\x00"
		sp -= len(s)
		if sp < 0 {
			return 0, fmt.Errorf("process: argv too large for one stack page")
		}
		frame.Write([]byte(s), sp)
		strAddrs[i] = stackTop + uintptr(sp)
	}

	sp &^= 3 // word-align before the pointer array (spec.md §4.6)

	const wordSize = 4
	sp -= wordSize // null sentinel
	if sp < 0 {
		return 0, fmt.Errorf("process: argv too large for one stack page")
	}
	writeWord(frame, sp, 0)

	for i := len(argv) - 1; i >= 0; i-- {
		sp -= wordSize
		if sp < 0 {
			return 0, fmt.Errorf("process: argv too large for one stack page")
		}
		writeWord(frame, sp, uint32(strAddrs[i]))
	}
	argvAddr := stackTop + uintptr(sp)

	sp -= wordSize
	writeWord(frame, sp, uint32(argvAddr))
	sp -= wordSize
	writeWord(frame, sp, uint32(len(argv)))
	sp -= wordSize // fake return address
	writeWord(frame, sp, 0)

	if sp < 0 {
		return 0, fmt.Errorf("process: argv too large for one stack page")
	}
	return stackTop + uintptr(sp), nil
}

func writeWord(frame *vm.Frame, offset int, v uint32) {
	var buf [4]byte
	buf[0] = byte(v)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v >> 16)
	buf[3] = byte(v >> 24)
	frame.Write(buf[:], offset)
}

// Exec implements spec.md §4.6's exec(cmdline): the parent splits
// cmdline into words and looks up the program image by the first one,
// then spawns a child thread that loads the image, builds the argv
// stack, and signals load-complete (or load-fail) before the parent
// returns.
func (p *Process) Exec(cmdline string) (pid int, ok bool) {
	argv := strings.Fields(cmdline)
	if len(argv) == 0 {
		return 0, false
	}
	img, found := lookupExecutable(argv[0])
	if !found {
		return 0, false
	}

	loaded := make(chan error, 1)
	childPID := make(chan int, 1)

	p.mu.Lock()
	parentCWD := p.cwd
	p.mu.Unlock()

	p.tbl.Sched.Spawn(argv[0], thread.PriorityDefault, func(t *thread.Thread) {
		as := vm.NewAddressSpace(p.tbl.Frames, p.tbl.Swap)
		child := newProcess(p.tbl, as, argv[0], p, parentCWD)
		child.Thread = t
		childPID <- child.PID

		if err := LoadImage(child, img); err != nil {
			loaded <- err
			child.Exit(-1)
			return
		}
		sp, err := buildArgvStack(child, argv)
		if err != nil {
			loaded <- err
			child.Exit(-1)
			return
		}
		_ = sp
		loaded <- nil

		status := img.Entry(child)
		child.Exit(status)
	})

	cpid := <-childPID
	if err := <-loaded; err != nil {
		return 0, false
	}
	p.addChild(cpid)
	return cpid, true
}
