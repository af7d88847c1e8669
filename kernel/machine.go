// Package kernel wires the four subsystems (thread, vm, filesys,
// process) together into one running instance, the way go-fuse's
// fuse.NewServer wires a RawFileSystem, a mount point and a
// MountOptions struct into one fuse.Server. There is no mount point
// here; Machine is the thing a test or a cmd/ main boots once and then
// drives via process.Table.
package kernel

import (
	"log"
	"os"

	"github.com/rwan6/pintos/cache"
	"github.com/rwan6/pintos/filesys"
	"github.com/rwan6/pintos/internal/blockdev"
	"github.com/rwan6/pintos/process"
	"github.com/rwan6/pintos/swap"
	"github.com/rwan6/pintos/thread"
	"github.com/rwan6/pintos/timer"
	"github.com/rwan6/pintos/vm"
)

// Options configures a Machine, the same role fuse.MountOptions plays
// for fuse.Server: a plain struct with documented fields passed to a
// constructor, no flag or env parsing (spec.md's ambient-stack choice,
// see SPEC_FULL.md).
type Options struct {
	// SchedulerMode selects StrictPriority or MLFQS (spec.md §4.1).
	SchedulerMode thread.Mode
	// TimerFreq is the tick source's frequency in Hz, clamped to
	// [timer.MinFreq, timer.MaxFreq].
	TimerFreq int
	// FrameCount is the number of physical frames in the user pool
	// (spec.md §4.5).
	FrameCount int
	// FSDevice and SwapDevice are the backing block devices. Tests
	// typically pass blockdev.NewMemory-backed devices.
	FSDevice   *blockdev.Device
	SwapDevice *blockdev.Device
	// Format, if true, zeroes FSDevice's root directory on boot
	// (filesys.Format). False attaches to an already-formatted image.
	Format bool
	// Debug gates Machine's logger, mirroring fuse.Server.SetDebug.
	Debug bool
	// Logger receives debug output when Debug is true; defaults to a
	// logger writing to os.Stderr.
	Logger *log.Logger
}

// Machine is one fully wired kernel instance.
type Machine struct {
	Timer     *timer.Source
	Scheduler *thread.Scheduler
	Cache     *cache.Cache
	FreeMap   *filesys.FreeMap
	FS        *filesys.FileSystem
	Swap      *swap.Store
	Frames    *vm.FrameTable
	Processes *process.Table

	debug  bool
	logger *log.Logger
}

// New wires up a Machine per opts. The caller is responsible for
// calling Close when done, which flushes the buffer cache and stops
// the background daemons.
func New(opts Options) (*Machine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "pintos: ", log.LstdFlags)
	}

	src := timer.New(opts.TimerFreq)
	sched := thread.New(opts.SchedulerMode, src)
	if opts.Debug {
		sched.SetLogger(logger)
	}

	c := cache.New(opts.FSDevice)
	fm := filesys.NewFreeMap(opts.FSDevice.Sectors())
	fs := filesys.NewFileSystem(c, fm)
	if opts.Format {
		if err := filesys.Format(fs); err != nil {
			return nil, err
		}
	}

	store := swap.New(opts.SwapDevice)
	frames := vm.NewFrameTable(opts.FrameCount, store)
	if opts.Debug {
		frames.SetLogger(logger)
	}

	tbl := process.NewTable(fs, frames, store, sched)

	m := &Machine{
		Timer:     src,
		Scheduler: sched,
		Cache:     c,
		FreeMap:   fm,
		FS:        fs,
		Swap:      store,
		Frames:    frames,
		Processes: tbl,

		debug:  opts.Debug,
		logger: logger,
	}
	if err := process.CheckPageSize(); err != nil {
		m.debugf("page size check: %v", err)
	}
	process.Halt = func() {
		m.debugf("halt")
	}
	m.debugf("machine ready: %d frames, %d swap slots, cache size %d", opts.FrameCount, store.Slots(), cache.Size)
	return m, nil
}

// Close stops the tick source and flushes the buffer cache.
func (m *Machine) Close() error {
	m.Timer.Stop()
	return m.Cache.Close()
}

// debugf logs when Debug is set, exactly the pattern go-fuse's
// fuse.Server uses around its own *log.Logger/debug bool pair.
func (m *Machine) debugf(format string, args ...interface{}) {
	if m.debug {
		m.logger.Printf(format, args...)
	}
}
