// Package blockdev is the concrete stand-in for the "block device"
// collaborator contract: synchronous read(sector, buf) / write(sector,
// buf) of SectorSize bytes, as specified in spec.md §6. Pintos has two
// instances of this contract in practice, the filesystem's fs_device
// and the swap partition's swap device; go-pintos mirrors that split
// by constructing two *blockdev.Device values, one per backing file.
package blockdev

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// SectorSize is the fixed sector granularity of every block device.
const SectorSize = 512

// Device is a sector-addressed block device backed by a regular file
// (or an anonymous memory region, for tests that don't want a scratch
// file on disk). It performs no caching and no buffering: every Read
// and Write goes straight to the backing store, matching the "assumed
// reliable, synchronous" collaborator contract in spec.md §6.
type Device struct {
	name      string
	sectors   uint32
	fd        int // -1 if memory-backed
	mem       []byte
	closeFunc func() error
}

// Open opens (or creates) path as a block device with the given
// sector count, growing/truncating the backing file to exactly
// sectors*SectorSize bytes.
func Open(name, path string, sectors uint32) (*Device, error) {
	size := int64(sectors) * SectorSize
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0o600)
	if err != nil {
		return nil, fmt.Errorf("blockdev: open %s: %w", path, err)
	}
	if err := unix.Ftruncate(fd, size); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("blockdev: truncate %s: %w", path, err)
	}
	return &Device{name: name, sectors: sectors, fd: fd}, nil
}

// NewMemory returns a Device backed entirely by process memory, for
// tests and for the swap device in configurations with no swap file.
func NewMemory(name string, sectors uint32) *Device {
	return &Device{
		name:    name,
		sectors: sectors,
		fd:      -1,
		mem:     make([]byte, int64(sectors)*SectorSize),
	}
}

// Name identifies the device in log messages and panics.
func (d *Device) Name() string { return d.name }

// Sectors returns the device's fixed sector count.
func (d *Device) Sectors() uint32 { return d.sectors }

func (d *Device) checkSector(sector uint32) {
	if sector >= d.sectors {
		panic(fmt.Sprintf("blockdev %s: sector %d out of range [0,%d)", d.name, sector, d.sectors))
	}
}

// Read copies exactly SectorSize bytes from sector into buf.
func (d *Device) Read(sector uint32, buf []byte) error {
	d.checkSector(sector)
	if len(buf) != SectorSize {
		panic(fmt.Sprintf("blockdev %s: Read buffer must be %d bytes, got %d", d.name, SectorSize, len(buf)))
	}
	off := int64(sector) * SectorSize
	if d.fd == -1 {
		copy(buf, d.mem[off:off+SectorSize])
		return nil
	}
	n, err := unix.Pread(d.fd, buf, off)
	if err != nil {
		return fmt.Errorf("blockdev %s: read sector %d: %w", d.name, sector, err)
	}
	if n != SectorSize {
		return fmt.Errorf("blockdev %s: short read at sector %d: %d bytes", d.name, sector, n)
	}
	return nil
}

// Write copies exactly SectorSize bytes from buf into sector.
func (d *Device) Write(sector uint32, buf []byte) error {
	d.checkSector(sector)
	if len(buf) != SectorSize {
		panic(fmt.Sprintf("blockdev %s: Write buffer must be %d bytes, got %d", d.name, SectorSize, len(buf)))
	}
	off := int64(sector) * SectorSize
	if d.fd == -1 {
		copy(d.mem[off:off+SectorSize], buf)
		return nil
	}
	n, err := unix.Pwrite(d.fd, buf, off)
	if err != nil {
		return fmt.Errorf("blockdev %s: write sector %d: %w", d.name, sector, err)
	}
	if n != SectorSize {
		return fmt.Errorf("blockdev %s: short write at sector %d: %d bytes", d.name, sector, n)
	}
	return nil
}

// Close releases the backing file descriptor, if any.
func (d *Device) Close() error {
	if d.fd == -1 {
		return nil
	}
	return unix.Close(d.fd)
}
