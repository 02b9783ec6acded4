// Package device models the raw block device: a flat array of
// fixed-size sectors with blocking read/write (spec §6). It is treated
// as an external collaborator — the real contract is "blocking,
// assumed infallible" — but a simulated, file-backed implementation is
// needed to exercise the rest of the module end to end.
//
// Grounded on biscuit/src/fs/blk.go's Disk_i/Bdev_req_t request shape
// and biscuit/src/ufs/driver.go's ahci_disk_t, which simulates a disk
// as a regular file opened with os.OpenFile and serviced under a single
// mutex ("lock to ensure seek followed by read/write is atomic").
package device

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"teachkern/defs"
)

// SectorSize is the fixed size of a single unit of device I/O.
const SectorSize = 512

// Role distinguishes the filesystem device from the swap device, per
// spec §6 ("role lookup (FILESYS, SWAP)").
type Role int

const (
	Filesys Role = iota
	Swap
)

// Disk is the raw block device contract. Read/Write block the caller
// until the transfer completes; both are modeled as infallible, exactly
// as spec.md §6 specifies ("device errors are out of scope").
type Disk interface {
	Read(sector int, buf []byte)
	Write(sector int, buf []byte)
	Size() int // sectors
	Role() Role
}

// FileDisk is a Disk backed by a regular file, the direct descendant of
// ahci_disk_t. Pread/Pwrite (via golang.org/x/sys/unix) replace the
// teacher's seek-then-read/write pair so each transfer carries its own
// offset rather than moving the file cursor — this is the "domain stack"
// use of golang.org/x/sys named in SPEC_FULL.md. Transfers are still
// serialized by mu.
type FileDisk struct {
	mu   sync.Mutex
	f    *os.File
	role Role
	nsec int
}

// NewFileDisk creates (or truncates) a file-backed disk of nsec sectors.
func NewFileDisk(path string, nsec int, role Role) (*FileDisk, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("device: open %s: %w", path, err)
	}
	if err := f.Truncate(int64(nsec) * SectorSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("device: truncate %s: %w", path, err)
	}
	return &FileDisk{f: f, role: role, nsec: nsec}, nil
}

// Read reads one sector synchronously.
func (d *FileDisk) Read(sector int, buf []byte) {
	if len(buf) != SectorSize {
		defs.Halt("device: buffer must be exactly one sector")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := unix.Pread(int(d.f.Fd()), buf, int64(sector)*SectorSize)
	if err != nil || n != SectorSize {
		defs.Halt(fmt.Sprintf("device: read sector %d failed: %v", sector, err))
	}
}

// Write writes one sector synchronously and fsyncs the backing file,
// matching the teacher's use of ahci.f.Sync() after writes complete.
func (d *FileDisk) Write(sector int, buf []byte) {
	if len(buf) != SectorSize {
		defs.Halt("device: buffer must be exactly one sector")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := unix.Pwrite(int(d.f.Fd()), buf, int64(sector)*SectorSize)
	if err != nil || n != SectorSize {
		defs.Halt(fmt.Sprintf("device: write sector %d failed: %v", sector, err))
	}
	_ = unix.Fdatasync(int(d.f.Fd()))
}

// Size reports the device's sector count.
func (d *FileDisk) Size() int { return d.nsec }

// Role reports whether this is the filesystem or swap device.
func (d *FileDisk) Role() Role { return d.role }

// Close releases the backing file.
func (d *FileDisk) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Close()
}

// MemDisk is an in-memory Disk, used by unit tests that do not want
// filesystem side effects. It mirrors FileDisk's contract exactly.
type MemDisk struct {
	mu     sync.Mutex
	sects  [][SectorSize]byte
	role   Role
}

// NewMemDisk creates an in-memory disk of nsec sectors, all zeroed.
func NewMemDisk(nsec int, role Role) *MemDisk {
	return &MemDisk{sects: make([][SectorSize]byte, nsec), role: role}
}

func (d *MemDisk) Read(sector int, buf []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sector < 0 || sector >= len(d.sects) {
		defs.Halt(fmt.Sprintf("device: sector %d out of range", sector))
	}
	copy(buf, d.sects[sector][:])
}

func (d *MemDisk) Write(sector int, buf []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sector < 0 || sector >= len(d.sects) {
		defs.Halt(fmt.Sprintf("device: sector %d out of range", sector))
	}
	copy(d.sects[sector][:], buf)
}

func (d *MemDisk) Size() int  { return len(d.sects) }
func (d *MemDisk) Role() Role { return d.role }
