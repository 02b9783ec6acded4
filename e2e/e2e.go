// Package e2e exercises the assembled storage and VM stack against the
// six literal end-to-end scenarios named in the design: single-file
// round trip, a large file, concurrent non-overlapping writers,
// directory lifecycle, cross-process mmap sharing, and memory
// oversubscription across several simulated processes.
//
// Path parsing and traversal are explicitly out of scope (the spec
// treats "directory name-parsing and path traversal glue" as external);
// these tests stand in for a path walk with direct dirent.Dir
// operations on path components, exactly the boundary the design draws.
//
// Grounded on biscuit/src/ufs/ufs.go's Ufs_t, the small end-to-end
// harness the teacher itself builds on top of its filesystem and VM
// packages for exactly this kind of scenario test.
package e2e

import (
	"teachkern/defs"
	"teachkern/device"
	"teachkern/dirent"
	"teachkern/inode"
	"teachkern/system"
)

// harness bundles a booted system with its root directory, the minimal
// rig every scenario below needs.
type harness struct {
	sys  *system.System
	root *dirent.Dir
}

func newHarness(nsec, swapSec, totalUserBytes int) *harness {
	disk := device.NewMemDisk(nsec, device.Filesys)
	swapDisk := device.NewMemDisk(swapSec, device.Swap)
	sys, err := system.Boot(disk, swapDisk, true, totalUserBytes)
	if err != nil {
		panic(err)
	}
	root, errt := sys.OpenRoot()
	if errt != 0 {
		panic(errt)
	}
	return &harness{sys: sys, root: root}
}

func (h *harness) close() {
	h.root.Close(h.sys.Registry)
	h.sys.Shutdown()
}

// createFile allocates a sector, stamps a fresh inode of the given
// length, and registers name in dir — the e2e stand-in for create(path,
// size) now that path walk is out of scope.
func (h *harness) createFile(dir *dirent.Dir, name string, length int) (int, defs.Err_t) {
	sector, ok := h.sys.Alloc.Alloc()
	if !ok {
		return 0, defs.ENOSPC
	}
	if !inode.Create(h.sys.Cache, h.sys.Alloc, sector, length) {
		h.sys.Alloc.Free(sector)
		return 0, defs.ENOSPC
	}
	if err := dir.Add(name, sector, false); err != 0 {
		return 0, err
	}
	return sector, 0
}

// createDir is createFile's directory analog (mkdir).
func (h *harness) createDir(dir *dirent.Dir, name string) (*dirent.Dir, defs.Err_t) {
	sector, ok := h.sys.Alloc.Alloc()
	if !ok {
		return nil, defs.ENOSPC
	}
	if !inode.Create(h.sys.Cache, h.sys.Alloc, sector, 0) {
		h.sys.Alloc.Free(sector)
		return nil, defs.ENOSPC
	}
	ino, err := h.sys.Registry.Open(h.sys.Cache, h.sys.Alloc, sector)
	if err != 0 {
		return nil, err
	}
	parentIno := dir.Inode()
	if err := dirent.Create(ino, parentIno.Sector(), 0); err != 0 {
		ino.Close(h.sys.Registry)
		return nil, err
	}
	if err := dir.Add(name, sector, true); err != 0 {
		ino.Close(h.sys.Registry)
		return nil, err
	}
	return dirent.Open(ino), 0
}

// openFile resolves name within dir and opens its inode — the e2e
// stand-in for open(path) once path walk (out of scope) has located
// the containing directory.
func (h *harness) openFile(dir *dirent.Dir, name string) (*inode.Inode, defs.Err_t) {
	sector, isDir, ok := dir.Lookup(name)
	if !ok {
		return nil, defs.ENOENT
	}
	if isDir {
		return nil, defs.EISDIR
	}
	return h.sys.Registry.Open(h.sys.Cache, h.sys.Alloc, sector)
}
