// Package system assembles the storage and virtual-memory subsystems
// into one boot/shutdown unit: the block cache, background flusher,
// open-inode registry, free-sector allocator, swap device, and frame
// table, bound to a filesystem disk and a swap disk.
//
// Grounded on SPEC_FULL.md's Open Question resolution #3 (Design Note
// "Global state"): rather than package-level singletons, every
// subsystem hangs off one System value passed around explicitly, in
// the style of biscuit/src/ufs/ufs.go's Ufs_t boot/shutdown pair
// (BootMemFS/ShutdownFS), which this package's Boot/Shutdown mirror.
package system

import (
	"fmt"
	"log"
	"time"

	"teachkern/alloc"
	"teachkern/cache"
	"teachkern/defs"
	"teachkern/device"
	"teachkern/dirent"
	"teachkern/frame"
	"teachkern/inode"
	"teachkern/swap"
)

// Reserved sector numbers on the filesystem device (§6: "Sector 0 of
// the filesystem device holds the free-map inode; sector 1 holds the
// root-directory inode").
const (
	FreeMapSector = 0
	RootSector    = 1
	firstDataSec  = 2
)

// System holds every shared subsystem a process context needs.
type System struct {
	Disk     device.Disk
	Cache    *cache.Cache
	Flusher  *cache.Flusher
	Alloc    *alloc.BlockAllocator
	Registry *inode.Registry

	SwapDisk device.Disk
	Swap     *swap.Device

	Frames *frame.Table
}

// Boot wires a System over an already-open filesystem disk and swap
// disk, starts the background flusher, and — if freshFormat is true —
// lays down the free-map and root-directory inodes (§6). totalUserBytes
// sizes the frame table (§4.5).
func Boot(disk, swapDisk device.Disk, freshFormat bool, totalUserBytes int) (*System, error) {
	s := &System{
		Disk:     disk,
		Cache:    cache.New(disk, cache.Capacity),
		Alloc:    alloc.NewBlockAllocator(firstDataSec, disk.Size()-firstDataSec),
		Registry: inode.NewRegistry(),
		SwapDisk: swapDisk,
		Swap:     swap.Init(swapDisk),
		Frames:   frame.NewTable(totalUserBytes),
	}
	s.Flusher = cache.NewFlusher(s.Cache, 50*time.Millisecond)
	s.Flusher.Start()

	if freshFormat {
		log.Printf("system: formatting %d-sector filesystem disk", disk.Size())
		if err := s.format(); err != nil {
			s.Shutdown()
			return nil, err
		}
	}
	return s, nil
}

func (s *System) format() error {
	if !inode.Create(s.Cache, s.Alloc, FreeMapSector, 0) {
		return fmt.Errorf("system: failed to create free-map inode")
	}
	if !inode.Create(s.Cache, s.Alloc, RootSector, 0) {
		return fmt.Errorf("system: failed to create root directory inode")
	}
	root, err := s.Registry.Open(s.Cache, s.Alloc, RootSector)
	if err != 0 {
		return fmt.Errorf("system: open root inode: %v", err)
	}
	defer root.Close(s.Registry)
	if err := dirent.Create(root, RootSector, 0); err != 0 {
		return fmt.Errorf("system: format root directory: %v", err)
	}
	return nil
}

// OpenRoot opens the root directory inode, for callers that need a
// starting point for path resolution.
func (s *System) OpenRoot() (*dirent.Dir, defs.Err_t) {
	ino, err := s.Registry.Open(s.Cache, s.Alloc, RootSector)
	if err != 0 {
		return nil, err
	}
	return dirent.Open(ino), 0
}

// Shutdown stops the background flusher and flushes every dirty cache
// entry, the reverse of Boot's bring-up order (Design Note "Global
// state": "singletons initialized at boot and destroyed at shutdown in
// reverse order").
func (s *System) Shutdown() {
	if s.Flusher != nil {
		s.Flusher.Stop()
	}
	s.Cache.Shutdown()
	log.Printf("system: shutdown complete")
}
