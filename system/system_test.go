package system

import (
	"testing"

	"teachkern/device"
)

func newTestSystem(t *testing.T, nsec int) *System {
	t.Helper()
	disk := device.NewMemDisk(nsec, device.Filesys)
	swapDisk := device.NewMemDisk(64, device.Swap)
	s, err := Boot(disk, swapDisk, true, 2*1024*1024)
	if err != nil {
		t.Fatalf("boot: %v", err)
	}
	t.Cleanup(s.Shutdown)
	return s
}

func TestBootFormatsRootDirectory(t *testing.T) {
	s := newTestSystem(t, 512)
	root, err := s.OpenRoot()
	if err != 0 {
		t.Fatalf("open root: %v", err)
	}
	sector, isDir, ok := root.Lookup(".")
	if !ok || sector != RootSector || !isDir {
		t.Fatalf("root '.' entry: sector=%d isDir=%v ok=%v", sector, isDir, ok)
	}
	root.Close(s.Registry)
}

func TestAllocatorAvoidsReservedSectors(t *testing.T) {
	s := newTestSystem(t, 512)
	sector, ok := s.Alloc.Alloc()
	if !ok {
		t.Fatalf("alloc failed")
	}
	if sector == FreeMapSector || sector == RootSector {
		t.Fatalf("allocator handed out a reserved sector: %d", sector)
	}
}
