package page

import (
	"testing"

	"teachkern/alloc"
	"teachkern/cache"
	"teachkern/defs"
	"teachkern/device"
	"teachkern/frame"
	"teachkern/inode"
	"teachkern/process"
	"teachkern/swap"
)

func newEnv(t *testing.T, nframes int) (*frame.Table, *swap.Device, *process.Process) {
	t.Helper()
	frames := frame.NewTable(nframes * 2 * frame.PageSize)
	swapDisk := device.NewMemDisk(swap.SectorsPerSlot*4, device.Swap)
	sw := swap.Init(swapDisk)
	p := process.New(1)
	return frames, sw, p
}

func TestMapStackZeroFills(t *testing.T) {
	frames, sw, p := newEnv(t, 1)
	tbl := NewTable(p, frames, sw)

	if err := tbl.AddEntry(0x1000, Stack, true, nil, 0); err != 0 {
		t.Fatalf("add entry: %v", err)
	}
	if err := tbl.Map(0x1000, false); err != 0 {
		t.Fatalf("map: %v", err)
	}
	e, _ := tbl.Lookup(0x1000)
	if e.Loc() != MainMemory {
		t.Fatalf("expected MainMemory after map")
	}
	data := frames.Data(e.FrameIndex())
	for i, b := range data {
		if b != 0 {
			t.Fatalf("byte %d not zeroed: %#x", i, b)
		}
	}
}

func TestStackPageEvictsToSwapAndReloads(t *testing.T) {
	frames, sw, p := newEnv(t, 1) // 1 frame
	tbl := NewTable(p, frames, sw)

	tbl.AddEntry(0x1000, Stack, true, nil, 0)
	tbl.Map(0x1000, false)
	e1, _ := tbl.Lookup(0x1000)
	data := frames.Data(e1.FrameIndex())
	data[0] = 0xAB
	e1.MarkDirty()

	// Force eviction by mapping a second page while only one frame exists.
	tbl.AddEntry(0x2000, Stack, true, nil, 0)
	if err := tbl.Map(0x2000, false); err != 0 {
		t.Fatalf("map second page (should evict first): %v", err)
	}
	if e1.Loc() != Swap {
		t.Fatalf("expected first page evicted to swap, got %v", e1.Loc())
	}

	// Re-map the first page; it should read its data back from swap.
	if err := tbl.Map(0x1000, false); err != 0 {
		t.Fatalf("re-map from swap: %v", err)
	}
	data = frames.Data(e1.FrameIndex())
	if data[0] != 0xAB {
		t.Fatalf("byte 0 after swap round trip: got %#x want 0xab", data[0])
	}
}

func TestFileEvictionWritesBackDirtyPage(t *testing.T) {
	disk := device.NewMemDisk(4096, device.Filesys)
	c := cache.New(disk, cache.Capacity)
	a := alloc.NewBlockAllocator(64, 4096-64)
	if !inode.Create(c, a, 1, frame.PageSize) {
		t.Fatalf("inode create failed")
	}
	r := inode.NewRegistry()
	ino, err := r.Open(c, a, 1)
	if err != 0 {
		t.Fatalf("open: %v", err)
	}

	frames, sw, p := newEnv(t, 1)
	tbl := NewTable(p, frames, sw)
	tbl.AddEntry(0x3000, File, true, ino, 0)
	tbl.Map(0x3000, false)
	e, _ := tbl.Lookup(0x3000)
	data := frames.Data(e.FrameIndex())
	data[0] = 0x42
	e.MarkDirty()

	// Evict by forcing another acquire on the single-frame table.
	tbl.AddEntry(0x4000, Stack, true, nil, 0)
	if err := tbl.Map(0x4000, false); err != 0 {
		t.Fatalf("map second page: %v", err)
	}
	if e.Loc() != Unmapped {
		t.Fatalf("expected FILE page unmapped after eviction, got %v", e.Loc())
	}

	buf := make([]byte, 1)
	if _, err := ino.ReadAt(buf, 0); err != 0 {
		t.Fatalf("read back: %v", err)
	}
	if buf[0] != 0x42 {
		t.Fatalf("dirty FILE page was not written back: got %#x", buf[0])
	}
	ino.Close(r)
}

func TestUnmapCleanFileDoesNotWriteBack(t *testing.T) {
	disk := device.NewMemDisk(4096, device.Filesys)
	c := cache.New(disk, cache.Capacity)
	a := alloc.NewBlockAllocator(64, 4096-64)
	inode.Create(c, a, 1, frame.PageSize)
	r := inode.NewRegistry()
	ino, _ := r.Open(c, a, 1)

	frames, sw, p := newEnv(t, 2)
	tbl := NewTable(p, frames, sw)
	tbl.AddEntry(0x3000, File, true, ino, 0)
	tbl.Map(0x3000, false)
	e, _ := tbl.Lookup(0x3000)
	// Change the frame without marking the page dirty.
	frames.Data(e.FrameIndex())[0] = 0x42

	if err := tbl.Unmap(0x3000); err != 0 {
		t.Fatalf("unmap: %v", err)
	}
	if _, ok := tbl.Lookup(0x3000); ok {
		t.Fatalf("entry should be removed after unmap")
	}
	buf := make([]byte, 1)
	if _, err := ino.ReadAt(buf, 0); err != 0 {
		t.Fatalf("read back: %v", err)
	}
	if buf[0] != 0 {
		t.Fatalf("clean FILE page was written back: got %#x", buf[0])
	}
	ino.Close(r)
}

func TestAddEntryDuplicateFails(t *testing.T) {
	frames, sw, p := newEnv(t, 1)
	tbl := NewTable(p, frames, sw)
	tbl.AddEntry(0x1000, Stack, true, nil, 0)
	if err := tbl.AddEntry(0x1000, Stack, true, nil, 0); err != defs.EEXIST {
		t.Fatalf("expected EEXIST, got %v", err)
	}
}
