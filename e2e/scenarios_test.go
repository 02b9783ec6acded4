package e2e

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"teachkern/defs"
	"teachkern/frame"
	"teachkern/page"
	"teachkern/process"
	"teachkern/swap"
	"teachkern/validate"
)

// E1: create/open/write/close/reopen/filesize/read round trip.
func TestE1CreateWriteReopenRead(t *testing.T) {
	h := newHarness(256, 64, 1<<20)
	defer h.close()

	sector, err := h.createFile(h.root, "a", 0)
	require.Equal(t, defs.Err_t(0), err)
	ino, err := h.openFile(h.root, "a")
	require.Equal(t, defs.Err_t(0), err)

	n, err := ino.WriteAt([]byte("hello"), 0)
	require.Equal(t, defs.Err_t(0), err)
	require.Equal(t, 5, n)
	ino.Close(h.sys.Registry)

	ino2, err := h.openFile(h.root, "a")
	require.Equal(t, defs.Err_t(0), err)
	require.Equal(t, sector, ino2.Sector())
	require.Equal(t, 5, ino2.Length())

	buf := make([]byte, 5)
	n, err = ino2.ReadAt(buf, 0)
	require.Equal(t, defs.Err_t(0), err)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(buf))
	ino2.Close(h.sys.Registry)
}

// E2: a large file spanning indirect/doubly-indirect sectors.
func TestE2LargeFileRoundTrip(t *testing.T) {
	const size = 5_000_000
	nsec := size/512 + 4096
	h := newHarness(nsec, 64, 1<<20)
	defer h.close()

	_, err := h.createFile(h.root, "big", 0)
	require.Equal(t, defs.Err_t(0), err)
	ino, err := h.openFile(h.root, "big")
	require.Equal(t, defs.Err_t(0), err)

	pattern := make([]byte, size)
	for i := range pattern {
		pattern[i] = 0xAB
	}
	n, err := ino.WriteAt(pattern, 0)
	require.Equal(t, defs.Err_t(0), err)
	require.Equal(t, size, n)
	require.Equal(t, size, ino.Length())

	buf := make([]byte, 512)
	n, err = ino.ReadAt(buf, 4_096_000)
	require.Equal(t, defs.Err_t(0), err)
	require.Equal(t, 512, n)
	for _, b := range buf {
		require.Equal(t, byte(0xAB), b)
	}
	ino.Close(h.sys.Registry)
}

// E3: two threads issue many non-overlapping 64-byte writes to the
// same inode; a single reader afterward observes every thread's bytes
// exactly where it wrote them.
func TestE3ConcurrentNonOverlappingWriters(t *testing.T) {
	const writesPerThread = 2000
	const recordSize = 64
	nsec := (writesPerThread*2*recordSize)/512 + 4096
	h := newHarness(nsec, 64, 1<<20)
	defer h.close()

	_, err := h.createFile(h.root, "shared", 0)
	require.Equal(t, defs.Err_t(0), err)
	ino, err := h.openFile(h.root, "shared")
	require.Equal(t, defs.Err_t(0), err)

	var wg sync.WaitGroup
	for tid := 0; tid < 2; tid++ {
		wg.Add(1)
		go func(tid int) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(int64(tid) + 1))
			order := rnd.Perm(writesPerThread)
			tag := byte(tid + 1)
			for _, slot := range order {
				ofs := (slot*2 + tid) * recordSize
				buf := make([]byte, recordSize)
				for i := range buf {
					buf[i] = tag
				}
				_, err := ino.WriteAt(buf, ofs)
				require.Equal(t, defs.Err_t(0), err)
			}
		}(tid)
	}
	wg.Wait()

	for tid := 0; tid < 2; tid++ {
		tag := byte(tid + 1)
		for slot := 0; slot < writesPerThread; slot++ {
			ofs := (slot*2 + tid) * recordSize
			buf := make([]byte, recordSize)
			n, err := ino.ReadAt(buf, ofs)
			require.Equal(t, defs.Err_t(0), err)
			require.Equal(t, recordSize, n)
			for _, b := range buf {
				require.Equalf(t, tag, b, "thread %d slot %d", tid, slot)
			}
		}
	}
	ino.Close(h.sys.Registry)
}

// E4: mkdir/chdir/mkdir/duplicate-mkdir-fails/remove/remove.
func TestE4DirectoryLifecycle(t *testing.T) {
	h := newHarness(256, 64, 1<<20)
	defer h.close()

	d, err := h.createDir(h.root, "d")
	require.Equal(t, defs.Err_t(0), err)

	// chdir("/d"): cwd is now d; mkdir("sub") is relative to cwd.
	sub, err := h.createDir(d, "sub")
	require.Equal(t, defs.Err_t(0), err)

	// mkdir("/d/sub") again must fail: already exists.
	_, err = h.createDir(d, "sub")
	require.Equal(t, defs.EEXIST, err)

	sub.Close(h.sys.Registry)
	require.Equal(t, defs.Err_t(0), d.Remove("sub", h.sys.Registry, h.sys.Alloc, h.sys.Cache, nil))
	d.Close(h.sys.Registry)
	require.Equal(t, defs.Err_t(0), h.root.Remove("d", h.sys.Registry, h.sys.Alloc, h.sys.Cache, nil))
}

// E5: one process mmaps a multi-page file, writes a distinct byte per
// page, munmaps; a second process reads the file and observes the
// writes. The spec's literal 16 KiB/32-page figures assume a 512-byte
// page; this module's simulated page size is 4096 bytes (matching
// swap.PageSize), so the byte-per-page count is adapted to 32 pages of
// 4096 bytes (128 KiB) to preserve the "one distinct byte per page"
// structure of the scenario.
func TestE5CrossProcessMmapSharing(t *testing.T) {
	const numPages = 32
	fileSize := numPages * frame.PageSize
	nsec := fileSize/512 + 4096
	h := newHarness(nsec, 4*numPages, 16*1024*1024)
	defer h.close()

	_, err := h.createFile(h.root, "shared.bin", fileSize)
	require.Equal(t, defs.Err_t(0), err)

	writerIno, err := h.openFile(h.root, "shared.bin")
	require.Equal(t, defs.Err_t(0), err)
	writerProc := process.New(1)
	writerPages := page.NewTable(writerProc, h.sys.Frames, h.sys.Swap)
	writerValidator := validate.New(writerProc, writerPages, h.sys.Frames, 1<<40)

	const addr = uintptr(0x400000)
	id, err := writerValidator.Mmap(writerIno, addr)
	require.Equal(t, defs.Err_t(0), err)

	for i := 0; i < numPages; i++ {
		pageAddr := addr + uintptr(i*frame.PageSize)
		pinned, err := writerValidator.ValidateBuffer(pageAddr, 1, true)
		require.Equal(t, defs.Err_t(0), err)
		entry, ok := writerPages.Lookup(pageAddr)
		require.True(t, ok)
		h.sys.Frames.Data(entry.FrameIndex())[0] = byte(i)
		entry.MarkDirty()
		writerValidator.UnpinAll(pinned)
	}
	require.Equal(t, defs.Err_t(0), writerValidator.Munmap(id))
	writerIno.Close(h.sys.Registry)

	readerIno, err := h.openFile(h.root, "shared.bin")
	require.Equal(t, defs.Err_t(0), err)
	buf := make([]byte, fileSize)
	n, err := readerIno.ReadAt(buf, 0)
	require.Equal(t, defs.Err_t(0), err)
	require.Equal(t, fileSize, n)
	for i := 0; i < numPages; i++ {
		require.Equalf(t, byte(i), buf[i*frame.PageSize], "page %d", i)
	}
	readerIno.Close(h.sys.Registry)
}

// E6: several simulated processes touch far more stack memory than
// the shared frame pool holds; every access succeeds via eviction and
// swapping, and every swap slot is freed once all processes tear down.
// The spec's literal 200 MiB/64 MiB figures are scaled down by a
// constant factor so the test completes quickly; the oversubscription
// ratio (combined stack demand is roughly 2x the frame pool) is
// preserved.
func TestE6MemoryOversubscriptionAcrossProcesses(t *testing.T) {
	const physUserBytes = 256 * 1024 // physical user memory; the frame pool is half of it
	const perProcessBytes = 96 * 1024
	const numProcs = 3

	swapSlots := (numProcs * perProcessBytes) / swap.PageSize * 2
	h := newHarness(256, swapSlots*swap.SectorsPerSlot, physUserBytes)
	defer h.close()

	type procCtx struct {
		proc  *process.Process
		pages *page.Table
		v     *validate.Validator
		base  uintptr
	}
	procs := make([]procCtx, numProcs)
	for i := range procs {
		p := process.New(defs.Tid_t(i + 1))
		pt := page.NewTable(p, h.sys.Frames, h.sys.Swap)
		v := validate.New(p, pt, h.sys.Frames, 1<<40)
		procs[i] = procCtx{proc: p, pages: pt, v: v, base: uintptr(i+1) * (1 << 32)}
	}

	numPages := perProcessBytes / frame.PageSize
	for _, pc := range procs {
		for i := 0; i < numPages; i++ {
			addr := pc.base + uintptr(i*frame.PageSize)
			require.Equal(t, defs.Err_t(0), pc.pages.AddEntry(addr, page.Stack, true, nil, 0))
			pinned, err := pc.v.ValidateBuffer(addr, 1, true)
			require.Equalf(t, defs.Err_t(0), err, "process touching page %d", i)
			pc.v.UnpinAll(pinned)
		}
	}

	for _, pc := range procs {
		pc.pages.Teardown()
	}

	occupied := 0
	for i := 0; i < h.sys.Swap.Slots(); i++ {
		if h.sys.Swap.InUse(i) {
			occupied++
		}
	}
	require.Equal(t, 0, occupied, "all swap slots must be freed after every process exits")
}
