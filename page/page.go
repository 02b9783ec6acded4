// Package page implements the supplemental page table (component C6):
// a per-process map from user page to an entry describing where that
// page's contents currently live, and how to materialize or evict it.
//
// Grounded on src/vm/page.c (per-page supplemental entries, the
// map/evict/unmap state machine) and on biscuit/src/vm/as.go's
// Vmregion_t per-entry lock idiom (one lock per region/entry, a
// separate table-wide lock only for structural inserts).
package page

import (
	"sync"
	"sync/atomic"

	"teachkern/defs"
	"teachkern/frame"
	"teachkern/inode"
	"teachkern/process"
	"teachkern/swap"
)

// Location is where a page's contents currently live.
type Location int

const (
	Unmapped Location = iota
	MainMemory
	Swap
)

// Kind is the origin of a page's contents, which governs eviction
// destination (§4.6).
type Kind int

const (
	Stack Kind = iota
	Exec
	File
)

// Entry is one supplemental page table entry. It implements
// frame.Evictable so the frame table's clock sweep can inspect and
// evict it without the frame package importing this one.
type Entry struct {
	mu sync.Mutex

	owner    *process.Process
	userPage uintptr
	kind     Kind
	writable bool

	location Location
	frameIdx int // valid iff location == MainMemory
	swapIdx  int // valid iff location == Swap

	accessed       atomic.Bool
	dirty          atomic.Bool
	alreadyWritten bool // EXEC only: a swap copy already exists

	srcInode  *inode.Inode
	srcOffset int

	frames *frame.Table
	sw     *swap.Device
}

// Accessed and ClearAccessed expose the software "hardware accessed
// bit" the clock sweep inspects (§4.5 "Hardware accessed bit";
// SPEC_FULL.md §4.5 expansion: simulated accesses set it, the sweep
// clears it, in place of a real MMU bit).
func (e *Entry) Accessed() bool { return e.accessed.Load() }
func (e *Entry) ClearAccessed() { e.accessed.Store(false) }

// MarkAccessed and MarkDirty are called by the validator on every
// simulated touch of this page's contents.
func (e *Entry) MarkAccessed() { e.accessed.Store(true) }
func (e *Entry) MarkDirty()    { e.dirty.Store(true) }

// Writable reports the entry's recorded writability.
func (e *Entry) Writable() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.writable
}

// Loc reports the entry's current location.
func (e *Entry) Loc() Location {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.location
}

// FrameIndex returns the backing frame index; valid only when Loc() ==
// MainMemory.
func (e *Entry) FrameIndex() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frameIdx
}

// TryLockOwner folds together this entry's own lock and the owner's
// non-blocking exit lock, per §5's "victim's entry lock, owner's exit
// lock ... held" requirement.
func (e *Entry) TryLockOwner() bool {
	if !e.mu.TryLock() {
		return false
	}
	if e.owner != nil && !e.owner.TryLockExit() {
		e.mu.Unlock()
		return false
	}
	return true
}

// UnlockOwner releases both locks acquired by TryLockOwner.
func (e *Entry) UnlockOwner() {
	if e.owner != nil {
		e.owner.UnlockExit()
	}
	e.mu.Unlock()
}

// Evict runs the destination-specific eviction decision of §4.6,
// called by the frame table's clock sweep with this entry's own lock
// and the owner's exit lock held (acquired via TryLockOwner).
func (e *Entry) Evict() {
	buf := make([]byte, frame.PageSize)
	copy(buf, e.frames.Data(e.frameIdx))

	switch e.kind {
	case Stack:
		idx, ok := e.sw.WritePage(buf)
		if !ok {
			defs.Halt("swap exhausted evicting a stack page")
		}
		e.swapIdx = idx
		e.location = Swap

	case Exec:
		if e.writable && (e.dirty.Load() || e.alreadyWritten) {
			idx, ok := e.sw.WritePage(buf)
			if !ok {
				defs.Halt("swap exhausted evicting an executable page")
			}
			e.swapIdx = idx
			e.alreadyWritten = true
			e.location = Swap
		} else {
			e.location = Unmapped
		}

	case File:
		if e.writable && e.dirty.Load() {
			e.srcInode.WriteAt(buf, e.srcOffset)
		}
		e.location = Unmapped
	}

	e.dirty.Store(false)
	e.accessed.Store(false)
	e.frameIdx = -1
}

// Table is the per-process supplemental page table.
type Table struct {
	mu      sync.Mutex
	entries map[uintptr]*Entry
	owner   *process.Process
	frames  *frame.Table
	sw      *swap.Device
}

// NewTable creates an empty supplemental page table for owner, backed
// by the shared frame table and swap device.
func NewTable(owner *process.Process, frames *frame.Table, sw *swap.Device) *Table {
	return &Table{
		entries: make(map[uintptr]*Entry),
		owner:   owner,
		frames:  frames,
		sw:      sw,
	}
}

// AddEntry installs a lazy, unmapped entry describing where a page's
// contents will come from (§4.6 "add_entry").
func (t *Table) AddEntry(userPage uintptr, kind Kind, writable bool, srcInode *inode.Inode, srcOffset int) defs.Err_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[userPage]; exists {
		return defs.EEXIST
	}
	t.entries[userPage] = &Entry{
		owner:     t.owner,
		userPage:  userPage,
		kind:      kind,
		writable:  writable,
		location:  Unmapped,
		frameIdx:  -1,
		swapIdx:   -1,
		srcInode:  srcInode,
		srcOffset: srcOffset,
		frames:    t.frames,
		sw:        t.sw,
	}
	return 0
}

// Lookup returns the entry for userPage, if any (table lock only; the
// caller must take the entry's own lock before mutating it).
func (t *Table) Lookup(userPage uintptr) (*Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[userPage]
	return e, ok
}

// Map materializes an entry's contents into a frame: zero-fill for a
// fresh STACK page, a file read for EXEC/FILE, or a swap read if the
// page was previously evicted (§4.6 "map(user_page, pinned)").
func (t *Table) Map(userPage uintptr, pinned bool) defs.Err_t {
	e, ok := t.Lookup(userPage)
	if !ok {
		return defs.EFAULT
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.location == MainMemory {
		return 0
	}

	idx, err := t.frames.Acquire(e, pinned)
	if err != 0 {
		return err
	}
	buf := t.frames.Data(idx)

	switch e.location {
	case Unmapped:
		for i := range buf {
			buf[i] = 0
		}
		if e.kind != Stack && e.srcInode != nil {
			e.srcInode.ReadAt(buf, e.srcOffset)
		}
	case Swap:
		t.sw.ReadPage(e.swapIdx, buf)
		e.swapIdx = -1
	}

	e.frameIdx = idx
	e.location = MainMemory
	e.accessed.Store(true)
	return 0
}

// Unmap clears an entry's mapping, writing back a dirty writable FILE
// page (reading it in from swap first if it was swapped out) and
// freeing any swap slot, then removes the entry (§4.6 "unmap").
func (t *Table) Unmap(userPage uintptr) defs.Err_t {
	e, ok := t.Lookup(userPage)
	if !ok {
		return defs.EFAULT
	}
	e.mu.Lock()
	switch e.location {
	case MainMemory:
		if e.kind == File && e.writable && e.dirty.Load() {
			e.srcInode.WriteAt(t.frames.Data(e.frameIdx), e.srcOffset)
		}
		t.frames.Release(e.frameIdx)
		e.frameIdx = -1
	case Swap:
		if e.kind == File && e.writable {
			buf := make([]byte, frame.PageSize)
			t.sw.ReadPage(e.swapIdx, buf)
			e.srcInode.WriteAt(buf, e.srcOffset)
		} else {
			t.sw.Free(e.swapIdx)
		}
		e.swapIdx = -1
	}
	e.location = Unmapped
	e.mu.Unlock()

	t.mu.Lock()
	delete(t.entries, userPage)
	t.mu.Unlock()
	return 0
}

// Teardown walks every remaining entry and unmaps it, the process-exit
// path of §5 ("walks the supplemental page table, unmapping every
// entry").
func (t *Table) Teardown() {
	t.mu.Lock()
	pages := make([]uintptr, 0, len(t.entries))
	for up := range t.entries {
		pages = append(pages, up)
	}
	t.mu.Unlock()

	for _, up := range pages {
		t.Unmap(up)
	}
}
