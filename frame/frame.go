// Package frame implements the frame table (component C5): a
// fixed-size array of simulated physical-memory frames with clock
// eviction, pinning, and a two-revolution give-up bound.
//
// Grounded on src/vm/frame.c's clock sweep (non-blocking entry-lock
// try, accessed-bit inspect-then-clear, pin/exit-lock checks before
// selecting a victim) and on biscuit/src/vm/as.go's locking discipline
// for touching another process's address space (try-lock, never
// block the sweep on one uncooperative entry).
package frame

import (
	"sync"

	"teachkern/defs"
)

// PageSize is the size of one simulated physical frame, matching
// swap.PageSize (both are one page: 8 sectors of 512 bytes).
const PageSize = 4096

// Evictable is the contract a frame's occupant satisfies so the clock
// sweep can inspect and evict it without importing the supplemental
// page table package (which imports this one for *Table). TryLockOwner
// folds together the per-entry lock and the owner's non-blocking exit
// lock that §5's lock hierarchy calls for; UnlockOwner releases both.
type Evictable interface {
	Accessed() bool
	ClearAccessed()
	TryLockOwner() bool
	UnlockOwner()
	Evict()
}

type entry struct {
	mu       sync.Mutex
	occupied bool
	pin      bool
	occupant Evictable
	data     [PageSize]byte
}

// Table is the fixed-size frame array plus the persistent clock hand.
type Table struct {
	mu      sync.Mutex
	entries []*entry
	free    []int
	hand    int
}

// NewTable sizes the table to half of totalUserBytes (§4.5: "Fixed-size
// array sized to half the detected physical user memory"). Exposed as
// a parameter rather than derived from a boot-time memory probe, since
// this module has no real boot sequence.
func NewTable(totalUserBytes int) *Table {
	n := totalUserBytes / PageSize / 2
	if n < 1 {
		n = 1
	}
	t := &Table{entries: make([]*entry, n)}
	for i := range t.entries {
		t.entries[i] = &entry{}
		t.free = append(t.free, i)
	}
	return t
}

// Len reports the frame count.
func (t *Table) Len() int { return len(t.entries) }

// Data returns the simulated backing bytes of frame idx.
func (t *Table) Data(idx int) []byte {
	return t.entries[idx].data[:]
}

// Acquire claims a frame for occupant (§4.5 "acquire(page_entry,
// pinned) -> kernel_frame"): a free frame if one exists, otherwise the
// clock-eviction victim. ENOMEM if eviction fails to find a victim
// within two revolutions.
func (t *Table) Acquire(occupant Evictable, pinned bool) (int, defs.Err_t) {
	t.mu.Lock()
	if n := len(t.free); n > 0 {
		idx := t.free[n-1]
		t.free = t.free[:n-1]
		t.mu.Unlock()
		t.claim(idx, occupant, pinned)
		return idx, 0
	}
	t.mu.Unlock()

	idx, err := t.evictVictim()
	if err != 0 {
		return 0, err
	}
	t.claim(idx, occupant, pinned)
	return idx, 0
}

func (t *Table) claim(idx int, occupant Evictable, pinned bool) {
	e := t.entries[idx]
	e.mu.Lock()
	e.occupied = true
	e.pin = pinned
	e.occupant = occupant
	for i := range e.data {
		e.data[i] = 0
	}
	e.mu.Unlock()
}

// evictVictim sweeps the clock hand, at each frame non-blockingly
// trying the entry lock, clearing a set accessed bit and moving on, or
// selecting an unpinned frame whose owner is not exiting (§4.5 "Clock
// eviction"). Gives up after two full revolutions.
func (t *Table) evictVictim() (int, defs.Err_t) {
	n := len(t.entries)
	limit := 2 * n
	for sweep := 0; sweep < limit; sweep++ {
		t.mu.Lock()
		idx := t.hand
		t.hand = (t.hand + 1) % n
		t.mu.Unlock()

		e := t.entries[idx]
		if !e.mu.TryLock() {
			continue
		}
		if !e.occupied || e.occupant == nil {
			e.mu.Unlock()
			continue
		}
		if e.occupant.Accessed() {
			e.occupant.ClearAccessed()
			e.mu.Unlock()
			continue
		}
		if e.pin || !e.occupant.TryLockOwner() {
			e.mu.Unlock()
			continue
		}
		e.occupant.Evict()
		e.occupant.UnlockOwner()
		e.occupied = false
		e.pin = false
		e.occupant = nil
		e.mu.Unlock()
		return idx, 0
	}
	return 0, defs.ENOMEM
}

// Pin and Unpin set a frame's pin flag, after verifying occupant
// actually owns it (§4.5 "after verifying the caller owns the frame").
func (t *Table) Pin(idx int, occupant Evictable) defs.Err_t {
	e := t.entries[idx]
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.occupied || e.occupant != occupant {
		return defs.EFAULT
	}
	e.pin = true
	return 0
}

func (t *Table) Unpin(idx int, occupant Evictable) defs.Err_t {
	e := t.entries[idx]
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.occupied || e.occupant != occupant {
		return defs.EFAULT
	}
	e.pin = false
	return 0
}

// Release returns a frame directly to the free list without going
// through clock eviction, for callers (process teardown's unmap sweep)
// that already know the occupant is done with it.
func (t *Table) Release(idx int) {
	e := t.entries[idx]
	e.mu.Lock()
	e.occupied = false
	e.pin = false
	e.occupant = nil
	e.mu.Unlock()

	t.mu.Lock()
	t.free = append(t.free, idx)
	t.mu.Unlock()
}

// Pinned reports a frame's pin state, for tests.
func (t *Table) Pinned(idx int) bool {
	e := t.entries[idx]
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pin
}
