// Package alloc implements the minimal free-sector bitmap allocator
// that spec.md §1 lists as an external collaborator. bitmap.Bitmap
// holds the actual bits (biscuit/src/mem/mem.go's free-list-under-a-
// lock style, re-expressed as a bitmap); this package just adds the
// "sector space starts at some base offset" translation the inode and
// directory layers need.
package alloc

import "teachkern/bitmap"

// BlockAllocator hands out absolute disk sector numbers drawn from a
// bitmap that covers [base, base+bitmap.Len()).
type BlockAllocator struct {
	bm   *bitmap.Bitmap
	base int
}

// NewBlockAllocator creates an allocator covering n sectors starting at
// base.
func NewBlockAllocator(base, n int) *BlockAllocator {
	return &BlockAllocator{bm: bitmap.New(n), base: base}
}

// Alloc claims and returns one sector number, or ok=false if none are
// free (spec §7 "resource exhaustion ... surfaces as a return-value
// failure; no partial state is committed").
func (a *BlockAllocator) Alloc() (sector int, ok bool) {
	idx, ok := a.bm.Alloc()
	if !ok {
		return 0, false
	}
	return a.base + idx, true
}

// Free releases a previously allocated sector.
func (a *BlockAllocator) Free(sector int) {
	a.bm.Free(sector - a.base)
}

// InUse reports whether sector is currently allocated.
func (a *BlockAllocator) InUse(sector int) bool {
	return a.bm.InUse(sector - a.base)
}

// Count reports the number of sectors currently allocated.
func (a *BlockAllocator) Count() int {
	return a.bm.Count()
}
