package inode

import (
	"sync"

	"teachkern/cache"
	"teachkern/defs"
	"teachkern/hashtable"
	"teachkern/util"
)

// SectorAllocator is the free-sector bitmap allocator's contract, as
// consumed by the inode layer (see the alloc package for a concrete
// implementation).
type SectorAllocator interface {
	Alloc() (sector int, ok bool)
	Free(sector int)
}

// Inode is the in-memory inode (§3 "In-memory inode"): no cached copy
// of the on-disk payload, just bookkeeping plus a lock guarding length
// mutations, deny-write adjustments, and extension.
type Inode struct {
	mu        sync.Mutex
	sector    int
	cache     *cache.Cache
	alloc     SectorAllocator
	opencount int
	removed   bool
	denywrite int
}

// Registry is the process-wide open-inode registry (§4.2): a repeated
// Open on the same sector increments the existing in-memory inode's
// open count and returns the same handle.
type Registry struct {
	mu    sync.Mutex
	table *hashtable.Table[int, *Inode]
}

// NewRegistry creates an empty open-inode registry.
func NewRegistry() *Registry {
	return &Registry{table: hashtable.New[int, *Inode](64, hashtable.IntHash)}
}

// Create zero-initializes the inode sector, stamps length and magic,
// then preallocates ceil(length/512) data sectors (§4.2 "Creation").
// Any allocation failure rolls back via free_blocks and returns false.
func Create(c *cache.Cache, a SectorAllocator, sector, length int) bool {
	if length < 0 || length > MaxFileSize {
		return false
	}
	if err := c.WriteZeros(sector); err != nil {
		return false
	}
	setOnDiskMagic(c, sector)
	setOnDiskLength(c, sector, 0)

	tmp := &Inode{sector: sector, cache: c, alloc: a}
	n := util.Ceildiv(length, cache.SectorSize)
	for k := 0; k < n; k++ {
		if _, err := tmp.ensureSector(k); err != 0 {
			tmp.freeBlocks()
			return false
		}
	}
	setOnDiskLength(c, sector, length)
	return true
}

// Open returns the in-memory inode for sector, creating one if this is
// the first opener (the registry lock is the outermost lock in the
// lock hierarchy).
func (r *Registry) Open(c *cache.Cache, a SectorAllocator, sector int) (*Inode, defs.Err_t) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ino, ok := r.table.Get(sector); ok {
		ino.mu.Lock()
		ino.opencount++
		ino.mu.Unlock()
		return ino, 0
	}
	if onDiskMagic(c, sector) != Magic {
		return nil, defs.EINVAL
	}
	ino := &Inode{sector: sector, cache: c, alloc: a, opencount: 1}
	r.table.Set(sector, ino)
	return ino, 0
}

// Reopen increments the open count of an already-held inode (a second
// open(path) on the same file by the same process, say).
func (ino *Inode) Reopen() {
	ino.mu.Lock()
	ino.opencount++
	ino.mu.Unlock()
}

// Close decrements the open count. When it reaches zero the registry
// entry is dropped; if the inode was also removed, its blocks and the
// inode sector are freed first (§3 invariant, §4.2 "Removal").
func (ino *Inode) Close(r *Registry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ino.mu.Lock()
	ino.opencount--
	oc := ino.opencount
	removed := ino.removed
	ino.mu.Unlock()

	if oc < 0 {
		defs.Halt("inode close underflow")
	}
	if oc == 0 {
		if removed {
			ino.freeBlocks()
			ino.alloc.Free(ino.sector)
		}
		r.table.Del(ino.sector)
	}
}

// Remove marks the inode for deletion; actual freeing happens on the
// last Close (§4.2 "Removal").
func (ino *Inode) Remove() {
	ino.mu.Lock()
	ino.removed = true
	ino.mu.Unlock()
}

// Removed reports whether Remove has been called.
func (ino *Inode) Removed() bool {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	return ino.removed
}

// OpenCount reports the number of outstanding opens, used by the
// directory layer to refuse removing an open directory (§4.3).
func (ino *Inode) OpenCount() int {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	return ino.opencount
}

// DenyWrite and AllowWrite implement the deny-write counter: while it
// is above zero all writes fail, taking effect immediately (§5).
func (ino *Inode) DenyWrite() {
	ino.mu.Lock()
	ino.denywrite++
	ino.mu.Unlock()
}

func (ino *Inode) AllowWrite() {
	ino.mu.Lock()
	ino.denywrite--
	if ino.denywrite < 0 {
		defs.Halt("allow_write without matching deny_write")
	}
	ino.mu.Unlock()
}

func (ino *Inode) denyWriteActive() bool {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	return ino.denywrite > 0
}

// Sector returns the on-disk sector backing this inode.
func (ino *Inode) Sector() int { return ino.sector }

// Length returns the file's current length in bytes.
func (ino *Inode) Length() int {
	return onDiskLength(ino.cache, ino.sector)
}

// ReadAt reads up to len(buf) bytes starting at ofs. Reads past
// end-of-file return fewer bytes than requested (§4.2); reads of an
// allocated-but-unwritten sector return zeros (§8 invariant 6).
func (ino *Inode) ReadAt(buf []byte, ofs int) (int, defs.Err_t) {
	if ofs < 0 {
		return 0, defs.EINVAL
	}
	length := ino.Length()
	if ofs >= length {
		return 0, 0
	}
	n := len(buf)
	if ofs+n > length {
		n = length - ofs
	}
	read := 0
	for read < n {
		k := (ofs + read) / cache.SectorSize
		secOfs := (ofs + read) % cache.SectorSize
		want := util.Min(cache.SectorSize-secOfs, n-read)
		sector := ino.lookupSector(k)
		if sector == 0 {
			for i := 0; i < want; i++ {
				buf[read+i] = 0
			}
		} else if err := ino.cache.Read(sector, buf[read:read+want], secOfs, want); err != nil {
			return read, defs.EINVAL
		}
		read += want
	}
	return read, 0
}

// WriteAt writes len(buf) bytes at ofs, extending the file if
// necessary (§4.2 "Extension"). The inode lock is held for the entire
// extension to serialize length observers; non-extending writes
// proceed without it, allowing non-overlapping parallel writers (§9
// "Extension race").
func (ino *Inode) WriteAt(buf []byte, ofs int) (int, defs.Err_t) {
	if ofs < 0 {
		return 0, defs.EINVAL
	}
	end := ofs + len(buf)
	if end > MaxFileSize {
		return 0, defs.ENOSPC
	}

	if end > ino.Length() {
		ino.mu.Lock()
		defer ino.mu.Unlock()
		if ino.denywrite > 0 {
			return 0, defs.EPERM
		}
		if err := ino.extend(ofs, len(buf)); err != 0 {
			return 0, err
		}
		n, err := ino.writeBytes(buf, ofs)
		if err != 0 {
			return n, err
		}
		if end > onDiskLength(ino.cache, ino.sector) {
			setOnDiskLength(ino.cache, ino.sector, end)
		}
		return n, 0
	}

	if ino.denyWriteActive() {
		return 0, defs.EPERM
	}
	return ino.writeBytes(buf, ofs)
}

// extend allocates exactly the sectors covering [oldLength, ofs+size),
// filling intermediate holes and allocating indirect/doubly-indirect
// meta-sectors on demand. Caller holds ino.mu.
func (ino *Inode) extend(ofs, size int) defs.Err_t {
	oldLen := onDiskLength(ino.cache, ino.sector)
	newLen := ofs + size
	startK := oldLen / cache.SectorSize
	endK := util.Ceildiv(newLen, cache.SectorSize)
	for k := startK; k < endK; k++ {
		if _, err := ino.ensureSector(k); err != 0 {
			return err
		}
	}
	return 0
}

func (ino *Inode) writeBytes(buf []byte, ofs int) (int, defs.Err_t) {
	n := len(buf)
	wrote := 0
	for wrote < n {
		k := (ofs + wrote) / cache.SectorSize
		secOfs := (ofs + wrote) % cache.SectorSize
		want := util.Min(cache.SectorSize-secOfs, n-wrote)
		sector, err := ino.ensureSector(k)
		if err != 0 {
			return wrote, err
		}
		if err := ino.cache.Write(sector, buf[wrote:wrote+want], secOfs, want); err != nil {
			return wrote, defs.EINVAL
		}
		wrote += want
	}
	return wrote, 0
}

// lookupSector performs the read-only logical-to-physical translation
// of §4.2: a zero slot anywhere along the path means logical sector k
// is a hole.
func (ino *Inode) lookupSector(k int) int {
	c := ino.cache
	idx := classify(k)
	switch idx.kind {
	case 0:
		return direct(c, ino.sector, idx.d)
	case 1:
		ind := indirectPtr(c, ino.sector)
		if ind == 0 {
			return 0
		}
		return blockSlot(c, ind, idx.lo)
	default:
		dbl := doublyPtr(c, ino.sector)
		if dbl == 0 {
			return 0
		}
		ind := blockSlot(c, dbl, idx.hi)
		if ind == 0 {
			return 0
		}
		return blockSlot(c, ind, idx.lo)
	}
}

// ensureSector returns the physical sector backing logical sector k,
// allocating it (and any missing indirect/doubly-indirect meta-blocks)
// on demand. On allocation failure, everything newly allocated by this
// call is rolled back and ENOSPC is returned (§7 "no partial state is
// committed").
func (ino *Inode) ensureSector(k int) (int, defs.Err_t) {
	c := ino.cache
	var newly []int
	var undo []func()
	rollback := func() {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		for i := len(newly) - 1; i >= 0; i-- {
			ino.alloc.Free(newly[i])
		}
	}
	allocZeroed := func() (int, bool) {
		s, ok := ino.alloc.Alloc()
		if !ok {
			return 0, false
		}
		if err := c.WriteZeros(s); err != nil {
			ino.alloc.Free(s)
			return 0, false
		}
		newly = append(newly, s)
		return s, true
	}

	idx := classify(k)
	switch idx.kind {
	case 0:
		if s := direct(c, ino.sector, idx.d); s != 0 {
			return s, 0
		}
		s, ok := allocZeroed()
		if !ok {
			rollback()
			return 0, defs.ENOSPC
		}
		setDirect(c, ino.sector, idx.d, s)
		return s, 0

	case 1:
		ind := indirectPtr(c, ino.sector)
		if ind == 0 {
			ni, ok := allocZeroed()
			if !ok {
				rollback()
				return 0, defs.ENOSPC
			}
			setIndirectPtr(c, ino.sector, ni)
			undo = append(undo, func() { setIndirectPtr(c, ino.sector, 0) })
			ind = ni
		}
		if s := blockSlot(c, ind, idx.lo); s != 0 {
			return s, 0
		}
		s, ok := allocZeroed()
		if !ok {
			rollback()
			return 0, defs.ENOSPC
		}
		setBlockSlot(c, ind, idx.lo, s)
		return s, 0

	default:
		dbl := doublyPtr(c, ino.sector)
		if dbl == 0 {
			nd, ok := allocZeroed()
			if !ok {
				rollback()
				return 0, defs.ENOSPC
			}
			setDoublyPtr(c, ino.sector, nd)
			undo = append(undo, func() { setDoublyPtr(c, ino.sector, 0) })
			dbl = nd
		}
		ind := blockSlot(c, dbl, idx.hi)
		if ind == 0 {
			ni, ok := allocZeroed()
			if !ok {
				rollback()
				return 0, defs.ENOSPC
			}
			setBlockSlot(c, dbl, idx.hi, ni)
			undo = append(undo, func() { setBlockSlot(c, dbl, idx.hi, 0) })
			ind = ni
		}
		if s := blockSlot(c, ind, idx.lo); s != 0 {
			return s, 0
		}
		s, ok := allocZeroed()
		if !ok {
			rollback()
			return 0, defs.ENOSPC
		}
		setBlockSlot(c, ind, idx.lo, s)
		return s, 0
	}
}

// freeBlocks walks direct -> indirect -> doubly-indirect, freeing every
// allocated data sector plus the indirect metadata sectors themselves
// (§4.2 "Removal").
func (ino *Inode) freeBlocks() {
	c := ino.cache
	for i := 0; i < NDirect; i++ {
		if s := direct(c, ino.sector, i); s != 0 {
			ino.alloc.Free(s)
		}
	}
	if ind := indirectPtr(c, ino.sector); ind != 0 {
		for i := 0; i < PtrsPerBlock; i++ {
			if s := blockSlot(c, ind, i); s != 0 {
				ino.alloc.Free(s)
			}
		}
		ino.alloc.Free(ind)
	}
	if dbl := doublyPtr(c, ino.sector); dbl != 0 {
		for h := 0; h < PtrsPerBlock; h++ {
			ind := blockSlot(c, dbl, h)
			if ind == 0 {
				continue
			}
			for l := 0; l < PtrsPerBlock; l++ {
				if s := blockSlot(c, ind, l); s != 0 {
					ino.alloc.Free(s)
				}
			}
			ino.alloc.Free(ind)
		}
		ino.alloc.Free(dbl)
	}
}
