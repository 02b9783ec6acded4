// Package cache implements the unified buffered block cache (component
// C1): a fixed set of in-memory sector buffers with LRU eviction,
// per-buffer pinning, dirty writeback, and wait-for-eviction.
//
// Grounded on biscuit/src/fs/blk.go's Bdev_block_t (pin count via an
// entry-level sync.Mutex, a dirty bit, backing Disk_i) and on
// src/filesys/cache.c, which is the Pintos-style fixed 64-entry cache
// this component is named after. The teacher's block list
// (BlkList_t, a container/list.List wrapper) is reused directly as the
// recency list.
package cache

import (
	"container/list"
	"fmt"
	"sync"

	"teachkern/defs"
	"teachkern/device"
)

// Capacity is the fixed number of in-memory sector buffers (§3: "64
// in-memory sector buffers").
const Capacity = 64

// SectorSize matches device.SectorSize.
const SectorSize = device.SectorSize

var debug = false

// SetDebug toggles fmt.Printf tracing, mirroring fs.bdev_debug in
// biscuit/src/fs/blk.go.
func SetDebug(v bool) { debug = v }

// Entry is a single cached sector buffer (§3 "Block cache entry").
type Entry struct {
	mu     sync.Mutex
	sector int
	data   [SectorSize]byte
	dirty  bool
	pin    int
}

// evictNotice is the transient record published while a dirty
// writeback is in flight (§3 "Eviction notice"): any lookup for the old
// sector during that window blocks on done rather than racing to
// reload it.
type evictNotice struct {
	sector  int
	waiters int
	done    chan struct{}
}

// Cache is the fixed-capacity block cache. mu is the "global cache
// lock" from spec §4.1: it serializes index updates only, never device
// I/O.
type Cache struct {
	mu       sync.Mutex
	disk     device.Disk
	index    map[int]*list.Element // sector -> element wrapping *Entry
	lru      *list.List            // front = MRU, back = LRU
	notices  map[int]*evictNotice
	capacity int
}

// New creates a cache of the given capacity (Capacity in production,
// smaller in tests that want to exercise eviction cheaply) over disk.
func New(disk device.Disk, capacity int) *Cache {
	if capacity <= 0 {
		capacity = Capacity
	}
	return &Cache{
		disk:     disk,
		index:    make(map[int]*list.Element),
		lru:      list.New(),
		notices:  make(map[int]*evictNotice),
		capacity: capacity,
	}
}

// acquire returns the entry for sector, pinned once, populating it from
// disk (or zeroing it) if this is a miss. It implements the three
// outcomes of §4.1's lookup algorithm.
//
// The entry's own lock (e.mu) doubles as the "entry-level lock for
// in-progress I/O serialization" of §3: whichever goroutine populates
// an entry (miss or eviction) holds e.mu across the entire
// relabel-then-populate window, counting the slot under its final
// sector and against capacity before the global lock is ever dropped
// for device I/O. A concurrent hit for that same sector then blocks on
// e.mu rather than racing to read half-populated data, matching
// _examples/original_source/src/filesys/cache.c's cache_find, which
// acquires ce->lock before releasing cache_lock and holds it across the
// hash_delete/relabel/hash_insert and the I/O itself.
func (c *Cache) acquire(sector int, zero bool) (*Entry, error) {
	for {
		c.mu.Lock()

		if el, ok := c.index[sector]; ok {
			e := el.Value.(*Entry)
			if !e.mu.TryLock() {
				// Entry is mid-population: wait for it to finish
				// without holding the global lock, then re-scan.
				c.mu.Unlock()
				e.mu.Lock()
				e.mu.Unlock()
				continue
			}
			e.pin++
			e.mu.Unlock()
			c.lru.MoveToFront(el)
			c.mu.Unlock()
			if debug {
				fmt.Printf("cache: hit sector %d\n", sector)
			}
			return e, nil
		}

		if notice, ok := c.notices[sector]; ok {
			notice.waiters++
			done := notice.done
			c.mu.Unlock()
			<-done
			continue // re-scan after wakeup, per §4.1
		}

		if c.lru.Len() < c.capacity {
			e := &Entry{sector: sector, pin: 1}
			e.mu.Lock() // held across the populate step below
			el := c.lru.PushFront(e)
			c.index[sector] = el
			c.mu.Unlock()
			if !zero {
				c.disk.Read(sector, e.data[:])
			}
			e.mu.Unlock()
			if debug {
				fmt.Printf("cache: miss (free slot) sector %d\n", sector)
			}
			return e, nil
		}

		// Capacity miss, full: scan the LRU list backward for an
		// unpinned victim, keeping its lock held once found so no
		// hit can observe it between selection and relabeling.
		var victim *Entry
		var victimEl *list.Element
		for el := c.lru.Back(); el != nil; el = el.Prev() {
			cand := el.Value.(*Entry)
			cand.mu.Lock()
			if cand.pin == 0 {
				victim = cand
				victimEl = el
				break
			}
			cand.mu.Unlock()
		}
		if victim == nil {
			c.mu.Unlock()
			return nil, fmt.Errorf("cache: no unpinned entry to evict")
		}
		victim.pin = 1 // provisionally claimed, prevents reuse races

		oldSector := victim.sector
		dirty := victim.dirty
		data := victim.data

		// Relabel to the new sector and reinsert under that key
		// while still holding the global lock, so the slot never
		// stops counting against capacity and is never visible
		// under two sectors at once (§8 invariants 1, 3).
		c.lru.Remove(victimEl)
		delete(c.index, oldSector)
		victim.sector = sector
		victim.dirty = false
		el := c.lru.PushFront(victim)
		c.index[sector] = el

		var notice *evictNotice
		if dirty {
			notice = &evictNotice{sector: oldSector, done: make(chan struct{})}
			c.notices[oldSector] = notice
		}
		c.mu.Unlock()

		if dirty {
			if debug {
				fmt.Printf("cache: evicting dirty sector %d for %d\n", oldSector, sector)
			}
			c.disk.Write(oldSector, data[:])
			c.mu.Lock()
			delete(c.notices, oldSector)
			c.mu.Unlock()
			close(notice.done)
		}

		if !zero {
			c.disk.Read(sector, victim.data[:])
		} else {
			victim.data = [SectorSize]byte{}
		}
		victim.mu.Unlock()
		return victim, nil
	}
}

func (c *Cache) release(e *Entry) {
	e.mu.Lock()
	e.pin--
	if e.pin < 0 {
		defs.Halt("negative pin count")
	}
	e.mu.Unlock()
}

// Read copies len bytes from sector at ofs into buf, blocking until the
// data is visible.
func (c *Cache) Read(sector int, buf []byte, ofs, length int) error {
	if ofs < 0 || length < 0 || ofs+length > SectorSize {
		return fmt.Errorf("cache: read out of bounds")
	}
	e, err := c.acquire(sector, false)
	if err != nil {
		return err
	}
	e.mu.Lock()
	copy(buf, e.data[ofs:ofs+length])
	e.mu.Unlock()
	c.release(e)
	return nil
}

// Write copies len bytes from buf into sector at ofs and marks the
// entry dirty, blocking until the write is visible in the cache.
func (c *Cache) Write(sector int, buf []byte, ofs, length int) error {
	if ofs < 0 || length < 0 || ofs+length > SectorSize {
		return fmt.Errorf("cache: write out of bounds")
	}
	e, err := c.acquire(sector, false)
	if err != nil {
		return err
	}
	e.mu.Lock()
	copy(e.data[ofs:ofs+length], buf[:length])
	e.dirty = true
	e.mu.Unlock()
	c.release(e)
	return nil
}

// WriteZeros populates sector with all zeros without reading the
// device, for newly allocated blocks.
func (c *Cache) WriteZeros(sector int) error {
	e, err := c.acquire(sector, true)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.data = [SectorSize]byte{}
	e.dirty = true
	e.mu.Unlock()
	c.release(e)
	return nil
}

// FlushAll writes back every dirty entry it can pin. Entries pinned
// elsewhere are skipped — per SPEC_FULL.md's Open Question resolution,
// liveness relies on whichever writer holds the pin flushing it later.
func (c *Cache) FlushAll() {
	c.mu.Lock()
	entries := make([]*Entry, 0, c.lru.Len())
	for el := c.lru.Front(); el != nil; el = el.Next() {
		entries = append(entries, el.Value.(*Entry))
	}
	c.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		if e.pin != 0 || !e.dirty {
			e.mu.Unlock()
			continue
		}
		e.pin++
		sector := e.sector
		data := e.data
		e.mu.Unlock()

		c.disk.Write(sector, data[:])

		e.mu.Lock()
		if e.sector == sector {
			e.dirty = false
		}
		e.pin--
		e.mu.Unlock()
	}
}

// Shutdown flushes every dirty entry that is not pinned, via FlushAll.
// It does not prevent further use of the cache.
func (c *Cache) Shutdown() {
	c.FlushAll()
}

// Len reports the number of resident entries, for invariant checks
// (§8 invariant 3: "the cache holds at most 64 entries").
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
