// Package dirent implements the directory layer (component C3): a
// directory is a file (backed by package inode) whose contents are an
// array of fixed-size entries {name, sector, is_dir}.
//
// Grounded on biscuit/src/ufs/ufs.go's Dirdata_t/NDIRENTS usage (a
// directory's contents are just file bytes sliced into fixed records)
// and on src/filesys/inode.c's directory helpers (seed `.`/`..` entries,
// refuse to remove a non-empty or currently-open directory).
package dirent

import (
	"encoding/binary"

	"teachkern/cache"
	"teachkern/defs"
	"teachkern/inode"
)

// NameMax bounds a directory entry's name length (spec §3/§6).
const NameMax = 14

// entrySize is in_use(4, padded) + inode_sector(4) + is_dir(4, padded)
// + name[NAME_MAX+1] bytes = 27 bytes, per §6's "Directory entry
// layout". Entries are packed back to back with no trailing padding.
const entrySize = 4 + 4 + 4 + (NameMax + 1)

const (
	offInUse  = 0
	offSector = 4
	offIsDir  = 8
	offName   = 12
)

// Entry is a decoded directory entry.
type Entry struct {
	InUse  bool
	Sector int
	IsDir  bool
	Name   string
}

func encode(e Entry) []byte {
	buf := make([]byte, entrySize)
	if e.InUse {
		buf[offInUse] = 1
	}
	binary.LittleEndian.PutUint32(buf[offSector:], uint32(e.Sector))
	if e.IsDir {
		buf[offIsDir] = 1
	}
	n := copy(buf[offName:offName+NameMax], e.Name)
	buf[offName+n] = 0
	return buf
}

func decode(buf []byte) Entry {
	return Entry{
		InUse:  buf[offInUse] != 0,
		Sector: int(binary.LittleEndian.Uint32(buf[offSector:])),
		IsDir:  buf[offIsDir] != 0,
		Name:   cstr(buf[offName : offName+NameMax+1]),
	}
}

func cstr(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// Dir is an inode-backed directory.
type Dir struct {
	ino *inode.Inode
}

// Open wraps an already-open inode as a directory.
func Open(ino *inode.Inode) *Dir {
	return &Dir{ino: ino}
}

// Inode returns the backing inode.
func (d *Dir) Inode() *inode.Inode { return d.ino }

// Close releases the backing inode via the open-inode registry.
func (d *Dir) Close(r *inode.Registry) { d.ino.Close(r) }

// Create initializes a new, empty directory inode at dirSector with
// the two seed entries `.` and `..` (root's parent is root), then
// grows it to hold at least initialCapacity entries (§4.3 "create").
// ino must already be open (typically just returned from inode.Create
// + Registry.Open on a freshly allocated sector).
func Create(ino *inode.Inode, parentSector, initialCapacity int) defs.Err_t {
	d := &Dir{ino: ino}
	n := initialCapacity
	if n < 2 {
		n = 2
	}
	if err := d.grow(n); err != 0 {
		return err
	}
	if err := d.writeSlot(0, Entry{InUse: true, Sector: ino.Sector(), IsDir: true, Name: "."}); err != 0 {
		return err
	}
	if err := d.writeSlot(1, Entry{InUse: true, Sector: parentSector, IsDir: true, Name: ".."}); err != 0 {
		return err
	}
	return 0
}

// grow extends the directory file, if needed, to hold n entries.
func (d *Dir) grow(n int) defs.Err_t {
	want := n * entrySize
	if want <= d.ino.Length() {
		return 0
	}
	zeros := make([]byte, want-d.ino.Length())
	_, err := d.ino.WriteAt(zeros, d.ino.Length())
	return err
}

func (d *Dir) slotCount() int {
	return d.ino.Length() / entrySize
}

func (d *Dir) readSlot(i int) (Entry, defs.Err_t) {
	buf := make([]byte, entrySize)
	n, err := d.ino.ReadAt(buf, i*entrySize)
	if err != 0 {
		return Entry{}, err
	}
	if n < entrySize {
		return Entry{}, 0
	}
	return decode(buf), 0
}

func (d *Dir) writeSlot(i int, e Entry) defs.Err_t {
	_, err := d.ino.WriteAt(encode(e), i*entrySize)
	return err
}

// Lookup returns the child's sector and is_dir flag, or ok=false if
// name is not present.
func (d *Dir) Lookup(name string) (sector int, isDir bool, ok bool) {
	n := d.slotCount()
	for i := 0; i < n; i++ {
		e, err := d.readSlot(i)
		if err != 0 {
			return 0, false, false
		}
		if e.InUse && e.Name == name {
			return e.Sector, e.IsDir, true
		}
	}
	return 0, false, false
}

// Add inserts a new entry, reusing a free slot if one exists, otherwise
// appending (§4.3 "add"). It returns EEXIST if name is already present.
func (d *Dir) Add(name string, childSector int, isDir bool) defs.Err_t {
	if len(name) > NameMax {
		return defs.ENAMETOOLONG
	}
	n := d.slotCount()
	freeSlot := -1
	for i := 0; i < n; i++ {
		e, err := d.readSlot(i)
		if err != 0 {
			return err
		}
		if e.InUse && e.Name == name {
			return defs.EEXIST
		}
		if !e.InUse && freeSlot == -1 {
			freeSlot = i
		}
	}
	entry := Entry{InUse: true, Sector: childSector, IsDir: isDir, Name: name}
	if freeSlot != -1 {
		return d.writeSlot(freeSlot, entry)
	}
	return d.writeSlot(n, entry)
}

// Remove clears the slot for name after checking the refusal rules in
// §4.3: refuses a non-empty subdirectory, a directory open by any
// process (open count > 1, i.e. more than this caller's own handle), or
// the current working directory of any process (the isCwd callback).
func (d *Dir) Remove(name string, reg *inode.Registry, alloc inode.SectorAllocator, c *cache.Cache, isCwd func(sector int) bool) defs.Err_t {
	n := d.slotCount()
	for i := 0; i < n; i++ {
		e, err := d.readSlot(i)
		if err != 0 {
			return err
		}
		if !e.InUse || e.Name != name {
			continue
		}
		if e.IsDir {
			child, err := reg.Open(c, alloc, e.Sector)
			if err != 0 {
				return err
			}
			childDir := &Dir{ino: child}
			empty, err := childDir.isEmpty()
			if err != 0 {
				child.Close(reg)
				return err
			}
			if !empty {
				child.Close(reg)
				return defs.ENOTEMPTY
			}
			if child.OpenCount() > 1 {
				child.Close(reg)
				return defs.EBUSY
			}
			if isCwd != nil && isCwd(e.Sector) {
				child.Close(reg)
				return defs.EBUSY
			}
			child.Remove()
			child.Close(reg)
		}
		if err := d.writeSlot(i, Entry{}); err != 0 {
			return err
		}
		return 0
	}
	return defs.ENOENT
}

// isEmpty reports whether a directory has no entries beyond `.`/`..`.
func (d *Dir) isEmpty() (bool, defs.Err_t) {
	n := d.slotCount()
	for i := 2; i < n; i++ {
		e, err := d.readSlot(i)
		if err != 0 {
			return false, err
		}
		if e.InUse {
			return false, 0
		}
	}
	return true, 0
}

// Readdir returns every in-use entry, in slot order.
func (d *Dir) Readdir() ([]Entry, defs.Err_t) {
	n := d.slotCount()
	out := make([]Entry, 0, n)
	for i := 0; i < n; i++ {
		e, err := d.readSlot(i)
		if err != 0 {
			return nil, err
		}
		if e.InUse {
			out = append(out, e)
		}
	}
	return out, 0
}
