// Package system — syscall dispatch shim.
//
// Grounded on _examples/original_source/src/userprog/syscall.c's
// syscall_handler: a flat switch over SYS_* numbers, each case calling
// straight into the filesystem/VM layer and stuffing a return value
// into the trap frame. Table's methods replace that switch's cases one
// for one, minus trap-frame decoding (no real interrupt vector exists
// here, per spec.md §1) and minus path-walking (also out of scope): a
// caller that would normally pass a path string instead passes an
// already-resolved *dirent.Dir plus a bare name, the same boundary
// e2e's own harness draws.
package system

import (
	"github.com/google/uuid"

	"teachkern/defs"
	"teachkern/dirent"
	"teachkern/inode"
	"teachkern/page"
	"teachkern/process"
	"teachkern/validate"
)

// Table is the thin system-call dispatch shim named in SPEC_FULL.md's
// §6 expansion. It is bound to one process's context: its supplemental
// page table, its validator, and its current working directory.
type Table struct {
	sys   *System
	proc  *process.Process
	pages *page.Table
	val   *validate.Validator
	cwd   *dirent.Dir
}

// NewSyscallTable binds a dispatch shim to one process's context.
func NewSyscallTable(sys *System, proc *process.Process, pages *page.Table, val *validate.Validator, cwd *dirent.Dir) *Table {
	return &Table{sys: sys, proc: proc, pages: pages, val: val, cwd: cwd}
}

// Cwd reports the table's current working directory.
func (t *Table) Cwd() *dirent.Dir { return t.cwd }

// Halt corresponds to SYS_HALT. Real power-off is out of scope (spec
// §1); this stands in by running the same shutdown sequence system.Boot
// reverses.
func (t *Table) Halt() {
	t.sys.Shutdown()
}

// Exit corresponds to SYS_EXIT(status): tears down every supplemental
// page table entry (writing back dirty mmap pages, freeing swap) and
// closes every open fd, per spec §5 "Process exit is the only
// teardown".
func (t *Table) Exit(status int) int {
	t.pages.Teardown()
	for _, fd := range t.proc.OpenFds() {
		t.Close(fd)
	}
	return status
}

// Create corresponds to SYS_CREATE(path, initial_size).
func (t *Table) Create(dir *dirent.Dir, name string, size int) bool {
	sector, ok := t.sys.Alloc.Alloc()
	if !ok {
		return false
	}
	if !inode.Create(t.sys.Cache, t.sys.Alloc, sector, size) {
		t.sys.Alloc.Free(sector)
		return false
	}
	if err := dir.Add(name, sector, false); err != 0 {
		return false
	}
	return true
}

// Remove corresponds to SYS_REMOVE(path).
func (t *Table) Remove(dir *dirent.Dir, name string) bool {
	return dir.Remove(name, t.sys.Registry, t.sys.Alloc, t.sys.Cache, nil) == 0
}

// Open corresponds to SYS_OPEN(path): resolves name within dir,
// installs a FileHandle or DirHandle, and returns the new fd, or -1 if
// name does not exist (spec §7 "opening a nonexistent file").
func (t *Table) Open(dir *dirent.Dir, name string) int {
	sector, isDir, ok := dir.Lookup(name)
	if !ok {
		return -1
	}
	ino, err := t.sys.Registry.Open(t.sys.Cache, t.sys.Alloc, sector)
	if err != 0 {
		return -1
	}
	if isDir {
		return t.proc.AddHandle(&process.DirHandle{Dir: dirent.Open(ino)})
	}
	return t.proc.AddHandle(&process.FileHandle{Ino: ino})
}

// Filesize corresponds to SYS_FILESIZE(fd).
func (t *Table) Filesize(fd int) int {
	fh, ok := t.fileHandle(fd)
	if !ok {
		return -1
	}
	return fh.Ino.Length()
}

// Read corresponds to SYS_READ(fd, buffer, size). fd 0 is the console
// and is not modeled beyond returning no bytes; fd 1 is invalid to
// read (spec §6 "fd 0 and 1 are reserved for console input and output
// respectively").
func (t *Table) Read(fd int, buf []byte) int {
	if fd == 1 {
		return -1
	}
	if fd == 0 {
		return 0
	}
	fh, ok := t.fileHandle(fd)
	if !ok {
		return -1 // absent fd, or SYS_READ on a directory fd
	}
	n, err := fh.Ino.ReadAt(buf, fh.Pos)
	if err != 0 {
		return -1
	}
	fh.Pos += n
	return n
}

// Write corresponds to SYS_WRITE(fd, buffer, size). fd 0 is invalid to
// write (spec §7 "write on fd 0"); fd 1 is the console.
func (t *Table) Write(fd int, buf []byte) int {
	if fd == 0 {
		return -1
	}
	if fd == 1 {
		return len(buf) // console output: accepted, not modeled
	}
	fh, ok := t.fileHandle(fd)
	if !ok {
		return -1
	}
	n, err := fh.Ino.WriteAt(buf, fh.Pos)
	if err != 0 {
		return -1
	}
	fh.Pos += n
	return n
}

// Seek corresponds to SYS_SEEK(fd, position): a no-op on fd 0/1 and on
// a directory fd (spec §7 "seeking fd 0/1 ... no-op").
func (t *Table) Seek(fd, pos int) {
	if fh, ok := t.fileHandle(fd); ok {
		fh.Pos = pos
	}
}

// Tell corresponds to SYS_TELL(fd).
func (t *Table) Tell(fd int) int {
	fh, ok := t.fileHandle(fd)
	if !ok {
		return -1
	}
	return fh.Pos
}

// Close corresponds to SYS_CLOSE(fd).
func (t *Table) Close(fd int) {
	h, ok := t.proc.CloseHandle(fd)
	if !ok {
		return
	}
	switch v := h.(type) {
	case *process.FileHandle:
		v.Ino.Close(t.sys.Registry)
	case *process.DirHandle:
		v.Dir.Close(t.sys.Registry)
	}
}

// Chdir corresponds to SYS_CHDIR(path): path resolution is out of
// scope, so the caller passes the already-resolved destination
// directory directly.
func (t *Table) Chdir(dir *dirent.Dir) bool {
	if dir == nil {
		return false
	}
	t.cwd = dir
	return true
}

// Mkdir corresponds to SYS_MKDIR(path).
func (t *Table) Mkdir(dir *dirent.Dir, name string) bool {
	sector, ok := t.sys.Alloc.Alloc()
	if !ok {
		return false
	}
	if !inode.Create(t.sys.Cache, t.sys.Alloc, sector, 0) {
		t.sys.Alloc.Free(sector)
		return false
	}
	ino, err := t.sys.Registry.Open(t.sys.Cache, t.sys.Alloc, sector)
	if err != 0 {
		return false
	}
	if err := dirent.Create(ino, dir.Inode().Sector(), 0); err != 0 {
		ino.Close(t.sys.Registry)
		return false
	}
	if err := dir.Add(name, sector, true); err != 0 {
		ino.Close(t.sys.Registry)
		return false
	}
	ino.Close(t.sys.Registry)
	return true
}

// Readdir corresponds to SYS_READDIR(fd, name): returns the next
// in-use entry's name after the fd's last-returned position (skipping
// the seeded `.`/`..` entries), advancing it, or ok=false once entries
// are exhausted.
func (t *Table) Readdir(fd int) (name string, ok bool) {
	h, present := t.proc.Handle(fd)
	if !present {
		return "", false
	}
	dh, isDir := h.(*process.DirHandle)
	if !isDir {
		return "", false
	}
	entries, err := dh.Dir.Readdir()
	if err != 0 {
		return "", false
	}
	for dh.Pos < len(entries) {
		e := entries[dh.Pos]
		dh.Pos++
		if e.Name == "." || e.Name == ".." {
			continue
		}
		return e.Name, true
	}
	return "", false
}

// Isdir corresponds to SYS_ISDIR(fd).
func (t *Table) Isdir(fd int) bool {
	h, ok := t.proc.Handle(fd)
	if !ok {
		return false
	}
	_, isDir := h.(*process.DirHandle)
	return isDir
}

// Inumber corresponds to SYS_INUMBER(fd): the backing inode's sector
// number stands in for an inode number, per spec.md §6.
func (t *Table) Inumber(fd int) int {
	h, ok := t.proc.Handle(fd)
	if !ok {
		return -1
	}
	switch v := h.(type) {
	case *process.FileHandle:
		return v.Ino.Sector()
	case *process.DirHandle:
		return v.Dir.Inode().Sector()
	}
	return -1
}

// Mmap corresponds to SYS_MMAP(fd, addr): delegates directly to the
// validator's region manager (§4.7).
func (t *Table) Mmap(fd int, addr uintptr) (uuid.UUID, defs.Err_t) {
	fh, ok := t.fileHandle(fd)
	if !ok {
		return uuid.UUID{}, defs.EINVAL
	}
	return t.val.Mmap(fh.Ino, addr)
}

// Munmap corresponds to SYS_MUNMAP(id).
func (t *Table) Munmap(id uuid.UUID) defs.Err_t {
	return t.val.Munmap(id)
}

func (t *Table) fileHandle(fd int) (*process.FileHandle, bool) {
	h, ok := t.proc.Handle(fd)
	if !ok {
		return nil, false
	}
	fh, ok := h.(*process.FileHandle)
	return fh, ok
}
