// Package process models the minimal per-process context the storage
// and VM subsystems need: an exit lock (§5's per-process exit lock,
// checked non-blockingly by frame eviction), a saved user stack
// pointer (for the stack-growth heuristic), and the fd table. mmap
// regions are tracked by the validator, not here.
//
// Grounded on biscuit/src/proc.go's Proc_t (exit status, per-process
// locks guarding teardown) reworked around this module's narrower
// scope: no scheduler, no ELF loader, just the bookkeeping the storage
// and VM components actually consult.
package process

import (
	"sync"

	"teachkern/defs"
	"teachkern/dirent"
	"teachkern/inode"
)

// Handle is the tagged union over open file descriptors (Design Note 1
// / SPEC_FULL.md §9 item 1): a sealed interface implemented by
// *FileHandle and *DirHandle, dispatched by a type switch rather than
// a shared base struct with an is-directory flag.
type Handle interface {
	isHandle()
}

// FileHandle is an fd backed by an open file inode.
type FileHandle struct {
	Ino *inode.Inode
	Pos int
}

func (*FileHandle) isHandle() {}

// DirHandle is an fd backed by an open directory.
type DirHandle struct {
	Dir *dirent.Dir
	Pos int // index into Dir.Readdir's in-use entries for the next Readdir
}

func (*DirHandle) isHandle() {}

// Process is the minimal per-process context.
type Process struct {
	Tid defs.Tid_t

	exitMu sync.Mutex

	mu      sync.Mutex
	savedSP uintptr
	fds     map[int]Handle
	nextFd  int
}

// New creates a process with fd 0/1 reserved for console I/O (§6: "fd 0
// and 1 are reserved for console input and output respectively").
func New(tid defs.Tid_t) *Process {
	return &Process{
		Tid:    tid,
		fds:    make(map[int]Handle),
		nextFd: 2,
	}
}

// TryLockExit attempts the non-blocking exit-lock acquire that frame
// eviction uses to avoid racing process teardown (§4.5).
func (p *Process) TryLockExit() bool { return p.exitMu.TryLock() }

// UnlockExit releases the exit lock.
func (p *Process) UnlockExit() { p.exitMu.Unlock() }

// LockExit blocks until the exit lock is held, for use by the one
// teardown path that must exclude concurrent eviction entirely.
func (p *Process) LockExit() { p.exitMu.Lock() }

// SetStackPointer records the user stack pointer the validator
// consults for the stack-growth heuristic.
func (p *Process) SetStackPointer(sp uintptr) {
	p.mu.Lock()
	p.savedSP = sp
	p.mu.Unlock()
}

// StackPointer returns the last recorded user stack pointer.
func (p *Process) StackPointer() uintptr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.savedSP
}

// AddHandle installs a handle at the next available fd, starting at 2.
func (p *Process) AddHandle(h Handle) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	fd := p.nextFd
	p.nextFd++
	p.fds[fd] = h
	return fd
}

// Handle returns the handle at fd, or ok=false if fd is not open.
func (p *Process) Handle(fd int) (Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.fds[fd]
	return h, ok
}

// CloseHandle removes fd from the table, returning the handle that was
// there (so the caller can release its backing inode/directory).
func (p *Process) CloseHandle(fd int) (Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.fds[fd]
	if ok {
		delete(p.fds, fd)
	}
	return h, ok
}

// OpenFds returns every currently open fd, for process teardown.
func (p *Process) OpenFds() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int, 0, len(p.fds))
	for fd := range p.fds {
		out = append(out, fd)
	}
	return out
}
