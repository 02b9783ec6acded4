// Package validate implements the syscall pointer validator and page
// fault handler (component C7): user-buffer validation with pin /
// lazy-map / stack-growth install, NUL-terminated string scanning, page
// fault dispatch, and mmap/munmap region management.
//
// Grounded on src/userprog/syscall.c's pointer-validation sequence
// (null check, kernel-crossing check, pin-or-map-or-grow, write-intent
// check, unwind-on-failure) and on biscuit/src/vm/as.go's
// Userdmap8_inner/Mkuserbuf, which walk a user buffer page by page
// pinning or faulting each one in before the kernel dereferences it.
package validate

import (
	"github.com/google/uuid"

	"teachkern/defs"
	"teachkern/frame"
	"teachkern/inode"
	"teachkern/page"
	"teachkern/process"
	"teachkern/util"
)

// PageSize mirrors frame.PageSize; the validator reasons in pages.
const PageSize = frame.PageSize

// StackCap is the maximum total stack size: 1 GiB below the user
// ceiling (§4.7 "The total stack is capped at 1 GiB below the user
// ceiling").
const StackCap = 1 << 30

func pageRound(addr uintptr) uintptr {
	return util.Rounddown(addr, uintptr(PageSize))
}

type mmapRegion struct {
	startPage uintptr
	numPages  int
	ino       *inode.Inode
}

// Validator is bound to one process's address space: its supplemental
// page table, the shared frame table, and its mmap bookkeeping.
type Validator struct {
	proc        *process.Process
	pages       *page.Table
	frames      *frame.Table
	userCeiling uintptr

	mmaps map[uuid.UUID]*mmapRegion
}

// New binds a validator to proc's supplemental page table, the shared
// frame table, and a user-space ceiling address.
func New(proc *process.Process, pages *page.Table, frames *frame.Table, userCeiling uintptr) *Validator {
	return &Validator{
		proc:        proc,
		pages:       pages,
		frames:      frames,
		userCeiling: userCeiling,
		mmaps:       make(map[uuid.UUID]*mmapRegion),
	}
}

// isStackGrowth reports whether pageAddr is a legitimate stack-growth
// target: within 32 bytes below the saved stack pointer, or anywhere
// between the saved stack pointer and the user ceiling, and within the
// 1 GiB stack cap (§4.7).
func (v *Validator) isStackGrowth(pageAddr uintptr) bool {
	if pageAddr >= v.userCeiling {
		return false
	}
	if v.userCeiling-pageAddr > StackCap {
		return false
	}
	sp := v.proc.StackPointer()
	if pageAddr >= pageRound(sp) {
		return true
	}
	if sp >= 32 && pageAddr+PageSize > sp-32 {
		return true
	}
	return false
}

// ensureMapped looks up the entry for up, installing a stack-growth
// entry if none exists and up qualifies, then maps and pins it.
func (v *Validator) ensureMapped(up uintptr, pin bool) (*page.Entry, defs.Err_t) {
	entry, ok := v.pages.Lookup(up)
	if !ok {
		if !v.isStackGrowth(up) {
			return nil, defs.EFAULT
		}
		if err := v.pages.AddEntry(up, page.Stack, true, nil, 0); err != 0 {
			return nil, err
		}
		entry, ok = v.pages.Lookup(up)
		if !ok {
			return nil, defs.EFAULT
		}
	}
	if entry.Loc() != page.MainMemory {
		if err := v.pages.Map(up, pin); err != 0 {
			return nil, err
		}
		return entry, 0
	}
	if pin {
		if err := v.frames.Pin(entry.FrameIndex(), entry); err != 0 {
			return nil, err
		}
	}
	return entry, 0
}

func (v *Validator) unpin(up uintptr) {
	entry, ok := v.pages.Lookup(up)
	if !ok {
		return
	}
	if entry.Loc() == page.MainMemory {
		v.frames.Unpin(entry.FrameIndex(), entry)
	}
}

func (v *Validator) unpinAll(pages []uintptr) {
	for _, up := range pages {
		v.unpin(up)
	}
}

// ValidateBuffer validates and pins every page covering (ptr, size)
// (§4.7 "Syscall pointer validation"): rejects a null pointer or a
// range crossing into kernel memory, pins or lazily maps or
// stack-grows each page, checks write-intent, and unwinds any partial
// pinning on failure.
func (v *Validator) ValidateBuffer(ptr uintptr, size int, write bool) ([]uintptr, defs.Err_t) {
	if ptr == 0 || size < 0 {
		return nil, defs.EFAULT
	}
	if size == 0 {
		return nil, 0
	}
	end := ptr + uintptr(size)
	if end < ptr || end > v.userCeiling {
		return nil, defs.EFAULT
	}

	var pinned []uintptr
	startPage := pageRound(ptr)
	endPage := pageRound(end - 1)
	for up := startPage; ; up += PageSize {
		entry, err := v.ensureMapped(up, true)
		if err != 0 {
			v.unpinAll(pinned)
			return nil, err
		}
		pinned = append(pinned, up)
		if write && !entry.Writable() {
			v.unpinAll(pinned)
			return nil, defs.EFAULT
		}
		if up == endPage {
			break
		}
	}
	return pinned, 0
}

// UnpinAll releases every page in pages, called once the underlying
// syscall has completed (§4.7 "After the underlying syscall completes,
// every pinned page is unpinned").
func (v *Validator) UnpinAll(pages []uintptr) {
	v.unpinAll(pages)
}

// ValidateCString scans byte by byte for a terminating NUL starting at
// ptr, pinning each fresh page the scan crosses into. It returns the
// decoded string and the list of pages pinned during the scan, which
// the caller must eventually pass to UnpinAll.
func (v *Validator) ValidateCString(ptr uintptr) (string, []uintptr, defs.Err_t) {
	if ptr == 0 {
		return "", nil, defs.EFAULT
	}
	var pinned []uintptr
	var out []byte
	addr := ptr
	var curPage uintptr
	havePage := false

	for {
		if addr >= v.userCeiling {
			v.unpinAll(pinned)
			return "", nil, defs.EFAULT
		}
		up := pageRound(addr)
		if !havePage || up != curPage {
			if _, err := v.ensureMapped(up, true); err != 0 {
				v.unpinAll(pinned)
				return "", nil, err
			}
			pinned = append(pinned, up)
			curPage = up
			havePage = true
		}
		entry, _ := v.pages.Lookup(up)
		b := v.frames.Data(entry.FrameIndex())[addr-up]
		entry.MarkAccessed()
		if b == 0 {
			return string(out), pinned, 0
		}
		out = append(out, b)
		addr++
	}
}

// Fault dispatches a page fault at user address addr (§4.7 "Page
// faults"): a supplemental entry means map it; otherwise the
// stack-growth heuristic; otherwise the process should be terminated
// with exit status -1 (the caller's responsibility — Fault reports
// EFAULT so the caller can do so).
func (v *Validator) Fault(addr uintptr) defs.Err_t {
	up := pageRound(addr)
	if _, ok := v.pages.Lookup(up); ok {
		return v.pages.Map(up, false)
	}
	if !v.isStackGrowth(up) {
		return defs.EFAULT
	}
	if err := v.pages.AddEntry(up, page.Stack, true, nil, 0); err != 0 {
		return err
	}
	return v.pages.Map(up, false)
}

// Mmap installs one lazy FILE entry per page covering ino's length at
// addr, refusing overlap with any previously mapped region or the
// stack cap (§4.7 "mmap"). addr must be page-aligned.
func (v *Validator) Mmap(ino *inode.Inode, addr uintptr) (uuid.UUID, defs.Err_t) {
	if addr%PageSize != 0 {
		return uuid.UUID{}, defs.EINVAL
	}
	length := ino.Length()
	if length == 0 {
		return uuid.UUID{}, defs.EINVAL
	}
	numPages := util.Ceildiv(length, PageSize)
	end := addr + uintptr(numPages*PageSize)
	if end > v.userCeiling-StackCap {
		return uuid.UUID{}, defs.EINVAL
	}
	for up := addr; up < end; up += PageSize {
		if _, ok := v.pages.Lookup(up); ok {
			return uuid.UUID{}, defs.EINVAL
		}
	}

	id := uuid.New()
	for i := 0; i < numPages; i++ {
		up := addr + uintptr(i*PageSize)
		v.pages.AddEntry(up, page.File, true, ino, i*PageSize)
	}
	v.mmaps[id] = &mmapRegion{startPage: addr, numPages: numPages, ino: ino}
	return id, 0
}

// Munmap unmaps every page of the region named by id (writing back
// dirty pages and freeing swap slots via page.Table.Unmap), then
// forgets the region (§4.7 "munmap").
func (v *Validator) Munmap(id uuid.UUID) defs.Err_t {
	region, ok := v.mmaps[id]
	if !ok {
		return defs.EINVAL
	}
	delete(v.mmaps, id)
	for i := 0; i < region.numPages; i++ {
		up := region.startPage + uintptr(i*PageSize)
		v.pages.Unmap(up)
	}
	return 0
}
