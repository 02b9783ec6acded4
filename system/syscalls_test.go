package system

import (
	"testing"

	"teachkern/defs"
	"teachkern/page"
	"teachkern/process"
	"teachkern/validate"
)

func newTestTable(t *testing.T, s *System, root *process.Process) *Table {
	t.Helper()
	pages := page.NewTable(root, s.Frames, s.Swap)
	val := validate.New(root, pages, s.Frames, 1<<20)
	cwd, err := s.OpenRoot()
	if err != 0 {
		t.Fatalf("open root: %v", err)
	}
	return NewSyscallTable(s, root, pages, val, cwd)
}

func TestSyscallCreateOpenReadWrite(t *testing.T) {
	s := newTestSystem(t, 512)
	proc := process.New(1)
	tbl := newTestTable(t, s, proc)

	if !tbl.Create(tbl.Cwd(), "greeting", 0) {
		t.Fatalf("create failed")
	}
	fd := tbl.Open(tbl.Cwd(), "greeting")
	if fd < 2 {
		t.Fatalf("open returned invalid fd: %d", fd)
	}

	msg := []byte("hello, world")
	if n := tbl.Write(fd, msg); n != len(msg) {
		t.Fatalf("write returned %d, want %d", n, len(msg))
	}
	if got := tbl.Filesize(fd); got != len(msg) {
		t.Fatalf("filesize = %d, want %d", got, len(msg))
	}

	tbl.Seek(fd, 0)
	if got := tbl.Tell(fd); got != 0 {
		t.Fatalf("tell after seek = %d, want 0", got)
	}
	buf := make([]byte, len(msg))
	if n := tbl.Read(fd, buf); n != len(msg) || string(buf) != string(msg) {
		t.Fatalf("read back = %q (n=%d), want %q", buf, n, msg)
	}

	tbl.Close(fd)
	if tbl.Filesize(fd) != -1 {
		t.Fatalf("operation on closed fd should fail")
	}
}

func TestSyscallConsoleFds(t *testing.T) {
	s := newTestSystem(t, 512)
	proc := process.New(1)
	tbl := newTestTable(t, s, proc)

	if n := tbl.Read(1, make([]byte, 4)); n != -1 {
		t.Fatalf("read on fd 1 should fail, got %d", n)
	}
	if n := tbl.Write(0, []byte("x")); n != -1 {
		t.Fatalf("write on fd 0 should fail, got %d", n)
	}
	if n := tbl.Write(1, []byte("hi")); n != 2 {
		t.Fatalf("write on fd 1 (console) = %d, want 2", n)
	}
}

func TestSyscallMkdirChdirReaddir(t *testing.T) {
	s := newTestSystem(t, 512)
	proc := process.New(1)
	tbl := newTestTable(t, s, proc)

	if !tbl.Mkdir(tbl.Cwd(), "sub") {
		t.Fatalf("mkdir failed")
	}
	fd := tbl.Open(tbl.Cwd(), "sub")
	if !tbl.Isdir(fd) {
		t.Fatalf("opened entry should report as a directory")
	}
	h, _ := proc.Handle(fd)
	sub := h.(*process.DirHandle).Dir
	if !tbl.Chdir(sub) || tbl.Cwd() != sub {
		t.Fatalf("chdir into sub did not change the cwd")
	}

	seen := map[string]bool{}
	for {
		name, ok := tbl.Readdir(fd)
		if !ok {
			break
		}
		seen[name] = true
	}
	if len(seen) != 0 {
		t.Fatalf("freshly created directory should have no visible entries beyond ./.., got %v", seen)
	}
}

func TestSyscallRemoveThenOpenFails(t *testing.T) {
	s := newTestSystem(t, 512)
	proc := process.New(1)
	tbl := newTestTable(t, s, proc)

	if !tbl.Create(tbl.Cwd(), "tmp", 0) {
		t.Fatalf("create failed")
	}
	if !tbl.Remove(tbl.Cwd(), "tmp") {
		t.Fatalf("remove failed")
	}
	if fd := tbl.Open(tbl.Cwd(), "tmp"); fd != -1 {
		t.Fatalf("open of removed name should fail, got fd %d", fd)
	}
}

func TestSyscallMmapUnmap(t *testing.T) {
	s := newTestSystem(t, 512)
	proc := process.New(1)
	tbl := newTestTable(t, s, proc)

	if !tbl.Create(tbl.Cwd(), "mapped", 4096) {
		t.Fatalf("create failed")
	}
	fd := tbl.Open(tbl.Cwd(), "mapped")

	id, err := tbl.Mmap(fd, 0x10000000)
	if err != 0 {
		t.Fatalf("mmap: %v", err)
	}
	if err := tbl.Munmap(id); err != 0 {
		t.Fatalf("munmap: %v", err)
	}
	if _, err := tbl.Mmap(999, 0x20000000); err != defs.EINVAL {
		t.Fatalf("mmap on bad fd should return EINVAL, got %v", err)
	}
}
