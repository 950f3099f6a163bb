// Package fd implements the file-descriptor layer: the small set of
// file description kinds a process can hold open (the two terminal
// singletons and the two ends of a pipe) and the per-process table
// operations (alloc, alloc-from, dup2, close) built on top of fdops.Fd_t.
//
// There is no filesystem cwd/path tracking here since this kernel has no
// filesystem; the description kinds and refcount rules instead follow
// original_source/kernel/ipc/file.cpp and kernel/include/file.h exactly,
// including the terminal singletons' initial reference counts.
package fd

import (
	"sync"

	"ix86kernel/src/defs"
	"ix86kernel/src/fdops"
	"ix86kernel/src/pipe"
	"ix86kernel/src/proc"
)

/// TerminalDriver is the opaque external device the fd layer reads from and
/// writes to for fd 0/1/2. Its internals (PS/2 scancode
/// translation, VGA text buffer) are out of scope; this kernel only needs
/// Read/Write plus the three direct terminal-control operations the
/// dispatcher exposes as their own syscalls (SET_CURSOR, SET_COLOR, CLEAR)
/// rather than routing through a file description.
type TerminalDriver interface {
	Read(buf []byte) (int, error)
	Write(buf []byte) (int, error)
	SetCursor(x, y int) error
	SetColor(fg, bg int) error
	Clear() error
}

/// terminalRead and terminalWrite are the two process-wide singleton file
/// descriptions backing fd 0 (stdin) and fds 1/2 (stdout/stderr). A real
/// Unix gives every open() a fresh description; this kernel, like
/// original_source, only ever has one console, so every process's stdio
/// fds reference the same two descriptions and their ref counts track how
/// many fd-table slots (across all processes) point at them.
var (
	terminalMu    sync.Mutex
	terminalRead  *termFile_t
	terminalWrite *termFile_t
	terminalDrv   TerminalDriver
)

/// InitStdio (re)creates the terminal singletons backed by drv. Called once
/// during boot before the first process is spawned.
func InitStdio(drv TerminalDriver) {
	terminalMu.Lock()
	defer terminalMu.Unlock()
	terminalRead = &termFile_t{drv: drv, writable: false}
	terminalWrite = &termFile_t{drv: drv, writable: true}
	terminalDrv = drv
}

/// SetCursor, SetColor, and Clear forward the SET_CURSOR/SET_COLOR/CLEAR
/// syscalls directly to the terminal driver -- these are terminal-wide
/// control operations, not per-description I/O, so they bypass the fd
/// table entirely.
func SetCursor(x, y int) defs.Err_t {
	if err := terminalDrv.SetCursor(x, y); err != nil {
		return defs.EINVAL
	}
	return 0
}

func SetColor(fg, bg int) defs.Err_t {
	if err := terminalDrv.SetColor(fg, bg); err != nil {
		return defs.EINVAL
	}
	return 0
}

func Clear() defs.Err_t {
	if err := terminalDrv.Clear(); err != nil {
		return defs.EINVAL
	}
	return 0
}

type termFile_t struct {
	sync.Mutex
	drv      TerminalDriver
	writable bool
	refs     int
}

func (t *termFile_t) Read(buf []byte) (int, defs.Err_t) {
	if t.writable {
		return -1, defs.EBADF
	}
	n, err := t.drv.Read(buf)
	if err != nil {
		return -1, defs.EFAULT
	}
	if n == 0 {
		return int(proc.SyscallRestart), 0
	}
	return n, 0
}

func (t *termFile_t) Write(buf []byte) (int, defs.Err_t) {
	if !t.writable {
		return -1, defs.EBADF
	}
	n, err := t.drv.Write(buf)
	if err != nil {
		return -1, defs.EFAULT
	}
	return n, 0
}

func (t *termFile_t) Close() defs.Err_t {
	t.Lock()
	defer t.Unlock()
	t.refs--
	return 0
}

func (t *termFile_t) Reopen() {
	t.Lock()
	defer t.Unlock()
	t.refs++
}

/// pipeFile_t adapts one end of a pipe.Pipe_t to fdops.Fdops_i.
type pipeFile_t struct {
	p      *pipe.Pipe_t
	isRead bool
}

func (pf *pipeFile_t) Read(buf []byte) (int, defs.Err_t) {
	if !pf.isRead {
		return -1, defs.EBADF
	}
	return pf.p.Read(buf)
}

func (pf *pipeFile_t) Write(buf []byte) (int, defs.Err_t) {
	if pf.isRead {
		return -1, defs.EBADF
	}
	return pf.p.Write(buf)
}

func (pf *pipeFile_t) Close() defs.Err_t {
	if pf.isRead {
		pf.p.CloseRead()
	} else {
		pf.p.CloseWrite()
	}
	return 0
}

func (pf *pipeFile_t) Reopen() {
	if pf.isRead {
		pf.p.AddReader()
	} else {
		pf.p.AddWriter()
	}
}

/// NewPipeEnds returns the two fdops.Fd_t values representing the read and
/// write ends of a freshly created pipe, each holding one reference.
func NewPipeEnds(p *pipe.Pipe_t) (read, write fdops.Fd_t) {
	read = fdops.Fd_t{Fops: &pipeFile_t{p: p, isRead: true}, Valid: true}
	write = fdops.Fd_t{Fops: &pipeFile_t{p: p, isRead: false}, Valid: true}
	return
}

/// InitProcessStdio installs the terminal singletons into a fresh process's
/// fd table at slots 0 (stdin, read-only), 1, and 2 (stdout/stderr, write-
/// only), bumping the singletons' ref counts by one per slot -- three slots,
/// two singletons, matching original_source's fd_init_stdio (fd 0 adds one
/// reference to the read singleton; fds 1 and 2 together add two references
/// to the write singleton).
func InitProcessStdio(fds *[16]fdops.Fd_t) {
	terminalMu.Lock()
	defer terminalMu.Unlock()
	terminalRead.refs++
	terminalWrite.refs += 2
	fds[0] = fdops.Fd_t{Fops: terminalRead, Valid: true}
	fds[1] = fdops.Fd_t{Fops: terminalWrite, Valid: true}
	fds[2] = fdops.Fd_t{Fops: terminalWrite, Valid: true}
}

/// Alloc installs fo in the lowest-numbered free slot of fds, matching
/// original_source's fd_alloc.
func Alloc(fds *[16]fdops.Fd_t, fo fdops.Fdops_i) (int, defs.Err_t) {
	return AllocFrom(fds, fo, 0)
}

/// AllocFrom installs fo in the lowest-numbered free slot at index ≥ start,
/// matching original_source's fd_alloc_from. Alloc is AllocFrom with
/// start 0.
func AllocFrom(fds *[16]fdops.Fd_t, fo fdops.Fdops_i, start int) (int, defs.Err_t) {
	for i := start; i < len(fds); i++ {
		if !fds[i].Valid {
			fds[i] = fdops.Fd_t{Fops: fo, Valid: true}
			return i, 0
		}
	}
	return -1, defs.EMFILE
}

/// Dup2 makes newfd refer to the same open file description as oldfd,
/// closing whatever newfd previously held first. Matches
/// original_source's dup2 semantics: dup2(fd, fd) is a no-op success.
func Dup2(fds *[16]fdops.Fd_t, oldfd, newfd int) defs.Err_t {
	if oldfd < 0 || oldfd >= len(fds) || newfd < 0 || newfd >= len(fds) {
		return defs.EBADF
	}
	if !fds[oldfd].Valid {
		return defs.EBADF
	}
	if oldfd == newfd {
		return 0
	}
	if fds[newfd].Valid {
		fds[newfd].Fops.Close()
	}
	fds[oldfd].Fops.Reopen()
	fds[newfd] = fdops.Fd_t{Fops: fds[oldfd].Fops, Valid: true}
	return 0
}

/// Close releases fds[n] and clears the slot.
func Close(fds *[16]fdops.Fd_t, n int) defs.Err_t {
	if n < 0 || n >= len(fds) || !fds[n].Valid {
		return defs.EBADF
	}
	err := fds[n].Fops.Close()
	fds[n] = fdops.Fd_t{}
	return err
}

/// Copyfd duplicates fd by reopening its underlying description, for fork
/// to share every open fd between parent and child.
func Copyfd(f fdops.Fd_t) fdops.Fd_t {
	if !f.Valid {
		return fdops.Fd_t{}
	}
	f.Fops.Reopen()
	return f
}

/// ClosePanic closes f and halts if the underlying description reports an
/// error, for teardown paths (exit, exec) where a close failure would mean
/// a refcounting bug elsewhere in the kernel.
func ClosePanic(f fdops.Fd_t) {
	if !f.Valid {
		return
	}
	if f.Fops.Close() != 0 {
		panic("fd: close must succeed")
	}
}
