// Package pipe implements shared pipe buffers: a fixed-size ring
// buffer with independent reader/writer reference counts driving EOF,
// blocking, and broken-pipe semantics.
//
// The ring-buffer mechanics (head/tail indices modulo capacity, used/free/
// empty/full helpers) follow a classic byte-counting circular buffer; the
// read/write/close semantics and the exact reader/writer refcount rules
// instead follow original_source/kernel/ipc/pipe.cpp and
// kernel/include/pipe.h, matching this kernel's restart-based I/O model.
package pipe

import (
	"sync"

	"ix86kernel/src/defs"
	"ix86kernel/src/proc"
)

/// BufferSize is the capacity in bytes of a pipe's ring buffer, matching
/// original_source's kPipeBufferSize.
const BufferSize = 4096

/// Pipe_t is one pipe's shared state: the ring buffer plus the reader and
/// writer reference counts that determine whether a read sees EOF, a write
/// is broken, or either should restart.
type Pipe_t struct {
	sync.Mutex
	buf          [BufferSize]byte
	head, tail   int /// head writes, tail reads; both count total bytes, mod BufferSize indexes buf
	readers      int
	writers      int
}

/// New creates a pipe with one reader and one writer reference, matching
/// the state immediately after original_source's Pipe::create (the pipe
/// syscall's two returned fds each hold one end open).
func New() *Pipe_t {
	return &Pipe_t{readers: 1, writers: 1}
}

func (p *Pipe_t) used() int  { return p.head - p.tail }
func (p *Pipe_t) free() int  { return BufferSize - p.used() }
func (p *Pipe_t) empty() bool { return p.head == p.tail }
func (p *Pipe_t) full() bool  { return p.used() == BufferSize }

/// Read copies up to len(dst) bytes out of the pipe. It returns
/// proc.SyscallRestart if the buffer is empty but a writer is still open,
/// (0, 0) on EOF (buffer empty, no writers), or the number of bytes read.
func (p *Pipe_t) Read(dst []byte) (int, defs.Err_t) {
	p.Lock()
	defer p.Unlock()
	if p.empty() {
		if p.writers > 0 {
			return int(proc.SyscallRestart), 0
		}
		return 0, 0 /// EOF
	}
	n := p.used()
	if n > len(dst) {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		dst[i] = p.buf[(p.tail+i)%BufferSize]
	}
	p.tail += n
	return n, 0
}

/// Write copies len(src) bytes into the pipe, or as many as currently fit.
/// It returns (-1, defs.EPIPE) if there is no reader left, proc.SyscallRestart
/// if the buffer is completely full, or the number of bytes written
/// (possibly fewer than len(src), matching original_source's partial-write
/// behavior when the buffer fills mid-write).
func (p *Pipe_t) Write(src []byte) (int, defs.Err_t) {
	p.Lock()
	defer p.Unlock()
	if p.readers == 0 {
		return -1, defs.EPIPE
	}
	if p.full() {
		return int(proc.SyscallRestart), 0
	}
	n := p.free()
	if n > len(src) {
		n = len(src)
	}
	for i := 0; i < n; i++ {
		p.buf[(p.head+i)%BufferSize] = src[i]
	}
	p.head += n
	return n, 0
}

/// CloseRead drops one reader reference.
func (p *Pipe_t) CloseRead() {
	p.Lock()
	defer p.Unlock()
	p.readers--
}

/// CloseWrite drops one writer reference.
func (p *Pipe_t) CloseWrite() {
	p.Lock()
	defer p.Unlock()
	p.writers--
}

/// Dead reports whether both ends are closed, i.e. this pipe's buffer may
/// be reclaimed. Matches original_source's pipe_maybe_free condition.
func (p *Pipe_t) Dead() bool {
	p.Lock()
	defer p.Unlock()
	return p.readers == 0 && p.writers == 0
}

/// AddReader adds one reader reference, for dup2/fork sharing an end.
func (p *Pipe_t) AddReader() {
	p.Lock()
	defer p.Unlock()
	p.readers++
}

/// AddWriter adds one writer reference, for dup2/fork sharing an end.
func (p *Pipe_t) AddWriter() {
	p.Lock()
	defer p.Unlock()
	p.writers++
}
