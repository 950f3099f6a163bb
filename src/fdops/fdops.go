// Package fdops defines Fdops_i, the interface every open file description
// implements (terminal, pipe read end, pipe write end), and Fd_t, the
// per-process file-descriptor-table slot wrapping one.
//
// Fdops_i plays the same polymorphic role as a tagged union of terminal and
// pipe operations: one small interface every file description satisfies, so
// fd.go and the syscall dispatcher can read and write through it without
// caring which concrete kind backs a given descriptor.
package fdops

import "ix86kernel/src/defs"

/// Fdops_i is implemented by anything a file descriptor can point at. Every
/// method matches this kernel's blocking-or-restart convention: a
/// return of (-1, err) with a non-zero defs.Err_t is a clean failure, while
/// the dispatcher recognizes proc.SyscallRestart out of Read/Write as
/// "block the caller and retry".
type Fdops_i interface {
	/// Read copies up to len(buf) bytes into buf, returning the count read.
	Read(buf []byte) (int, defs.Err_t)
	/// Write copies len(buf) bytes out of buf, returning the count written.
	Write(buf []byte) (int, defs.Err_t)
	/// Close releases this description's reference. The underlying
	/// resource (pipe buffer, terminal singleton) is only torn down once
	/// its last reference closes.
	Close() defs.Err_t
	/// Reopen increments this description's reference count, for dup2 and
	/// fork, which share one description across multiple fd slots/processes.
	Reopen()
}

/// Fd_t is one file-descriptor-table slot: either empty, or a valid
/// reference to an open file description.
type Fd_t struct {
	Fops  Fdops_i
	Valid bool
}
