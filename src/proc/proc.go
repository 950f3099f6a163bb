// Package proc defines the process control block (PCB) and the trap frame
// layout: the saved-register structure produced when a process enters
// the kernel (via interrupt, exception, or syscall) and consumed when the
// scheduler resumes it.
//
// The field layout, order, and the four ProcessState values are grounded
// directly on original_source/kernel/include/process.h's TrapFrame and
// Process structs -- this is the one place in this kernel where following
// the original exactly (down to field order) matters, since a real i386
// assembly stub would push registers in this exact order onto the kernel
// stack. The struct/doc-comment idiom (a "_t"-suffixed value type with a
// short invariant comment per field) matches the style used throughout the
// rest of this kernel's value types.
package proc

import (
	"ix86kernel/src/accnt"
	"ix86kernel/src/defs"
	"ix86kernel/src/fdops"
	"ix86kernel/src/vm"
)

/// TrapFrame is the saved machine state of an interrupted process. Field
/// order matches original_source's struct TrapFrame exactly: general
/// purpose registers in pusha order, then the segment selectors, then the
/// hardware-pushed interrupt frame (eip, cs, eflags, and -- only when a
/// privilege-level change occurred -- user_esp/user_ss).
//
// A real kernel builds this by pushing registers on the interrupted
// process's kernel stack; since this module has no assembly entry stub, the
// scheduler and dispatcher pass *TrapFrame by pointer where the original
// passes a raw stack-pointer integer (see sched.Schedule's doc comment).
type TrapFrame struct {
	Edi, Esi, Ebp, espDummy, Ebx, Edx, Ecx, Eax uint32
	Ds, Es, Fs, Gs                              uint32
	Eip, Cs, Eflags                             uint32
	UserEsp, UserSs                             uint32
}

/// SyscallRestart is the reserved eax value a syscall handler returns to
/// mean "this call would block; rewind eip and try again once runnable"
/// It is not an error -- defs.Err_t is never this
/// value.
const SyscallRestart int32 = -0x7FFFFFFE

/// intInstrLen is the length in bytes of the `int 0x80` instruction the
/// dispatcher rewinds Eip by on restart.
const intInstrLen = 2

/// RewindForRestart moves f.Eip back over the int 0x80 instruction that
/// trapped into the kernel, so that re-scheduling this process re-executes
/// the same syscall from scratch.
func (f *TrapFrame) RewindForRestart() {
	f.Eip -= intInstrLen
}

/// ProcessState is the scheduling state of a process, matching
/// original_source's ProcessState enum exactly.
type ProcessState int

const (
	Ready ProcessState = iota
	Running
	Blocked
	Zombie
)

func (s ProcessState) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Zombie:
		return "zombie"
	default:
		return "unknown"
	}
}

/// ShmMapping_t records one shared-memory attachment: the region id, the
/// virtual address it is mapped at, and its extent in pages. Matches
/// original_source's ShmMapping.
type ShmMapping_t struct {
	ShmID    int
	Vaddr    vm.Va_t
	NumPages int
}

/// Proc_t is a process control block. Every field that is not itself
/// re-derivable (FDs, SHM attachments, the saved kernel stack pointer) lives
/// here; nothing about a process's state is kept anywhere else.
type Proc_t struct {
	Pid       defs.Pid_t
	ParentPid defs.Pid_t
	State     ProcessState

	/// Frame is the process's saved trap frame: valid whenever State is not
	/// Running. sched.Schedule reads/writes it across a context switch in
	/// place of the raw kernel-stack-pointer handoff a real assembly stub
	/// would perform.
	Frame *TrapFrame

	/// AS is this process's address space (page directory + mappings).
	AS *vm.ASM

	/// KernelStack is the backing store for this process's kernel stack;
	/// length is limits.KernelStackPages pages.
	KernelStack []byte

	/// Brk is the current top of the heap (the sbrk break), a user virtual
	/// address.
	Brk vm.Va_t

	/// WakeTick is the scheduler tick at or after which a blocked process
	/// (a timed sleep, or a syscall waiting to restart) becomes Ready again.
	/// Meaningless unless State == Blocked.
	WakeTick uint64

	/// ExitCode is the value passed to exit(2), valid once State == Zombie.
	ExitCode int32

	/// Fds is this process's file-descriptor table.
	Fds [16]fdops.Fd_t

	/// ShmMappings is this process's shared-memory attachment list (≤8,
	/// enforced by package shm).
	ShmMappings []ShmMapping_t

	/// Acct accumulates this process's CPU time, tallied by the scheduler
	/// across every context switch.
	Acct *accnt.Accnt_t

	/// runStartNs is the wall-clock time (accnt.Accnt_t.Now) this process
	/// was last dispatched; meaningless unless State == Running.
	runStartNs int

	/// Next is an intrusive list link matching original_source's
	/// Process::next pointer. Package sched keeps its ready, blocked, and
	/// zombie queues as pid slices and does not use it.
	Next *Proc_t
}

/// NewProc allocates a bare PCB in state Ready with an empty FD table and no
/// address space; callers (sched.Scheduler.CreateProcess and Fork) fill in AS, Frame, and
/// the FD table before making it schedulable.
func NewProc(pid, parentPid defs.Pid_t) *Proc_t {
	return &Proc_t{
		Pid:       pid,
		ParentPid: parentPid,
		State:     Ready,
		Frame:     &TrapFrame{},
		Acct:      &accnt.Accnt_t{},
	}
}

/// MarkDispatched records that the scheduler just switched this process
/// onto the CPU.
func (p *Proc_t) MarkDispatched() {
	p.runStartNs = p.Acct.Now()
}

/// MarkPreempted tallies the CPU time this process consumed since its last
/// MarkDispatched as user time, the way original_source's scheduler charges
/// a full quantum to the process that held it (this kernel makes no
/// user/kernel-mode accounting distinction, since every "syscall" here is a
/// plain function call rather than a mode switch).
func (p *Proc_t) MarkPreempted() {
	if p.runStartNs == 0 {
		return
	}
	p.Acct.Utadd(p.Acct.Now() - p.runStartNs)
	p.runStartNs = 0
}

/// InitTrapFrame builds the trap frame a freshly exec'd process resumes
/// into: general-purpose registers zeroed, user code/data/stack segment
/// selectors, interrupts enabled in eflags, eip at the ELF entry point, and
/// the user stack pointer at the top of its stack region.
func InitTrapFrame(entry, userStackTop vm.Va_t) *TrapFrame {
	const (
		userCS     = 0x1B /// GDT user code selector, RPL 3
		userDS     = 0x23 /// GDT user data selector, RPL 3
		eflagsIF   = 1 << 9
		eflagsBase = 0x2 /// reserved bit always set
	)
	return &TrapFrame{
		Ds: userDS, Es: userDS, Fs: userDS, Gs: userDS,
		Eip:     uint32(entry),
		Cs:      userCS,
		Eflags:  eflagsBase | eflagsIF,
		UserEsp: uint32(userStackTop),
		UserSs:  userDS,
	}
}
