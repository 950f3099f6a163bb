// Package sched implements the round-robin scheduler: the ready,
// blocked, and zombie queues, process lifecycle (create, fork, exit,
// wait), and the schedule(esp) -> esp hinge a timer interrupt or a blocking
// syscall calls to pick the next runnable process.
//
// Grounded on original_source/kernel/include/scheduler.h's exact method
// set (init/create_process/schedule/exit_current/sleep_current/
// block_current/fork_current/waitpid_current/current) and on
// kernel/cpu/scheduler.cpp's timer_dispatch, which calls
// Scheduler::schedule(esp) with the interrupted process's kernel stack
// pointer and resumes whatever it returns. This module has no assembly
// entry stub to hand schedule() a raw %esp, so Schedule takes and returns
// *proc.TrapFrame instead -- the Go-level equivalent of the same handoff.
// The process table lives in the Scheduler value, guarded by its single
// mutex: the "interrupts disabled" discipline of a single-CPU kernel.
package sched

import (
	"sync"

	multierror "github.com/hashicorp/go-multierror"

	"ix86kernel/src/defs"
	"ix86kernel/src/fd"
	"ix86kernel/src/fdops"
	"ix86kernel/src/klog"
	"ix86kernel/src/limits"
	"ix86kernel/src/mem"
	"ix86kernel/src/proc"
	"ix86kernel/src/shm"
	"ix86kernel/src/stats"
	"ix86kernel/src/vm"
)

var log = klog.Subsystem("sched")

/// Scheduler owns every process's lifecycle: the ready queue (round-robin,
/// FIFO), the blocked set (timed sleepers and I/O waiters), the zombie set
/// (exited, not yet reaped), and the currently running process.
type Scheduler struct {
	sync.Mutex
	pfa      *mem.PFA_t
	shm      *shm.Table
	kernelAS *vm.ASM

	procs map[defs.Pid_t]*proc.Proc_t

	ready   []defs.Pid_t
	blocked []defs.Pid_t
	zombies []defs.Pid_t

	current defs.Pid_t
	nextPid defs.Pid_t
	tick    uint64

	/// Counters is this scheduler's cumulative activity, dumped on demand
	/// via StatsString for debugging.
	Counters struct {
		Switches stats.Counter_t
		Forks    stats.Counter_t
		Exits    stats.Counter_t
	}
}

/// New creates a scheduler with no processes. kernelAS is the template
/// address space every new process's kernel-half mappings are synced from
/// (vm.ASM.SyncKernelMappings).
func New(pfa *mem.PFA_t, shmTable *shm.Table, kernelAS *vm.ASM) *Scheduler {
	return &Scheduler{
		pfa:      pfa,
		shm:      shmTable,
		kernelAS: kernelAS,
		procs:    make(map[defs.Pid_t]*proc.Proc_t),
		nextPid:  1,
	}
}

/// IsInitialized reports whether any process has been created yet, matching
/// original_source's Scheduler::is_initialized guard used before the first
/// timer tick can safely call Schedule.
func (s *Scheduler) IsInitialized() bool {
	s.Lock()
	defer s.Unlock()
	return len(s.procs) > 0
}

/// CreateProcess allocates a fresh PCB with its own address space (synced
/// to the kernel template) and kernel stack, with parentPid as its parent.
/// The stdio fds are installed here; the caller (elf.Load plus stack
/// setup) still has to install the user mappings and initial trap frame
/// before the process can be scheduled; AddReady makes it runnable once
/// that's done.
func (s *Scheduler) CreateProcess(parentPid defs.Pid_t) (*proc.Proc_t, defs.Err_t) {
	s.Lock()
	defer s.Unlock()
	if len(s.procs) >= limits.MaxProcesses {
		return nil, defs.ENOMEM
	}
	as, err := vm.Create(s.pfa)
	if err != nil {
		return nil, defs.ENOMEM
	}
	as.SyncKernelMappings(s.kernelAS)

	p := proc.NewProc(s.nextPid, parentPid)
	s.nextPid++
	p.AS = as
	p.KernelStack = make([]byte, limits.KernelStackPages*mem.PGSIZE)
	fd.InitProcessStdio(&p.Fds)

	s.procs[p.Pid] = p
	return p, 0
}

/// AddReady marks p runnable and appends it to the back of the ready queue.
func (s *Scheduler) AddReady(p *proc.Proc_t) {
	s.Lock()
	defer s.Unlock()
	p.State = proc.Ready
	s.ready = append(s.ready, p.Pid)
}

/// Current returns the currently running process, or nil if the scheduler
/// is idle.
func (s *Scheduler) Current() *proc.Proc_t {
	s.Lock()
	defer s.Unlock()
	if s.current == defs.NoPid {
		return nil
	}
	return s.procs[s.current]
}

/// Schedule is the timer/syscall-dispatcher hinge: save the interrupted
/// process's trap frame, requeue it if still runnable, pick the next ready
/// process round-robin, and return its trap frame for the caller to resume
/// into. frame is nil the very first time Schedule runs (there is no
/// interrupted process yet).
func (s *Scheduler) Schedule(frame *proc.TrapFrame) *proc.TrapFrame {
	s.Lock()
	defer s.Unlock()

	if cur, ok := s.procs[s.current]; ok && cur.State == proc.Running {
		cur.Frame = frame
		cur.State = proc.Ready
		cur.MarkPreempted()
		s.ready = append(s.ready, cur.Pid)
	}

	s.tick++
	s.reapSleepersLocked()

	if len(s.ready) == 0 {
		s.current = defs.NoPid
		return nil
	}
	next := s.ready[0]
	s.ready = s.ready[1:]
	np := s.procs[next]
	np.State = proc.Running
	np.AS.Load()
	np.MarkDispatched()
	s.current = next
	s.Counters.Switches.Inc()
	return np.Frame
}

func (s *Scheduler) reapSleepersLocked() {
	kept := s.blocked[:0]
	for _, pid := range s.blocked {
		p := s.procs[pid]
		if p.WakeTick != 0 && s.tick >= p.WakeTick {
			p.State = proc.Ready
			p.WakeTick = 0
			s.ready = append(s.ready, pid)
			continue
		}
		kept = append(kept, pid)
	}
	s.blocked = kept
}

/// BlockCurrent moves the running process to the blocked set after a
/// handler returned the restart sentinel (a pipe read with no data and a
/// writer still open, a full pipe, waitpid with no zombie child yet). It is
/// made Ready again on the next tick, when the rewound syscall re-executes.
func (s *Scheduler) BlockCurrent(frame *proc.TrapFrame) {
	s.Lock()
	defer s.Unlock()
	p := s.procs[s.current]
	p.Frame = frame
	p.State = proc.Blocked
	p.WakeTick = s.tick + 1
	s.blocked = append(s.blocked, p.Pid)
	s.current = defs.NoPid
}

/// SleepCurrent moves the running process to the blocked set until tick
/// untilTick, for a timed sleep.
func (s *Scheduler) SleepCurrent(frame *proc.TrapFrame, untilTick uint64) {
	s.Lock()
	defer s.Unlock()
	p := s.procs[s.current]
	p.Frame = frame
	p.State = proc.Blocked
	p.WakeTick = untilTick
	s.blocked = append(s.blocked, p.Pid)
	s.current = defs.NoPid
}

/// Wake moves pid from the blocked set back to ready immediately, without
/// waiting for its wake tick.
func (s *Scheduler) Wake(pid defs.Pid_t) {
	s.Lock()
	defer s.Unlock()
	for i, b := range s.blocked {
		if b == pid {
			s.blocked = append(s.blocked[:i], s.blocked[i+1:]...)
			p := s.procs[pid]
			p.State = proc.Ready
			p.WakeTick = 0
			s.ready = append(s.ready, pid)
			return
		}
	}
}

/// Fork duplicates parent into a new process: a deep copy of its address
/// space (no copy-on-write) and every open fd reopened,
/// not re-created. Forking a process with live shared-memory attachments
/// is rejected with defs.EINVAL: original_source leaves the interaction
/// between fork and SHM attachment counts ambiguous (see DESIGN.md), and
/// this kernel resolves the ambiguity by forbidding it outright rather than
/// guessing at the intended ref-count bookkeeping.
func (s *Scheduler) Fork(parent *proc.Proc_t) (*proc.Proc_t, defs.Err_t) {
	if len(parent.ShmMappings) != 0 {
		return nil, defs.EINVAL
	}
	s.Lock()
	if len(s.procs) >= limits.MaxProcesses {
		s.Unlock()
		return nil, defs.ENOMEM
	}
	s.Unlock()

	childAS, err := parent.AS.Copy()
	if err != nil {
		return nil, defs.ENOMEM
	}
	childAS.SyncKernelMappings(s.kernelAS)

	s.Lock()
	child := proc.NewProc(s.nextPid, parent.Pid)
	s.nextPid++
	s.Unlock()

	child.AS = childAS
	child.KernelStack = make([]byte, len(parent.KernelStack))
	child.Brk = parent.Brk
	childFrame := *parent.Frame
	child.Frame = &childFrame

	for i, pfd := range parent.Fds {
		child.Fds[i] = fd.Copyfd(pfd)
	}

	s.Lock()
	s.procs[child.Pid] = child
	s.Unlock()

	s.Counters.Forks.Inc()
	s.AddReady(child)
	return child, 0
}

/// ExitCurrent tears the running process down: its address space frames,
/// every open fd, and every shared-memory attachment are released, its
/// exit code recorded, and it moves to the zombie set for its parent to
/// reap via WaitPid. Teardown errors from independent resources (AS
/// destruction, SHM detach) are aggregated rather than abandoned at the
/// first failure, matching this kernel's "never leak on the way out"
/// teardown discipline.
func (s *Scheduler) ExitCurrent(frame *proc.TrapFrame, code int32) *multierror.Error {
	s.Lock()
	p := s.procs[s.current]
	s.Unlock()

	p.MarkPreempted()

	var result *multierror.Error
	if err := s.shm.DetachAll(p); err != nil {
		result = multierror.Append(result, err)
	}
	for i := range p.Fds {
		if p.Fds[i].Valid {
			fd.ClosePanic(p.Fds[i])
			p.Fds[i] = fdops.Fd_t{}
		}
	}
	if err := p.AS.Destroy(); err != nil {
		result = multierror.Append(result, err)
	}

	s.Lock()
	p.ExitCode = code
	p.State = proc.Zombie
	s.zombies = append(s.zombies, p.Pid)
	s.current = defs.NoPid
	s.Counters.Exits.Inc()
	s.Unlock()

	if result.ErrorOrNil() != nil {
		log.WithError(result).Warn("exit teardown had errors")
	}
	return result
}

/// WaitPid looks for a zombie child of parent (any child if pid is
/// defs.NoPid, matching wait(2)'s "any child" convention; a specific pid
/// otherwise), reaps it, and returns its pid and exit code. If parent has
/// no children at all it returns defs.ECHILD with ok=true. If no zombie
/// child exists yet but parent does have live children, WaitPid returns a
/// zero error paired with ok=false so the dispatcher can block the caller
/// and restart the call until one exits.
func (s *Scheduler) WaitPid(parent *proc.Proc_t, pid defs.Pid_t) (defs.Pid_t, int32, defs.Err_t, bool) {
	s.Lock()
	defer s.Unlock()

	hasChildren := false
	for _, p := range s.procs {
		if p.ParentPid == parent.Pid {
			hasChildren = true
		}
	}
	if !hasChildren {
		return 0, 0, defs.ECHILD, true
	}

	for i, zpid := range s.zombies {
		z := s.procs[zpid]
		if z.ParentPid != parent.Pid {
			continue
		}
		if pid != defs.NoPid && zpid != pid {
			continue
		}
		s.zombies = append(s.zombies[:i], s.zombies[i+1:]...)
		delete(s.procs, zpid)
		return zpid, z.ExitCode, 0, true
	}
	return 0, 0, 0, false
}

/// Tick returns the current scheduler tick count, for tests and
/// diagnostics.
func (s *Scheduler) Tick() uint64 {
	s.Lock()
	defer s.Unlock()
	return s.tick
}

/// Switches returns the cumulative number of context switches Schedule has
/// performed.
func (s *Scheduler) Switches() uint64 {
	return uint64(s.Counters.Switches.Get())
}

/// StatsString dumps the scheduler's cumulative counters, for boot-time or
/// on-demand kernel-log diagnostics.
func (s *Scheduler) StatsString() string {
	return stats.Stats2String(&s.Counters)
}

/// ReadyLen returns the current length of the ready queue, for tests
/// asserting round-robin fairness.
func (s *Scheduler) ReadyLen() int {
	s.Lock()
	defer s.Unlock()
	return len(s.ready)
}

/// Rusage returns pid's accumulated CPU-time usage encoded the way a
/// getrusage(2)-style call would hand it to userspace (two timeval pairs:
/// user then system time), or ok=false if pid is unknown. System time is
/// always zero in this kernel: every privileged operation here is a plain
/// function call, not a mode switch, so there is nothing to distinguish it
/// from user time.
func (s *Scheduler) Rusage(pid defs.Pid_t) (usage []byte, ok bool) {
	s.Lock()
	p, found := s.procs[pid]
	s.Unlock()
	if !found {
		return nil, false
	}
	return p.Acct.Fetch(), true
}
