// Package syscall implements the syscall dispatcher: decodes the EAX/EBX/ECX/
// EDX calling convention of a trapped `int 0x80`, validates every user
// pointer the call touches, dispatches to the handler, and either writes
// the result to frame.Eax or -- on the restart sentinel -- rewinds
// frame.Eip and asks the scheduler to block and reschedule.
//
// Grounded on the fixed EAX/EBX/ECX/EDX ABI and the exact call-number
// table, and on original_source/kernel/cpu/syscall.cpp's IDT-vector-0x80
// registration for the "one dispatcher, one entry point" shape; the
// doc-comment-per-constant style for the call table matches this kernel's
// own PTE-flag-block convention elsewhere.
package syscall

import (
	"ix86kernel/src/defs"
	"ix86kernel/src/elf"
	"ix86kernel/src/fd"
	"ix86kernel/src/klog"
	"ix86kernel/src/limits"
	"ix86kernel/src/mem"
	"ix86kernel/src/pipe"
	"ix86kernel/src/proc"
	"ix86kernel/src/sched"
	"ix86kernel/src/shm"
	"ix86kernel/src/util"
	"ix86kernel/src/vm"
)

var log = klog.Subsystem("syscall")

/// Call numbers, the fixed integer ABI shared with userspace. EXIT through
/// EXEC are numbered 0-9; everything else is allocated afterward in
/// implementation order.
const (
	EXIT       = 0
	READ       = 1
	WRITE      = 2
	SLEEP      = 3
	SBRK       = 4
	SET_CURSOR = 5
	SET_COLOR  = 6
	CLEAR      = 7
	GETPID     = 8
	EXEC       = 9

	FORK    = 10
	WAITPID = 11
	PIPE    = 12
	CLOSE   = 13
	DUP2    = 14
	SHMGET  = 15
	SHMAT   = 16
	SHMDT   = 17
)

/// restart is an internal sentinel a handler returns to mean "block and
/// retry"; Dispatch never writes it to frame.Eax.
const restart = proc.SyscallRestart

/// ModuleSource resolves an exec'd program's name to its in-memory ELF
/// image, backed by the modules multiboot.Info lists. exec looks programs
/// up by basename.
type ModuleSource interface {
	Lookup(name string) ([]byte, bool)
}

/// Dispatcher wires the syscall ABI to the rest of the kernel: the
/// scheduler for process lifecycle calls, the frame allocator for SHM/exec
/// page allocation, the SHM table, and the module source for exec.
type Dispatcher struct {
	Sched   *sched.Scheduler
	Shm     *shm.Table
	Pfa     *mem.PFA_t
	Modules ModuleSource
}

/// Dispatch handles one trapped `int 0x80`. It is called with the trap
/// frame of whichever process is current; it returns the trap frame to
/// resume into, which is either the same frame (the common case: the call
/// completed and frame.Eax holds its result) or a different process's
/// frame (the call blocked or exited, and Schedule picked a new one).
func (d *Dispatcher) Dispatch(frame *proc.TrapFrame) *proc.TrapFrame {
	cur := d.Sched.Current()
	if cur == nil {
		klog.Fatal("syscall", "no-current-process", "dispatch with no running process")
	}

	if frame.Eax == EXIT {
		d.Sched.ExitCurrent(frame, int32(frame.Ebx))
		return d.Sched.Schedule(nil)
	}

	if frame.Eax == SLEEP {
		frame.Eax = 0
		d.sysSleep(cur, frame, uint64(frame.Ebx))
		return d.Sched.Schedule(frame)
	}

	result, blocking := d.call(cur, frame)
	if blocking {
		frame.RewindForRestart()
		d.Sched.BlockCurrent(frame)
		return d.Sched.Schedule(frame)
	}
	frame.Eax = uint32(result)
	return frame
}

func (d *Dispatcher) call(cur *proc.Proc_t, frame *proc.TrapFrame) (result int32, blocking bool) {
	switch frame.Eax {
	case READ:
		return d.sysRead(cur, int(frame.Ebx), vm.Va_t(frame.Ecx), int(frame.Edx))
	case WRITE:
		return d.sysWrite(cur, int(frame.Ebx), vm.Va_t(frame.Ecx), int(frame.Edx))
	case SBRK:
		return d.sysSbrk(cur, int32(frame.Ebx)), false
	case SET_CURSOR:
		return int32(fd.SetCursor(int(frame.Ebx), int(frame.Ecx))), false
	case SET_COLOR:
		return int32(fd.SetColor(int(frame.Ebx), int(frame.Ecx))), false
	case CLEAR:
		return int32(fd.Clear()), false
	case GETPID:
		return int32(cur.Pid), false
	case EXEC:
		return d.sysExec(cur, vm.Va_t(frame.Ebx), int(frame.Ecx)), false

	case FORK:
		return d.sysFork(cur, frame), false
	case WAITPID:
		return d.sysWaitpid(cur, frame, defs.Pid_t(frame.Ebx), vm.Va_t(frame.Ecx))
	case PIPE:
		return d.sysPipe(cur, vm.Va_t(frame.Ebx)), false
	case CLOSE:
		return int32(fd.Close(&cur.Fds, int(frame.Ebx))), false
	case DUP2:
		return int32(fd.Dup2(&cur.Fds, int(frame.Ebx), int(frame.Ecx))), false
	case SHMGET:
		return d.sysShmget(int(frame.Ebx)), false
	case SHMAT:
		return d.sysShmat(cur, int(frame.Ebx), vm.Va_t(frame.Ecx)), false
	case SHMDT:
		return d.sysShmdt(cur, vm.Va_t(frame.Ebx), int(frame.Ecx)), false

	default:
		log.WithField("eax", frame.Eax).Warn("unknown syscall number")
		return -1, false
	}
}

/// validateRange reports whether every page covering [va, va+length) is
/// mapped, user-accessible, and (if needWrite) writable in cur's address
/// space -- the is_user_mapped-based check required before any
/// handler touches user memory. A zero-length range is trivially valid.
func validateRange(cur *proc.Proc_t, va vm.Va_t, length int, needWrite bool) bool {
	if length == 0 {
		return true
	}
	start := uint64(va)
	end := start + uint64(length)
	if end < start || end > limits.KernelVMA {
		return false
	}
	first := mem.Roundframe(mem.Pa_t(va))
	last := mem.Pa_t(end-1) &^ mem.PGOFFSET
	for p := uint32(first); p <= uint32(last); p += mem.PGSIZE {
		if !cur.AS.IsUserMapped(vm.Va_t(p), needWrite) {
			return false
		}
	}
	return true
}

/// copyToUser copies src into cur's address space starting at va, page by
/// page, via the frame allocator's direct-access view (mem.PFA_t.Frame).
/// Caller must have already validated the range with needWrite=true.
func (d *Dispatcher) copyToUser(cur *proc.Proc_t, va vm.Va_t, src []byte) {
	off := 0
	for off < len(src) {
		pa, _ := cur.AS.GetPhys(va + vm.Va_t(off))
		frame := d.Pfa.Frame(mem.Roundframe(pa))
		pageOff := int(pa) % mem.PGSIZE
		n := util.Min(mem.PGSIZE-pageOff, len(src)-off)
		copy(frame[pageOff:pageOff+n], src[off:off+n])
		off += n
	}
}

/// copyFromUser reads len(dst) bytes out of cur's address space starting at
/// va into dst, page by page. Caller must have already validated the range.
func (d *Dispatcher) copyFromUser(cur *proc.Proc_t, va vm.Va_t, dst []byte) {
	off := 0
	for off < len(dst) {
		pa, _ := cur.AS.GetPhys(va + vm.Va_t(off))
		frame := d.Pfa.Frame(mem.Roundframe(pa))
		pageOff := int(pa) % mem.PGSIZE
		n := util.Min(mem.PGSIZE-pageOff, len(dst)-off)
		copy(dst[off:off+n], frame[pageOff:pageOff+n])
		off += n
	}
}

func (d *Dispatcher) sysRead(cur *proc.Proc_t, fdn int, buf vm.Va_t, n int) (int32, bool) {
	if n == 0 {
		return 0, false
	}
	if fdn < 0 || fdn >= len(cur.Fds) || !cur.Fds[fdn].Valid {
		return -1, false
	}
	if !validateRange(cur, buf, n, true) {
		return -1, false
	}
	staging := make([]byte, n)
	got, err := cur.Fds[fdn].Fops.Read(staging)
	if got == int(restart) {
		return 0, true
	}
	if err != 0 {
		return -1, false
	}
	d.copyToUser(cur, buf, staging[:got])
	return int32(got), false
}

func (d *Dispatcher) sysWrite(cur *proc.Proc_t, fdn int, buf vm.Va_t, n int) (int32, bool) {
	if fdn < 0 || fdn >= len(cur.Fds) || !cur.Fds[fdn].Valid {
		return -1, false
	}
	if !validateRange(cur, buf, n, false) {
		return -1, false
	}
	staging := make([]byte, n)
	d.copyFromUser(cur, buf, staging)
	wrote, err := cur.Fds[fdn].Fops.Write(staging)
	if wrote == int(restart) {
		return 0, true
	}
	if err != 0 {
		return -1, false
	}
	return int32(wrote), false
}

/// sysSleep blocks cur until the given number of milliseconds has elapsed.
/// Unlike every other handler it is dispatched directly from Dispatch, not
/// through call(): it already puts cur to sleep itself, so the generic
/// restart-and-block path (which re-derefs the now-cleared current process)
/// must never run for it.
func (d *Dispatcher) sysSleep(cur *proc.Proc_t, frame *proc.TrapFrame, ms uint64) {
	const ticksPerMs = 1 /// PIT configured at 1 tick/ms
	d.Sched.SleepCurrent(frame, d.Sched.Tick()+ms*ticksPerMs)
}

func (d *Dispatcher) sysSbrk(cur *proc.Proc_t, inc int32) int32 {
	oldBrk := cur.Brk
	newBrk := vm.Va_t(int32(oldBrk) + inc)
	if inc != 0 && newBrk < oldBrk {
		return -1 /// heap shrink unsupported
	}
	if uint32(newBrk) >= limits.KernelVMA {
		return -1
	}
	firstNew := mem.Roundframe(mem.Pa_t(oldBrk)) + mem.PGSIZE
	if oldBrk%mem.PGSIZE == 0 {
		firstNew = mem.Pa_t(oldBrk)
	}
	lastNew := mem.Roundframe(mem.Pa_t(newBrk) - 1)
	for p := uint32(firstNew); inc > 0 && p <= uint32(lastNew); p += mem.PGSIZE {
		pa, ok := d.Pfa.Alloc()
		if !ok {
			return -1
		}
		if err := cur.AS.Map(vm.Va_t(p), pa, vm.PTE_W|vm.PTE_U); err != nil {
			return -1
		}
	}
	cur.Brk = newBrk
	return int32(oldBrk)
}

func (d *Dispatcher) sysExec(cur *proc.Proc_t, nameVA vm.Va_t, nameLen int) int32 {
	if !validateRange(cur, nameVA, nameLen, false) {
		return -1
	}
	raw := make([]byte, nameLen)
	d.copyFromUser(cur, nameVA, raw)
	name := string(raw)
	img, ok := d.Modules.Lookup(name)
	if !ok {
		return -1
	}

	newAS, err := vm.Create(d.Pfa)
	if err != nil {
		return -1
	}
	loaded, lerr := elf.Load(newAS, d.Pfa, img)
	if lerr != 0 {
		newAS.Destroy()
		return -1
	}
	userStackTop := vm.Va_t(limits.UserStackVA + limits.UserStackPages*mem.PGSIZE)
	for i := 0; i < limits.UserStackPages; i++ {
		pa, ok := d.Pfa.Alloc()
		if !ok {
			newAS.Destroy()
			return -1
		}
		va := vm.Va_t(limits.UserStackVA + i*mem.PGSIZE)
		if err := newAS.Map(va, pa, vm.PTE_W|vm.PTE_U); err != nil {
			newAS.Destroy()
			return -1
		}
	}

	oldAS := cur.AS
	cur.AS = newAS
	cur.Brk = loaded.BrkStart
	cur.Frame = proc.InitTrapFrame(loaded.Entry, userStackTop)
	oldAS.Destroy()
	return 0
}

func (d *Dispatcher) sysFork(cur *proc.Proc_t, frame *proc.TrapFrame) int32 {
	cur.Frame = frame
	child, err := d.Sched.Fork(cur)
	if err != 0 {
		return -1
	}
	child.Frame.Eax = 0
	return int32(child.Pid)
}

/// anyChildPid is the wait(2) convention for "any child of mine", arriving
/// from userspace as pid == -1. The scheduler's own sentinel for the same
/// meaning is defs.NoPid (0), so the two must be reconciled here rather than
/// inside WaitPid, which otherwise has no notion of the syscall ABI.
const anyChildPid = defs.Pid_t(0xFFFFFFFF)

func (d *Dispatcher) sysWaitpid(cur *proc.Proc_t, frame *proc.TrapFrame, pid defs.Pid_t, statusVA vm.Va_t) (int32, bool) {
	if pid == anyChildPid {
		pid = defs.NoPid
	}
	reapedPid, code, err, ok := d.Sched.WaitPid(cur, pid)
	if !ok {
		return 0, true
	}
	if err != 0 {
		return -1, false
	}
	if statusVA != 0 {
		if !validateRange(cur, statusVA, 4, true) {
			return -1, false
		}
		var buf [4]byte
		buf[0] = byte(code)
		buf[1] = byte(code >> 8)
		buf[2] = byte(code >> 16)
		buf[3] = byte(code >> 24)
		d.copyToUser(cur, statusVA, buf[:])
	}
	return int32(reapedPid), false
}

func (d *Dispatcher) sysPipe(cur *proc.Proc_t, fdsVA vm.Va_t) int32 {
	if !validateRange(cur, fdsVA, 8, true) {
		return -1
	}
	p := pipe.New()
	rfd, wfd := fd.NewPipeEnds(p)
	rn, err1 := fd.Alloc(&cur.Fds, rfd.Fops)
	if err1 != 0 {
		return -1
	}
	wn, err2 := fd.Alloc(&cur.Fds, wfd.Fops)
	if err2 != 0 {
		fd.Close(&cur.Fds, rn)
		return -1
	}
	out := make([]byte, 8)
	out[0] = byte(rn)
	out[4] = byte(wn)
	d.copyToUser(cur, fdsVA, out)
	return 0
}

func (d *Dispatcher) sysShmget(size int) int32 {
	pages := (size + mem.PGSIZE - 1) / mem.PGSIZE
	id, err := d.Shm.Create(pages)
	if err != 0 {
		return -1
	}
	return int32(id)
}

func (d *Dispatcher) sysShmat(cur *proc.Proc_t, id int, vaddr vm.Va_t) int32 {
	if uint32(vaddr)%mem.PGSIZE != 0 {
		return -1
	}
	err := d.Shm.Attach(cur, id, vaddr)
	if err != 0 {
		return -1
	}
	return 0
}

/// sysShmdt detaches the attachment at vaddr, requiring size to equal the
/// attachment's recorded extent exactly.
func (d *Dispatcher) sysShmdt(cur *proc.Proc_t, vaddr vm.Va_t, size int) int32 {
	var shmID int
	found := false
	for _, m := range cur.ShmMappings {
		if m.Vaddr == vaddr {
			if size != m.NumPages*mem.PGSIZE {
				return -1
			}
			shmID = m.ShmID
			found = true
			break
		}
	}
	if !found {
		return -1
	}
	if err := d.Shm.Detach(cur, shmID); err != 0 {
		return -1
	}
	return 0
}
