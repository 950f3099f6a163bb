// Command kernel is the boot glue: it wires every package under src/ into a
// running system in bring-up order (PFA, kernel page-directory template,
// SHM table, scheduler, syscall dispatcher; then drivers and the first
// process), and defines the PIC and Timer driver interfaces the kernel
// core consumes without knowing their hardware details (the terminal
// driver interface is fd.TerminalDriver).
//
// There is no real hardware entry point here: a vanilla Go binary cannot
// execute a multiboot header, load a GDT/IDT, or field a real `int 0x80`.
// TimerEntry and SyscallEntry below are this kernel's Go-idiomatic stand-in
// for a real assembly entry stub: ordinary functions a hosting environment
// (a hardware HAL, or a test) calls with an already-built *proc.TrapFrame in
// place of a real interrupt pushing one onto the stack.
package main

import (
	"io"

	"ix86kernel/src/defs"
	"ix86kernel/src/elf"
	"ix86kernel/src/fd"
	"ix86kernel/src/klog"
	"ix86kernel/src/limits"
	"ix86kernel/src/mem"
	"ix86kernel/src/multiboot"
	"ix86kernel/src/proc"
	"ix86kernel/src/sched"
	"ix86kernel/src/shm"
	"ix86kernel/src/syscall"
	"ix86kernel/src/vm"
)

var log = klog.Subsystem("kernel")

/// PIC is the interrupt controller driver: send_eoi acknowledges an IRQ so
/// the next one can be delivered. Its hardware details (8259 remapping,
/// vector offsets) are out of scope.
type PIC interface {
	SendEOI(irq int)
}

/// Timer is the PIT driver: Tick is called once per timer interrupt before
/// the scheduler runs.
type Timer interface {
	Tick()
}

/// Kernel holds every subsystem singleton wired together at boot. There is
/// exactly one, matching this kernel's single-CPU model.
type Kernel struct {
	Pfa   *mem.PFA_t
	Kvm   *vm.ASM
	Shm   *shm.Table
	Sched *sched.Scheduler
	Sys   *syscall.Dispatcher

	pic   PIC
	timer Timer
}

/// Boot brings up the kernel core against a parsed Multiboot info structure
/// and a simulated physical RAM big enough to back ramBytes of memory. It
/// installs the kernel's own page-directory template, the frame allocator
/// (reserving the kernel image and every boot module), the SHM table, and
/// an idle scheduler -- callers still need to attach drivers
/// (AttachDrivers) and spawn the first process (Spawn) before TimerEntry
/// and SyscallEntry have a process to run.
func Boot(mb *multiboot.Info, ramBytes uint32, sink io.Writer) *Kernel {
	if sink != nil {
		klog.SetSink(sink)
	}
	log.Info("booting")

	totalFrames := ramBytes / mem.PGSIZE
	used := []mem.Range{{Start: 0, End: 4 * 1024 * 1024}} /// low memory + kernel image at 1 MiB; the rest of the boot-mapped region stays free for page tables
	for _, m := range mb.Modules {
		used = append(used, mem.Range{Start: mem.Pa_t(m.Start), End: mem.Pa_t(m.End)})
	}
	pfa := mem.Init(totalFrames, used)

	kvm, err := vm.Create(pfa)
	if err != nil {
		klog.Fatal("kernel", "P-boot", "failed to create kernel address space template")
	}

	shmTable := shm.NewTable(pfa)
	s := sched.New(pfa, shmTable, kvm)

	k := &Kernel{
		Pfa:   pfa,
		Kvm:   kvm,
		Shm:   shmTable,
		Sched: s,
		Sys: &syscall.Dispatcher{
			Sched:   s,
			Shm:     shmTable,
			Pfa:     pfa,
			Modules: NewModuleSource(mb, pfa),
		},
	}
	return k
}

/// AttachDrivers installs the hardware (or simulated) drivers the kernel
/// treats as opaque externals.
func (k *Kernel) AttachDrivers(pic PIC, timer Timer, term fd.TerminalDriver) {
	k.pic = pic
	k.timer = timer
	fd.InitStdio(term)
}

/// moduleTable adapts a parsed multiboot.Info's module list plus a
/// physical-memory view to syscall.ModuleSource, so exec can resolve a
/// program name to its ELF bytes.
type moduleTable struct {
	mb  *multiboot.Info
	pfa *mem.PFA_t
}

/// NewModuleSource builds a syscall.ModuleSource backed by mb's module list
/// and pfa's simulated physical RAM.
func NewModuleSource(mb *multiboot.Info, pfa *mem.PFA_t) syscall.ModuleSource {
	return &moduleTable{mb: mb, pfa: pfa}
}

func (m *moduleTable) Lookup(name string) ([]byte, bool) {
	for _, mod := range m.mb.Modules {
		if mod.Name == name {
			start := mod.Start
			end := mod.End
			return rawPhysRange(m.pfa, start, end), true
		}
	}
	return nil, false
}

func rawPhysRange(pfa *mem.PFA_t, start, end uint32) []byte {
	out := make([]byte, 0, end-start)
	for pa := start; pa < end; pa += mem.PGSIZE {
		frame := pfa.Frame(mem.Roundframe(mem.Pa_t(pa)))
		off := pa % mem.PGSIZE
		n := mem.PGSIZE - int(off)
		if uint32(n) > end-pa {
			n = int(end - pa)
		}
		out = append(out, frame[off:int(off)+n]...)
	}
	return out
}

/// Spawn creates the first process (or any module-backed process outside
/// of fork/exec): a fresh PCB whose address space is loaded directly from
/// the named boot module, with stdio already installed and a user stack
/// allocated, ready for AddReady.
func (k *Kernel) Spawn(name string) (*proc.Proc_t, defs.Err_t) {
	img, ok := k.Sys.Modules.Lookup(name)
	if !ok {
		return nil, defs.ENOENT
	}
	p, err := k.Sched.CreateProcess(defs.NoPid)
	if err != 0 {
		return nil, err
	}
	loaded, lerr := elf.Load(p.AS, k.Pfa, img)
	if lerr != 0 {
		return nil, lerr
	}
	userStackTop := vm.Va_t(limits.UserStackVA + limits.UserStackPages*mem.PGSIZE)
	for i := 0; i < limits.UserStackPages; i++ {
		pa, ok := k.Pfa.Alloc()
		if !ok {
			return nil, defs.ENOMEM
		}
		va := vm.Va_t(limits.UserStackVA + i*mem.PGSIZE)
		if merr := p.AS.Map(va, pa, vm.PTE_W|vm.PTE_U); merr != nil {
			return nil, defs.ENOMEM
		}
	}
	p.Brk = loaded.BrkStart
	p.Frame = proc.InitTrapFrame(loaded.Entry, userStackTop)
	k.Sched.AddReady(p)
	return p, 0
}

/// TimerEntry is this kernel's stand-in for the real timer-interrupt
/// assembly stub (original_source's timer_dispatch): acknowledge the
/// interrupt, advance the tick, and hand the interrupted frame to the
/// scheduler, returning whichever process's frame should run next.
func (k *Kernel) TimerEntry(irq int, frame *proc.TrapFrame) *proc.TrapFrame {
	k.timer.Tick()
	k.pic.SendEOI(irq)
	return k.Sched.Schedule(frame)
}

/// SyscallEntry is this kernel's stand-in for the real `int 0x80` assembly
/// stub: hand the trapped frame straight to the dispatcher.
func (k *Kernel) SyscallEntry(frame *proc.TrapFrame) *proc.TrapFrame {
	return k.Sys.Dispatch(frame)
}

func main() {
	// A real boot path parses the bootloader-supplied Multiboot info
	// structure and hands it to Boot; there is no hardware entry point in
	// this build (see package doc comment), so main is intentionally inert.
}
