// Package elf implements the ELF32/i386 loader: it walks an
// in-memory ELF image's program headers, maps each PT_LOAD segment into a
// fresh address space, and returns the entry point.
//
// Grounded on the standard library's debug/elf for the header layout,
// used here for its intended purpose: reading ELF32 program headers, not
// writing them.
package elf

import (
	"bytes"
	"debug/elf"
	"fmt"

	"github.com/pkg/errors"

	"ix86kernel/src/defs"
	"ix86kernel/src/klog"
	"ix86kernel/src/limits"
	"ix86kernel/src/mem"
	"ix86kernel/src/vm"
)

var log = klog.Subsystem("elf")

/// Loaded describes a successfully loaded image: its entry point and the
/// highest virtual address any segment touched, rounded up to a page --
/// the initial heap break a freshly exec'd process starts from.
type Loaded struct {
	Entry    vm.Va_t
	BrkStart vm.Va_t
}

/// Load parses img as an ELF32/i386 executable and maps every PT_LOAD
/// segment into as. It rejects (with defs.E2BIG) any segment whose
/// virtual range reaches into kernel space (p_vaddr+p_memsz ≥
/// limits.KernelVMA), enforcing the userspace/kernel boundary at load
/// time.
func Load(as *vm.ASM, pfa *mem.PFA_t, img []byte) (*Loaded, defs.Err_t) {
	f, err := elf.NewFile(bytes.NewReader(img))
	if err != nil {
		log.WithError(errors.Wrap(err, "parsing ELF header")).Warn("rejecting image")
		return nil, defs.EINVAL
	}
	if f.Class != elf.ELFCLASS32 || f.Machine != elf.EM_386 {
		return nil, defs.EINVAL
	}

	var brk vm.Va_t
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if err := loadSegment(as, pfa, img, prog); err != 0 {
			return nil, err
		}
		top := vm.Va_t(prog.Vaddr + prog.Memsz)
		if top > brk {
			brk = top
		}
	}
	brk = vm.Va_t(mem.Roundframe(mem.Pa_t(brk) + mem.PGOFFSET))
	return &Loaded{Entry: vm.Va_t(f.Entry), BrkStart: brk}, 0
}

func loadSegment(as *vm.ASM, pfa *mem.PFA_t, img []byte, prog *elf.Prog) defs.Err_t {
	if prog.Vaddr+prog.Memsz >= limits.KernelVMA {
		return defs.E2BIG
	}
	if prog.Off+prog.Filesz > uint64(len(img)) {
		return defs.EFAULT
	}

	start := mem.Roundframe(mem.Pa_t(prog.Vaddr))
	end := mem.Pa_t(prog.Vaddr+prog.Memsz-1) &^ mem.PGOFFSET
	flags := uint32(vm.PTE_U)
	if prog.Flags&elf.PF_W != 0 {
		flags |= vm.PTE_W
	}

	data := img[prog.Off : prog.Off+prog.Filesz]
	fileEnd := prog.Vaddr + prog.Filesz

	for pageVA := uint64(start); pageVA <= uint64(end); pageVA += mem.PGSIZE {
		pa, ok := pfa.Alloc()
		if !ok {
			return defs.ENOMEM
		}
		if err := as.Map(vm.Va_t(pageVA), pa, flags); err != nil {
			return defs.ENOMEM
		}
		frame := pfa.Frame(pa)
		for i := 0; i < mem.PGSIZE; i++ {
			va := pageVA + uint64(i)
			if va < prog.Vaddr || va >= fileEnd {
				continue
			}
			frame[i] = data[va-prog.Vaddr]
		}
	}
	return 0
}

/// Describe renders a human-readable one-line summary of f's program
/// headers, for boot-time logging.
func Describe(f *elf.File) string {
	return fmt.Sprintf("elf32 entry=0x%x progs=%d", f.Entry, len(f.Progs))
}
