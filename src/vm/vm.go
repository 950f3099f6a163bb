// Package vm implements the page-table operator and the address-space
// manager: i386's two-level paging structures (a page directory and up
// to 1024 page tables, 1024 entries each, 4 KiB pages) and the per-process
// operations built on top of them (create, map, unmap, fork-copy, load,
// destroy).
//
// The style -- an entry-array type with lock/unlock-guarded operations and
// a doc comment on every exported one -- matches the idiom used throughout
// this kernel. The actual layout and semantics (eager two-level 32-bit
// paging, no demand paging, no copy-on-write) follow
// original_source/kernel/include/paging.h and
// original_source/kernel/mm/address_space.cpp: this machine is i386, not
// amd64, so there is no four-level table or COW to build here.
package vm

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"ix86kernel/src/klog"
	"ix86kernel/src/limits"
	"ix86kernel/src/mem"
)

/// Va_t is a virtual address.
type Va_t uint32

/// Entry bits for a page-directory or page-table entry, matching the i386
/// PTE/PDE layout (original_source/kernel/include/paging.h's PageEntry
/// bitfield, flattened into a plain uint32 for a single entry type).
const (
	PTE_P = 1 << 0 /// present
	PTE_W = 1 << 1 /// writable
	PTE_U = 1 << 2 /// user-accessible
	PTE_A = 1 << 5 /// accessed
	PTE_D = 1 << 6 /// dirty
	PTE_G = 1 << 8 /// global

	PTE_ADDR = ^uint32(0xFFF) /// mask of the frame-address bits
)

const entriesPerTable = 1024

/// pdeIndex returns the page-directory index (bits 31:22) for va.
func pdeIndex(va Va_t) uint32 { return uint32(va) >> 22 }

/// pteIndex returns the page-table index (bits 21:12) for va.
func pteIndex(va Va_t) uint32 { return (uint32(va) >> 12) & 0x3FF }

/// kKernelPdeStart is the first page-directory entry belonging to kernel
/// space: KERNEL_VMA (0xC0000000) >> 22.
const kKernelPdeStart = limits.KernelVMA >> 22

/// ASM is the address-space manager for a single process: a page directory
/// frame plus the bookkeeping needed to walk, populate, fork, and tear it
/// down. The zero value is not usable; build one with Create.
type ASM struct {
	sync.Mutex
	pfa *mem.PFA_t
	pd  mem.Pa_t /// physical address of this address space's page directory
}

/// pdEntries returns the 1024 uint32 page-directory entries backing a,
/// viewed directly over the frame allocator's simulated RAM.
func (a *ASM) pdEntries() []uint32 {
	return asUint32Slice(a.pfa.Frame(a.pd))
}

func asUint32Slice(b []byte) []uint32 {
	if len(b) != entriesPerTable*4 {
		klog.Fatal("vm", "P-frame-size", fmt.Sprintf("frame is %d bytes, want %d", len(b), entriesPerTable*4))
	}
	out := make([]uint32, entriesPerTable)
	for i := range out {
		out[i] = uint32(b[4*i]) | uint32(b[4*i+1])<<8 | uint32(b[4*i+2])<<16 | uint32(b[4*i+3])<<24
	}
	return out
}

func putUint32Slice(b []byte, entries []uint32) {
	for i, e := range entries {
		b[4*i] = byte(e)
		b[4*i+1] = byte(e >> 8)
		b[4*i+2] = byte(e >> 16)
		b[4*i+3] = byte(e >> 24)
	}
}

func (a *ASM) setPDE(i uint32, entry uint32) {
	b := a.pfa.Frame(a.pd)
	off := i * 4
	b[off] = byte(entry)
	b[off+1] = byte(entry >> 8)
	b[off+2] = byte(entry >> 16)
	b[off+3] = byte(entry >> 24)
}

func (a *ASM) getPDE(i uint32) uint32 {
	b := a.pfa.Frame(a.pd)
	off := i * 4
	return uint32(b[off]) | uint32(b[off+1])<<8 | uint32(b[off+2])<<16 | uint32(b[off+3])<<24
}

func tableFrame(pte uint32) mem.Pa_t { return mem.Pa_t(pte &^ uint32(0xFFF)) }

/// allocTableFrame allocates and zeroes a frame for use as a page table or
/// directory. Page-table frames must lie within the boot-mapped low region
/// so the kernel can always reach them through its fixed low mapping, even
/// before any per-process mapping exists.
func (a *ASM) allocTableFrame() (mem.Pa_t, error) {
	pa, ok := a.pfa.Alloc()
	if !ok {
		return 0, errors.New("out of physical frames")
	}
	if !mem.InBootMappedRegion(pa) {
		klog.Fatal("vm", "pt-frame-oob", fmt.Sprintf("page table frame 0x%x outside boot-mapped region", pa))
	}
	return pa, nil
}

/// Create builds a fresh address space: a new page directory with no user
/// mappings, ready for SyncKernelMappings to install the kernel's half.
func Create(pfa *mem.PFA_t) (*ASM, error) {
	a := &ASM{pfa: pfa}
	pd, err := a.allocTableFrame()
	if err != nil {
		return nil, errors.Wrap(err, "vm.Create")
	}
	a.pd = pd
	return a, nil
}

/// SyncKernelMappings copies the kernel-half page-directory entries
/// (indices kKernelPdeStart..1023) from src into a, so every address space
/// shares the same view of kernel memory without sharing user mappings.
/// This mirrors original_source's AddressSpace::sync_kernel_mappings.
func (a *ASM) SyncKernelMappings(src *ASM) {
	a.Lock()
	defer a.Unlock()
	srcEntries := src.pdEntries()
	for i := uint32(kKernelPdeStart); i < entriesPerTable; i++ {
		a.setPDE(i, srcEntries[i])
	}
}

/// Map installs a single 4 KiB mapping at va -> pa with the given flags,
/// allocating an intermediate page table on demand. It panics (via
/// klog.Fatal) if a page table frame would have to be allocated outside the
/// boot-mapped region, and returns an error if the allocator is out of
/// frames.
func (a *ASM) Map(va Va_t, pa mem.Pa_t, flags uint32) error {
	a.Lock()
	defer a.Unlock()
	pdi := pdeIndex(va)
	pde := a.getPDE(pdi)
	var ptPA mem.Pa_t
	if pde&PTE_P == 0 {
		pa2, err := a.allocTableFrame()
		if err != nil {
			return errors.Wrap(err, "vm.Map: page table")
		}
		ptPA = pa2
		a.setPDE(pdi, uint32(ptPA)|PTE_P|PTE_W|PTE_U)
	} else {
		ptPA = tableFrame(pde)
	}
	pt := a.pfa.Frame(ptPA)
	pti := pteIndex(va)
	off := pti * 4
	entry := uint32(pa) | flags | PTE_P
	pt[off] = byte(entry)
	pt[off+1] = byte(entry >> 8)
	pt[off+2] = byte(entry >> 16)
	pt[off+3] = byte(entry >> 24)
	return nil
}

/// Unmap clears va's mapping and frees the physical frame it pointed at.
/// It is a no-op if va was not mapped.
func (a *ASM) Unmap(va Va_t) {
	pa, ok := a.unmapNofreeLocked(va)
	if ok {
		a.pfa.Free(pa)
	}
}

/// UnmapNofree clears va's mapping without freeing the underlying frame.
/// Shared-memory detach uses this: the shm region, not the process, owns
/// the frame's lifetime.
func (a *ASM) UnmapNofree(va Va_t) {
	a.unmapNofreeLocked(va)
}

func (a *ASM) unmapNofreeLocked(va Va_t) (mem.Pa_t, bool) {
	a.Lock()
	defer a.Unlock()
	pdi := pdeIndex(va)
	pde := a.getPDE(pdi)
	if pde&PTE_P == 0 {
		return 0, false
	}
	pt := a.pfa.Frame(tableFrame(pde))
	pti := pteIndex(va)
	off := pti * 4
	entry := uint32(pt[off]) | uint32(pt[off+1])<<8 | uint32(pt[off+2])<<16 | uint32(pt[off+3])<<24
	if entry&PTE_P == 0 {
		return 0, false
	}
	pt[off], pt[off+1], pt[off+2], pt[off+3] = 0, 0, 0, 0
	return tableFrame(entry), true
}

/// GetPhys translates va under a's mappings, returning ok=false if va is
/// unmapped.
func (a *ASM) GetPhys(va Va_t) (mem.Pa_t, bool) {
	a.Lock()
	defer a.Unlock()
	pdi := pdeIndex(va)
	pde := a.getPDE(pdi)
	if pde&PTE_P == 0 {
		return 0, false
	}
	pt := a.pfa.Frame(tableFrame(pde))
	off := pteIndex(va) * 4
	entry := uint32(pt[off]) | uint32(pt[off+1])<<8 | uint32(pt[off+2])<<16 | uint32(pt[off+3])<<24
	if entry&PTE_P == 0 {
		return 0, false
	}
	return tableFrame(entry) | mem.Pa_t(uint32(va)&0xFFF), true
}

/// IsUserMapped reports whether va is mapped, user-accessible, and (if
/// needWrite) writable -- the is_user_mapped(pd, vaddr, need_write)
/// validation primitive the syscall layer uses as its sole
/// pointer-checking tool.
func (a *ASM) IsUserMapped(va Va_t, needWrite bool) bool {
	a.Lock()
	defer a.Unlock()
	pdi := pdeIndex(va)
	pde := a.getPDE(pdi)
	if pde&PTE_P == 0 || pde&PTE_U == 0 {
		return false
	}
	pt := a.pfa.Frame(tableFrame(pde))
	off := pteIndex(va) * 4
	entry := uint32(pt[off]) | uint32(pt[off+1])<<8 | uint32(pt[off+2])<<16 | uint32(pt[off+3])<<24
	if entry&PTE_P == 0 || entry&PTE_U == 0 {
		return false
	}
	if needWrite && entry&PTE_W == 0 {
		return false
	}
	return true
}

/// Copy deep-clones every user mapping in a into a fresh address space,
/// duplicating each mapped frame's contents (this kernel has no
/// copy-on-write: fork always makes a private copy).
/// The kernel half is installed via SyncKernelMappings by the caller.
func (a *ASM) Copy() (*ASM, error) {
	a.Lock()
	defer a.Unlock()
	child, err := Create(a.pfa)
	if err != nil {
		return nil, errors.Wrap(err, "vm.Copy")
	}
	for pdi := uint32(0); pdi < kKernelPdeStart; pdi++ {
		pde := a.getPDE(pdi)
		if pde&PTE_P == 0 {
			continue
		}
		pt := a.pfa.Frame(tableFrame(pde))
		for pti := uint32(0); pti < entriesPerTable; pti++ {
			off := pti * 4
			entry := uint32(pt[off]) | uint32(pt[off+1])<<8 | uint32(pt[off+2])<<16 | uint32(pt[off+3])<<24
			if entry&PTE_P == 0 {
				continue
			}
			srcPA := tableFrame(entry)
			newPA, ok := a.pfa.Alloc()
			if !ok {
				return nil, errors.New("vm.Copy: out of physical frames")
			}
			copy(a.pfa.Frame(newPA), a.pfa.Frame(srcPA))
			va := Va_t(pdi<<22 | pti<<12)
			flags := entry & uint32(0xFFF) &^ PTE_P
			if err := child.Map(va, newPA, flags); err != nil {
				return nil, err
			}
		}
	}
	return child, nil
}

/// Destroy frees every frame a's user mappings reference, plus the page
/// tables and directory themselves. The kernel-half mappings are shared
/// with every other address space and are never freed here.
func (a *ASM) Destroy() error {
	a.Lock()
	defer a.Unlock()
	for pdi := uint32(0); pdi < kKernelPdeStart; pdi++ {
		pde := a.getPDE(pdi)
		if pde&PTE_P == 0 {
			continue
		}
		ptPA := tableFrame(pde)
		pt := a.pfa.Frame(ptPA)
		for pti := uint32(0); pti < entriesPerTable; pti++ {
			off := pti * 4
			entry := uint32(pt[off]) | uint32(pt[off+1])<<8 | uint32(pt[off+2])<<16 | uint32(pt[off+3])<<24
			if entry&PTE_P == 0 {
				continue
			}
			a.pfa.Free(tableFrame(entry))
		}
		a.pfa.Free(ptPA)
	}
	a.pfa.Free(a.pd)
	return nil
}

/// PD returns the physical address of a's page directory -- the value a
/// real CR3 load would take.
func (a *ASM) PD() mem.Pa_t {
	return a.pd
}

/// Load is the Go-level stand-in for `mov cr3, pd`: on real hardware this
/// switches the active address space. There is no MMU here to flip, so
/// Load simply exists as the named operation sched.Schedule calls at every
/// context switch, matching original_source's AddressSpace::load.
func (a *ASM) Load() {
	// no-op: address translation in this kernel is performed explicitly by
	// GetPhys against the currently-addressed ASM, not by a hardware MMU.
}
