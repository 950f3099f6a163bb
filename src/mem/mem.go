// Package mem implements the physical frame allocator: a single bitmap
// tracking every 4 KiB frame over the 4 GiB physical address space, scanned
// lowest-first so that page-table frames always land in the boot-mapped low
// region the kernel can reach through its fixed low mapping. The scan
// itself is grounded on the original C++ bitmap's find_first_clear
// (original_source/kernel/include/pmm.h), word-at-a-time with a
// trailing-zero-of-complement trick.
package mem

import (
	"fmt"
	"math/bits"
	"sync"

	"ix86kernel/src/klog"
	"ix86kernel/src/limits"
	"ix86kernel/src/util"
)

/// PGSHIFT is the base-2 exponent of the page size.
const PGSHIFT = 12

/// PGSIZE is the size of a single page/frame in bytes.
const PGSIZE = 1 << PGSHIFT

/// Pa_t is a physical address. The low PGSHIFT bits are a frame offset; the
/// rest is a 20-bit frame number.
type Pa_t uint32

/// PGOFFSET masks the in-frame offset of a physical or virtual address.
const PGOFFSET Pa_t = PGSIZE - 1

/// PGMASK masks the frame-aligned part of an address.
const PGMASK Pa_t = ^PGOFFSET

/// Roundframe truncates pa down to its containing frame's base address.
func Roundframe(pa Pa_t) Pa_t {
	return util.Rounddown(pa, PGSIZE)
}

/// Range describes a half-open physical byte range [Start, End).
type Range struct {
	Start Pa_t
	End   Pa_t
}

func (r Range) frames() (uint32, uint32) {
	first := uint32(Roundframe(r.Start)) >> PGSHIFT
	last := uint32(Roundframe(r.End-1)) >> PGSHIFT
	return first, last
}

/// PFA_t is the physical frame allocator: a bitmap of 1 bit per frame, plus
/// a backing byte slice standing in for physical RAM itself so that higher
/// layers (vm's page tables, pipe buffers, shm regions) have real storage to
/// read and write. Real hardware would reach frames through a fixed-offset
/// direct map; since this kernel does not run on bare metal, PFA_t.Frame
/// plays the same role over a simulated RAM array. sync.Mutex realizes the
/// "interrupts disabled inside the kernel" discipline for any caller
/// outside the single kernel path.
type PFA_t struct {
	sync.Mutex
	bitmap      []uint32
	ram         []byte
	totalFrames uint32
	freeFrames  uint32
	usedFrames  uint32
}

/// Default is the allocator most recently created by Init. The other
/// subsystems (vm, shm, syscall) are handed their *PFA_t explicitly and
/// do not read Default.
var Default *PFA_t

/// Init creates the frame allocator for a physical address space of
/// totalFrames frames (≤ limits.MaxFrames) and marks every frame inside
/// used marked used up front (typically the kernel image and any multiboot
/// module ranges). It panics via klog.Fatal if totalFrames exceeds the
/// architectural limit.
func Init(totalFrames uint32, used []Range) *PFA_t {
	if totalFrames == 0 || totalFrames > limits.MaxFrames {
		klog.Fatal("mem", "P-frames", fmt.Sprintf("bad totalFrames=%d", totalFrames))
	}
	words := (totalFrames + 31) / 32
	pfa := &PFA_t{
		bitmap:      make([]uint32, words),
		ram:         make([]byte, uint64(totalFrames)*PGSIZE),
		totalFrames: totalFrames,
		freeFrames:  totalFrames,
	}
	// frames beyond totalFrames but inside the last bitmap word must read
	// as used so the scanner never returns them.
	if rem := totalFrames % 32; rem != 0 {
		pfa.bitmap[words-1] = ^uint32(0) << rem
	}
	for _, r := range used {
		pfa.markUsedRange(r)
	}
	Default = pfa
	return pfa
}

func (p *PFA_t) markUsedRange(r Range) {
	if r.End <= r.Start {
		return
	}
	first, last := r.frames()
	for fn := first; fn <= last && fn < p.totalFrames; fn++ {
		w, b := fn/32, fn%32
		if p.bitmap[w]&(1<<b) == 0 {
			p.bitmap[w] |= 1 << b
			p.freeFrames--
			p.usedFrames++
		}
	}
}

/// Alloc returns the lowest-numbered free frame's physical base address and
/// marks it used, or ok=false if none remain. Lowest-first is a contract,
/// not an optimization: callers (vm.Create, vm.Map) depend on it to keep
/// page-table frames inside the boot-mapped region.
func (p *PFA_t) Alloc() (pa Pa_t, ok bool) {
	p.Lock()
	defer p.Unlock()
	for w := range p.bitmap {
		word := p.bitmap[w]
		if word == ^uint32(0) {
			continue
		}
		bit := bits.TrailingZeros32(^word)
		fn := uint32(w)*32 + uint32(bit)
		if fn >= p.totalFrames {
			return 0, false
		}
		p.bitmap[w] |= 1 << uint(bit)
		p.freeFrames--
		p.usedFrames++
		pa := Pa_t(fn) << PGSHIFT
		clear(p.Frame(pa))
		return pa, true
	}
	return 0, false
}

/// Free marks pa's frame free again. Double-free and out-of-range frees are
/// kernel invariant violations: they halt the kernel, they do
/// not return an error.
func (p *PFA_t) Free(pa Pa_t) {
	p.Lock()
	defer p.Unlock()
	fn := uint32(pa) >> PGSHIFT
	if fn >= p.totalFrames {
		klog.Fatal("mem", "P-oob-free", fmt.Sprintf("frame 0x%x out of range", pa))
	}
	w, b := fn/32, fn%32
	if p.bitmap[w]&(1<<b) == 0 {
		klog.Fatal("mem", "P-double-free", fmt.Sprintf("frame 0x%x already free", pa))
	}
	p.bitmap[w] &^= 1 << b
	p.freeFrames++
	p.usedFrames--
}

/// FreeCount returns the number of frames currently free.
func (p *PFA_t) FreeCount() int {
	p.Lock()
	defer p.Unlock()
	return int(p.freeFrames)
}

/// UsedCount returns the number of frames currently allocated.
func (p *PFA_t) UsedCount() int {
	p.Lock()
	defer p.Unlock()
	return int(p.usedFrames)
}

/// Frame returns the byte slice backing the frame at pa: a way to reach a
/// physical frame's bytes directly, without walking any page table.
func (p *PFA_t) Frame(pa Pa_t) []byte {
	fn := uint64(pa) >> PGSHIFT
	off := fn * PGSIZE
	return p.ram[off : off+PGSIZE]
}

/// InBootMappedRegion reports whether pa's frame lies within the first
/// limits.BootMappedBytes of physical memory -- the region page directories
/// and page tables must live in.
func InBootMappedRegion(pa Pa_t) bool {
	return uint32(pa) < limits.BootMappedBytes
}

func clear(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
