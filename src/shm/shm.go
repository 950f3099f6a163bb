// Package shm implements shared memory: a fixed-size table of regions
// backed by frames the region itself owns, and per-process attachment
// lists mapping a region into a process's address space at an
// attacher-chosen virtual address.
//
// Follows this kernel's general "_t value type + package-level table +
// sync.Mutex" idiom shared across the other subsystem packages, for the
// region table, reference counting, and attach/detach semantics.
// DetachAll aggregates per-mapping unmap errors with hashicorp/go-multierror
// rather than stopping at the first failure, so a single bad mapping during
// process teardown does not leak the rest.
package shm

import (
	"sync"

	multierror "github.com/hashicorp/go-multierror"

	"ix86kernel/src/defs"
	"ix86kernel/src/limits"
	"ix86kernel/src/mem"
	"ix86kernel/src/proc"
	"ix86kernel/src/vm"
)

/// region_t is one shared-memory region: a fixed array of owned physical
/// frames and a reference count of live attachments across all processes.
type region_t struct {
	inUse    bool
	id       int
	pages    [limits.MaxShmPages]mem.Pa_t
	numPages int
	refCount int
}

/// Table is the shared-memory subsystem: the fixed region table. There is
/// exactly one, system-wide, matching original_source's single static Shm
/// instance.
type Table struct {
	sync.Mutex
	pfa     *mem.PFA_t
	regions [limits.MaxShmRegions]region_t
	nextID  int
}

/// NewTable creates an empty shared-memory region table.
func NewTable(pfa *mem.PFA_t) *Table {
	return &Table{pfa: pfa, nextID: 1}
}

/// Create allocates a new region of numPages frames and returns its id.
/// Matches original_source's Shm::create.
func (t *Table) Create(numPages int) (int, defs.Err_t) {
	if numPages <= 0 || numPages > limits.MaxShmPages {
		return -1, defs.EINVAL
	}
	t.Lock()
	defer t.Unlock()
	slot := -1
	for i := range t.regions {
		if !t.regions[i].inUse {
			slot = i
			break
		}
	}
	if slot == -1 {
		return -1, defs.ENOSPC
	}
	r := &t.regions[slot]
	for i := 0; i < numPages; i++ {
		pa, ok := t.pfa.Alloc()
		if !ok {
			for j := 0; j < i; j++ {
				t.pfa.Free(r.pages[j])
			}
			return -1, defs.ENOMEM
		}
		r.pages[i] = pa
	}
	r.inUse = true
	r.id = t.nextID
	r.numPages = numPages
	r.refCount = 0
	t.nextID++
	return r.id, 0
}

func (t *Table) findRegionLocked(id int) *region_t {
	for i := range t.regions {
		if t.regions[i].inUse && t.regions[i].id == id {
			return &t.regions[i]
		}
	}
	return nil
}

/// FindRegion reports whether region id exists.
func (t *Table) FindRegion(id int) bool {
	t.Lock()
	defer t.Unlock()
	return t.findRegionLocked(id) != nil
}

/// Attach maps region id into p's address space starting at vaddr, in
/// order, and records the attachment in p.ShmMappings. It fails with
/// defs.ENOSPC if p already holds limits.MaxShmMappings attachments and
/// with defs.ENOENT if the region does not exist.
func (t *Table) Attach(p *proc.Proc_t, id int, vaddr vm.Va_t) defs.Err_t {
	if len(p.ShmMappings) >= limits.MaxShmMappings {
		return defs.ENOSPC
	}
	t.Lock()
	r := t.findRegionLocked(id)
	if r == nil {
		t.Unlock()
		return defs.ENOENT
	}
	pages := append([]mem.Pa_t(nil), r.pages[:r.numPages]...)
	r.refCount++
	t.Unlock()

	for i, pa := range pages {
		va := vaddr + vm.Va_t(i*mem.PGSIZE)
		if err := p.AS.Map(va, pa, vm.PTE_W|vm.PTE_U); err != nil {
			for j := 0; j < i; j++ {
				p.AS.UnmapNofree(vaddr + vm.Va_t(j*mem.PGSIZE))
			}
			t.Lock()
			r.refCount--
			t.Unlock()
			return defs.ENOMEM
		}
	}
	p.ShmMappings = append(p.ShmMappings, proc.ShmMapping_t{
		ShmID: id, Vaddr: vaddr, NumPages: len(pages),
	})
	return 0
}

/// Detach unmaps the attachment of region id from p's address space,
/// without freeing the region's frames (the region, not the process, owns
/// them -- vm.UnmapNofree), and drops the region's reference count.
func (t *Table) Detach(p *proc.Proc_t, id int) defs.Err_t {
	idx := -1
	for i, m := range p.ShmMappings {
		if m.ShmID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		return defs.ENOENT
	}
	m := p.ShmMappings[idx]
	for i := 0; i < m.NumPages; i++ {
		p.AS.UnmapNofree(m.Vaddr + vm.Va_t(i*mem.PGSIZE))
	}
	p.ShmMappings = append(p.ShmMappings[:idx], p.ShmMappings[idx+1:]...)

	t.Lock()
	defer t.Unlock()
	if r := t.findRegionLocked(id); r != nil {
		r.refCount--
	}
	return 0
}

/// DetachAll detaches every shared-memory mapping p holds, for process
/// exit. Errors from individual detaches are aggregated rather than
/// stopping teardown partway through.
func (t *Table) DetachAll(p *proc.Proc_t) error {
	var result *multierror.Error
	ids := make([]int, len(p.ShmMappings))
	for i, m := range p.ShmMappings {
		ids[i] = m.ShmID
	}
	for _, id := range ids {
		if err := t.Detach(p, id); err != 0 {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
