package vm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"ix86kernel/src/mem"
)

func newPFA(t *testing.T) *mem.PFA_t {
	t.Helper()
	return mem.Init(4096, nil)
}

func TestMapAndTranslate(t *testing.T) {
	pfa := newPFA(t)
	a, err := Create(pfa)
	require.NoError(t, err)

	data, ok := pfa.Alloc()
	require.True(t, ok)

	va := Va_t(0x00400000)
	require.NoError(t, a.Map(va, data, PTE_W|PTE_U))

	got, ok := a.GetPhys(va)
	require.True(t, ok)
	require.Equal(t, data, got)
	require.True(t, a.IsUserMapped(va, false))
	require.True(t, a.IsUserMapped(va, true))
}

func TestUnmapFreesFrame(t *testing.T) {
	pfa := newPFA(t)
	a, _ := Create(pfa)

	data, _ := pfa.Alloc()
	va := Va_t(0x00500000)
	require.NoError(t, a.Map(va, data, PTE_W|PTE_U))
	before := pfa.FreeCount() // after Map: the page table it allocated stays allocated
	a.Unmap(va)

	_, ok := a.GetPhys(va)
	require.False(t, ok)
	require.Equal(t, before+1, pfa.FreeCount())
}

func TestUnmapNofreeKeepsFrame(t *testing.T) {
	pfa := newPFA(t)
	a, _ := Create(pfa)

	data, _ := pfa.Alloc()
	used := pfa.UsedCount()
	va := Va_t(0x00600000)
	require.NoError(t, a.Map(va, data, PTE_W|PTE_U))
	a.UnmapNofree(va)

	_, ok := a.GetPhys(va)
	require.False(t, ok)
	require.Equal(t, used, pfa.UsedCount(), "frame must still be allocated")
}

func TestCopyDuplicatesContents(t *testing.T) {
	pfa := newPFA(t)
	parent, _ := Create(pfa)

	data, _ := pfa.Alloc()
	pfa.Frame(data)[0] = 0x42
	va := Va_t(0x00400000)
	require.NoError(t, parent.Map(va, data, PTE_W|PTE_U))

	child, err := parent.Copy()
	require.NoError(t, err)

	childPA, ok := child.GetPhys(va)
	require.True(t, ok)
	require.NotEqual(t, data, childPA, "fork must copy, not alias")
	require.Equal(t, byte(0x42), pfa.Frame(childPA)[0])

	pfa.Frame(childPA)[0] = 0x99
	require.Equal(t, byte(0x42), pfa.Frame(data)[0], "child write must not affect parent")
}

func TestSyncKernelMappingsShared(t *testing.T) {
	pfa := newPFA(t)
	kern, _ := Create(pfa)
	kva := Va_t(uint32(kKernelPdeStart) << 22)
	kpa, _ := pfa.Alloc()
	require.NoError(t, kern.Map(kva, kpa, PTE_W))

	proc, _ := Create(pfa)
	proc.SyncKernelMappings(kern)

	got, ok := proc.GetPhys(kva)
	require.True(t, ok)
	require.Equal(t, kpa, got)
}

func TestDestroyFreesUserFrames(t *testing.T) {
	pfa := newPFA(t)
	before := pfa.FreeCount()
	a, _ := Create(pfa)

	data, _ := pfa.Alloc()
	require.NoError(t, a.Map(Va_t(0x00400000), data, PTE_W|PTE_U))

	require.NoError(t, a.Destroy())
	require.Equal(t, before, pfa.FreeCount())
}
