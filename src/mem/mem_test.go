package mem

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocLowestFirst(t *testing.T) {
	pfa := Init(64, nil)
	require.Equal(t, 64, pfa.FreeCount())

	a, ok := pfa.Alloc()
	require.True(t, ok)
	require.Equal(t, Pa_t(0), a)

	b, ok := pfa.Alloc()
	require.True(t, ok)
	require.Equal(t, Pa_t(PGSIZE), b)

	require.Equal(t, 62, pfa.FreeCount())
	require.Equal(t, 2, pfa.UsedCount())
}

func TestFreeThenRealloc(t *testing.T) {
	pfa := Init(4, nil)
	a, _ := pfa.Alloc()
	_, _ = pfa.Alloc()
	pfa.Free(a)
	require.Equal(t, 3, pfa.FreeCount())

	c, ok := pfa.Alloc()
	require.True(t, ok)
	require.Equal(t, a, c, "freed lowest frame should be reused first")
}

func TestUsedRangesReservedAtInit(t *testing.T) {
	pfa := Init(16, []Range{{Start: 0, End: 4 * PGSIZE}})
	require.Equal(t, 12, pfa.FreeCount())

	a, ok := pfa.Alloc()
	require.True(t, ok)
	require.Equal(t, Pa_t(4*PGSIZE), a)
}

func TestAllocExhaustion(t *testing.T) {
	pfa := Init(2, nil)
	_, ok1 := pfa.Alloc()
	_, ok2 := pfa.Alloc()
	_, ok3 := pfa.Alloc()
	require.True(t, ok1)
	require.True(t, ok2)
	require.False(t, ok3)
}

func TestDoubleFreePanics(t *testing.T) {
	pfa := Init(4, nil)
	a, _ := pfa.Alloc()
	pfa.Free(a)
	require.Panics(t, func() { pfa.Free(a) })
}

func TestFrameIsZeroedOnAlloc(t *testing.T) {
	pfa := Init(4, nil)
	a, _ := pfa.Alloc()
	f := pfa.Frame(a)
	for _, b := range f {
		require.Zero(t, b)
	}
	f[0] = 0xff
	pfa.Free(a)
	b, _ := pfa.Alloc()
	require.Equal(t, a, b)
	require.Zero(t, pfa.Frame(b)[0])
}

func TestInBootMappedRegion(t *testing.T) {
	require.True(t, InBootMappedRegion(0))
	require.True(t, InBootMappedRegion(8*1024*1024-PGSIZE))
	require.False(t, InBootMappedRegion(8*1024*1024))
}
