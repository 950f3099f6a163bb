package multiboot

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func putStr(buf []byte, off uint32, s string) {
	copy(buf[off:], s)
	buf[off+uint32(len(s))] = 0
}

func TestParseMemRegionsAndModules(t *testing.T) {
	phys := make([]byte, 4096)
	le := binary.LittleEndian

	const infoAddr = 0
	const flagMemMap = 1 << 6
	const flagMods = 1 << 3
	le.PutUint32(phys[infoAddr:], flagMemMap|flagMods)

	// one module
	le.PutUint32(phys[infoAddr+20:], 1)   // mods_count
	le.PutUint32(phys[infoAddr+24:], 256) // mods_addr

	modEntry := uint32(256)
	le.PutUint32(phys[modEntry:], 0x100000)   // mod_start
	le.PutUint32(phys[modEntry+4:], 0x110000) // mod_end
	le.PutUint32(phys[modEntry+8:], 512)      // cmdline addr
	putStr(phys, 512, "/boot/init")

	// mmap with two entries: one RAM (type 1), one reserved (type 2)
	const mmapAddr = 1024
	le.PutUint32(phys[infoAddr+44:], 2*24) // mmap_length
	le.PutUint32(phys[infoAddr+48:], mmapAddr)

	e0 := uint32(mmapAddr)
	le.PutUint32(phys[e0:], 20) // size field (excludes itself)
	le.PutUint64(phys[e0+4:], 0)
	le.PutUint64(phys[e0+12:], 0x9fc00)
	le.PutUint32(phys[e0+20:], 1) // RAM

	e1 := e0 + 24
	le.PutUint32(phys[e1:], 20)
	le.PutUint64(phys[e1+4:], 0x100000000-0x1000)
	le.PutUint64(phys[e1+12:], 0x1000)
	le.PutUint32(phys[e1+20:], 2) // reserved

	info, err := Parse(phys, infoAddr)
	require.Zero(t, err)
	require.Len(t, info.MemRegions, 1)
	require.Equal(t, uint64(0), info.MemRegions[0].Base)
	require.Equal(t, uint64(0x9fc00), info.MemRegions[0].Length)

	require.Len(t, info.Modules, 1)
	require.Equal(t, "init", info.Modules[0].Name)
	require.Equal(t, uint32(0x100000), info.Modules[0].Start)
	require.Equal(t, uint32(0x110000), info.Modules[0].End)
}

func TestParseNoFlagsYieldsEmptyInfo(t *testing.T) {
	phys := make([]byte, 64)
	info, err := Parse(phys, 0)
	require.Zero(t, err)
	require.Empty(t, info.MemRegions)
	require.Empty(t, info.Modules)
}
