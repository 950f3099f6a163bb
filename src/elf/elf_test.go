package elf

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"ix86kernel/src/mem"
	"ix86kernel/src/vm"
)

// buildELF32 hand-assembles a minimal ELF32/i386 executable with a single
// PT_LOAD segment, since this package has no fixtures directory and must
// stay self-contained.
func buildELF32(entry, vaddr uint32, data []byte, writable bool) []byte {
	const ehsize = 52
	const phsize = 32
	buf := make([]byte, ehsize+phsize+len(data))

	copy(buf[0:4], []byte{0x7f, 'E', 'L', 'F'})
	buf[4] = 1 // ELFCLASS32
	buf[5] = 1 // ELFDATA2LSB
	buf[6] = 1 // EV_CURRENT
	le := binary.LittleEndian
	le.PutUint16(buf[16:], 2) // ET_EXEC
	le.PutUint16(buf[18:], 3) // EM_386
	le.PutUint32(buf[20:], 1) // e_version
	le.PutUint32(buf[24:], entry)
	le.PutUint32(buf[28:], ehsize) // e_phoff
	le.PutUint16(buf[40:], ehsize)
	le.PutUint16(buf[42:], phsize)
	le.PutUint16(buf[44:], 1) // e_phnum

	ph := buf[ehsize:]
	le.PutUint32(ph[0:], 1) // PT_LOAD
	le.PutUint32(ph[4:], ehsize+phsize)
	le.PutUint32(ph[8:], vaddr)
	le.PutUint32(ph[12:], vaddr)
	le.PutUint32(ph[16:], uint32(len(data)))
	le.PutUint32(ph[20:], uint32(len(data)))
	flags := uint32(4) // PF_R
	if writable {
		flags |= 2 // PF_W
	}
	le.PutUint32(ph[24:], flags)
	le.PutUint32(ph[28:], mem.PGSIZE)

	copy(buf[ehsize+phsize:], data)
	return buf
}

func TestLoadMapsSegmentAndSetsEntry(t *testing.T) {
	pfa := mem.Init(4096, nil)
	as, err := vm.Create(pfa)
	require.NoError(t, err)

	data := []byte("hello kernel")
	img := buildELF32(0x08048000, 0x08048000, data, false)

	loaded, lerr := Load(as, pfa, img)
	require.Zero(t, lerr)
	require.Equal(t, vm.Va_t(0x08048000), loaded.Entry)

	pa, ok := as.GetPhys(vm.Va_t(0x08048000))
	require.True(t, ok)
	frame := pfa.Frame(mem.Roundframe(pa))
	off := int(pa) % mem.PGSIZE
	require.Equal(t, data, frame[off:off+len(data)])
}

func TestLoadRejectsSegmentCrossingKernelBoundary(t *testing.T) {
	pfa := mem.Init(4096, nil)
	as, _ := vm.Create(pfa)

	img := buildELF32(0xC0000000-8, 0xC0000000-8, []byte("xxxxxxxxxxxxxxxxx"), true)
	_, lerr := Load(as, pfa, img)
	require.NotZero(t, lerr)
}

func TestLoadAcceptsSegmentEndingJustBelowBoundary(t *testing.T) {
	pfa := mem.Init(4096, nil)
	as, _ := vm.Create(pfa)

	const segEnd = 0xBFFFF000
	vaddr := uint32(segEnd - 16)
	img := buildELF32(vaddr, vaddr, make([]byte, 16), true)
	_, lerr := Load(as, pfa, img)
	require.Zero(t, lerr)
}

func TestLoadRejectsSegmentEndingExactlyAtBoundary(t *testing.T) {
	pfa := mem.Init(4096, nil)
	as, _ := vm.Create(pfa)

	const kernelVMA = 0xC0000000
	vaddr := uint32(kernelVMA - 16)
	img := buildELF32(vaddr, vaddr, make([]byte, 16), true)
	_, lerr := Load(as, pfa, img)
	require.NotZero(t, lerr)
}
