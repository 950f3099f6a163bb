// Package multiboot parses the Multiboot v1 information structure a
// bootloader hands the kernel: the physical memory map and
// the list of loaded boot modules.
//
// Grounded on a build-time use of encoding/binary over little-endian
// fixed-size records, applied here to the Multiboot v1 information
// structure's memory-map and module-list entry layouts, and on
// original_source's module/cmdline handling for the "basename of the
// cmdline string" convention.
package multiboot

import (
	"encoding/binary"
	"fmt"
	"path"
	"strings"

	"ix86kernel/src/defs"
	"ix86kernel/src/limits"
)

const (
	flagMemMap  = 1 << 6
	flagMods    = 1 << 3
	mmapTypeRAM = 1
)

/// Info is the portion of the Multiboot v1 info structure this kernel
/// consumes: the RAM regions, parsed out of the memory map, and the
/// loaded modules.
type Info struct {
	MemRegions []MemRegion
	Modules    []Module
}

/// MemRegion is one usable-RAM entry from the Multiboot memory map (type 1
/// entries only; reserved/ACPI/NVS ranges are discarded).
type MemRegion struct {
	Base   uint64
	Length uint64
}

/// Module is one boot module: its basename (the cmdline string's final path
/// component) and its physical extent [Start, End) in the module image.
type Module struct {
	Name  string
	Start uint32
	End   uint32
}

/// Parse reads the Multiboot v1 info structure starting at infoAddr inside
/// phys (a view of all physical memory, e.g. mem.PFA_t's backing RAM), and
/// returns the RAM map and module list it describes.
func Parse(phys []byte, infoAddr uint32) (*Info, defs.Err_t) {
	if int(infoAddr)+8 > len(phys) {
		return nil, defs.EFAULT
	}
	flags := binary.LittleEndian.Uint32(phys[infoAddr:])
	info := &Info{}

	if flags&flagMemMap != 0 {
		mmapLength := binary.LittleEndian.Uint32(phys[infoAddr+44:])
		mmapAddr := binary.LittleEndian.Uint32(phys[infoAddr+48:])
		regions, err := parseMemMap(phys, mmapAddr, mmapLength)
		if err != 0 {
			return nil, err
		}
		info.MemRegions = regions
	}

	if flags&flagMods != 0 {
		modsCount := binary.LittleEndian.Uint32(phys[infoAddr+20:])
		modsAddr := binary.LittleEndian.Uint32(phys[infoAddr+24:])
		mods, err := parseModules(phys, modsAddr, modsCount)
		if err != 0 {
			return nil, err
		}
		info.Modules = mods
	}

	return info, 0
}

func parseMemMap(phys []byte, addr, length uint32) ([]MemRegion, defs.Err_t) {
	var regions []MemRegion
	off := addr
	end := addr + length
	for off < end {
		if int(off)+4 > len(phys) {
			return nil, defs.EFAULT
		}
		entrySize := binary.LittleEndian.Uint32(phys[off:])
		if int(off)+4+int(entrySize) > len(phys) {
			return nil, defs.EFAULT
		}
		base := binary.LittleEndian.Uint64(phys[off+4:])
		length := binary.LittleEndian.Uint64(phys[off+12:])
		typ := binary.LittleEndian.Uint32(phys[off+20:])
		if typ == mmapTypeRAM {
			regions = append(regions, MemRegion{Base: base, Length: length})
		}
		off += 4 + entrySize
	}
	return regions, 0
}

func parseModules(phys []byte, addr, count uint32) ([]Module, defs.Err_t) {
	if count > limits.MaxModules {
		return nil, defs.ENOSPC
	}
	mods := make([]Module, 0, count)
	for i := uint32(0); i < count; i++ {
		off := addr + i*16
		if int(off)+16 > len(phys) {
			return nil, defs.EFAULT
		}
		start := binary.LittleEndian.Uint32(phys[off:])
		modEnd := binary.LittleEndian.Uint32(phys[off+4:])
		cmdlineAddr := binary.LittleEndian.Uint32(phys[off+8:])
		cmdline := readCString(phys, cmdlineAddr)
		mods = append(mods, Module{
			Name:  path.Base(strings.TrimSpace(cmdline)),
			Start: start,
			End:   modEnd,
		})
	}
	return mods, 0
}

func readCString(phys []byte, addr uint32) string {
	if int(addr) >= len(phys) {
		return ""
	}
	end := addr
	for int(end) < len(phys) && phys[end] != 0 {
		end++
	}
	return string(phys[addr:end])
}

/// String renders a human-readable summary, for boot-time logging.
func (i *Info) String() string {
	return fmt.Sprintf("multiboot: %d ram regions, %d modules", len(i.MemRegions), len(i.Modules))
}
