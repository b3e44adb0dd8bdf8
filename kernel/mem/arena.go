package mem

import (
	"encoding/binary"
	"unsafe"
)

// Arena provides bounds-checked access to a contiguous physical memory
// region. Every physical address handed out by the allocators is an offset
// into an arena and all conversions between addresses and raw memory are
// confined to this type; the rest of the memory subsystem never performs
// pointer arithmetic of its own.
//
// Accessing an address outside the arena bounds is a programming error and
// panics: the allocators validate addresses before dereferencing them so a
// panic here indicates a bug rather than a recoverable condition.
type Arena struct {
	base uintptr
	data []byte
}

// NewArena returns an arena that models the physical region starting at base
// using the supplied byte slice as backing storage.
func NewArena(base uintptr, data []byte) *Arena {
	return &Arena{base: base, data: data}
}

// OverlayArena overlays an arena on top of the raw memory region
// [base, base+size). It is the boundary where linker-supplied physical
// addresses become an addressable view; everything above it works with
// validated offsets.
func OverlayArena(base, size uintptr) *Arena {
	data := unsafe.Slice((*byte)(*(*unsafe.Pointer)(unsafe.Pointer(&base))), size)

	return &Arena{base: base, data: data}
}

// Base returns the physical address of the first arena byte.
func (a *Arena) Base() uintptr {
	return a.base
}

// Size returns the arena size in bytes.
func (a *Arena) Size() Size {
	return Size(len(a.data))
}

// Contains returns true if [addr, addr+span) falls within the arena.
func (a *Arena) Contains(addr, span uintptr) bool {
	return addr >= a.base && addr-a.base <= uintptr(len(a.data)) && span <= uintptr(len(a.data))-(addr-a.base)
}

// Byte returns the byte stored at the supplied physical address.
func (a *Arena) Byte(addr uintptr) byte {
	a.check(addr, 1)
	return a.data[addr-a.base]
}

// SetByte stores a byte at the supplied physical address.
func (a *Arena) SetByte(addr uintptr, v byte) {
	a.check(addr, 1)
	a.data[addr-a.base] = v
}

// Word returns the 64-bit little-endian word stored at the supplied physical
// address.
func (a *Arena) Word(addr uintptr) uint64 {
	a.check(addr, WordSize)
	return binary.LittleEndian.Uint64(a.data[addr-a.base:])
}

// SetWord stores a 64-bit little-endian word at the supplied physical
// address.
func (a *Arena) SetWord(addr uintptr, v uint64) {
	a.check(addr, WordSize)
	binary.LittleEndian.PutUint64(a.data[addr-a.base:], v)
}

// Bytes returns the arena contents for [addr, addr+span) as a byte slice
// sharing the arena's backing storage.
func (a *Arena) Bytes(addr, span uintptr) []byte {
	a.check(addr, span)
	off := addr - a.base
	return a.data[off : off+span]
}

// Zero clears [addr, addr+span) in word-sized strides; span must be a
// multiple of the word size.
func (a *Arena) Zero(addr, span uintptr) {
	a.check(addr, span)
	if span%WordSize != 0 {
		panic("mem: zero span must be a multiple of the word size")
	}

	off := addr - a.base
	for i := uintptr(0); i < span; i += WordSize {
		binary.LittleEndian.PutUint64(a.data[off+i:], 0)
	}
}

func (a *Arena) check(addr, span uintptr) {
	if !a.Contains(addr, span) {
		panic("mem: access outside arena bounds")
	}
}
