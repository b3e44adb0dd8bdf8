package vmm

import (
	"github.com/ateek-ujjawal/rusty-os/kernel/mem"
	"github.com/ateek-ujjawal/rusty-os/kernel/mem/pmm"
)

// EntryFlag describes a flag that can be applied to a page table entry.
type EntryFlag uint64

// Sv39 page table entry flags.
const (
	FlagValid EntryFlag = 1 << iota
	FlagRead
	FlagWrite
	FlagExec
	FlagUser
	FlagGlobal
	FlagAccess
	FlagDirty
)

const (
	// flagRWX masks the permission bits whose presence distinguishes a
	// leaf entry from a branch entry.
	flagRWX = FlagRead | FlagWrite | FlagExec

	// entryFrameShift is the bit position of the physical page number
	// inside an Sv39 entry; bits 9:0 hold the flag bits.
	entryFrameShift = 10

	// ppnMask masks the 44 physical page number bits of an Sv39 entry.
	ppnMask = uint64(1)<<44 - 1
)

const (
	// pageLevels is the number of levels in the Sv39 radix page table.
	pageLevels = 3

	// pageLevelBits is the number of virtual address bits resolved by
	// each table level.
	pageLevelBits = 9

	// pageLevelMask masks one level's worth of virtual page number bits.
	pageLevelMask = 1<<pageLevelBits - 1

	// tableEntries is the number of entries in a page table; one table
	// occupies exactly one frame.
	tableEntries = 1 << pageLevelBits
)

// PageLevel selects the depth at which a mapping terminates.
type PageLevel uint8

// The three leaf depths supported by Sv39.
const (
	// Level4K maps a regular 4 KiB page.
	Level4K PageLevel = iota
	// Level2M maps a 2 MiB megapage.
	Level2M
	// Level1G maps a 1 GiB gigapage.
	Level1G
)

// pageTableEntry describes a single Sv39 page table entry: a physical page
// number packed above ten flag bits. An entry is exactly one of invalid,
// branch (valid with no permission bits) or leaf (valid with at least one
// permission bit).
type pageTableEntry uint64

// HasFlags returns true if this entry has all the input flags set.
func (pte pageTableEntry) HasFlags(flags EntryFlag) bool {
	return uint64(pte)&uint64(flags) == uint64(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte pageTableEntry) HasAnyFlag(flags EntryFlag) bool {
	return uint64(pte)&uint64(flags) != 0
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *pageTableEntry) SetFlags(flags EntryFlag) {
	*pte = pageTableEntry(uint64(*pte) | uint64(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *pageTableEntry) ClearFlags(flags EntryFlag) {
	*pte = pageTableEntry(uint64(*pte) &^ uint64(flags))
}

// IsValid returns true when the entry takes part in translation.
func (pte pageTableEntry) IsValid() bool {
	return pte.HasFlags(FlagValid)
}

// IsLeaf returns true when the entry terminates translation at a physical
// page.
func (pte pageTableEntry) IsLeaf() bool {
	return pte.HasAnyFlag(flagRWX)
}

// IsBranch returns true when the entry points to a next-level table.
func (pte pageTableEntry) IsBranch() bool {
	return pte.IsValid() && !pte.IsLeaf()
}

// Frame returns the physical page frame that this page table entry points to.
func (pte pageTableEntry) Frame() pmm.Frame {
	return pmm.Frame(uint64(pte) >> entryFrameShift & ppnMask)
}

// SetFrame updates the page table entry to point to the given physical frame.
func (pte *pageTableEntry) SetFrame(frame pmm.Frame) {
	*pte = pageTableEntry(uint64(*pte)&^(ppnMask<<entryFrameShift) | uint64(frame)&ppnMask<<entryFrameShift)
}

// vpnIndex extracts the 9-bit virtual page number digit that indexes the
// table at the supplied level.
func vpnIndex(virt uintptr, level PageLevel) uintptr {
	return virt >> (mem.PageShift + pageLevelBits*uintptr(level)) & pageLevelMask
}
