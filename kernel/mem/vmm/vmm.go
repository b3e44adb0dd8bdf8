// Package vmm implements the Sv39 three-level page table builder and walker.
package vmm

import (
	"github.com/ateek-ujjawal/rusty-os/kernel"
	"github.com/ateek-ujjawal/rusty-os/kernel/mem"
	"github.com/ateek-ujjawal/rusty-os/kernel/mem/pmm"
	"github.com/ateek-ujjawal/rusty-os/kernel/sync"
)

var (
	// ErrInvalidMapping is returned when trying to lookup a virtual memory
	// address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	errMissingPerms   = &kernel.Error{Module: "vmm", Message: "mapping request carries no read/write/execute permission", Fatal: true}
	errUnexpectedLeaf = &kernel.Error{Module: "vmm", Message: "table walk hit a leaf entry above the target level", Fatal: true}
)

// satpModeSv39 selects the Sv39 translation scheme in the satp CSR.
const satpModeSv39 = uint64(8)

// AddressSpace owns one Sv39 root page table plus the intermediate tables
// that descend from it. Intermediate tables are allocated lazily by Map and
// released by Unmap; the mapped data pages themselves always belong to
// whoever established the mapping.
type AddressSpace struct {
	arena  *mem.Arena
	frames *pmm.Allocator
	root   pmm.Frame

	mu sync.Spinlock
}

// NewAddressSpace allocates a cleared root page table from the supplied
// frame allocator. The root frame is owned by the caller: after tearing the
// space down with Unmap the caller is responsible for handing the root frame
// back to the allocator.
func NewAddressSpace(arena *mem.Arena, frames *pmm.Allocator) (*AddressSpace, *kernel.Error) {
	rootFrame, err := frames.ZallocFrames(1)
	if err != nil {
		return nil, err
	}

	return &AddressSpace{
		arena:  arena,
		frames: frames,
		root:   rootFrame,
	}, nil
}

// Root returns the frame holding the root page table.
func (as *AddressSpace) Root() pmm.Frame {
	return as.root
}

// SATP returns the satp CSR value that activates this address space for the
// given ASID under the Sv39 translation scheme.
func (as *AddressSpace) SATP(asid uint16) uint64 {
	return satpModeSv39<<60 | uint64(asid)<<44 | uint64(as.root)&ppnMask
}

// entryAddr returns the physical address of the entry at index inside the
// table stored at tableFrame.
func (as *AddressSpace) entryAddr(tableFrame pmm.Frame, index uintptr) uintptr {
	return tableFrame.Address() + index<<mem.PointerShift
}

func (as *AddressSpace) entry(tableFrame pmm.Frame, index uintptr) pageTableEntry {
	return pageTableEntry(as.arena.Word(as.entryAddr(tableFrame, index)))
}

func (as *AddressSpace) setEntry(tableFrame pmm.Frame, index uintptr, pte pageTableEntry) {
	as.arena.SetWord(as.entryAddr(tableFrame, index), uint64(pte))
}
