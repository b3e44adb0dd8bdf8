package vmm

import (
	"github.com/ateek-ujjawal/rusty-os/kernel"
	"github.com/ateek-ujjawal/rusty-os/kernel/mem"
	"github.com/ateek-ujjawal/rusty-os/kernel/mem/pmm"
)

// Map establishes a translation from virt to phys that terminates at the
// supplied level. The walk starts at the root table and descends one virtual
// page number digit at a time; intermediate tables missing from the walk are
// allocated and cleared on demand. The flags must carry at least one of
// FlagRead, FlagWrite or FlagExec since a leaf entry without them would
// decode as a branch.
func (as *AddressSpace) Map(virt, phys uintptr, flags EntryFlag, level PageLevel) *kernel.Error {
	if flags&flagRWX == 0 {
		return errMissingPerms
	}

	as.mu.Acquire()
	defer as.mu.Release()

	table := as.root
	for lvl := PageLevel(pageLevels - 1); lvl > level; lvl-- {
		index := vpnIndex(virt, lvl)
		pte := as.entry(table, index)

		if pte.IsValid() && pte.IsLeaf() {
			// A superpage already covers this range; descending
			// through it would treat mapped data as a table.
			return errUnexpectedLeaf
		}

		if !pte.IsValid() {
			tableFrame, err := as.frames.ZallocFrames(1)
			if err != nil {
				return err
			}

			pte = 0
			pte.SetFrame(tableFrame)
			pte.SetFlags(FlagValid)
			as.setEntry(table, index, pte)
		}

		table = pte.Frame()
	}

	var pte pageTableEntry
	pte.SetFrame(pmm.FrameFromAddress(phys))
	pte.SetFlags(flags | FlagValid)
	as.setEntry(table, vpnIndex(virt, level), pte)

	return nil
}

// MapRegion establishes 4 KiB mappings covering [virt, virt+size) to the
// physical region that starts at phys. The addresses are rounded down and
// the size up to frame boundaries.
func (as *AddressSpace) MapRegion(virt, phys uintptr, size mem.Size, flags EntryFlag) *kernel.Error {
	if size == 0 {
		return nil
	}

	pageSizeMinus1 := uintptr(mem.PageSize - 1)
	curPage := virt & ^pageSizeMinus1
	lastPage := (virt + uintptr(size) - 1) & ^pageSizeMinus1
	curPhys := phys & ^pageSizeMinus1

	for ; curPage <= lastPage; curPage, curPhys = curPage+uintptr(mem.PageSize), curPhys+uintptr(mem.PageSize) {
		if err := as.Map(curPage, curPhys, flags, Level4K); err != nil {
			return err
		}
	}

	return nil
}

// IdentityMapRegion maps [start, start+size) so that virtual and physical
// addresses coincide. The kernel image sections and the device MMIO windows
// are mapped this way at boot.
func (as *AddressSpace) IdentityMapRegion(start uintptr, size mem.Size, flags EntryFlag) *kernel.Error {
	return as.MapRegion(start, start, size, flags)
}

// Unmap tears down the page table scaffolding below the root: every level-0
// table referenced by a level-1 branch entry is freed, then the level-1
// table itself, and finally the root entry is cleared so that a later Map
// builds a fresh translation. Leaf entries at any level are skipped; the
// data frames they map belong to whoever established them. Calling Unmap on
// an already empty table is a no-op.
func (as *AddressSpace) Unmap() *kernel.Error {
	as.mu.Acquire()
	defer as.mu.Release()

	for i := uintptr(0); i < tableEntries; i++ {
		rootEntry := as.entry(as.root, i)
		if !rootEntry.IsBranch() {
			continue
		}

		midFrame := rootEntry.Frame()
		for j := uintptr(0); j < tableEntries; j++ {
			midEntry := as.entry(midFrame, j)
			if !midEntry.IsBranch() {
				continue
			}

			if err := as.frames.DeallocFrames(midEntry.Frame()); err != nil {
				return err
			}
		}

		if err := as.frames.DeallocFrames(midFrame); err != nil {
			return err
		}
		as.setEntry(as.root, i, 0)
	}

	return nil
}
