package vmm

import (
	"github.com/ateek-ujjawal/rusty-os/kernel"
	"github.com/ateek-ujjawal/rusty-os/kernel/mem"
)

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical page.
//
// A leaf found above level 0 maps a superpage: the low-order virtual address
// bits below the leaf level carry through to the returned physical address
// unchanged. Translate only reads established entries and takes no lock.
func (as *AddressSpace) Translate(virt uintptr) (uintptr, *kernel.Error) {
	table := as.root
	for lvl := int(pageLevels) - 1; lvl >= 0; lvl-- {
		pte := as.entry(table, vpnIndex(virt, PageLevel(lvl)))
		if !pte.IsValid() {
			return 0, ErrInvalidMapping
		}

		if pte.IsLeaf() {
			offsetMask := uintptr(1)<<(mem.PageShift+pageLevelBits*uintptr(lvl)) - 1
			return pte.Frame().Address()&^offsetMask | virt&offsetMask, nil
		}

		table = pte.Frame()
	}

	// A valid non-leaf entry at level 0 is reserved by the Sv39 scheme.
	return 0, ErrInvalidMapping
}
