package vmm

import (
	"testing"

	"github.com/ateek-ujjawal/rusty-os/kernel"
	"github.com/ateek-ujjawal/rusty-os/kernel/mem"
	"github.com/ateek-ujjawal/rusty-os/kernel/mem/pmm"
)

func newTestAddressSpace(t *testing.T) (*AddressSpace, *pmm.Allocator) {
	t.Helper()

	arena := mem.NewArena(0x8000_0000, make([]byte, 4*mem.Mb))
	frames := pmm.NewAllocator(arena)

	as, err := NewAddressSpace(arena, frames)
	if err != nil {
		t.Fatal(err)
	}

	return as, frames
}

func TestMapTranslateRoundTrip(t *testing.T) {
	as, _ := newTestAddressSpace(t)

	specs := []struct {
		virt  uintptr
		phys  uintptr
		flags EntryFlag
	}{
		{0x0000_1000, 0x8020_0000, FlagRead | FlagWrite},
		{0x0040_3000, 0x8030_0000, FlagRead | FlagExec},
		{0x7fc0_0000, 0x8040_0000, FlagRead | FlagWrite | FlagUser},
	}

	for specIndex, spec := range specs {
		if err := as.Map(spec.virt, spec.phys, spec.flags, Level4K); err != nil {
			t.Fatalf("[spec %d] unexpected Map error: %v", specIndex, err)
		}

		// sub-page offsets must carry through the translation
		got, err := as.Translate(spec.virt + 0x123)
		if err != nil {
			t.Fatalf("[spec %d] unexpected Translate error: %v", specIndex, err)
		}
		if exp := spec.phys + 0x123; got != exp {
			t.Errorf("[spec %d] expected Translate to return %#x; got %#x", specIndex, exp, got)
		}
	}
}

func TestTranslateOnEmptyTable(t *testing.T) {
	as, _ := newTestAddressSpace(t)

	for _, virt := range []uintptr{0, 0x1000, 0x4000_0000, 0x3f_ffff_f000} {
		if _, err := as.Translate(virt); err != ErrInvalidMapping {
			t.Errorf("expected ErrInvalidMapping for unmapped address %#x; got %v", virt, err)
		}
	}
}

func TestMapPermissionBitInvariant(t *testing.T) {
	as, _ := newTestAddressSpace(t)

	for _, flags := range []EntryFlag{0, FlagValid, FlagAccess | FlagDirty, FlagUser | FlagGlobal} {
		err := as.Map(0x1000, 0x8020_0000, flags, Level4K)
		if err != errMissingPerms || !kernel.IsFatal(err) {
			t.Errorf("expected a fatal permission error for flags %#x; got %v", uint64(flags), err)
		}
	}
}

func TestMapSuperpages(t *testing.T) {
	as, _ := newTestAddressSpace(t)

	// 1 GiB gigapage at level 2
	if err := as.Map(0x8000_0000, 0xc000_0000, FlagRead|FlagWrite, Level1G); err != nil {
		t.Fatal(err)
	}

	got, err := as.Translate(0x8012_3456)
	if err != nil {
		t.Fatal(err)
	}
	if exp := uintptr(0xc012_3456); got != exp {
		t.Errorf("expected the 30 low-order bits to pass through the gigapage; got %#x, want %#x", got, exp)
	}

	// 2 MiB megapage at level 1
	if err = as.Map(0x4020_0000, 0x8060_0000, FlagRead, Level2M); err != nil {
		t.Fatal(err)
	}

	got, err = as.Translate(0x4021_2345)
	if err != nil {
		t.Fatal(err)
	}
	if exp := uintptr(0x8061_2345); got != exp {
		t.Errorf("expected the 21 low-order bits to pass through the megapage; got %#x, want %#x", got, exp)
	}
}

func TestMapThroughSuperpageIsFatal(t *testing.T) {
	as, _ := newTestAddressSpace(t)

	if err := as.Map(0x8000_0000, 0xc000_0000, FlagRead, Level1G); err != nil {
		t.Fatal(err)
	}

	// a 4 KiB mapping inside the gigapage would have to descend through
	// the leaf entry
	err := as.Map(0x8000_1000, 0x8020_0000, FlagRead, Level4K)
	if err != errUnexpectedLeaf || !kernel.IsFatal(err) {
		t.Fatalf("expected errUnexpectedLeaf; got %v", err)
	}
}

func TestUnmapReleasesTableScaffolding(t *testing.T) {
	as, frames := newTestAddressSpace(t)

	freeAfterRoot := frames.FreePages()

	// two mappings under different root entries: each builds one level-1
	// and one level-0 table
	if err := as.Map(0x0000_1000, 0x8020_0000, FlagRead|FlagWrite, Level4K); err != nil {
		t.Fatal(err)
	}
	if err := as.Map(0x4000_2000, 0x8030_0000, FlagRead|FlagWrite, Level4K); err != nil {
		t.Fatal(err)
	}

	if exp := freeAfterRoot - 4; frames.FreePages() != exp {
		t.Fatalf("expected %d free pages after four intermediate tables were allocated; got %d", exp, frames.FreePages())
	}

	if err := as.Unmap(); err != nil {
		t.Fatal(err)
	}

	if frames.FreePages() != freeAfterRoot {
		t.Fatalf("expected all intermediate table frames to be released; got %d free pages, want %d", frames.FreePages(), freeAfterRoot)
	}

	// the old translations must be gone
	if _, err := as.Translate(0x0000_1000); err != ErrInvalidMapping {
		t.Fatalf("expected ErrInvalidMapping after unmap; got %v", err)
	}

	// a second unmap pass is a no-op
	if err := as.Unmap(); err != nil {
		t.Fatalf("expected unmap to be idempotent; got %v", err)
	}
	if frames.FreePages() != freeAfterRoot {
		t.Fatal("expected the second unmap pass to leave the allocator untouched")
	}
}

func TestUnmapThenRemap(t *testing.T) {
	as, _ := newTestAddressSpace(t)

	if err := as.Map(0x0000_1000, 0x8020_0000, FlagRead|FlagWrite, Level4K); err != nil {
		t.Fatal(err)
	}
	if err := as.Unmap(); err != nil {
		t.Fatal(err)
	}

	// remapping the same virtual page must build a fresh translation
	if err := as.Map(0x0000_1000, 0x8090_0000, FlagRead, Level4K); err != nil {
		t.Fatal(err)
	}

	got, err := as.Translate(0x0000_1000)
	if err != nil {
		t.Fatal(err)
	}
	if exp := uintptr(0x8090_0000); got != exp {
		t.Fatalf("expected the remapped translation to resolve to %#x; got %#x", exp, got)
	}
}

func TestUnmapLeavesDataFramesAlone(t *testing.T) {
	as, frames := newTestAddressSpace(t)

	dataFrame, err := frames.AllocFrames(1)
	if err != nil {
		t.Fatal(err)
	}

	if kerr := as.Map(0x0000_1000, dataFrame.Address(), FlagRead|FlagWrite, Level4K); kerr != nil {
		t.Fatal(kerr)
	}
	if kerr := as.Unmap(); kerr != nil {
		t.Fatal(kerr)
	}

	// the mapped data frame still belongs to us; releasing it must not
	// report a double-free
	if kerr := frames.DeallocFrames(dataFrame); kerr != nil {
		t.Fatalf("expected the data frame to survive the unmap pass; got %v", kerr)
	}
}

func TestAddressSpaceTeardown(t *testing.T) {
	arena := mem.NewArena(0x8000_0000, make([]byte, 4*mem.Mb))
	frames := pmm.NewAllocator(arena)
	initialFree := frames.FreePages()

	as, err := NewAddressSpace(arena, frames)
	if err != nil {
		t.Fatal(err)
	}

	if err = as.Map(0x0000_1000, 0x8020_0000, FlagRead, Level4K); err != nil {
		t.Fatal(err)
	}

	if err = as.Unmap(); err != nil {
		t.Fatal(err)
	}
	if err = frames.DeallocFrames(as.Root()); err != nil {
		t.Fatal(err)
	}

	if frames.FreePages() != initialFree {
		t.Fatalf("expected a full teardown to release every frame; got %d free pages, want %d", frames.FreePages(), initialFree)
	}
}

func TestMapRegion(t *testing.T) {
	as, _ := newTestAddressSpace(t)

	if err := as.MapRegion(0x0001_0800, 0x8050_0800, 2*mem.Kb+mem.Size(mem.PageSize), FlagRead|FlagWrite); err != nil {
		t.Fatal(err)
	}

	// after alignment the region covers the two pages at 0x10000 and 0x11000
	for _, off := range []uintptr{0, 0x800, 0x1fff} {
		got, err := as.Translate(0x0001_0000 + off)
		if err != nil {
			t.Fatalf("unexpected Translate error at offset %#x: %v", off, err)
		}
		if exp := 0x8050_0000 + off; got != exp {
			t.Errorf("expected offset %#x to translate to %#x; got %#x", off, exp, got)
		}
	}

	// the page after the region end must remain unmapped
	if _, err := as.Translate(0x0001_2000); err != ErrInvalidMapping {
		t.Errorf("expected the page past the region end to be unmapped; got %v", err)
	}
}

func TestIdentityMapRegion(t *testing.T) {
	as, _ := newTestAddressSpace(t)

	if err := as.IdentityMapRegion(0x1000_0000, 3*mem.Size(mem.PageSize), FlagRead|FlagWrite); err != nil {
		t.Fatal(err)
	}

	for _, virt := range []uintptr{0x1000_0000, 0x1000_1234, 0x1000_2fff} {
		got, err := as.Translate(virt)
		if err != nil {
			t.Fatalf("unexpected Translate error for %#x: %v", virt, err)
		}
		if got != virt {
			t.Errorf("expected identity translation for %#x; got %#x", virt, got)
		}
	}
}

func TestSATPEncoding(t *testing.T) {
	as, _ := newTestAddressSpace(t)

	satp := as.SATP(5)

	if got := satp >> 60; got != 8 {
		t.Errorf("expected the satp mode field to select Sv39 (8); got %d", got)
	}
	if got := satp >> 44 & 0xffff; got != 5 {
		t.Errorf("expected the satp asid field to be 5; got %d", got)
	}
	if got := satp & ppnMask; got != uint64(as.Root()) {
		t.Errorf("expected the satp ppn field to be %#x; got %#x", uint64(as.Root()), got)
	}
}
