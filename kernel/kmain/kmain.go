// Package kmain wires the memory-management core together at boot: the
// frame allocator, the kernel heap and the kernel's identity-mapped address
// space.
package kmain

import (
	"fmt"

	"github.com/go-errors/errors"
	"github.com/sirupsen/logrus"

	"github.com/ateek-ujjawal/rusty-os/kernel"
	"github.com/ateek-ujjawal/rusty-os/kernel/mem"
	"github.com/ateek-ujjawal/rusty-os/kernel/mem/kmem"
	"github.com/ateek-ujjawal/rusty-os/kernel/mem/pmm"
	"github.com/ateek-ujjawal/rusty-os/kernel/mem/vmm"
)

// Section describes one kernel image section reported by the linker along
// with the permission bits its identity mapping must carry.
type Section struct {
	Name  string
	Start uintptr
	Size  mem.Size
	Flags vmm.EntryFlag
}

// BootInfo carries the read-only facts the memory core consumes from the
// boot/linker environment: the dynamic memory region handed to the frame
// allocator, the kernel image section boundaries and the MMIO windows of
// the platform devices (UART, PLIC).
type BootInfo struct {
	HeapBase uintptr
	HeapSize mem.Size

	Sections []Section
	MMIO     []Section
}

// Kernel aggregates the memory-management context assembled at boot. It is
// constructed exactly once and passed by reference to every subsystem that
// needs to allocate or map memory; none of the state below is reachable as
// package-level globals.
type Kernel struct {
	Arena  *mem.Arena
	Frames *pmm.Allocator
	Heap   *kmem.Heap
	Space  *vmm.AddressSpace
}

// Kmain bootstraps the memory core. When arena is nil one is overlaid
// directly on the raw heap region described by info, which is the path a
// real machine boots through; tests and the hosted demo pass an arena
// backed by a byte slice instead.
//
// Fatal errors encountered while establishing the kernel mappings indicate
// a misconfigured boot environment and halt the system.
func Kmain(arena *mem.Arena, info *BootInfo) (*Kernel, error) {
	if arena == nil {
		arena = mem.OverlayArena(info.HeapBase, uintptr(info.HeapSize))
	}

	log := logrus.WithField("module", "kmain")

	frames := pmm.NewAllocator(arena)
	log.WithFields(logrus.Fields{
		"base":  fmt.Sprintf("%#x", arena.Base()),
		"pages": frames.TotalPages(),
	}).Info("frame allocator ready")

	heap, kerr := kmem.NewHeap(arena, frames)
	if kerr != nil {
		return nil, errors.WrapPrefix(kerr, "kmem init", 0)
	}

	space, kerr := vmm.NewAddressSpace(arena, frames)
	if kerr != nil {
		return nil, errors.WrapPrefix(kerr, "vmm init", 0)
	}

	for _, sec := range info.Sections {
		if err := identityMap(space, sec, log); err != nil {
			return nil, err
		}
	}
	for _, sec := range info.MMIO {
		if err := identityMap(space, sec, log); err != nil {
			return nil, err
		}
	}

	log.WithFields(logrus.Fields{
		"free_pages": frames.FreePages(),
		"heap_bytes": uint64(heap.Size()),
	}).Info("memory core initialized")

	return &Kernel{
		Arena:  arena,
		Frames: frames,
		Heap:   heap,
		Space:  space,
	}, nil
}

func identityMap(space *vmm.AddressSpace, sec Section, log *logrus.Entry) error {
	if err := space.IdentityMapRegion(sec.Start, sec.Size, sec.Flags); err != nil {
		if kernel.IsFatal(err) {
			kernel.Panic(err)
		}
		return errors.WrapPrefix(err, "identity map "+sec.Name, 0)
	}

	log.WithFields(logrus.Fields{
		"section": sec.Name,
		"start":   fmt.Sprintf("%#x", sec.Start),
		"size":    uint64(sec.Size),
	}).Info("identity mapped")

	return nil
}
