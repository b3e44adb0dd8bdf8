// Command rvos boots the memory-management core against a simulated RAM
// region and exercises the frame allocator, the kernel heap and the Sv39
// address space the way the early kernel would on real hardware.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/ateek-ujjawal/rusty-os/kernel/kmain"
	"github.com/ateek-ujjawal/rusty-os/kernel/mem"
	"github.com/ateek-ujjawal/rusty-os/kernel/mem/vmm"
)

// The layout below mirrors a qemu-virt style machine: the kernel image is
// linked at 0x8000_0000 and the dynamic memory region starts right after it.
const (
	kernelBase = uintptr(0x8000_0000)
	heapBase   = uintptr(0x8100_0000)
	heapSize   = 32 * mem.Mb
)

func bootInfo() *kmain.BootInfo {
	return &kmain.BootInfo{
		HeapBase: heapBase,
		HeapSize: heapSize,
		Sections: []kmain.Section{
			{Name: ".text", Start: kernelBase, Size: 256 * mem.Kb, Flags: vmm.FlagRead | vmm.FlagExec},
			{Name: ".rodata", Start: kernelBase + 0x40000, Size: 64 * mem.Kb, Flags: vmm.FlagRead},
			{Name: ".data", Start: kernelBase + 0x50000, Size: 64 * mem.Kb, Flags: vmm.FlagRead | vmm.FlagWrite},
			{Name: ".bss", Start: kernelBase + 0x60000, Size: 128 * mem.Kb, Flags: vmm.FlagRead | vmm.FlagWrite},
			{Name: "stack", Start: kernelBase + 0x80000, Size: 512 * mem.Kb, Flags: vmm.FlagRead | vmm.FlagWrite},
		},
		MMIO: []kmain.Section{
			{Name: "uart0", Start: 0x1000_0000, Size: mem.Size(mem.PageSize), Flags: vmm.FlagRead | vmm.FlagWrite},
			{Name: "plic", Start: 0x0c00_0000, Size: 4 * mem.Mb, Flags: vmm.FlagRead | vmm.FlagWrite},
		},
	}
}

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	// hosted run: the RAM region is simulated by a byte slice
	arena := mem.NewArena(heapBase, make([]byte, heapSize))

	k, err := kmain.Kmain(arena, bootInfo())
	if err != nil {
		logrus.WithError(err).Fatal("boot failed")
	}

	log := logrus.WithField("module", "rvos")

	// a few heap allocations, one of which is released again
	ptrs := make([]uintptr, 0, 4)
	for _, size := range []mem.Size{64, 1024, 4096, 32} {
		ptr, kerr := k.Heap.ZAlloc(size)
		if kerr != nil {
			logrus.WithError(kerr).Fatal("heap allocation failed")
		}
		ptrs = append(ptrs, ptr)
	}
	if kerr := k.Heap.Free(ptrs[1]); kerr != nil {
		logrus.WithError(kerr).Fatal("heap free failed")
	}
	log.WithFields(logrus.Fields{
		"heap_bytes": uint64(k.Heap.Size()),
		"heap_free":  uint64(k.Heap.FreeBytes()),
	}).Info("heap exercised")

	// a dynamically allocated frame mapped into the kernel space
	frame, kerr := k.Frames.ZallocFrames(4)
	if kerr != nil {
		logrus.WithError(kerr).Fatal("frame allocation failed")
	}
	if kerr = k.Space.MapRegion(0x4000_0000, frame.Address(), 4*mem.Size(mem.PageSize), vmm.FlagRead|vmm.FlagWrite); kerr != nil {
		logrus.WithError(kerr).Fatal("mapping failed")
	}

	for _, virt := range []uintptr{kernelBase + 0x1234, 0x1000_0042, 0x4000_2abc} {
		phys, terr := k.Space.Translate(virt)
		if terr != nil {
			logrus.WithError(terr).Fatal("translation failed")
		}
		log.WithFields(logrus.Fields{
			"virt": fmt.Sprintf("%#x", virt),
			"phys": fmt.Sprintf("%#x", phys),
		}).Info("translated")
	}

	log.WithField("satp", fmt.Sprintf("%#x", k.Space.SATP(0))).Info("address space ready")

	k.Frames.DumpAllocations(os.Stdout)
}
