package pmm

import (
	"fmt"
	"io"

	"github.com/ateek-ujjawal/rusty-os/kernel"
	"github.com/ateek-ujjawal/rusty-os/kernel/mem"
	"github.com/ateek-ujjawal/rusty-os/kernel/sync"
)

// Frame descriptor flags. One descriptor byte tracks the state of each frame
// in the arena; descLast marks the final frame of a multi-frame allocation so
// DeallocFrames can recover the run length.
const (
	descTaken = 1 << 0
	descLast  = 1 << 1
)

var (
	// ErrOutOfMemory is returned by AllocFrames and ZallocFrames when no
	// contiguous run of free frames can satisfy the request.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

	errZeroFrameRequest = &kernel.Error{Module: "pmm", Message: "frame requests must be for at least one frame", Fatal: true}
	errDeallocRange     = &kernel.Error{Module: "pmm", Message: "dealloc address outside the allocatable range", Fatal: true}
	errDoubleFree       = &kernel.Error{Module: "pmm", Message: "possible double-free: free descriptor inside an allocated run", Fatal: true}
	errRunCorrupt       = &kernel.Error{Module: "pmm", Message: "allocated run has no terminating frame", Fatal: true}
)

// Allocator manages the physical frames of a memory arena using a first-fit
// scan over per-frame descriptor bytes. The descriptor table lives at the
// bottom of the arena and is never itself allocatable; the allocatable
// frames begin at the next frame boundary past it.
//
// The linear scan trades lookup cost for zero bookkeeping overhead which is
// acceptable at kernel scale: frame counts are small and allocations back
// infrequent events (page tables, stacks, process structures) rather than a
// hot path.
type Allocator struct {
	arena *mem.Arena

	// numPages is the total number of frames described by the arena,
	// including the frames consumed by the descriptor table itself.
	numPages uintptr

	// usablePages is the number of frames that can actually be handed
	// out; descriptors past this index would describe addresses beyond
	// the end of the arena.
	usablePages uintptr

	// allocStart is the physical address of the first allocatable frame.
	allocStart uintptr

	mu sync.Spinlock
}

// NewAllocator formats the supplied arena for frame allocation: one cleared
// descriptor byte per frame followed, at the next frame boundary, by the
// allocatable frames themselves.
func NewAllocator(arena *mem.Arena) *Allocator {
	alloc := &Allocator{
		arena:    arena,
		numPages: uintptr(arena.Size()) >> mem.PageShift,
	}

	for i := uintptr(0); i < alloc.numPages; i++ {
		alloc.setDesc(i, 0)
	}

	pageSizeMinus1 := uintptr(mem.PageSize - 1)
	alloc.allocStart = (arena.Base() + alloc.numPages + pageSizeMinus1) & ^pageSizeMinus1
	alloc.usablePages = (arena.Base() + uintptr(arena.Size()) - alloc.allocStart) >> mem.PageShift

	return alloc
}

// AllocFrames reserves a contiguous run of pageCount frames using a
// first-fit scan over the frame descriptors; the lowest matching address
// wins. The caller owns the returned frames until it passes the first one
// back to DeallocFrames.
func (alloc *Allocator) AllocFrames(pageCount uint) (Frame, *kernel.Error) {
	if pageCount == 0 {
		return InvalidFrame, errZeroFrameRequest
	}

	alloc.mu.Acquire()
	defer alloc.mu.Release()

	count := uintptr(pageCount)
	for i := uintptr(0); i+count <= alloc.usablePages; i++ {
		if alloc.desc(i)&descTaken != 0 {
			continue
		}

		run := uintptr(1)
		for ; run < count && alloc.desc(i+run)&descTaken == 0; run++ {
		}
		if run < count {
			// Skip past the taken descriptor that broke the run.
			i += run
			continue
		}

		for j := i; j < i+count; j++ {
			alloc.setDesc(j, descTaken)
		}
		alloc.setDesc(i+count-1, descTaken|descLast)

		return FrameFromAddress(alloc.allocStart + (i << mem.PageShift)), nil
	}

	return InvalidFrame, ErrOutOfMemory
}

// ZallocFrames reserves a contiguous run of pageCount frames and clears
// their contents.
func (alloc *Allocator) ZallocFrames(pageCount uint) (Frame, *kernel.Error) {
	frame, err := alloc.AllocFrames(pageCount)
	if err != nil {
		return InvalidFrame, err
	}

	alloc.arena.Zero(frame.Address(), uintptr(pageCount)<<mem.PageShift)

	return frame, nil
}

// DeallocFrames releases the run of frames that starts at the supplied
// frame. The run length is recovered from the frame descriptors: descriptors
// are cleared up to and including the one flagged as the run terminator.
// Passing a frame outside the allocatable range or inside an already free
// run is an invariant violation and yields a fatal error.
func (alloc *Allocator) DeallocFrames(frame Frame) *kernel.Error {
	alloc.mu.Acquire()
	defer alloc.mu.Release()

	addr := frame.Address()
	if addr < alloc.allocStart || addr >= alloc.allocStart+(alloc.usablePages<<mem.PageShift) {
		return errDeallocRange
	}

	for i := (addr - alloc.allocStart) >> mem.PageShift; i < alloc.usablePages; i++ {
		desc := alloc.desc(i)
		if desc&descTaken == 0 {
			return errDoubleFree
		}

		alloc.setDesc(i, 0)
		if desc&descLast != 0 {
			return nil
		}
	}

	return errRunCorrupt
}

// TotalPages returns the number of allocatable frames managed by the
// allocator.
func (alloc *Allocator) TotalPages() uint {
	return uint(alloc.usablePages)
}

// FreePages returns the number of allocatable frames that are currently
// free.
func (alloc *Allocator) FreePages() uint {
	alloc.mu.Acquire()
	defer alloc.mu.Release()

	var free uint
	for i := uintptr(0); i < alloc.usablePages; i++ {
		if alloc.desc(i)&descTaken == 0 {
			free++
		}
	}

	return free
}

// DumpAllocations writes the allocation table to w: one line per live run
// with its physical address range and page count, followed by the allocated
// and free totals.
func (alloc *Allocator) DumpAllocations(w io.Writer) {
	alloc.mu.Acquire()
	defer alloc.mu.Release()

	fmt.Fprintf(w, "PAGE ALLOCATION TABLE\nMETA: %#x -> %#x\nPHYS: %#x -> %#x\n",
		alloc.arena.Base(), alloc.arena.Base()+alloc.numPages,
		alloc.allocStart, alloc.allocStart+(alloc.usablePages<<mem.PageShift),
	)

	var allocated uintptr
	for i := uintptr(0); i < alloc.usablePages; i++ {
		if alloc.desc(i)&descTaken == 0 {
			continue
		}

		start := i
		for alloc.desc(i)&descLast == 0 && i+1 < alloc.usablePages {
			i++
		}

		pages := i - start + 1
		allocated += pages
		fmt.Fprintf(w, "%#x -> %#x: %4d page(s)\n",
			alloc.allocStart+(start<<mem.PageShift),
			alloc.allocStart+((i+1)<<mem.PageShift)-1,
			pages,
		)
	}

	fmt.Fprintf(w, "Allocated: %6d pages (%10d bytes)\nFree: %6d pages (%10d bytes)\n",
		allocated, allocated<<mem.PageShift,
		alloc.usablePages-allocated, (alloc.usablePages-allocated)<<mem.PageShift,
	)
}

func (alloc *Allocator) desc(index uintptr) byte {
	return alloc.arena.Byte(alloc.arena.Base() + index)
}

func (alloc *Allocator) setDesc(index uintptr, flags byte) {
	alloc.arena.SetByte(alloc.arena.Base()+index, flags)
}
