// Package kmem implements the byte-granularity allocator that backs kernel
// dynamic allocations. The heap obtains a fixed run of frames from the frame
// allocator when it is constructed and never grows beyond it.
package kmem

import (
	"github.com/ateek-ujjawal/rusty-os/kernel"
	"github.com/ateek-ujjawal/rusty-os/kernel/mem"
	"github.com/ateek-ujjawal/rusty-os/kernel/mem/pmm"
	"github.com/ateek-ujjawal/rusty-os/kernel/sync"
)

const (
	// heapPages is the fixed number of frames backing the kernel heap.
	heapPages = 64

	// headerSize is the size of the block header word that precedes every
	// heap block.
	headerSize = uintptr(mem.WordSize)

	// takenFlag occupies the top bit of a block header; the remaining
	// bits hold the block size in bytes, header included. A size of zero
	// is heap corruption.
	takenFlag = uint64(1) << 63
	sizeMask  = ^takenFlag
)

var (
	// ErrOutOfMemory is returned by Alloc and ZAlloc when no free block
	// is large enough for the request.
	ErrOutOfMemory = &kernel.Error{Module: "kmem", Message: "out of memory"}

	errZeroSizeBlock = &kernel.Error{Module: "kmem", Message: "corrupt heap: zero-size block", Fatal: true}
	errBlockPastTail = &kernel.Error{Module: "kmem", Message: "corrupt heap: block extends past the heap tail", Fatal: true}
	errFreeRange     = &kernel.Error{Module: "kmem", Message: "free of an address outside the heap", Fatal: true}
)

// Heap is a first-fit free-list allocator over a fixed region. Blocks are
// laid out contiguously from the heap head to its tail with no gaps: the
// sum of all block sizes always equals the heap size. Allocation splits a
// block when the remainder is large enough to hold another header; every
// free triggers a coalescing pass over the block list.
type Heap struct {
	arena *mem.Arena

	// head is the physical address of the first block header; the heap
	// spans [head, head+size).
	head uintptr
	size uintptr

	mu sync.Spinlock
}

// NewHeap reserves the heap's backing frames from the supplied frame
// allocator and formats them as a single free block spanning the whole
// region. The frames are owned by the heap for the lifetime of the kernel
// and are never handed back.
func NewHeap(arena *mem.Arena, frames *pmm.Allocator) (*Heap, *kernel.Error) {
	frame, err := frames.ZallocFrames(heapPages)
	if err != nil {
		return nil, err
	}

	h := &Heap{
		arena: arena,
		head:  frame.Address(),
		size:  uintptr(heapPages) << mem.PageShift,
	}
	h.setHeader(h.head, h.size, false)

	return h, nil
}

// Alloc reserves size bytes and returns the physical address of the first
// usable byte, just past the block header. The request is rounded up to the
// word size. Alloc scans the block list head to tail for the first free
// block that can hold the request; when the remainder after carving out the
// request cannot hold another header the whole block is consumed instead of
// leaving an unusably small fragment behind.
func (h *Heap) Alloc(size mem.Size) (uintptr, *kernel.Error) {
	wordSizeMinus1 := uintptr(mem.WordSize - 1)
	need := (uintptr(size)+wordSizeMinus1)&^wordSizeMinus1 + headerSize

	h.mu.Acquire()
	defer h.mu.Release()

	tail := h.head + h.size
	for addr := h.head; addr < tail; {
		blockSize, taken := h.header(addr)
		if blockSize == 0 {
			return 0, errZeroSizeBlock
		}
		if blockSize > tail-addr {
			return 0, errBlockPastTail
		}

		if taken || need >= blockSize {
			addr += blockSize
			continue
		}

		if rem := blockSize - need; rem > headerSize {
			h.setHeader(addr, need, true)
			h.setHeader(addr+need, rem, false)
		} else {
			h.setHeader(addr, blockSize, true)
		}

		return addr + headerSize, nil
	}

	return 0, ErrOutOfMemory
}

// ZAlloc reserves size bytes and clears them.
func (h *Heap) ZAlloc(size mem.Size) (uintptr, *kernel.Error) {
	addr, err := h.Alloc(size)
	if err != nil {
		return 0, err
	}

	wordSizeMinus1 := uintptr(mem.WordSize - 1)
	h.arena.Zero(addr, (uintptr(size)+wordSizeMinus1)&^wordSizeMinus1)

	return addr, nil
}

// Free releases the block whose usable bytes start at ptr and runs a
// coalescing pass. A zero ptr is a no-op.
func (h *Heap) Free(ptr uintptr) *kernel.Error {
	if ptr == 0 {
		return nil
	}

	h.mu.Acquire()
	defer h.mu.Release()

	if ptr < h.head+headerSize || ptr >= h.head+h.size {
		return errFreeRange
	}

	hdr := ptr - headerSize
	size, taken := h.header(hdr)
	if taken {
		h.setHeader(hdr, size, false)
	}

	return h.coalesce()
}

// coalesce makes one left-to-right pass over the block list, merging each
// free block with a free immediate right neighbor. The scan does not restart
// at a merge point, so chains of three or more free blocks resolve pairwise
// across the passes triggered by successive frees. The pass aborts with a
// fatal error when it detects corruption instead of walking past the tail.
//
// The caller must hold the heap lock.
func (h *Heap) coalesce() *kernel.Error {
	tail := h.head + h.size
	for addr := h.head; addr < tail; {
		size, taken := h.header(addr)
		if size == 0 {
			return errZeroSizeBlock
		}
		if size > tail-addr {
			return errBlockPastTail
		}

		next := addr + size
		if next == tail {
			break
		}

		nextSize, nextTaken := h.header(next)
		if !taken && !nextTaken {
			if nextSize == 0 {
				return errZeroSizeBlock
			}
			if nextSize > tail-next {
				return errBlockPastTail
			}
			size += nextSize
			h.setHeader(addr, size, false)
		}

		addr += size
	}

	return nil
}

// Size returns the total heap size in bytes, headers included.
func (h *Heap) Size() mem.Size {
	return mem.Size(h.size)
}

// FreeBytes returns the total bytes held in free blocks, headers included.
func (h *Heap) FreeBytes() mem.Size {
	h.mu.Acquire()
	defer h.mu.Release()

	var free uintptr
	tail := h.head + h.size
	for addr := h.head; addr < tail; {
		size, taken := h.header(addr)
		if size == 0 || size > tail-addr {
			break
		}
		if !taken {
			free += size
		}
		addr += size
	}

	return mem.Size(free)
}

func (h *Heap) header(addr uintptr) (size uintptr, taken bool) {
	word := h.arena.Word(addr)
	return uintptr(word & sizeMask), word&takenFlag != 0
}

func (h *Heap) setHeader(addr, size uintptr, taken bool) {
	word := uint64(size) & sizeMask
	if taken {
		word |= takenFlag
	}
	h.arena.SetWord(addr, word)
}
