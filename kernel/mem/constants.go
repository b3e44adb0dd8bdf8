package mem

// The values below match the riscv64 Sv39 translation scheme: 4 KiB base
// pages and 64-bit machine words.
const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift).
	PointerShift = 3

	// WordSize is the machine word size in bytes.
	WordSize = 1 << PointerShift

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right
	// by PageShift) and vice-versa.
	PageShift = 12

	// PageSize defines the system's page size in bytes.
	PageSize = Size(1 << PageShift)
)
