package sim

// This file defines alignedAlloc, used for the "page-locked" host allocations.

import (
	"fmt"
	"unsafe"
)

// HostAlignment is the alignment of host memory returned by MemHostAlloc.
const HostAlignment = 64

// alignedAlloc returns a zeroed slice of the given size whose first element is aligned to
// alignment bytes.
//
// The alignment must be a power of 2.
func alignedAlloc(size, alignment int) []byte {
	if alignment <= 0 || alignment&(alignment-1) != 0 {
		panic(fmt.Sprintf("alignedAlloc: alignment must be a power of 2, got %d", alignment))
	}
	if size == 0 {
		return []byte{}
	}

	// Allocate extra to allow the alignment, and re-slice from the first aligned position.
	raw := make([]byte, size+alignment)
	offset := int(uintptr(unsafe.Pointer(unsafe.SliceData(raw))) % uintptr(alignment))
	if offset != 0 {
		offset = alignment - offset
	}
	return raw[offset : offset+size : offset+size]
}
