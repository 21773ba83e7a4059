package pi

import (
	"math/bits"
	"sync"
)

const (
	// minPooledScratchSize is the minimum size of pooled scratch buffers.
	minPooledScratchSize = 4096

	// maxPooledScratchSize is the maximum size of pooled scratch buffers (64MB).
	maxPooledScratchSize = 64 * 1024 * 1024
)

// scratchBuffer is host memory used to map device-only buffers.
type scratchBuffer struct {
	buf       []byte
	poolIndex int // index in the scratchPools, -1 if not from a pool
}

// scratchPools manages pools of scratchBuffer objects with power-of-2 sizes.
// It is safe for concurrent use.
type scratchPools struct {
	// pools[i] contains buffers of size 2^(i+minShift).
	pools              []sync.Pool
	minShift, maxShift int
}

func newScratchPools() *scratchPools {
	minShift := bits.TrailingZeros(uint(minPooledScratchSize))
	maxShift := bits.TrailingZeros(uint(maxPooledScratchSize))
	return &scratchPools{
		pools:    make([]sync.Pool, maxShift-minShift+1),
		minShift: minShift,
		maxShift: maxShift,
	}
}

// mapScratch is shared by all buffers mapped through a scratch buffer.
var mapScratch = newScratchPools()

// Get returns a scratch buffer with exactly size bytes (backed by a pooled buffer of the next
// power of 2). Its contents are undefined.
func (sp *scratchPools) Get(size int) *scratchBuffer {
	shift := max(bits.Len(uint(max(size, 1)-1)), sp.minShift)
	if shift > sp.maxShift {
		return &scratchBuffer{buf: make([]byte, size), poolIndex: -1}
	}
	poolIndex := shift - sp.minShift
	if obj := sp.pools[poolIndex].Get(); obj != nil {
		s := obj.(*scratchBuffer)
		s.buf = s.buf[:size]
		return s
	}
	full := make([]byte, 1<<shift)
	return &scratchBuffer{buf: full[:size], poolIndex: poolIndex}
}

// Return gives the buffer back to the pool. Buffers not from a pool are left to the garbage
// collector.
func (sp *scratchPools) Return(s *scratchBuffer) {
	if s == nil || s.poolIndex < 0 || s.poolIndex >= len(sp.pools) {
		return
	}
	sp.pools[s.poolIndex].Put(s)
}
