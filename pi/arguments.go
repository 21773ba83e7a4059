package pi

import (
	"encoding/binary"

	"github.com/gomlx/exceptions"
)

// MaxParamBytes is the capacity of the argument storage of a kernel.
const MaxParamBytes = 4000

// maxLocalAlignment is the largest alignment required for local memory arguments: the size
// of 16 doubles.
const maxLocalAlignment = 16 * 8

// ArgumentTable holds the arguments of a kernel, packed for a launch.
//
// Arguments are stored contiguously in index order: the offset of an argument is the sum of the
// sizes of the arguments before it. The implicit offset block, passed after the declared arguments
// to the variant of the kernel that takes a global offset, is kept separately.
type ArgumentTable struct {
	storage []byte
	sizes   []int

	// localEnds holds the end of the local memory range of each argument, 0 for arguments that
	// are not local memory.
	localEnds []int

	implicitOffset [3]uint32
}

// NewArgumentTable returns an empty argument table.
func NewArgumentTable() *ArgumentTable {
	return &ArgumentTable{storage: make([]byte, 0, MaxParamBytes)}
}

// NumArgs returns the number of arguments set, including empty gaps.
func (t *ArgumentTable) NumArgs() int {
	return len(t.sizes)
}

func (t *ArgumentTable) offsetOf(index int) int {
	var offset int
	for _, size := range t.sizes[:index] {
		offset += size
	}
	return offset
}

// AddArg sets argument index to a copy of value. localEnd is the end of the local memory range
// used by the argument, 0 for arguments that are not local memory.
//
// Setting an index past the end grows the table, with empty arguments for the gaps. It fails with
// InvalidKernelArgs if the arguments don't fit in MaxParamBytes.
func (t *ArgumentTable) AddArg(index int, value []byte, localEnd int) error {
	if index < 0 {
		return newError(InvalidKernelArgs, "invalid argument index %d", index)
	}
	for len(t.sizes) <= index {
		t.sizes = append(t.sizes, 0)
		t.localEnds = append(t.localEnds, 0)
	}
	offset := t.offsetOf(index)
	oldSize, newSize := t.sizes[index], len(value)
	if len(t.storage)-oldSize+newSize > MaxParamBytes {
		return newError(InvalidKernelArgs, "kernel arguments exceed the maximum of %d bytes", MaxParamBytes)
	}
	if newSize != oldSize {
		// Shift the arguments after index.
		tail := t.storage[offset+oldSize:]
		newLen := len(t.storage) - oldSize + newSize
		if newSize > oldSize {
			t.storage = t.storage[:newLen]
		}
		copy(t.storage[offset+newSize:], tail)
		t.storage = t.storage[:newLen]
	}
	copy(t.storage[offset:offset+newSize], value)
	t.sizes[index] = newSize
	t.localEnds[index] = localEnd
	return nil
}

// AddLocalArg sets argument index to a local memory allocation of size bytes. The argument value is
// the offset of the allocation in local memory, aligned to min(size, 128) bytes.
//
// The allocation is placed after the highest range of the other local memory arguments, so
// setting an index again never overlaps them.
func (t *ArgumentTable) AddLocalArg(index, size int) error {
	if size <= 0 {
		return newError(InvalidKernelArgs, "invalid local memory size %d for argument %d", size, index)
	}
	var start int
	for ii, end := range t.localEnds {
		if ii != index {
			start = max(start, end)
		}
	}
	alignment := min(size, maxLocalAlignment)
	alignedOffset := (start + alignment - 1) / alignment * alignment

	var value [8]byte
	binary.NativeEndian.PutUint64(value[:], uint64(alignedOffset))
	return t.AddArg(index, value[:], alignedOffset+size)
}

// SetImplicitOffset sets the global offset passed to kernels launched with one. It must have
// exactly 3 values.
func (t *ArgumentTable) SetImplicitOffset(offset []uint32) {
	if len(offset) != 3 {
		exceptions.Panicf("implicit offset must have 3 values, got %d", len(offset))
	}
	copy(t.implicitOffset[:], offset)
}

// ImplicitOffset returns the global offset set with SetImplicitOffset.
func (t *ArgumentTable) ImplicitOffset() [3]uint32 {
	return t.implicitOffset
}

// LocalSize returns the total local memory used by the arguments, padding included.
func (t *ArgumentTable) LocalSize() int {
	var total int
	for _, end := range t.localEnds {
		total = max(total, end)
	}
	return total
}

// ClearLocalSize forgets the local memory used by the arguments. Called after each launch, since
// local memory arguments must be set again for the next one.
func (t *ArgumentTable) ClearLocalSize() {
	clear(t.localEnds)
}

// Args returns the values of the arguments, without the implicit offset block. The slices point
// into the table and are only valid until the next change.
func (t *ArgumentTable) Args() [][]byte {
	args := make([][]byte, len(t.sizes))
	var offset int
	for ii, size := range t.sizes {
		args[ii] = t.storage[offset : offset+size : offset+size]
		offset += size
	}
	return args
}

// Indices returns the values of the arguments followed by the implicit offset block.
func (t *ArgumentTable) Indices() [][]byte {
	block := make([]byte, 12)
	for ii, v := range t.implicitOffset {
		binary.NativeEndian.PutUint32(block[4*ii:], v)
	}
	return append(t.Args(), block)
}
