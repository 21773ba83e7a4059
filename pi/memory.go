package pi

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gohip/driver"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// MemFlags configure the creation of memory objects.
type MemFlags uint32

const (
	MemReadWrite MemFlags = 1 << iota
	MemWriteOnly
	MemReadOnly
	MemUseHostPtr
	MemCopyHostPtr
	MemAllocHostPtr
)

// MapFlags configure the mapping of a buffer to host memory.
type MapFlags uint32

const (
	MapRead MapFlags = 1 << iota
	MapWrite
	MapWriteInvalidateRegion
)

// AllocMode fixes how the backing store of a buffer relates to host memory.
type AllocMode int

const (
	// AllocClassic buffers live in device memory only.
	AllocClassic AllocMode = iota

	// AllocUseHostPtr buffers are backed by the host memory given by the user, registered with the
	// driver.
	AllocUseHostPtr

	// AllocCopyIn buffers live in device memory, initialized from host memory at creation.
	AllocCopyIn

	// AllocAllocHostPtr buffers are backed by page-locked host memory allocated by the driver.
	AllocAllocHostPtr
)

var allocModeNames = []string{"Classic", "UseHostPtr", "CopyIn", "AllocHostPtr"}

// String implements fmt.Stringer.
func (m AllocMode) String() string {
	if m >= 0 && int(m) < len(allocModeNames) {
		return allocModeNames[m]
	}
	return fmt.Sprintf("AllocMode(%d)", int(m))
}

// ImageType is the dimensionality of an image.
type ImageType int

const (
	Image1D ImageType = iota + 1
	Image2D
	Image3D
)

var memObjectsAlive atomic.Int64

// MemObjectsAlive returns the number of memory objects (buffers, sub-buffers and images) created
// and not yet destroyed.
func MemObjectsAlive() int64 {
	return memObjectsAlive.Load()
}

// Mem is a memory object: either a linear buffer (*BufferMem) or an image (*SurfaceMem).
// Use Variant, or the Buffer and Surface accessors, to reach the contents.
type Mem struct {
	refCount

	ctx     *Context
	variant MemVariant
}

// MemVariant is implemented by *BufferMem and *SurfaceMem.
type MemVariant interface {
	memVariant()
}

// BufferMem is a linear allocation, or a view into one (a sub-buffer).
type BufferMem struct {
	// parent is set for sub-buffers.
	parent *Mem

	ptr  driver.DevicePtr
	host []byte // Set for AllocUseHostPtr and AllocAllocHostPtr buffers.
	size int
	mode AllocMode

	// Mapping state, at most one region mapped at a time.
	mu        sync.Mutex
	mapped    []byte
	mapOffset int
	mapSize   int
	mapFlags  MapFlags
	scratch   *scratchBuffer
	unmapping bool
}

// SurfaceMem is an image, backed by an array and accessed by kernels through a surface.
type SurfaceMem struct {
	array     driver.Array
	surface   driver.Surface
	desc      driver.ArrayDescriptor
	imageType ImageType
}

func (*BufferMem) memVariant()  {}
func (*SurfaceMem) memVariant() {}

// CreateBuffer creates a buffer of size bytes.
//
// With MemUseHostPtr the buffer is backed by host, which must not be used otherwise while the buffer
// lives. With MemCopyHostPtr, the buffer is initialized with the contents of host. With
// MemAllocHostPtr the buffer is allocated in page-locked host memory, mapped without copies.
func (c *Context) CreateBuffer(flags MemFlags, size int, host []byte) (*Mem, error) {
	if size <= 0 {
		return nil, newError(InvalidValue, "invalid buffer size %d", size)
	}
	needsHost := flags&(MemUseHostPtr|MemCopyHostPtr) != 0
	if needsHost && len(host) < size {
		return nil, newError(InvalidValue, "buffer of %d bytes given host memory of %d bytes", size, len(host))
	}
	if !needsHost && host != nil {
		return nil, newError(InvalidValue, "host memory given without MemUseHostPtr or MemCopyHostPtr")
	}
	if flags&MemUseHostPtr != 0 && flags&(MemCopyHostPtr|MemAllocHostPtr) != 0 {
		return nil, newError(InvalidValue, "MemUseHostPtr can't be combined with MemCopyHostPtr or MemAllocHostPtr")
	}

	b := &BufferMem{size: size}
	var err error
	switch {
	case flags&MemUseHostPtr != 0:
		b.mode = AllocUseHostPtr
		b.host = host[:size]
		b.ptr, err = c.drv.MemHostRegister(c.native, b.host)
	case flags&MemAllocHostPtr != 0:
		b.mode = AllocAllocHostPtr
		b.host, b.ptr, err = c.drv.MemHostAlloc(c.native, size)
		if err == nil && flags&MemCopyHostPtr != 0 {
			copy(b.host, host[:size])
		}
	default:
		b.mode = AllocClassic
		b.ptr, err = c.drv.MemAlloc(c.native, size)
		if err == nil && flags&MemCopyHostPtr != 0 {
			b.mode = AllocCopyIn
			if err = c.drv.MemcpyHtoD(b.ptr, host[:size]); err != nil {
				if errFree := c.drv.MemFree(b.ptr); errFree != nil {
					klog.Errorf("Failed to free buffer after failed initialization: %+v", errFree)
				}
			}
		}
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create %s buffer of %d bytes", b.mode, size)
	}
	return c.newMem(b), nil
}

func (c *Context) newMem(variant MemVariant) *Mem {
	m := &Mem{ctx: c, variant: variant}
	m.init()
	c.Retain()
	memObjectsAlive.Add(1)
	return m
}

// CreateImage creates an image of the given type. Its contents are initialized from host if
// flags include MemCopyHostPtr.
func (c *Context) CreateImage(flags MemFlags, imageType ImageType, desc driver.ArrayDescriptor, host []byte) (*Mem, error) {
	switch {
	case desc.Width <= 0:
		return nil, newError(InvalidValue, "invalid image width %d", desc.Width)
	case imageType == Image1D && (desc.Height != 0 || desc.Depth != 0),
		imageType == Image2D && (desc.Height <= 0 || desc.Depth != 0),
		imageType == Image3D && (desc.Height <= 0 || desc.Depth <= 0):
		return nil, newError(InvalidValue, "invalid dimensions %dx%dx%d for image of %d dimensions",
			desc.Width, desc.Height, desc.Depth, imageType)
	case imageType < Image1D || imageType > Image3D:
		return nil, newError(InvalidValue, "invalid image type %d", imageType)
	case flags&(MemUseHostPtr|MemAllocHostPtr) != 0:
		return nil, newError(Unsupported, "images can't use or allocate host memory")
	}
	if flags&MemCopyHostPtr != 0 && len(host) < desc.SizeInBytes() {
		return nil, newError(InvalidValue, "image of %d bytes given host memory of %d bytes", desc.SizeInBytes(), len(host))
	}

	array, err := c.drv.ArrayCreate(c.native, desc)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create array for image")
	}
	if flags&MemCopyHostPtr != 0 {
		err = c.drv.MemcpyHtoA(array, host[:desc.SizeInBytes()])
	}
	var surface driver.Surface
	if err == nil {
		surface, err = c.drv.SurfaceObjectCreate(array)
	}
	if err != nil {
		if errDestroy := c.drv.ArrayDestroy(array); errDestroy != nil {
			klog.Errorf("Failed to destroy array after failed image creation: %+v", errDestroy)
		}
		return nil, errors.WithMessagef(err, "failed to create image")
	}
	return c.newMem(&SurfaceMem{array: array, surface: surface, desc: desc, imageType: imageType}), nil
}

// CreateSubBuffer creates a view of size bytes of the buffer, starting at origin. The sub-buffer
// retains its parent.
func (m *Mem) CreateSubBuffer(flags MemFlags, origin, size int) (*Mem, error) {
	parent, ok := m.variant.(*BufferMem)
	if !ok {
		return nil, newError(InvalidMemObject, "sub-buffers can only be created from buffers")
	}
	if parent.parent != nil {
		return nil, newError(InvalidMemObject, "sub-buffers can't be created from sub-buffers")
	}
	if flags&(MemUseHostPtr|MemCopyHostPtr|MemAllocHostPtr) != 0 {
		return nil, newError(InvalidValue, "sub-buffers inherit the host memory flags of their parent")
	}
	if size <= 0 || origin < 0 || origin+size > parent.size {
		return nil, newError(InvalidValue, "invalid region [%d, %d) for sub-buffer of buffer with %d bytes",
			origin, origin+size, parent.size)
	}
	b := &BufferMem{
		parent: m,
		ptr:    parent.ptr.Offset(origin),
		size:   size,
		mode:   parent.mode,
	}
	if parent.host != nil {
		b.host = parent.host[origin : origin+size]
	}
	sub := &Mem{ctx: m.ctx, variant: b}
	sub.init()
	m.Retain()
	memObjectsAlive.Add(1)
	return sub, nil
}

// Retain increments the reference count and returns the new count.
func (m *Mem) Retain() uint32 {
	return m.retain("Mem")
}

// Release decrements the reference count and returns the new count. At 0 the memory is freed and
// the context released. Sub-buffers release their parent instead.
func (m *Mem) Release() (uint32, error) {
	count := m.release("Mem")
	if count > 0 {
		return count, nil
	}
	memObjectsAlive.Add(-1)
	drv := m.ctx.drv
	switch v := m.variant.(type) {
	case *BufferMem:
		v.mu.Lock()
		if v.mapped != nil {
			klog.Warningf("Buffer of %d bytes destroyed while mapped", v.size)
			mapScratch.Return(v.scratch)
			v.mapped, v.scratch = nil, nil
		}
		v.mu.Unlock()
		if v.parent != nil {
			_, err := v.parent.Release()
			return 0, err
		}
		var err error
		switch v.mode {
		case AllocUseHostPtr:
			err = drv.MemHostUnregister(v.ptr)
		case AllocAllocHostPtr:
			err = drv.MemHostFree(v.ptr)
		default:
			err = drv.MemFree(v.ptr)
		}
		if err != nil {
			err = errors.WithMessagef(err, "failed to free %s buffer", v.mode)
		}
		_, errCtx := m.ctx.Release()
		return 0, firstError(err, errCtx)

	case *SurfaceMem:
		errSurface := drv.SurfaceObjectDestroy(v.surface)
		errArray := drv.ArrayDestroy(v.array)
		_, errCtx := m.ctx.Release()
		return 0, firstError(errSurface, errArray, errCtx)
	}
	exceptions.Panicf("unknown memory object variant %T", m.variant)
	return 0, nil
}

// Context of the memory object.
func (m *Mem) Context() *Context {
	return m.ctx
}

// Variant returns either a *BufferMem or a *SurfaceMem.
func (m *Mem) Variant() MemVariant {
	return m.variant
}

// Buffer returns the buffer variant, if the memory object is a buffer.
func (m *Mem) Buffer() (*BufferMem, bool) {
	b, ok := m.variant.(*BufferMem)
	return b, ok
}

// Surface returns the image variant, if the memory object is an image.
func (m *Mem) Surface() (*SurfaceMem, bool) {
	s, ok := m.variant.(*SurfaceMem)
	return s, ok
}

// String implements fmt.Stringer.
func (m *Mem) String() string {
	switch v := m.variant.(type) {
	case *BufferMem:
		if v.parent != nil {
			return fmt.Sprintf("SubBuffer(%d bytes)", v.size)
		}
		return fmt.Sprintf("Buffer(%s, %d bytes)", v.mode, v.size)
	case *SurfaceMem:
		return fmt.Sprintf("Image(%dD, %dx%dx%d)", v.imageType, v.desc.Width, v.desc.Height, v.desc.Depth)
	}
	return "Mem(?)"
}

// Size of the buffer in bytes.
func (b *BufferMem) Size() int {
	return b.size
}

// Ptr returns the device pointer to the start of the buffer.
func (b *BufferMem) Ptr() driver.DevicePtr {
	return b.ptr
}

// Host returns the host memory backing the buffer, or nil if it lives in device memory.
func (b *BufferMem) Host() []byte {
	return b.host
}

// Mode returns how the buffer was allocated.
func (b *BufferMem) Mode() AllocMode {
	return b.mode
}

// Parent returns the buffer of a sub-buffer, or nil.
func (b *BufferMem) Parent() *Mem {
	return b.parent
}

// IsMapped returns whether a region of the buffer is mapped.
func (b *BufferMem) IsMapped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mapped != nil
}

// MapToPtr returns the host memory of a mapping starting at offset.
//
// Buffers backed by host memory return it directly, starting at offset. Others return a scratch
// buffer the size of the whole buffer: its contents are filled by the map operation.
// Mapping a buffer already mapped panics.
func (b *BufferMem) MapToPtr(offset int, flags MapFlags) []byte {
	mapped, ok := b.tryMapToPtr(offset, b.size-offset, flags)
	if !ok {
		exceptions.Panicf("buffer of %d bytes mapped twice", b.size)
	}
	return mapped
}

// tryMapToPtr is like MapToPtr, but returns false if the buffer is already mapped. The check and
// the new mapping happen under the same lock.
func (b *BufferMem) tryMapToPtr(offset, size int, flags MapFlags) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mapped != nil {
		return nil, false
	}
	if b.host != nil {
		b.mapped = b.host[offset:]
	} else {
		b.scratch = mapScratch.Get(b.size)
		b.mapped = b.scratch.buf
	}
	b.mapOffset, b.mapSize, b.mapFlags = offset, size, flags
	return b.mapped, true
}

// beginUnmap claims the current mapping for an unmap operation and returns its region. It
// returns false if the buffer is not mapped, or another unmap already claimed it.
func (b *BufferMem) beginUnmap() (offset int, mapped []byte, flags MapFlags, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mapped == nil || b.unmapping {
		return 0, nil, 0, false
	}
	b.unmapping = true
	return b.mapOffset, b.mapped[:b.mapSize], b.mapFlags, true
}

// abortUnmap releases the claim of beginUnmap, leaving the buffer mapped.
func (b *BufferMem) abortUnmap() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unmapping = false
}

// Unmap ends the mapping returned by MapToPtr. Unmapping a buffer not mapped panics.
func (b *BufferMem) Unmap(mapped []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mapped == nil {
		exceptions.Panicf("buffer of %d bytes unmapped while not mapped", b.size)
	}
	if len(mapped) > 0 && (len(b.mapped) == 0 || &mapped[0] != &b.mapped[0]) {
		exceptions.Panicf("buffer unmapped with memory that doesn't match its mapping")
	}
	mapScratch.Return(b.scratch)
	b.mapped, b.scratch, b.unmapping = nil, nil, false
	b.mapOffset, b.mapSize, b.mapFlags = 0, 0, 0
}

// MapOffset returns the offset of the mapped region.
func (b *BufferMem) MapOffset() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mapOffset
}

// MapFlags returns the flags the buffer was mapped with.
func (b *BufferMem) MapFlags() MapFlags {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mapFlags
}

func (b *BufferMem) isZeroCopyMapped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.scratch == nil
}

// Array returns the native array backing the image.
func (s *SurfaceMem) Array() driver.Array {
	return s.array
}

// Surface returns the native surface kernels use to access the image.
func (s *SurfaceMem) Surface() driver.Surface {
	return s.surface
}

// ImageType returns the dimensionality of the image.
func (s *SurfaceMem) ImageType() ImageType {
	return s.imageType
}

// Descriptor of the image array.
func (s *SurfaceMem) Descriptor() driver.ArrayDescriptor {
	return s.desc
}
