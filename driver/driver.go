// Package driver defines the boundary between the gohip runtime object model (package pi) and the
// underlying device driver.
//
// All native objects are exposed as opaque handles: the runtime never looks inside them, it only
// passes them back to the Driver. Most calls on streams are asynchronous: they return as soon as
// the work is queued, and completion is observed through events.
//
// See package sim for a complete in-process implementation.
package driver

import (
	"github.com/google/uuid"
)

// Opaque native handles. The zero value is the "null" handle.
type (
	Device    uintptr
	Context   uintptr
	Stream    uintptr
	Event     uintptr
	Module    uintptr
	Function  uintptr
	Array     uintptr
	Surface   uintptr
	DevicePtr uintptr
)

// NullStream is the default (legacy) stream of a device.
const NullStream Stream = 0

// Offset returns the device pointer advanced by offset bytes.
func (p DevicePtr) Offset(offset int) DevicePtr {
	return p + DevicePtr(offset)
}

// EventFlags configure event creation.
type EventFlags uint32

const (
	EventDefault       EventFlags = 0
	EventDisableTiming EventFlags = 1 << 1
)

// StreamFlags configure stream creation.
type StreamFlags uint32

const (
	StreamDefault     StreamFlags = 0
	StreamNonBlocking StreamFlags = 1
)

// DeviceAttribute identifies a queryable device property.
type DeviceAttribute int

const (
	AttrMaxThreadsPerBlock DeviceAttribute = iota
	AttrMaxBlockDimX
	AttrMaxBlockDimY
	AttrMaxBlockDimZ
	AttrMaxSharedMemoryPerBlock
	AttrMultiprocessorCount
	AttrWarpSize
	AttrClockRateKHz
)

// ArrayFormat is the channel type of an array (image) allocation.
type ArrayFormat int

const (
	ArrayFormatUint8 ArrayFormat = iota
	ArrayFormatUint16
	ArrayFormatUint32
	ArrayFormatInt8
	ArrayFormatInt16
	ArrayFormatInt32
	ArrayFormatHalf
	ArrayFormatFloat
)

// Size returns the number of bytes of one channel.
func (f ArrayFormat) Size() int {
	switch f {
	case ArrayFormatUint8, ArrayFormatInt8:
		return 1
	case ArrayFormatUint16, ArrayFormatInt16, ArrayFormatHalf:
		return 2
	default:
		return 4
	}
}

// ArrayDescriptor describes an array allocation backing an image. Height and Depth are 0 for
// lower dimensional arrays.
type ArrayDescriptor struct {
	Width, Height, Depth int
	Format               ArrayFormat
	NumChannels          int
}

// SizeInBytes returns the total size of the array described.
func (d ArrayDescriptor) SizeInBytes() int {
	return max(d.Width, 1) * max(d.Height, 1) * max(d.Depth, 1) * d.NumChannels * d.Format.Size()
}

// JITOptions are passed to module loading, and the driver fills the logs.
type JITOptions struct {
	// Options as given by the user to the program build.
	Options string

	// MaxLogSize is the size of the log buffers: drivers truncate longer logs.
	MaxLogSize int

	InfoLog, ErrorLog string
}

// Driver is implemented by device drivers. Implementations must be safe for concurrent use.
type Driver interface {
	// Name of the driver platform, e.g. "HIP".
	Name() string

	// Version of the driver.
	Version() (major, minor int)

	// Init initializes the driver. It is called once before any other call.
	Init() error

	// Attributes reported by the driver at initialization.
	Attributes() map[string]any

	DeviceCount() (int, error)
	DeviceGet(ordinal int) (Device, error)
	DeviceName(dev Device) (string, error)
	DeviceUUID(dev Device) (uuid.UUID, error)
	DeviceAttribute(dev Device, attr DeviceAttribute) (int, error)
	DeviceTotalMem(dev Device) (int64, error)

	PrimaryContextRetain(dev Device) (Context, error)
	PrimaryContextRelease(dev Device) error
	ContextCreate(dev Device) (Context, error)
	ContextDestroy(ctx Context) error

	StreamCreate(ctx Context, flags StreamFlags) (Stream, error)
	StreamDestroy(s Stream) error
	StreamSynchronize(s Stream) error
	StreamWaitEvent(s Stream, e Event) error

	EventCreate(ctx Context, flags EventFlags) (Event, error)
	EventRecord(e Event, s Stream) error
	// EventQuery returns whether all work captured by the last record of the event has completed.
	// It never blocks.
	EventQuery(e Event) (bool, error)
	EventSynchronize(e Event) error
	// EventElapsedTime returns the time in milliseconds between two recorded and completed events.
	EventElapsedTime(start, end Event) (float32, error)
	EventDestroy(e Event) error

	ModuleLoadData(ctx Context, image []byte, opts *JITOptions) (Module, error)
	ModuleUnload(m Module) error
	ModuleGetFunction(m Module, name string) (Function, error)
	// LaunchKernel enqueues the function on the stream. Params holds one byte slice per kernel
	// parameter; drivers copy them before returning.
	LaunchKernel(fn Function, grid, block [3]uint32, sharedMemBytes uint32, s Stream, params [][]byte) error

	MemAlloc(ctx Context, size int) (DevicePtr, error)
	MemFree(ptr DevicePtr) error
	// MemHostAlloc allocates page-locked host memory that is also addressable from the device.
	MemHostAlloc(ctx Context, size int) ([]byte, DevicePtr, error)
	MemHostFree(ptr DevicePtr) error
	// MemHostRegister makes host memory addressable from the device, without copying it.
	MemHostRegister(ctx Context, host []byte) (DevicePtr, error)
	MemHostUnregister(ptr DevicePtr) error

	MemcpyHtoD(dst DevicePtr, src []byte) error
	MemcpyHtoDAsync(dst DevicePtr, src []byte, s Stream) error
	// MemcpyDtoHAsync copies into dst once the stream reaches the copy: dst must not be touched
	// until the stream is synchronized.
	MemcpyDtoHAsync(dst []byte, src DevicePtr, s Stream) error
	MemcpyDtoDAsync(dst, src DevicePtr, size int, s Stream) error
	MemsetAsync(dst DevicePtr, pattern []byte, size int, s Stream) error

	ArrayCreate(ctx Context, desc ArrayDescriptor) (Array, error)
	ArrayDestroy(arr Array) error
	MemcpyHtoA(dst Array, src []byte) error
	SurfaceObjectCreate(arr Array) (Surface, error)
	SurfaceObjectDestroy(surf Surface) error
}
