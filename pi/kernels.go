package pi

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gomlx/gohip/driver"
	"github.com/gomlx/gohip/dtypes"
	"github.com/pkg/errors"
)

// offsetFunctionSuffix is appended to the name of a kernel for its variant taking the global
// offset as a trailing implicit argument.
const offsetFunctionSuffix = "_with_offset"

var kernelsAlive atomic.Int64

// KernelsAlive returns the number of kernels created and not yet destroyed.
func KernelsAlive() int64 {
	return kernelsAlive.Load()
}

// Kernel is a function of a built Program, with its arguments.
//
// Setting arguments and launching the kernel are serialized by the kernel.
type Kernel struct {
	refCount

	program *Program
	ctx     *Context
	name    string

	function driver.Function
	// withOffset is the variant taking the implicit offset, or 0 if the module doesn't have one.
	withOffset driver.Function

	mu   sync.Mutex
	args *ArgumentTable
}

// CreateKernel returns the kernel with the given name. The program must have been built.
func (p *Program) CreateKernel(name string) (*Kernel, error) {
	module, err := p.builtModule()
	if err != nil {
		return nil, err
	}
	drv := p.ctx.drv
	fn, err := drv.ModuleGetFunction(module, name)
	if err != nil {
		if isDriverStatus(err, driver.ErrorNotFound) {
			return nil, errors.WithMessagef(newError(InvalidKernelName, "kernel %q not found in program", name), "%v", err)
		}
		return nil, errors.WithMessagef(err, "failed to get kernel %q", name)
	}
	withOffset, err := drv.ModuleGetFunction(module, name+offsetFunctionSuffix)
	if err != nil {
		if !isDriverStatus(err, driver.ErrorNotFound) {
			return nil, errors.WithMessagef(err, "failed to get kernel %q", name+offsetFunctionSuffix)
		}
		withOffset = 0
	}
	k := &Kernel{
		program:    p,
		ctx:        p.ctx,
		name:       name,
		function:   fn,
		withOffset: withOffset,
		args:       NewArgumentTable(),
	}
	k.init()
	p.Retain()
	p.ctx.Retain()
	kernelsAlive.Add(1)
	return k, nil
}

func isDriverStatus(err error, status driver.Status) bool {
	var drvErr *driver.Error
	return errors.As(err, &drvErr) && drvErr.Status == status
}

// Retain increments the reference count and returns the new count.
func (k *Kernel) Retain() uint32 {
	return k.retain("Kernel")
}

// Release decrements the reference count and returns the new count. At 0 the program and
// context are released.
func (k *Kernel) Release() (uint32, error) {
	count := k.release("Kernel")
	if count > 0 {
		return count, nil
	}
	kernelsAlive.Add(-1)
	_, errProgram := k.program.Release()
	_, errCtx := k.ctx.Release()
	return 0, firstError(errProgram, errCtx)
}

// Name of the kernel.
func (k *Kernel) Name() string {
	return k.name
}

// Program of the kernel.
func (k *Kernel) Program() *Program {
	return k.program
}

// Context of the kernel.
func (k *Kernel) Context() *Context {
	return k.ctx
}

// HasOffsetFunction returns whether the kernel can be launched with a non-zero global offset.
func (k *Kernel) HasOffsetFunction() bool {
	return k.withOffset != 0
}

// NumArgs returns the number of arguments set.
func (k *Kernel) NumArgs() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.args.NumArgs()
}

// LocalSize returns the local memory used by the local memory arguments set.
func (k *Kernel) LocalSize() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.args.LocalSize()
}

// SetArg sets argument index to a copy of value.
func (k *Kernel) SetArg(index int, value []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.args.AddArg(index, value, 0)
}

// SetLocalArg sets argument index to a local memory allocation of size bytes.
func (k *Kernel) SetLocalArg(index, size int) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.args.AddLocalArg(index, size)
}

// SetScalarArg sets argument index of the kernel to the value.
func SetScalarArg[T dtypes.Supported](k *Kernel, index int, value T) error {
	return k.SetArg(index, dtypes.ToBytes(value))
}

// SetMemArg sets argument index to the memory object: the device pointer of buffers, or the surface
// of images.
func (k *Kernel) SetMemArg(index int, m *Mem) error {
	if m == nil {
		return newError(InvalidMemObject, "nil memory object for argument %d of kernel %q", index, k.name)
	}
	var value [8]byte
	switch v := m.variant.(type) {
	case *BufferMem:
		binary.NativeEndian.PutUint64(value[:], uint64(v.ptr))
	case *SurfaceMem:
		binary.NativeEndian.PutUint64(value[:], uint64(v.surface))
	default:
		return newError(InvalidMemObject, "unknown memory object %T", m.variant)
	}
	return k.SetArg(index, value[:])
}

// SetSamplerArg sets argument index to the properties of the sampler.
func (k *Kernel) SetSamplerArg(index int, s *Sampler) error {
	if s == nil {
		return newError(InvalidValue, "nil sampler for argument %d of kernel %q", index, k.name)
	}
	var value [4]byte
	binary.NativeEndian.PutUint32(value[:], s.props)
	return k.SetArg(index, value[:])
}

// String implements fmt.Stringer.
func (k *Kernel) String() string {
	return fmt.Sprintf("Kernel(%q)", k.name)
}
