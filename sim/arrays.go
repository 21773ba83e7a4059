package sim

import (
	"github.com/gomlx/gohip/driver"
	"github.com/pkg/errors"
)

type array struct {
	ctx  driver.Context
	desc driver.ArrayDescriptor
	data []byte

	// surfaces created on the array and not yet destroyed.
	surfaces int
}

// ArrayCreate implements driver.Driver.
func (d *Driver) ArrayCreate(ctx driver.Context, desc driver.ArrayDescriptor) (driver.Array, error) {
	const op = "ArrayCreate"
	if _, err := d.context(op, ctx); err != nil {
		return 0, err
	}
	if desc.Width <= 0 || desc.Height < 0 || desc.Depth < 0 || desc.NumChannels <= 0 || desc.NumChannels > 4 {
		return 0, errors.WithStack(driver.NewError(op, driver.ErrorInvalidValue, "invalid array descriptor %+v", desc))
	}
	if err := d.injectedFailure(op); err != nil {
		return 0, err
	}
	arr := &array{ctx: ctx, desc: desc, data: make([]byte, desc.SizeInBytes())}
	return driver.Array(d.arrays.register(arr)), nil
}

// ArrayDestroy implements driver.Driver.
func (d *Driver) ArrayDestroy(a driver.Array) error {
	arr, found := d.arrays.lookup(uintptr(a))
	if !found {
		return errors.WithStack(driver.NewError("ArrayDestroy", driver.ErrorInvalidHandle, "unknown array handle %#x", uintptr(a)))
	}
	d.mu.Lock()
	inUse := arr.surfaces > 0
	d.mu.Unlock()
	if inUse {
		return errors.WithStack(driver.NewError("ArrayDestroy", driver.ErrorInvalidValue, "array %#x still has surfaces", uintptr(a)))
	}
	d.arrays.unregister(uintptr(a))
	return nil
}

// MemcpyHtoA implements driver.Driver.
func (d *Driver) MemcpyHtoA(dst driver.Array, src []byte) error {
	arr, found := d.arrays.lookup(uintptr(dst))
	if !found {
		return errors.WithStack(driver.NewError("MemcpyHtoA", driver.ErrorInvalidHandle, "unknown array handle %#x", uintptr(dst)))
	}
	if len(src) > len(arr.data) {
		return errors.WithStack(driver.NewError("MemcpyHtoA", driver.ErrorInvalidValue, "copy of %d bytes into array of %d bytes", len(src), len(arr.data)))
	}
	copy(arr.data, src)
	return nil
}

// ArrayData returns the memory backing the array. It is meant for tests.
func (d *Driver) ArrayData(a driver.Array) []byte {
	arr, found := d.arrays.lookup(uintptr(a))
	if !found {
		return nil
	}
	return arr.data
}

// SurfaceObjectCreate implements driver.Driver.
func (d *Driver) SurfaceObjectCreate(a driver.Array) (driver.Surface, error) {
	arr, found := d.arrays.lookup(uintptr(a))
	if !found {
		return 0, errors.WithStack(driver.NewError("SurfaceObjectCreate", driver.ErrorInvalidHandle, "unknown array handle %#x", uintptr(a)))
	}
	d.mu.Lock()
	arr.surfaces++
	d.mu.Unlock()
	return driver.Surface(d.surfaces.register(arr)), nil
}

// SurfaceObjectDestroy implements driver.Driver.
func (d *Driver) SurfaceObjectDestroy(s driver.Surface) error {
	arr, found := d.surfaces.unregister(uintptr(s))
	if !found {
		return errors.WithStack(driver.NewError("SurfaceObjectDestroy", driver.ErrorInvalidHandle, "unknown surface handle %#x", uintptr(s)))
	}
	d.mu.Lock()
	arr.surfaces--
	d.mu.Unlock()
	return nil
}
