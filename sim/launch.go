package sim

import (
	"encoding/binary"
	"math"
	"slices"

	"github.com/gomlx/gohip/driver"
	"github.com/pkg/errors"
)

// Launch is given to a KernelFunc with the parameters of a kernel launch.
type Launch struct {
	Name           string
	Grid, Block    [3]uint32
	SharedMemBytes uint32

	// Params holds a private copy of the parameters given at launch time.
	Params [][]byte

	driver *Driver
}

// GlobalSize returns the total number of threads in the given dimension.
func (l *Launch) GlobalSize(dim int) int {
	return int(l.Grid[dim]) * int(l.Block[dim])
}

// Memory returns the host memory backing the device memory [ptr, ptr+size).
func (l *Launch) Memory(ptr driver.DevicePtr, size int) ([]byte, error) {
	return l.driver.memory.resolve(l.Name, ptr, size)
}

func (l *Launch) param(index, size int) ([]byte, error) {
	if index < 0 || index >= len(l.Params) {
		return nil, errors.WithStack(driver.NewError(l.Name, driver.ErrorInvalidValue, "parameter %d not given (%d parameters)", index, len(l.Params)))
	}
	p := l.Params[index]
	if len(p) != size {
		return nil, errors.WithStack(driver.NewError(l.Name, driver.ErrorInvalidValue, "parameter %d has %d bytes, expected %d", index, len(p), size))
	}
	return p, nil
}

// PtrParam returns parameter index as a device pointer.
func (l *Launch) PtrParam(index int) (driver.DevicePtr, error) {
	p, err := l.param(index, 8)
	if err != nil {
		return 0, err
	}
	return driver.DevicePtr(binary.NativeEndian.Uint64(p)), nil
}

// Uint32Param returns parameter index as an uint32.
func (l *Launch) Uint32Param(index int) (uint32, error) {
	p, err := l.param(index, 4)
	if err != nil {
		return 0, err
	}
	return binary.NativeEndian.Uint32(p), nil
}

// Uint64Param returns parameter index as an uint64.
func (l *Launch) Uint64Param(index int) (uint64, error) {
	p, err := l.param(index, 8)
	if err != nil {
		return 0, err
	}
	return binary.NativeEndian.Uint64(p), nil
}

// Float32Param returns parameter index as a float32.
func (l *Launch) Float32Param(index int) (float32, error) {
	v, err := l.Uint32Param(index)
	return math.Float32frombits(v), err
}

// ImplicitOffset returns the three words of the implicit global offset, if given as the
// parameter following the last declared one. Otherwise, it returns zeros.
func (l *Launch) ImplicitOffset(numDeclared int) (offset [3]uint32) {
	if numDeclared >= len(l.Params) || len(l.Params[numDeclared]) != 12 {
		return
	}
	p := l.Params[numDeclared]
	for ii := range offset {
		offset[ii] = binary.NativeEndian.Uint32(p[4*ii:])
	}
	return
}

// LaunchKernel implements driver.Driver.
func (d *Driver) LaunchKernel(fn driver.Function, grid, block [3]uint32, sharedMemBytes uint32, s driver.Stream, params [][]byte) error {
	const op = "LaunchKernel"
	f, found := d.functions.lookup(uintptr(fn))
	if !found {
		return errors.WithStack(driver.NewError(op, driver.ErrorInvalidHandle, "unknown function handle %#x", uintptr(fn)))
	}
	st, err := d.stream(op, s)
	if err != nil {
		return err
	}
	if err := d.injectedFailure(op); err != nil {
		return err
	}
	threads := 1
	for ii := range block {
		if block[ii] == 0 || grid[ii] == 0 {
			return errors.WithStack(driver.NewError(op, driver.ErrorInvalidValue, "zero sized grid %v or block %v", grid, block))
		}
		if int(block[ii]) > d.config.MaxBlockDim[ii] {
			return errors.WithStack(driver.NewError(op, driver.ErrorLaunchOutOfResources, "block dimension %d of size %d exceeds %d", ii, block[ii], d.config.MaxBlockDim[ii]))
		}
		threads *= int(block[ii])
	}
	if threads > d.config.MaxThreadsPerBlock {
		return errors.WithStack(driver.NewError(op, driver.ErrorLaunchOutOfResources, "block of %d threads exceeds %d", threads, d.config.MaxThreadsPerBlock))
	}
	if int(sharedMemBytes) > d.config.MaxSharedMemPerBlock {
		return errors.WithStack(driver.NewError(op, driver.ErrorLaunchOutOfResources, "%d bytes of shared memory exceeds %d", sharedMemBytes, d.config.MaxSharedMemPerBlock))
	}
	if len(params) < f.spec.NumParams {
		return errors.WithStack(driver.NewError(op, driver.ErrorInvalidValue, "kernel %q takes %d parameters, %d given", f.spec.Name, f.spec.NumParams, len(params)))
	}

	launch := &Launch{
		Name:           f.spec.Name,
		Grid:           grid,
		Block:          block,
		SharedMemBytes: sharedMemBytes,
		Params:         make([][]byte, len(params)),
		driver:         d,
	}
	for ii, p := range params {
		launch.Params[ii] = slices.Clone(p)
	}
	st.enqueue(OpRecord{Kind: OpKernel, Function: f.spec.Name}, func() error {
		if err := f.impl(launch); err != nil {
			return errors.WithStack(driver.NewError(op, driver.ErrorLaunchFailure, "kernel %q: %v", f.spec.Name, err))
		}
		return nil
	})
	return nil
}
