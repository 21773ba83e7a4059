package sim

import (
	"slices"
	"sort"
	"sync"

	"github.com/gomlx/gohip/driver"
	"github.com/pkg/errors"
)

type allocKind int

const (
	allocDevice allocKind = iota
	allocHost
	allocRegistered
)

type allocation struct {
	base driver.DevicePtr
	data []byte
	kind allocKind
}

// memorySpace maps synthetic device pointers to host memory.
type memorySpace struct {
	mu          sync.RWMutex
	granularity int
	next        driver.DevicePtr
	allocs      []*allocation // Sorted by base, since next only grows.
	deviceBytes int64
}

func newMemorySpace(granularity int) *memorySpace {
	return &memorySpace{granularity: granularity, next: 0x1000_0000}
}

func (m *memorySpace) add(data []byte, kind allocKind) driver.DevicePtr {
	m.mu.Lock()
	defer m.mu.Unlock()
	base := m.next
	// Leave a gap of one granule between allocations, so off-by-one accesses are detected.
	span := (len(data) + m.granularity - 1) / m.granularity * m.granularity
	m.next += driver.DevicePtr(span + m.granularity)
	m.allocs = append(m.allocs, &allocation{base: base, data: data, kind: kind})
	if kind == allocDevice {
		m.deviceBytes += int64(len(data))
	}
	return base
}

func (m *memorySpace) remove(op string, ptr driver.DevicePtr, kind allocKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, found := slices.BinarySearchFunc(m.allocs, ptr, func(a *allocation, p driver.DevicePtr) int {
		switch {
		case a.base < p:
			return -1
		case a.base > p:
			return 1
		}
		return 0
	})
	if !found || m.allocs[idx].kind != kind {
		return errors.WithStack(driver.NewError(op, driver.ErrorInvalidValue, "pointer %#x is not the base of a matching allocation", uintptr(ptr)))
	}
	if kind == allocDevice {
		m.deviceBytes -= int64(len(m.allocs[idx].data))
	}
	m.allocs = slices.Delete(m.allocs, idx, idx+1)
	return nil
}

// resolve returns the host memory backing [ptr, ptr+size).
func (m *memorySpace) resolve(op string, ptr driver.DevicePtr, size int) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx := sort.Search(len(m.allocs), func(i int) bool { return m.allocs[i].base > ptr }) - 1
	if idx < 0 {
		return nil, errors.WithStack(driver.NewError(op, driver.ErrorInvalidValue, "invalid device pointer %#x", uintptr(ptr)))
	}
	a := m.allocs[idx]
	offset := int(ptr - a.base)
	if size < 0 || offset+size > len(a.data) {
		return nil, errors.WithStack(driver.NewError(op, driver.ErrorInvalidValue,
			"access of %d bytes at %#x (offset %d) out of allocation of %d bytes", size, uintptr(ptr), offset, len(a.data)))
	}
	return a.data[offset : offset+size], nil
}

func (m *memorySpace) count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.allocs)
}

func (m *memorySpace) usedDeviceBytes() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.deviceBytes
}

// MemAlloc implements driver.Driver.
func (d *Driver) MemAlloc(ctx driver.Context, size int) (driver.DevicePtr, error) {
	const op = "MemAlloc"
	if _, err := d.context(op, ctx); err != nil {
		return 0, err
	}
	if err := d.injectedFailure(op); err != nil {
		return 0, err
	}
	if size <= 0 {
		return 0, errors.WithStack(driver.NewError(op, driver.ErrorInvalidValue, "invalid allocation size %d", size))
	}
	if (d.config.MaxAllocationInBytes > 0 && size > d.config.MaxAllocationInBytes) ||
		(d.config.TotalMemoryInBytes > 0 && d.memory.usedDeviceBytes()+int64(size) > d.config.TotalMemoryInBytes) {
		return 0, errors.WithStack(driver.NewError(op, driver.ErrorOutOfMemory, "cannot allocate %d bytes", size))
	}
	return d.memory.add(make([]byte, size), allocDevice), nil
}

// MemFree implements driver.Driver.
func (d *Driver) MemFree(ptr driver.DevicePtr) error {
	return d.memory.remove("MemFree", ptr, allocDevice)
}

// MemHostAlloc implements driver.Driver.
func (d *Driver) MemHostAlloc(ctx driver.Context, size int) ([]byte, driver.DevicePtr, error) {
	const op = "MemHostAlloc"
	if _, err := d.context(op, ctx); err != nil {
		return nil, 0, err
	}
	if err := d.injectedFailure(op); err != nil {
		return nil, 0, err
	}
	if size <= 0 {
		return nil, 0, errors.WithStack(driver.NewError(op, driver.ErrorInvalidValue, "invalid allocation size %d", size))
	}
	host := alignedAlloc(size, HostAlignment)
	return host, d.memory.add(host, allocHost), nil
}

// MemHostFree implements driver.Driver.
func (d *Driver) MemHostFree(ptr driver.DevicePtr) error {
	return d.memory.remove("MemHostFree", ptr, allocHost)
}

// MemHostRegister implements driver.Driver.
func (d *Driver) MemHostRegister(ctx driver.Context, host []byte) (driver.DevicePtr, error) {
	const op = "MemHostRegister"
	if _, err := d.context(op, ctx); err != nil {
		return 0, err
	}
	if len(host) == 0 {
		return 0, errors.WithStack(driver.NewError(op, driver.ErrorInvalidValue, "empty host memory"))
	}
	return d.memory.add(host, allocRegistered), nil
}

// MemHostUnregister implements driver.Driver.
func (d *Driver) MemHostUnregister(ptr driver.DevicePtr) error {
	return d.memory.remove("MemHostUnregister", ptr, allocRegistered)
}

// AllocationsAlive returns the number of live allocations of any kind.
func (d *Driver) AllocationsAlive() int {
	return d.memory.count()
}

// ReadDeviceMemory copies device memory synchronously, without going through a stream. It is
// meant for tests.
func (d *Driver) ReadDeviceMemory(ptr driver.DevicePtr, size int) ([]byte, error) {
	mem, err := d.memory.resolve("ReadDeviceMemory", ptr, size)
	if err != nil {
		return nil, err
	}
	return slices.Clone(mem), nil
}

// MemcpyHtoD implements driver.Driver.
func (d *Driver) MemcpyHtoD(dst driver.DevicePtr, src []byte) error {
	mem, err := d.memory.resolve("MemcpyHtoD", dst, len(src))
	if err != nil {
		return err
	}
	copy(mem, src)
	return nil
}

// MemcpyHtoDAsync implements driver.Driver.
func (d *Driver) MemcpyHtoDAsync(dst driver.DevicePtr, src []byte, s driver.Stream) error {
	const op = "MemcpyHtoDAsync"
	st, err := d.stream(op, s)
	if err != nil {
		return err
	}
	mem, err := d.memory.resolve(op, dst, len(src))
	if err != nil {
		return err
	}
	st.enqueue(OpRecord{Kind: OpMemcpyHtoD}, func() error {
		copy(mem, src)
		return nil
	})
	return nil
}

// MemcpyDtoHAsync implements driver.Driver.
func (d *Driver) MemcpyDtoHAsync(dst []byte, src driver.DevicePtr, s driver.Stream) error {
	const op = "MemcpyDtoHAsync"
	st, err := d.stream(op, s)
	if err != nil {
		return err
	}
	mem, err := d.memory.resolve(op, src, len(dst))
	if err != nil {
		return err
	}
	st.enqueue(OpRecord{Kind: OpMemcpyDtoH}, func() error {
		copy(dst, mem)
		return nil
	})
	return nil
}

// MemcpyDtoDAsync implements driver.Driver.
func (d *Driver) MemcpyDtoDAsync(dst, src driver.DevicePtr, size int, s driver.Stream) error {
	const op = "MemcpyDtoDAsync"
	st, err := d.stream(op, s)
	if err != nil {
		return err
	}
	dstMem, err := d.memory.resolve(op, dst, size)
	if err != nil {
		return err
	}
	srcMem, err := d.memory.resolve(op, src, size)
	if err != nil {
		return err
	}
	st.enqueue(OpRecord{Kind: OpMemcpyDtoD}, func() error {
		copy(dstMem, srcMem)
		return nil
	})
	return nil
}

// MemsetAsync implements driver.Driver: it fills size bytes with the repeated pattern.
func (d *Driver) MemsetAsync(dst driver.DevicePtr, pattern []byte, size int, s driver.Stream) error {
	const op = "MemsetAsync"
	if len(pattern) == 0 || size%len(pattern) != 0 {
		return errors.WithStack(driver.NewError(op, driver.ErrorInvalidValue, "size %d is not a multiple of the pattern size %d", size, len(pattern)))
	}
	st, err := d.stream(op, s)
	if err != nil {
		return err
	}
	mem, err := d.memory.resolve(op, dst, size)
	if err != nil {
		return err
	}
	pattern = slices.Clone(pattern)
	st.enqueue(OpRecord{Kind: OpMemset}, func() error {
		for ii := 0; ii < size; ii += len(pattern) {
			copy(mem[ii:], pattern)
		}
		return nil
	})
	return nil
}
