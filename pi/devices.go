package pi

import (
	"fmt"

	"github.com/gomlx/gohip/driver"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Device is a device of a Platform.
//
// Devices are owned by their platform and live as long as the process: they are reference
// counted for symmetry with the other objects, but destroying them is a no-op.
type Device struct {
	refCount

	platform *Platform
	native   driver.Device
	ordinal  int
	name     string
	uuid     uuid.UUID

	maxThreadsPerBlock   int
	maxBlockDim          [3]int
	maxSharedMemPerBlock int
	computeUnits         int
	warpSize             int
	clockRateKHz         int
	totalMemory          int64
}

func newDevice(p *Platform, ordinal int) (*Device, error) {
	drv := p.drv
	native, err := drv.DeviceGet(ordinal)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to get device #%d", ordinal)
	}
	d := &Device{platform: p, native: native, ordinal: ordinal}
	d.init()
	if d.name, err = drv.DeviceName(native); err != nil {
		return nil, errors.WithMessagef(err, "failed to get name of device #%d", ordinal)
	}
	if d.uuid, err = drv.DeviceUUID(native); err != nil {
		return nil, errors.WithMessagef(err, "failed to get UUID of device #%d", ordinal)
	}
	if d.totalMemory, err = drv.DeviceTotalMem(native); err != nil {
		return nil, errors.WithMessagef(err, "failed to get total memory of device #%d", ordinal)
	}

	// Limits required for kernel launches.
	required := []struct {
		attr driver.DeviceAttribute
		dst  *int
	}{
		{driver.AttrMaxThreadsPerBlock, &d.maxThreadsPerBlock},
		{driver.AttrMaxBlockDimX, &d.maxBlockDim[0]},
		{driver.AttrMaxBlockDimY, &d.maxBlockDim[1]},
		{driver.AttrMaxBlockDimZ, &d.maxBlockDim[2]},
		{driver.AttrMaxSharedMemoryPerBlock, &d.maxSharedMemPerBlock},
	}
	for _, r := range required {
		if *r.dst, err = drv.DeviceAttribute(native, r.attr); err != nil {
			return nil, errors.WithMessagef(err, "failed to get attribute %d of device #%d", r.attr, ordinal)
		}
	}

	// Informative attributes: failures are not fatal.
	optional := []struct {
		attr driver.DeviceAttribute
		name string
		dst  *int
	}{
		{driver.AttrMultiprocessorCount, "compute units", &d.computeUnits},
		{driver.AttrWarpSize, "warp size", &d.warpSize},
		{driver.AttrClockRateKHz, "clock rate", &d.clockRateKHz},
	}
	for _, o := range optional {
		if *o.dst, err = drv.DeviceAttribute(native, o.attr); err != nil {
			klog.Errorf("Failed to get %s of device #%d: %v", o.name, ordinal, err)
		}
	}
	return d, nil
}

// Retain increments the reference count and returns the new count.
func (d *Device) Retain() uint32 {
	return d.retain("Device")
}

// Release decrements the reference count and returns the new count. The reference held by the
// platform is never released: releasing a device with a count of 1 is a no-op.
func (d *Device) Release() (uint32, error) {
	for {
		current := d.count.Load()
		if current <= 1 {
			return current, nil
		}
		if d.count.CompareAndSwap(current, current-1) {
			return current - 1, nil
		}
	}
}

// Platform owning the device.
func (d *Device) Platform() *Platform {
	return d.platform
}

// Native returns the driver handle of the device.
func (d *Device) Native() driver.Device {
	return d.native
}

// Ordinal of the device in its platform.
func (d *Device) Ordinal() int {
	return d.ordinal
}

// Name of the device as reported by the driver.
func (d *Device) Name() string {
	return d.name
}

// UUID of the device.
func (d *Device) UUID() uuid.UUID {
	return d.uuid
}

// MaxThreadsPerBlock is the maximum work-group size.
func (d *Device) MaxThreadsPerBlock() int {
	return d.maxThreadsPerBlock
}

// MaxBlockDim is the maximum work-group size in each dimension.
func (d *Device) MaxBlockDim() [3]int {
	return d.maxBlockDim
}

// MaxSharedMemPerBlock is the maximum local memory available to a work-group, in bytes.
func (d *Device) MaxSharedMemPerBlock() int {
	return d.maxSharedMemPerBlock
}

// ComputeUnits returns the number of multiprocessors, or 0 if unknown.
func (d *Device) ComputeUnits() int {
	return d.computeUnits
}

// WarpSize returns the number of threads in a warp, or 0 if unknown.
func (d *Device) WarpSize() int {
	return d.warpSize
}

// TotalMemory of the device in bytes.
func (d *Device) TotalMemory() int64 {
	return d.totalMemory
}

// Attributes returns the properties of the device as a NamedValuesMap.
func (d *Device) Attributes() NamedValuesMap {
	return NamedValuesMap{
		"name":                     d.name,
		"uuid":                     d.uuid.String(),
		"max_work_group_size":      int64(d.maxThreadsPerBlock),
		"max_work_item_sizes":      []int64{int64(d.maxBlockDim[0]), int64(d.maxBlockDim[1]), int64(d.maxBlockDim[2])},
		"local_mem_size":           int64(d.maxSharedMemPerBlock),
		"max_compute_units":        int64(d.computeUnits),
		"sub_group_size":           int64(d.warpSize),
		"max_clock_frequency_mhz":  int64(d.clockRateKHz / 1000),
		"global_mem_size":          d.totalMemory,
		"profiling_timer_ns":       int64(1),
		"supports_images":          true,
		"supports_implicit_offset": true,
	}
}

// String implements fmt.Stringer.
func (d *Device) String() string {
	return fmt.Sprintf("%s #%d %q", d.platform.name, d.ordinal, d.name)
}
