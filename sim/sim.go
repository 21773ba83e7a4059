// Package sim implements a simulated device driver (driver.Driver) that runs entirely in the Go
// process.
//
// Streams execute their operations in order, asynchronously with respect to the caller, each
// operation on its own goroutine chained to the previous one. Events capture a point in a stream
// and the time it was reached. Device memory is host memory addressed by synthetic device
// pointers. Modules are images encoded with EncodeModule, whose functions are implemented by Go
// functions registered with Driver.RegisterKernel.
//
// The driver also keeps a log of every operation issued to each stream (see Driver.StreamLog),
// which makes scheduling decisions of the runtime observable in tests.
package sim

import (
	"fmt"
	"sync"

	"github.com/gomlx/gohip/driver"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Target is the architecture name of the simulated devices. Module images built for another
// (non-empty) target fail to load.
const Target = "gfx-sim"

// Config of the simulated driver.
type Config struct {
	NumDevices int

	// DeviceName is formatted with the device ordinal.
	DeviceName string

	MaxThreadsPerBlock    int
	MaxBlockDim           [3]int
	MaxSharedMemPerBlock  int
	MultiprocessorCount   int
	WarpSize              int
	ClockRateKHz          int
	TotalMemoryInBytes    int64
	MaxAllocationInBytes  int
	AllocationGranularity int
}

// DefaultConfig returns the configuration of a single device modelled after a mid-range GPU.
func DefaultConfig() Config {
	return Config{
		NumDevices:            1,
		DeviceName:            "Simulated GPU #%d",
		MaxThreadsPerBlock:    1024,
		MaxBlockDim:           [3]int{1024, 1024, 1024},
		MaxSharedMemPerBlock:  64 * 1024,
		MultiprocessorCount:   60,
		WarpSize:              64,
		ClockRateKHz:          1_700_000,
		TotalMemoryInBytes:    16 << 30,
		MaxAllocationInBytes:  1 << 30,
		AllocationGranularity: 256,
	}
}

type simDevice struct {
	ordinal int
	name    string
	uuid    uuid.UUID

	// primary context and its reference count, guarded by Driver.mu.
	primary         driver.Context
	primaryRefCount int
}

type simContext struct {
	device    *simDevice
	isPrimary bool
}

// Driver is the simulated driver. Create it with New.
type Driver struct {
	config Config

	mu          sync.Mutex
	initialized bool
	devices     []*simDevice
	failures    map[string]driver.Status
	kernels     map[string]KernelFunc

	deviceHandles *handleTable[*simDevice]
	contexts      *handleTable[*simContext]
	streams       *handleTable[*stream]
	events        *handleTable[*event]
	modules       *handleTable[*module]
	functions     *handleTable[*function]
	arrays        *handleTable[*array]
	surfaces      *handleTable[*array]

	memory *memorySpace
}

// Assert Driver implements driver.Driver.
var _ driver.Driver = (*Driver)(nil)

// New creates a simulated driver with the given configuration.
func New(config Config) *Driver {
	if config.NumDevices <= 0 {
		config.NumDevices = 1
	}
	if config.DeviceName == "" {
		config.DeviceName = "Simulated GPU #%d"
	}
	if config.AllocationGranularity <= 0 {
		config.AllocationGranularity = 256
	}
	return &Driver{
		config:        config,
		failures:      make(map[string]driver.Status),
		kernels:       make(map[string]KernelFunc),
		deviceHandles: newHandleTable[*simDevice](),
		contexts:      newHandleTable[*simContext](),
		streams:       newHandleTable[*stream](),
		events:        newHandleTable[*event](),
		modules:       newHandleTable[*module](),
		functions:     newHandleTable[*function](),
		arrays:        newHandleTable[*array](),
		surfaces:      newHandleTable[*array](),
		memory:        newMemorySpace(config.AllocationGranularity),
	}
}

// FailNext makes the next call to the driver operation named op (e.g. "StreamCreate") fail with
// the given status. It is used to exercise error paths.
func (d *Driver) FailNext(op string, status driver.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[op] = status
}

// injectedFailure returns the error registered with FailNext for op, if any, and clears it.
func (d *Driver) injectedFailure(op string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	status, found := d.failures[op]
	if !found {
		return nil
	}
	delete(d.failures, op)
	return errors.WithStack(driver.NewError(op, status, "injected failure"))
}

// Name implements driver.Driver.
func (d *Driver) Name() string {
	return "HIP (simulated)"
}

// Version implements driver.Driver.
func (d *Driver) Version() (major, minor int) {
	return 5, 7
}

// Init implements driver.Driver.
func (d *Driver) Init() error {
	if err := d.injectedFailure("Init"); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.initialized {
		return nil
	}
	for ordinal := range d.config.NumDevices {
		dev := &simDevice{
			ordinal: ordinal,
			name:    fmt.Sprintf(d.config.DeviceName, ordinal),
			uuid:    uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("gohip/sim/%s/%d", Target, ordinal))),
		}
		d.devices = append(d.devices, dev)
	}
	d.initialized = true
	klog.V(1).Infof("sim: initialized driver with %d devices", len(d.devices))
	return nil
}

// Attributes implements driver.Driver.
func (d *Driver) Attributes() map[string]any {
	return map[string]any{
		"target":       Target,
		"num_devices":  int64(d.config.NumDevices),
		"simulated":    true,
		"api_versions": []int64{5, 7},
	}
}

func (d *Driver) checkInitialized(op string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return errors.WithStack(driver.NewError(op, driver.ErrorNotInitialized, "driver not initialized"))
	}
	return nil
}

// DeviceCount implements driver.Driver.
func (d *Driver) DeviceCount() (int, error) {
	if err := d.checkInitialized("DeviceCount"); err != nil {
		return 0, err
	}
	return len(d.devices), nil
}

// DeviceGet implements driver.Driver.
func (d *Driver) DeviceGet(ordinal int) (driver.Device, error) {
	if err := d.checkInitialized("DeviceGet"); err != nil {
		return 0, err
	}
	if ordinal < 0 || ordinal >= len(d.devices) {
		return 0, errors.WithStack(driver.NewError("DeviceGet", driver.ErrorInvalidDevice, "ordinal %d out of range", ordinal))
	}
	return driver.Device(d.deviceHandles.register(d.devices[ordinal])), nil
}

func (d *Driver) device(op string, dev driver.Device) (*simDevice, error) {
	simDev, found := d.deviceHandles.lookup(uintptr(dev))
	if !found {
		return nil, errors.WithStack(driver.NewError(op, driver.ErrorInvalidDevice, "unknown device handle %#x", uintptr(dev)))
	}
	return simDev, nil
}

// DeviceName implements driver.Driver.
func (d *Driver) DeviceName(dev driver.Device) (string, error) {
	simDev, err := d.device("DeviceName", dev)
	if err != nil {
		return "", err
	}
	return simDev.name, nil
}

// DeviceUUID implements driver.Driver.
func (d *Driver) DeviceUUID(dev driver.Device) (uuid.UUID, error) {
	simDev, err := d.device("DeviceUUID", dev)
	if err != nil {
		return uuid.Nil, err
	}
	return simDev.uuid, nil
}

// DeviceAttribute implements driver.Driver.
func (d *Driver) DeviceAttribute(dev driver.Device, attr driver.DeviceAttribute) (int, error) {
	if _, err := d.device("DeviceAttribute", dev); err != nil {
		return 0, err
	}
	if err := d.injectedFailure("DeviceAttribute"); err != nil {
		return 0, err
	}
	switch attr {
	case driver.AttrMaxThreadsPerBlock:
		return d.config.MaxThreadsPerBlock, nil
	case driver.AttrMaxBlockDimX:
		return d.config.MaxBlockDim[0], nil
	case driver.AttrMaxBlockDimY:
		return d.config.MaxBlockDim[1], nil
	case driver.AttrMaxBlockDimZ:
		return d.config.MaxBlockDim[2], nil
	case driver.AttrMaxSharedMemoryPerBlock:
		return d.config.MaxSharedMemPerBlock, nil
	case driver.AttrMultiprocessorCount:
		return d.config.MultiprocessorCount, nil
	case driver.AttrWarpSize:
		return d.config.WarpSize, nil
	case driver.AttrClockRateKHz:
		return d.config.ClockRateKHz, nil
	}
	return 0, errors.WithStack(driver.NewError("DeviceAttribute", driver.ErrorInvalidValue, "unknown attribute %d", attr))
}

// DeviceTotalMem implements driver.Driver.
func (d *Driver) DeviceTotalMem(dev driver.Device) (int64, error) {
	if _, err := d.device("DeviceTotalMem", dev); err != nil {
		return 0, err
	}
	return d.config.TotalMemoryInBytes, nil
}

// PrimaryContextRetain implements driver.Driver.
func (d *Driver) PrimaryContextRetain(dev driver.Device) (driver.Context, error) {
	simDev, err := d.device("PrimaryContextRetain", dev)
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if simDev.primaryRefCount == 0 {
		simDev.primary = driver.Context(d.contexts.register(&simContext{device: simDev, isPrimary: true}))
	}
	simDev.primaryRefCount++
	return simDev.primary, nil
}

// PrimaryContextRelease implements driver.Driver.
func (d *Driver) PrimaryContextRelease(dev driver.Device) error {
	simDev, err := d.device("PrimaryContextRelease", dev)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if simDev.primaryRefCount == 0 {
		return errors.WithStack(driver.NewError("PrimaryContextRelease", driver.ErrorInvalidContext, "primary context of device %d not retained", simDev.ordinal))
	}
	simDev.primaryRefCount--
	if simDev.primaryRefCount == 0 {
		d.contexts.unregister(uintptr(simDev.primary))
		simDev.primary = 0
	}
	return nil
}

// ContextCreate implements driver.Driver.
func (d *Driver) ContextCreate(dev driver.Device) (driver.Context, error) {
	simDev, err := d.device("ContextCreate", dev)
	if err != nil {
		return 0, err
	}
	if err := d.injectedFailure("ContextCreate"); err != nil {
		return 0, err
	}
	return driver.Context(d.contexts.register(&simContext{device: simDev})), nil
}

// ContextDestroy implements driver.Driver.
func (d *Driver) ContextDestroy(ctx driver.Context) error {
	simCtx, found := d.contexts.lookup(uintptr(ctx))
	if !found || simCtx.isPrimary {
		return errors.WithStack(driver.NewError("ContextDestroy", driver.ErrorInvalidContext, "unknown or primary context %#x", uintptr(ctx)))
	}
	d.contexts.unregister(uintptr(ctx))
	return nil
}

func (d *Driver) context(op string, ctx driver.Context) (*simContext, error) {
	simCtx, found := d.contexts.lookup(uintptr(ctx))
	if !found {
		return nil, errors.WithStack(driver.NewError(op, driver.ErrorInvalidContext, "unknown context handle %#x", uintptr(ctx)))
	}
	return simCtx, nil
}

// ContextsAlive returns the number of live contexts, including primary ones.
func (d *Driver) ContextsAlive() int {
	return d.contexts.count()
}
