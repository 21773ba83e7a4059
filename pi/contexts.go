package pi

import (
	"sync"

	"github.com/chewxy/math32"
	"github.com/gomlx/gohip/driver"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ContextKind is the kind of a Context. It is fixed at creation.
type ContextKind int

const (
	// ContextPrimary uses the primary context of the device, shared by all users of the device.
	ContextPrimary ContextKind = iota

	// ContextUserDefined creates a context owned by the caller.
	ContextUserDefined
)

// String implements fmt.Stringer.
func (k ContextKind) String() string {
	if k == ContextPrimary {
		return "Primary"
	}
	return "UserDefined"
}

// Context binds the objects created in it to a device.
//
// It retains its Device for its whole lifetime. Every Queue, Mem, Program, Kernel, Sampler and
// Event created in the context retains it.
type Context struct {
	refCount

	kind   ContextKind
	device *Device
	drv    driver.Driver
	native driver.Context

	// baseEvent is recorded at creation: profiling timestamps are relative to it.
	baseEvent driver.Event

	muDeleters sync.Mutex
	deleters   []func()
}

// CreateContext creates a context of the given kind on the device.
func (d *Device) CreateContext(kind ContextKind) (*Context, error) {
	drv := d.platform.drv
	var native driver.Context
	var err error
	switch kind {
	case ContextPrimary:
		native, err = drv.PrimaryContextRetain(d.native)
	case ContextUserDefined:
		native, err = drv.ContextCreate(d.native)
	default:
		return nil, newError(InvalidValue, "invalid context kind %d", kind)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create %s context on %s", kind, d)
	}
	c := &Context{kind: kind, device: d, drv: drv, native: native}
	c.init()

	c.baseEvent, err = drv.EventCreate(native, driver.EventDefault)
	if err == nil {
		err = drv.EventRecord(c.baseEvent, driver.NullStream)
		if err != nil {
			if errDestroy := drv.EventDestroy(c.baseEvent); errDestroy != nil {
				klog.Errorf("Failed to destroy base event of context: %+v", errDestroy)
			}
		}
	}
	if err != nil {
		if errRelease := c.releaseNative(); errRelease != nil {
			klog.Errorf("Failed to release context after failed creation: %+v", errRelease)
		}
		return nil, errors.WithMessagef(err, "failed to create base timing event of context on %s", d)
	}
	d.Retain()
	return c, nil
}

func (c *Context) releaseNative() error {
	if c.kind == ContextPrimary {
		return c.drv.PrimaryContextRelease(c.device.native)
	}
	return c.drv.ContextDestroy(c.native)
}

// Retain increments the reference count and returns the new count.
func (c *Context) Retain() uint32 {
	return c.retain("Context")
}

// Release decrements the reference count and returns the new count. At 0 the context is
// destroyed: the extended deleters are called, the native context is released and so is the
// device.
func (c *Context) Release() (uint32, error) {
	count := c.release("Context")
	if count > 0 {
		return count, nil
	}
	return 0, c.destroy()
}

func (c *Context) destroy() error {
	c.invokeExtendedDeleters()
	errEvent := c.drv.EventDestroy(c.baseEvent)
	if errEvent != nil {
		errEvent = errors.WithMessagef(errEvent, "failed to destroy base event of context")
	}
	errNative := c.releaseNative()
	if errNative != nil {
		errNative = errors.WithMessagef(errNative, "failed to release %s context", c.kind)
	}
	_, errDevice := c.device.Release()
	return firstError(errEvent, errNative, errDevice)
}

// SetExtendedDeleter registers a function to be called when the context is destroyed.
// Deleters are called in the order they were registered.
func (c *Context) SetExtendedDeleter(deleter func()) {
	c.muDeleters.Lock()
	defer c.muDeleters.Unlock()
	c.deleters = append(c.deleters, deleter)
}

func (c *Context) invokeExtendedDeleters() {
	c.muDeleters.Lock()
	defer c.muDeleters.Unlock()
	for _, deleter := range c.deleters {
		deleter()
	}
	c.deleters = nil
}

// Kind of the context.
func (c *Context) Kind() ContextKind {
	return c.kind
}

// Device of the context.
func (c *Context) Device() *Device {
	return c.device
}

// Driver used by the context.
func (c *Context) Driver() driver.Driver {
	return c.drv
}

// Native returns the driver handle of the context.
func (c *Context) Native() driver.Context {
	return c.native
}

// elapsedSinceBase returns the nanoseconds between the context creation and the (completed)
// native event.
func (c *Context) elapsedSinceBase(ev driver.Event) (uint64, error) {
	ms, err := c.drv.EventElapsedTime(c.baseEvent, ev)
	if err != nil {
		return 0, errors.WithMessagef(err, "failed to read event time")
	}
	if math32.IsNaN(ms) || math32.IsInf(ms, 0) || ms < 0 {
		return 0, newError(DriverFailure, "driver reported an invalid elapsed time of %g ms", ms)
	}
	return uint64(math32.Round(ms * 1e6)), nil
}
