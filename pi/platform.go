package pi

import (
	"fmt"
	"sync"

	"github.com/gomlx/gohip/driver"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// registeredDrivers and loadedPlatforms are protected by muPlatforms.
	registeredDrivers = make(map[string]driver.Driver)
	loadedPlatforms   = make(map[string]*Platform)
	muPlatforms       sync.Mutex
)

// RegisterDriver registers a driver under the given name, to be loaded with GetPlatform.
//
// It fails if a platform was already loaded under that name.
func RegisterDriver(name string, drv driver.Driver) error {
	if drv == nil {
		return errors.Errorf("RegisterDriver(%q) given a nil driver", name)
	}
	muPlatforms.Lock()
	defer muPlatforms.Unlock()
	if _, found := loadedPlatforms[name]; found {
		return errors.Errorf("platform %q already loaded, can't register a new driver for it", name)
	}
	registeredDrivers[name] = drv
	return nil
}

// AvailableDrivers returns the names of the registered drivers, sorted.
func AvailableDrivers() []string {
	muPlatforms.Lock()
	defer muPlatforms.Unlock()
	return sortedNames(registeredDrivers)
}

// GetPlatform returns the platform for the driver registered with the given name, initializing
// the driver on the first call.
//
// Platforms are singletons: GetPlatform returns the same *Platform for the same name.
func GetPlatform(name string) (*Platform, error) {
	muPlatforms.Lock()
	defer muPlatforms.Unlock()
	if p, found := loadedPlatforms[name]; found {
		return p, nil
	}
	drv, found := registeredDrivers[name]
	if !found {
		return nil, errors.Errorf("no driver registered for platform %q, registered drivers: %q", name, sortedNames(registeredDrivers))
	}
	p, err := newPlatform(name, drv)
	if err != nil {
		return nil, errors.WithMessagef(err, "initializing platform %q", name)
	}
	loadedPlatforms[name] = p
	return p, nil
}

// Platform represents an initialized driver and the devices it exposes.
type Platform struct {
	name       string
	drv        driver.Driver
	devices    []*Device
	attributes NamedValuesMap
}

func newPlatform(name string, drv driver.Driver) (*Platform, error) {
	if err := drv.Init(); err != nil {
		return nil, errors.WithMessagef(err, "failed to initialize driver %q", drv.Name())
	}
	p := &Platform{
		name:       name,
		drv:        drv,
		attributes: namedValuesFromAttributes(drv.Attributes()),
	}
	numDevices, err := drv.DeviceCount()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to count devices")
	}
	p.devices = make([]*Device, 0, numDevices)
	for ordinal := range numDevices {
		device, err := newDevice(p, ordinal)
		if err != nil {
			return nil, err
		}
		p.devices = append(p.devices, device)
	}
	klog.V(1).Infof("Loaded platform %s with %d devices", p, numDevices)
	return p, nil
}

// Name of the platform, as registered.
func (p *Platform) Name() string {
	return p.name
}

// Driver used by the platform.
func (p *Platform) Driver() driver.Driver {
	return p.drv
}

// Version of the driver.
func (p *Platform) Version() (major, minor int) {
	return p.drv.Version()
}

// Attributes returns the attributes reported by the driver at initialization.
func (p *Platform) Attributes() NamedValuesMap {
	return p.attributes
}

// Devices returns the devices of the platform. They are owned by the platform.
func (p *Platform) Devices() []*Device {
	return p.devices
}

// String implements fmt.Stringer.
func (p *Platform) String() string {
	major, minor := p.Version()
	return fmt.Sprintf("%s (%s v%d.%d)", p.name, p.drv.Name(), major, minor)
}
