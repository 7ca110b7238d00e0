package bdev

import (
	"fmt"
	"sort"

	"golang.org/x/net/context"
)

// DriverFn makes a device from its driver parameters
type DriverFn func(ctx context.Context, name string, params map[string]any) (Device, error)

// drivers maps driver names to their constructors
var drivers = make(map[string]DriverFn)

// RegisterDriver makes a driver available under name. It is intended to be
// called from the init function of the driver's package.
func RegisterDriver(name string, fn DriverFn) {
	drivers[name] = fn
}

// DriverNames returns the names of the registered drivers
func DriverNames() []string {
	var names []string
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasDriver reports whether a driver is registered under name
func HasDriver(name string) bool {
	_, ok := drivers[name]
	return ok
}

// NewDevice builds a device named name with the given driver
func NewDevice(ctx context.Context, driver string, name string, params map[string]any) (Device, error) {
	fn, ok := drivers[driver]
	if !ok {
		return nil, fmt.Errorf("no such driver %s", driver)
	}
	dev, err := fn(ctx, name, params)
	if err != nil {
		return nil, fmt.Errorf("driver %s could not create %s: %w", driver, name, err)
	}
	return dev, nil
}
