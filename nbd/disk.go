package nbd

import (
	"fmt"
	"sync"

	"github.com/rclone/gonexus/bdev"
	"golang.org/x/net/context"
)

// Exporter publishes devices of a registry through a Server
type Exporter struct {
	server  *Server
	devices *bdev.Registry
}

// Disk is a device published by an Exporter
type Disk struct {
	server *Server
	export *Export
	path   string
	once   sync.Once
}

// NewExporter returns an exporter publishing devices of devices on server
func NewExporter(server *Server, devices *bdev.Registry) *Exporter {
	return &Exporter{
		server:  server,
		devices: devices,
	}
}

// Create publishes the device called name as an export of the same name.
// The device is held open until the Disk is destroyed.
func (x *Exporter) Create(ctx context.Context, name string) (*Disk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d, err := x.devices.Open(name)
	if err != nil {
		return nil, fmt.Errorf("nbd: open %s: %w", name, err)
	}
	e, err := NewExport(d, false)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("nbd: %w", err)
	}
	if err := x.server.AddExport(e); err != nil {
		d.Close()
		return nil, fmt.Errorf("nbd: export %s: %w", name, err)
	}
	path, err := x.server.URI(name)
	if err != nil {
		_ = x.server.RemoveExport(name)
		d.Close()
		return nil, fmt.Errorf("nbd: %w", err)
	}
	return &Disk{
		server: x.server,
		export: e,
		path:   path,
	}, nil
}

// Path returns the NBD URI clients attach to
func (d *Disk) Path() string {
	return d.path
}

// Name returns the name of the export
func (d *Disk) Name() string {
	return d.export.name
}

// Destroy unpublishes the disk. Connections to it are closed and the device
// is released before it returns.
func (d *Disk) Destroy() {
	d.once.Do(func() {
		if err := d.server.RemoveExport(d.export.name); err != nil {
			d.server.logger.Printf("[WARN] Export %s already removed: %v", d.export.name, err)
		}
		d.export.desc.Close()
	})
}
