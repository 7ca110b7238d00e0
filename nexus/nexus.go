// Package nexus exposes a nexus (a block device aggregating one or more
// children) through exactly one front end protocol at a time, optionally
// interposing a crypto vbdev, and tears that exposure down again in the
// reverse order.
//
// A Nexus does no locking of its own: Share, Unshare and Destroy on the same
// nexus must be serialised by the caller.
package nexus

import (
	"fmt"
	"io"
	"log"

	"github.com/rclone/gonexus/bdev"
	"github.com/rclone/gonexus/completion"
	"golang.org/x/net/context"
)

// DeviceRegistry is the part of the device-chain registry a nexus uses
type DeviceRegistry interface {
	CreateCryptoDisk(base, name, flavour string, key []byte, done bdev.DoneFunc)
	DeleteCryptoDisk(dev bdev.Device, done bdev.DoneFunc)
	Lookup(name string) (bdev.Device, bool)
}

// NbdDisk is a device published through NBD
type NbdDisk interface {
	Path() string // where clients attach
	Destroy()     // unpublish, synchronously
}

// NbdExporter publishes devices through NBD
type NbdExporter interface {
	Create(ctx context.Context, name string) (NbdDisk, error)
}

// NbdExporterFunc adapts a function to NbdExporter
type NbdExporterFunc func(ctx context.Context, name string) (NbdDisk, error)

// Create implements NbdExporter
func (f NbdExporterFunc) Create(ctx context.Context, name string) (NbdDisk, error) {
	return f(ctx, name)
}

// IscsiTarget is a device published as an iSCSI target
type IscsiTarget interface {
	IQN() string                 // target qualified name
	Destroy(ctx context.Context) // log out sessions and remove the target, waiting for completion
}

// IscsiExporter publishes devices as iSCSI targets
type IscsiExporter interface {
	Create(ctx context.Context, name string) (IscsiTarget, error)
}

// IscsiExporterFunc adapts a function to IscsiExporter
type IscsiExporterFunc func(ctx context.Context, name string) (IscsiTarget, error)

// Create implements IscsiExporter
func (f IscsiExporterFunc) Create(ctx context.Context, name string) (IscsiTarget, error) {
	return f(ctx, name)
}

// Options holds the collaborators of a Nexus
type Options struct {
	Devices DeviceRegistry // required
	Nbd     NbdExporter    // nil disables sharing over NBD
	Iscsi   IscsiExporter  // nil disables sharing over iSCSI
	Logger  *log.Logger    // nil discards
}

// shareExport is the front end a nexus is currently published through: one
// of nbdExport or iscsiExport
type shareExport interface {
	protocol() ShareProtocol
}

type nbdExport struct {
	disk NbdDisk
}

func (nbdExport) protocol() ShareProtocol { return ShareNbd }

type iscsiExport struct {
	target IscsiTarget
}

func (iscsiExport) protocol() ShareProtocol { return ShareIscsi }

// Nexus is the share state of a nexus
type Nexus struct {
	name    string
	devices DeviceRegistry
	nbd     NbdExporter
	iscsi   IscsiExporter
	logger  *log.Logger

	shareProtocol ShareProtocol // ShareNone iff not exposed
	shareHandle   *string       // name of the device handed to the exporter
	export        shareExport   // the active front end

	reg *bdev.Registry // set by Create
}

// New returns the share controller for the nexus called name, whose device
// is already present in opts.Devices.
func New(name string, opts Options) *Nexus {
	if opts.Devices == nil {
		panic("nexus: Options.Devices is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Nexus{
		name:    name,
		devices: opts.Devices,
		nbd:     opts.Nbd,
		iscsi:   opts.Iscsi,
		logger:  logger,
	}
}

// Create builds the nexus device called name over children, registers it
// in reg and returns its share controller. If opts.Devices is unset reg is
// used.
func Create(ctx context.Context, name string, children []string, reg *bdev.Registry, opts Options) (*Nexus, error) {
	dev, err := newNexusBdev(name, children, reg)
	if err != nil {
		return nil, fmt.Errorf("nexus %s: %w", name, err)
	}
	if err := reg.Register(dev); err != nil {
		_ = dev.Close(ctx)
		return nil, fmt.Errorf("nexus %s: %w", name, err)
	}
	if opts.Devices == nil {
		opts.Devices = reg
	}
	n := New(name, opts)
	n.reg = reg
	n.logger.Printf("[INFO] Created nexus %s over %v (%d bytes)", name, children, dev.Size())
	return n, nil
}

// Destroy unshares the nexus if needed and removes its device from the
// registry it was created in.
func (n *Nexus) Destroy(ctx context.Context) error {
	if n.shareProtocol != ShareNone {
		if err := n.Unshare(ctx); err != nil {
			return err
		}
	}
	if n.reg == nil {
		return nil
	}
	s, r := completion.New()
	n.reg.Unregister(n.name, s.Done)
	if err := r.Wait(); err != nil {
		return fmt.Errorf("nexus %s: could not remove device: %w", n.name, err)
	}
	n.logger.Printf("[INFO] Destroyed nexus %s", n.name)
	return nil
}

// Name returns the name of the nexus
func (n *Nexus) Name() string {
	return n.name
}

// ShareProtocol returns the protocol the nexus is shared over, ShareNone
// when it is not shared
func (n *Nexus) ShareProtocol() ShareProtocol {
	return n.shareProtocol
}

// ShareHandle returns the name of the device handed to the exporter
func (n *Nexus) ShareHandle() (string, bool) {
	if n.shareHandle == nil {
		return "", false
	}
	return *n.shareHandle, true
}
