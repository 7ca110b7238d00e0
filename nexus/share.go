package nexus

import (
	"errors"
	"fmt"

	"golang.org/x/net/context"
)

// Share publishes the nexus over protocol and returns where clients attach:
// the NBD path or the iSCSI target name.
//
// If key is not empty a crypto vbdev keyed with it is interposed first and
// that is what gets published. Should publishing fail after the crypto vbdev
// was created, the vbdev stays registered and the nexus keeps protocol as its
// share protocol without a share handle.
func (n *Nexus) Share(ctx context.Context, protocol ShareProtocol, key string) (string, error) {
	if n.export != nil {
		return "", &Error{Kind: KindAlreadyShared, Name: n.name}
	}
	if n.shareHandle != nil {
		panic(fmt.Sprintf("nexus %s: share handle %q was never cleared", n.name, *n.shareHandle))
	}

	if _, err := validateFrontendProtocol(n.name, protocol); err != nil {
		return "", err
	}
	if protocol == ShareNvmf {
		return "", invalidShareProtocol(n.name, protocol)
	}

	n.shareProtocol = protocol

	name := n.name
	if key != "" {
		var err error
		if name, err = n.createCryptoBdev(key); err != nil {
			return "", err
		}
	}

	// The share handle is the device actually exported.
	n.logger.Printf("[DEBUG] Creating share handle for %s", name)

	switch n.shareProtocol {
	case ShareNbd:
		disk, err := n.createNbdDisk(ctx, name)
		if err != nil {
			return "", &Error{Kind: KindShareNexus, Name: n.name, Err: err}
		}
		n.shareHandle = &name
		n.export = nbdExport{disk: disk}
		n.logger.Printf("[INFO] Nexus %s shared over NBD at %s", n.name, disk.Path())
		return disk.Path(), nil
	case ShareIscsi:
		target, err := n.createIscsiTarget(ctx, name)
		if err != nil {
			return "", &Error{Kind: KindShareIscsiNexus, Name: n.name, Err: err}
		}
		n.shareHandle = &name
		n.export = iscsiExport{target: target}
		n.logger.Printf("[INFO] Nexus %s shared over iSCSI as %s", n.name, target.IQN())
		return target.IQN(), nil
	default:
		return "", invalidShareProtocol(n.name, n.shareProtocol)
	}
}

func (n *Nexus) createNbdDisk(ctx context.Context, name string) (NbdDisk, error) {
	if n.nbd == nil {
		return nil, errors.New("no NBD exporter configured")
	}
	return n.nbd.Create(ctx, name)
}

func (n *Nexus) createIscsiTarget(ctx context.Context, name string) (IscsiTarget, error) {
	if n.iscsi == nil {
		return nil, errors.New("no iSCSI exporter configured")
	}
	return n.iscsi.Create(ctx, name)
}

// Unshare undoes Share. The device chain is claimed from the top by the
// exporter, so the export goes first and then the chain is unwound from
// there.
func (n *Nexus) Unshare(ctx context.Context) error {
	if _, err := validateFrontendProtocol(n.name, n.shareProtocol); err != nil {
		return &Error{Kind: KindNotShared, Name: n.name}
	}

	switch n.shareProtocol {
	case ShareNbd:
		e, ok := n.export.(nbdExport)
		if !ok {
			return &Error{Kind: KindNotShared, Name: n.name}
		}
		n.export = nil
		e.disk.Destroy()
	case ShareIscsi:
		e, ok := n.export.(iscsiExport)
		if !ok {
			return &Error{Kind: KindNotShared, Name: n.name}
		}
		n.export = nil
		e.target.Destroy(ctx)
	default:
		return invalidShareProtocol(n.name, n.shareProtocol)
	}
	n.shareProtocol = ShareNone

	if n.shareHandle == nil {
		panic(fmt.Sprintf("nexus %s: shared without a share handle", n.name))
	}
	handle := *n.shareHandle
	n.shareHandle = nil
	n.logger.Printf("[INFO] Nexus %s unshared", n.name)

	dev, ok := n.devices.Lookup(handle)
	if !ok {
		n.logger.Printf("[WARN] Missing bdev %s for a shared device", handle)
		return nil
	}
	// a handle naming the nexus itself means there is nothing on top
	if dev.Name() == n.name {
		return nil
	}
	return n.destroyCryptoBdev(dev)
}

// GetSharePath returns the NBD path the nexus is shared at. Nexuses shared
// over other protocols report no path; see ShareInfo.
func (n *Nexus) GetSharePath() (string, bool) {
	e, ok := n.export.(nbdExport)
	if !ok {
		return "", false
	}
	return e.disk.Path(), true
}

// ShareInfo describes how a nexus is shared
type ShareInfo struct {
	Protocol ShareProtocol
	Handle   string // exported device
	Path     string // set for ShareNbd
	IQN      string // set for ShareIscsi
}

// ShareInfo reports the active export whatever its protocol. Protocol is
// ShareNone when nothing is exported.
func (n *Nexus) ShareInfo() ShareInfo {
	var info ShareInfo
	switch e := n.export.(type) {
	case nbdExport:
		info.Path = e.disk.Path()
	case iscsiExport:
		info.IQN = e.target.IQN()
	default:
		return info
	}
	info.Protocol = n.export.protocol()
	info.Handle, _ = n.ShareHandle()
	return info
}
