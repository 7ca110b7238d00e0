package nbd

import (
	"fmt"

	"github.com/rclone/gonexus/bdev"
)

// Block sizes advertised to clients
const (
	DefaultPreferredBlockSize = 4096
	DefaultMaximumBlockSize   = 32 * 1024 * 1024
)

// Export is details of an export
type Export struct {
	desc               *bdev.Descriptor // the published device, held open
	size               uint64           // size in bytes
	minimumBlockSize   uint64           // minimum block size
	preferredBlockSize uint64           // preferred block size
	maximumBlockSize   uint64           // maximum block size
	exportFlags        uint16           // export flags in NBD format
	name               string           // name of the export
	description        string           // description of the export
	readonly           bool             // true if read only

	conns map[*Connection]struct{} // connections transmitting to this export, protected by Server.mu
}

// round a uint64 up to the next power of two
func roundUpToNextPowerOfTwo(x uint64) uint64 {
	var r uint64 = 1
	for i := 0; i < 64; i++ {
		if x <= r {
			return r
		}
		r = r << 1
	}
	return 0 // won't fit in uint64 :-(
}

// NewExport describes the device open in d as an export named after it.
// The export takes over the descriptor.
func NewExport(d *bdev.Descriptor, readonly bool) (*Export, error) {
	dev := d.Device()
	minimumBlockSize := roundUpToNextPowerOfTwo(uint64(dev.BlockSize()))
	if minimumBlockSize == 0 {
		minimumBlockSize = 1
	}
	preferredBlockSize := uint64(DefaultPreferredBlockSize)
	if preferredBlockSize < minimumBlockSize {
		preferredBlockSize = minimumBlockSize
	}
	maximumBlockSize := uint64(DefaultMaximumBlockSize)
	// ensure maximumBlockSize is a multiple of preferredBlockSize
	maximumBlockSize = maximumBlockSize & ^(preferredBlockSize - 1)
	if maximumBlockSize < preferredBlockSize {
		maximumBlockSize = preferredBlockSize
	}
	size := dev.Size() & ^(minimumBlockSize - 1)
	if size == 0 {
		return nil, fmt.Errorf("device %s is smaller than a block", dev.Name())
	}

	flags := FlagHasFlags | FlagSendFlush | FlagSendFua | FlagSendTrim | FlagSendWriteZeroes | FlagSendClose
	if readonly {
		flags |= FlagReadOnly
	}
	return &Export{
		desc:               d,
		size:               size,
		minimumBlockSize:   minimumBlockSize,
		preferredBlockSize: preferredBlockSize,
		maximumBlockSize:   maximumBlockSize,
		exportFlags:        flags,
		name:               dev.Name(),
		description:        dev.Product(),
		readonly:           readonly,
		conns:              make(map[*Connection]struct{}),
	}, nil
}

// Name returns the name clients ask for
func (e *Export) Name() string {
	return e.name
}

// Size returns the size advertised to clients
func (e *Export) Size() uint64 {
	return e.size
}

// device is what requests are served from
func (e *Export) device() bdev.Device {
	return e.desc.Device()
}
