// Package malloc implements a bdev.Device held in memory.
package malloc

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rclone/gonexus/bdev"
	"golang.org/x/net/context"
	"golang.org/x/sys/unix"
)

// Config holds the parameters of a malloc device
type Config struct {
	Size      uint64 `mapstructure:"size"`       // size in bytes
	BlockSize uint32 `mapstructure:"block_size"` // block size in bytes, 512 if unset
}

// Backend implements bdev.Device
type Backend struct {
	name      string
	id        uuid.UUID
	blockSize uint32
	mu        sync.RWMutex // protects data
	data      []byte
}

// NewDevice makes a zeroed device of size bytes
func NewDevice(name string, size uint64, blockSize uint32) (*Backend, error) {
	if err := bdev.CheckGeometry(size, blockSize); err != nil {
		return nil, err
	}
	return &Backend{
		name:      name,
		id:        uuid.New(),
		blockSize: blockSize,
		data:      make([]byte, size),
	}, nil
}

// Name implements bdev.Device.Name
func (mb *Backend) Name() string { return mb.name }

// UUID implements bdev.Device.UUID
func (mb *Backend) UUID() uuid.UUID { return mb.id }

// Product implements bdev.Device.Product
func (mb *Backend) Product() string { return "Malloc disk" }

// BlockSize implements bdev.Device.BlockSize
func (mb *Backend) BlockSize() uint32 { return mb.blockSize }

// Size implements bdev.Device.Size
func (mb *Backend) Size() uint64 { return uint64(len(mb.data)) }

// bounds checks an I/O against the size of the device
func (mb *Backend) bounds(length int, offset int64) error {
	if offset < 0 || length < 0 || uint64(offset)+uint64(length) > uint64(len(mb.data)) {
		return unix.EINVAL
	}
	return nil
}

// ReadAt implements bdev.Device.ReadAt
func (mb *Backend) ReadAt(ctx context.Context, b []byte, offset int64) (int, error) {
	if err := mb.bounds(len(b), offset); err != nil {
		return 0, err
	}
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	return copy(b, mb.data[offset:]), nil
}

// WriteAt implements bdev.Device.WriteAt
func (mb *Backend) WriteAt(ctx context.Context, b []byte, offset int64, fua bool) (int, error) {
	if err := mb.bounds(len(b), offset); err != nil {
		return 0, err
	}
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return copy(mb.data[offset:], b), nil
}

// TrimAt implements bdev.Device.TrimAt by zeroing the range
func (mb *Backend) TrimAt(ctx context.Context, length int, offset int64) (int, error) {
	if err := mb.bounds(length, offset); err != nil {
		return 0, err
	}
	mb.mu.Lock()
	defer mb.mu.Unlock()
	clear(mb.data[offset : offset+int64(length)])
	return length, nil
}

// Flush implements bdev.Device.Flush
func (mb *Backend) Flush(ctx context.Context) error {
	return nil
}

// Close implements bdev.Device.Close
func (mb *Backend) Close(ctx context.Context) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.data = nil
	return nil
}

// New generates a new malloc device from driver parameters
func New(ctx context.Context, name string, params map[string]any) (bdev.Device, error) {
	cfg := Config{BlockSize: 512}
	if err := bdev.DecodeParams(params, &cfg); err != nil {
		return nil, err
	}
	return NewDevice(name, cfg.Size, cfg.BlockSize)
}

// Register our driver
func init() {
	bdev.RegisterDriver("malloc", New)
}
