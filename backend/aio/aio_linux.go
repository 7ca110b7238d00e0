//go:build linux

package aio

import (
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/rclone/gonexus/bdev"
	"github.com/traetox/goaio"
	"golang.org/x/net/context"
	"golang.org/x/sys/unix"
)

// Config holds the parameters of an aio device
type Config struct {
	Path      string `mapstructure:"path"`       // path to the backing file
	ReadOnly  bool   `mapstructure:"read_only"`  // open the file read only
	BlockSize uint32 `mapstructure:"block_size"` // block size in bytes, 512 if unset
}

// Backend implements bdev.Device
type Backend struct {
	name      string
	id        uuid.UUID
	mu        sync.Mutex // serialises submissions to aio
	aio       *goaio.AIO
	size      uint64
	blockSize uint32
	readOnly  bool
}

// Name implements bdev.Device.Name
func (ab *Backend) Name() string { return ab.name }

// UUID implements bdev.Device.UUID
func (ab *Backend) UUID() uuid.UUID { return ab.id }

// Product implements bdev.Device.Product
func (ab *Backend) Product() string { return "AIO disk" }

// BlockSize implements bdev.Device.BlockSize
func (ab *Backend) BlockSize() uint32 { return ab.blockSize }

// Size implements bdev.Device.Size
func (ab *Backend) Size() uint64 { return ab.size }

// WriteAt implements bdev.Device.WriteAt
func (ab *Backend) WriteAt(ctx context.Context, b []byte, offset int64, fua bool) (int, error) {
	if ab.readOnly {
		return 0, unix.EROFS
	}
	ab.mu.Lock()
	defer ab.mu.Unlock()
	requestID, err := ab.aio.WriteAt(b, offset)
	if err != nil {
		return 0, err
	}
	n, err := ab.aio.WaitFor(requestID)
	if err != nil || !fua {
		return n, err
	}
	if err := ab.aio.Flush(); err != nil {
		return 0, err
	}
	return n, nil
}

// ReadAt implements bdev.Device.ReadAt
func (ab *Backend) ReadAt(ctx context.Context, b []byte, offset int64) (int, error) {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	requestID, err := ab.aio.ReadAt(b, offset)
	if err != nil {
		return 0, err
	}
	return ab.aio.WaitFor(requestID)
}

// TrimAt implements bdev.Device.TrimAt
func (ab *Backend) TrimAt(ctx context.Context, length int, offset int64) (int, error) {
	return length, nil
}

// Flush implements bdev.Device.Flush
func (ab *Backend) Flush(ctx context.Context) error {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	return ab.aio.Flush()
}

// Close implements bdev.Device.Close
func (ab *Backend) Close(ctx context.Context) error {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	return ab.aio.Close()
}

// New generates a new aio device
func New(ctx context.Context, name string, params map[string]any) (bdev.Device, error) {
	cfg := Config{BlockSize: 512}
	if err := bdev.DecodeParams(params, &cfg); err != nil {
		return nil, err
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("aio device %s needs a path", name)
	}
	stat, err := os.Stat(cfg.Path)
	if err != nil {
		return nil, err
	}
	size := uint64(stat.Size())
	if err := bdev.CheckGeometry(size, cfg.BlockSize); err != nil {
		return nil, fmt.Errorf("%s: %w", cfg.Path, err)
	}
	perms := os.O_RDWR
	if cfg.ReadOnly {
		perms = os.O_RDONLY
	}
	a, err := goaio.NewAIO(cfg.Path, perms, 0666)
	if err != nil {
		return nil, err
	}
	return &Backend{
		name:      name,
		id:        uuid.NewSHA1(uuid.NameSpaceURL, []byte("aio://"+cfg.Path)),
		aio:       a,
		size:      size,
		blockSize: cfg.BlockSize,
		readOnly:  cfg.ReadOnly,
	}, nil
}

// Register our driver
func init() {
	bdev.RegisterDriver("aio", New)
}
