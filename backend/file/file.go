// Package file implements a bdev.Device backed by a regular file.
package file

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/rclone/gonexus/bdev"
	"golang.org/x/net/context"
	"golang.org/x/sys/unix"
)

// Config holds the parameters of a file device
type Config struct {
	Path      string `mapstructure:"path"`       // path to the backing file
	ReadOnly  bool   `mapstructure:"read_only"`  // open the file read only
	Sync      bool   `mapstructure:"sync"`       // open the file with O_SYNC
	BlockSize uint32 `mapstructure:"block_size"` // block size in bytes, 512 if unset
}

// Backend implements bdev.Device
type Backend struct {
	name      string
	id        uuid.UUID
	file      *os.File
	size      uint64
	blockSize uint32
	readOnly  bool
}

// Name implements bdev.Device.Name
func (fb *Backend) Name() string { return fb.name }

// UUID implements bdev.Device.UUID
func (fb *Backend) UUID() uuid.UUID { return fb.id }

// Product implements bdev.Device.Product
func (fb *Backend) Product() string { return "File disk" }

// BlockSize implements bdev.Device.BlockSize
func (fb *Backend) BlockSize() uint32 { return fb.blockSize }

// Size implements bdev.Device.Size
func (fb *Backend) Size() uint64 { return fb.size }

// WriteAt implements bdev.Device.WriteAt
func (fb *Backend) WriteAt(ctx context.Context, b []byte, offset int64, fua bool) (int, error) {
	if fb.readOnly {
		return 0, unix.EROFS
	}
	n, err := fb.file.WriteAt(b, offset)
	if err != nil || !fua {
		return n, err
	}
	err = fb.file.Sync()
	if err != nil {
		return 0, err
	}
	return n, err
}

// ReadAt implements bdev.Device.ReadAt
func (fb *Backend) ReadAt(ctx context.Context, b []byte, offset int64) (int, error) {
	return fb.file.ReadAt(b, offset)
}

// TrimAt implements bdev.Device.TrimAt
func (fb *Backend) TrimAt(ctx context.Context, length int, offset int64) (int, error) {
	return length, nil
}

// Flush implements bdev.Device.Flush
func (fb *Backend) Flush(ctx context.Context) error {
	return fb.file.Sync()
}

// Close implements bdev.Device.Close
func (fb *Backend) Close(ctx context.Context) error {
	return fb.file.Close()
}

// New generates a new file device
func New(ctx context.Context, name string, params map[string]any) (bdev.Device, error) {
	cfg := Config{BlockSize: 512}
	if err := bdev.DecodeParams(params, &cfg); err != nil {
		return nil, err
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("file device %s needs a path", name)
	}
	perms := os.O_RDWR
	if cfg.ReadOnly {
		perms = os.O_RDONLY
	}
	if cfg.Sync {
		perms |= os.O_SYNC
	}
	file, err := os.OpenFile(cfg.Path, perms, 0666)
	if err != nil {
		return nil, err
	}
	stat, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	size := uint64(stat.Size())
	if err := bdev.CheckGeometry(size, cfg.BlockSize); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("%s: %w", cfg.Path, err)
	}
	return &Backend{
		name:      name,
		id:        uuid.NewSHA1(uuid.NameSpaceURL, []byte("file://"+cfg.Path)),
		file:      file,
		size:      size,
		blockSize: cfg.BlockSize,
		readOnly:  cfg.ReadOnly,
	}, nil
}

// Register our driver
func init() {
	bdev.RegisterDriver("file", New)
}
