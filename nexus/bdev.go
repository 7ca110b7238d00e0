package nexus

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rclone/gonexus/bdev"
	"golang.org/x/net/context"
)

// nexusBdev mirrors its children: writes go to all of them, reads are served
// by the first child which succeeds.
type nexusBdev struct {
	name      string
	id        uuid.UUID
	children  []*bdev.Descriptor
	size      uint64
	blockSize uint32
}

// newNexusBdev opens children in reg. The nexus is as large as its smallest
// child and all children must share a block size.
func newNexusBdev(name string, children []string, reg *bdev.Registry) (*nexusBdev, error) {
	if len(children) == 0 {
		return nil, errors.New("a nexus needs at least one child")
	}
	nb := &nexusBdev{
		name: name,
		id:   uuid.New(),
	}
	for _, child := range children {
		d, err := reg.Open(child)
		if err != nil {
			_ = nb.Close(context.Background())
			return nil, fmt.Errorf("child %s: %w", child, err)
		}
		dev := d.Device()
		nb.children = append(nb.children, d)
		switch {
		case nb.blockSize == 0:
			nb.blockSize, nb.size = dev.BlockSize(), dev.Size()
		case dev.BlockSize() != nb.blockSize:
			_ = nb.Close(context.Background())
			return nil, fmt.Errorf("child %s has block size %d, expected %d", child, dev.BlockSize(), nb.blockSize)
		case dev.Size() < nb.size:
			nb.size = dev.Size()
		}
	}
	return nb, nil
}

func (nb *nexusBdev) Name() string      { return nb.name }
func (nb *nexusBdev) UUID() uuid.UUID   { return nb.id }
func (nb *nexusBdev) Product() string   { return "Nexus CAS Driver" }
func (nb *nexusBdev) BlockSize() uint32 { return nb.blockSize }
func (nb *nexusBdev) Size() uint64      { return nb.size }

func (nb *nexusBdev) inRange(length int, offset int64) bool {
	return offset >= 0 && length >= 0 && uint64(offset)+uint64(length) <= nb.size
}

func (nb *nexusBdev) ReadAt(ctx context.Context, b []byte, offset int64) (int, error) {
	if !nb.inRange(len(b), offset) {
		return 0, fmt.Errorf("read of %d bytes at %d is beyond the end of nexus %s", len(b), offset, nb.name)
	}
	var err error
	for _, child := range nb.children {
		var n int
		n, err = child.Device().ReadAt(ctx, b, offset)
		if err == nil {
			return n, nil
		}
	}
	return 0, err
}

func (nb *nexusBdev) WriteAt(ctx context.Context, b []byte, offset int64, fua bool) (int, error) {
	if !nb.inRange(len(b), offset) {
		return 0, fmt.Errorf("write of %d bytes at %d is beyond the end of nexus %s", len(b), offset, nb.name)
	}
	for _, child := range nb.children {
		if _, err := child.Device().WriteAt(ctx, b, offset, fua); err != nil {
			return 0, fmt.Errorf("child %s: %w", child.Device().Name(), err)
		}
	}
	return len(b), nil
}

func (nb *nexusBdev) TrimAt(ctx context.Context, length int, offset int64) (int, error) {
	for _, child := range nb.children {
		if _, err := child.Device().TrimAt(ctx, length, offset); err != nil {
			return 0, fmt.Errorf("child %s: %w", child.Device().Name(), err)
		}
	}
	return length, nil
}

func (nb *nexusBdev) Flush(ctx context.Context) error {
	for _, child := range nb.children {
		if err := child.Device().Flush(ctx); err != nil {
			return fmt.Errorf("child %s: %w", child.Device().Name(), err)
		}
	}
	return nil
}

// Close releases the children
func (nb *nexusBdev) Close(ctx context.Context) error {
	for _, child := range nb.children {
		child.Close()
	}
	nb.children = nil
	return nil
}
