// Package bdev is the device-chain registry: it keeps the named block
// devices of a node, creates and removes the crypto vbdevs interposed on top
// of them, and runs those asynchronous operations on its own reactor
// goroutine.
package bdev

import (
	"errors"

	"github.com/google/uuid"
	"golang.org/x/net/context"
	"golang.org/x/sys/unix"
)

// Device is a block device held in the registry.
type Device interface {
	Name() string                                                               // unique name within the registry
	UUID() uuid.UUID                                                            // stable identity
	Product() string                                                            // human readable driver description
	BlockSize() uint32                                                          // logical block size in bytes
	Size() uint64                                                               // size in bytes
	ReadAt(ctx context.Context, b []byte, offset int64) (int, error)            // read to b at offset
	WriteAt(ctx context.Context, b []byte, offset int64, fua bool) (int, error) // write b at offset, with force unit access optional
	TrimAt(ctx context.Context, length int, offset int64) (int, error)          // trim
	Flush(ctx context.Context) error                                            // flush
	Close(ctx context.Context) error                                            // release the device once it has left the registry
}

// DoneFunc receives the status of an asynchronous registry operation: zero
// on success or a negative errno. It is called exactly once, from the
// registry's reactor goroutine.
type DoneFunc func(status int)

// Status converts an error into a DoneFunc status.
func Status(err error) int {
	if err == nil {
		return 0
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return -int(errno)
	}
	return -int(unix.EIO)
}

// Aligned reports whether an I/O of length bytes at offset covers whole blocks.
func Aligned(dev Device, length int, offset int64) bool {
	bs := int64(dev.BlockSize())
	return offset%bs == 0 && int64(length)%bs == 0
}
