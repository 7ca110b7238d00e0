// Package aio implements a bdev.Device backed by a file, using linux
// asynchronous I/O. On other platforms the driver is not registered.
package aio
