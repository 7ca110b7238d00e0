// Package completion turns the fire-once callbacks used by asynchronous
// device operations into a single blocking wait.
//
// A Sender is handed to the operation (usually as its Done method value) and
// the caller blocks on the matching Receiver. Each pair carries exactly one
// status and cannot be reused.
package completion

import (
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Sender is the half of a completion given to the asynchronous operation.
type Sender struct {
	ch      chan int
	mu      sync.Mutex // protects done and dropped
	done    bool
	dropped bool
}

// Receiver is the half of a completion the caller waits on.
type Receiver struct {
	ch     chan int
	waited atomic.Bool
}

// New returns a connected Sender and Receiver.
//
// A Sender which becomes unreachable without being signalled is dropped by
// its finalizer, which makes the pending Wait fail loudly instead of hanging.
func New() (*Sender, *Receiver) {
	ch := make(chan int, 1)
	s := &Sender{ch: ch}
	runtime.SetFinalizer(s, (*Sender).Drop)
	return s, &Receiver{ch: ch}
}

// Done delivers status to the waiting Receiver. Zero means success, anything
// else is an errno; the sign is ignored.
//
// Done panics if the Sender has already been signalled or dropped.
func (s *Sender) Done(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dropped {
		panic("completion: signalled after the sender was dropped")
	}
	if s.done {
		panic("completion: signalled twice")
	}
	s.done = true
	s.ch <- status
	close(s.ch)
}

// Drop destroys the Sender. If it was never signalled the Receiver's Wait
// panics. Dropping a signalled Sender is a no-op.
func (s *Sender) Drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done || s.dropped {
		return
	}
	s.dropped = true
	close(s.ch)
}

// Wait blocks until the Sender is signalled and returns the converted status.
//
// It panics if the Sender was dropped without signalling, or if Wait is
// called a second time.
func (r *Receiver) Wait() error {
	if r.waited.Swap(true) {
		panic("completion: receiver already used")
	}
	status, ok := <-r.ch
	if !ok {
		panic("completion: sender dropped without signalling")
	}
	return Result(status)
}

// Result converts a status code into an error: nil for zero, otherwise the
// matching unix.Errno.
func Result(status int) error {
	if status == 0 {
		return nil
	}
	if status < 0 {
		status = -status
	}
	return unix.Errno(status)
}
