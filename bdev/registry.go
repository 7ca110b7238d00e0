package bdev

import (
	"io"
	"log"
	"sort"
	"sync"

	"golang.org/x/net/context"
	"golang.org/x/sys/unix"
)

// opsQueueLength is how many asynchronous operations may be queued before
// submitters block
const opsQueueLength = 64

// entry is a registered device and the number of descriptors open on it
type entry struct {
	dev   Device
	opens int
}

// Registry holds the named devices of a node.
//
// Lookups and registration are synchronous and safe for concurrent use.
// Creation and removal of devices are asynchronous: they run one at a time on
// the registry's reactor goroutine and report through a DoneFunc.
type Registry struct {
	logger *log.Logger

	mu      sync.RWMutex // protects devices
	devices map[string]*entry

	submitMu sync.RWMutex // protects closed and sends on ops
	closed   bool
	ops      chan func()
	wg       sync.WaitGroup
}

// Descriptor is an open reference to a registered device. A device can not
// leave the registry while descriptors are open on it.
type Descriptor struct {
	r    *Registry
	dev  Device
	once sync.Once
}

// NewRegistry returns an empty registry with its reactor running
func NewRegistry(logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	r := &Registry{
		logger:  logger,
		devices: make(map[string]*entry),
		ops:     make(chan func(), opsQueueLength),
	}
	r.wg.Add(1)
	go r.reactor()
	return r
}

// reactor runs queued operations in order
func (r *Registry) reactor() {
	defer r.wg.Done()
	for op := range r.ops {
		op()
	}
}

// submit queues op on the reactor and hands its status to done
func (r *Registry) submit(done DoneFunc, op func() int) {
	r.submitMu.RLock()
	defer r.submitMu.RUnlock()
	if r.closed {
		go done(-int(unix.ESHUTDOWN))
		return
	}
	r.ops <- func() {
		done(op())
	}
}

// Close stops the reactor once the queued operations have run. Devices still
// registered are closed.
func (r *Registry) Close() {
	r.submitMu.Lock()
	if !r.closed {
		r.closed = true
		close(r.ops)
	}
	r.submitMu.Unlock()
	r.wg.Wait()

	// closing a stacked device releases descriptors, which takes r.mu
	r.mu.Lock()
	devices := r.devices
	r.devices = make(map[string]*entry)
	r.mu.Unlock()
	for name, e := range devices {
		if e.opens > 0 {
			r.logger.Printf("[WARN] Closing bdev %s with %d open descriptor(s)", name, e.opens)
		}
		if err := e.dev.Close(context.Background()); err != nil {
			r.logger.Printf("[WARN] Could not close bdev %s: %v", name, err)
		}
	}
}

// Register adds dev to the registry under its name
func (r *Registry) Register(dev Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[dev.Name()]; ok {
		return unix.EEXIST
	}
	r.devices[dev.Name()] = &entry{dev: dev}
	r.logger.Printf("[DEBUG] Registered bdev %s (%s, %d bytes)", dev.Name(), dev.Product(), dev.Size())
	return nil
}

// Lookup returns the device registered under name
func (r *Registry) Lookup(name string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.devices[name]
	if !ok {
		return nil, false
	}
	return e.dev, true
}

// Names returns the names of all registered devices, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.devices))
	for name := range r.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open takes a descriptor on the device registered under name
func (r *Registry) Open(name string) (*Descriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.devices[name]
	if !ok {
		return nil, unix.ENODEV
	}
	e.opens++
	return &Descriptor{r: r, dev: e.dev}, nil
}

// Device returns the device the descriptor is open on
func (d *Descriptor) Device() Device {
	return d.dev
}

// Close releases the descriptor. It is safe to call more than once.
func (d *Descriptor) Close() {
	d.once.Do(func() {
		d.r.mu.Lock()
		defer d.r.mu.Unlock()
		if e, ok := d.r.devices[d.dev.Name()]; ok && e.dev == d.dev {
			e.opens--
		}
	})
}

// Unregister removes the device registered under name and closes it.
func (r *Registry) Unregister(name string, done DoneFunc) {
	r.submit(done, func() int {
		return Status(r.remove(name, nil))
	})
}

// remove takes a device out of the registry. If want is set the registered
// device must be that very instance.
func (r *Registry) remove(name string, want Device) error {
	r.mu.Lock()
	e, ok := r.devices[name]
	switch {
	case !ok || (want != nil && e.dev != want):
		r.mu.Unlock()
		return unix.ENODEV
	case e.opens > 0:
		r.mu.Unlock()
		return unix.EBUSY
	}
	delete(r.devices, name)
	r.mu.Unlock()

	if err := e.dev.Close(context.Background()); err != nil {
		r.logger.Printf("[WARN] Could not close bdev %s: %v", name, err)
	}
	r.logger.Printf("[DEBUG] Unregistered bdev %s", name)
	return nil
}

// CreateCryptoDisk interposes a crypto vbdev called name on top of the base
// device. The key is copied; the caller keeps ownership of its slice.
func (r *Registry) CreateCryptoDisk(base, name, flavour string, key []byte, done DoneFunc) {
	k := append([]byte(nil), key...)
	r.submit(done, func() int {
		defer clear(k)
		dev, err := r.newCryptoDisk(base, name, flavour, k)
		if err != nil {
			r.logger.Printf("[ERROR] Could not create crypto bdev %s on %s: %v", name, base, err)
			return Status(err)
		}
		if err := r.Register(dev); err != nil {
			_ = dev.Close(context.Background())
			return Status(err)
		}
		r.logger.Printf("[INFO] Created crypto bdev %s on %s", name, base)
		return 0
	})
}

// DeleteCryptoDisk removes a crypto vbdev and releases its base device.
func (r *Registry) DeleteCryptoDisk(dev Device, done DoneFunc) {
	r.submit(done, func() int {
		if _, ok := dev.(*cryptoDisk); !ok {
			return -int(unix.EINVAL)
		}
		if err := r.remove(dev.Name(), dev); err != nil {
			r.logger.Printf("[ERROR] Could not delete crypto bdev %s: %v", dev.Name(), err)
			return Status(err)
		}
		r.logger.Printf("[INFO] Deleted crypto bdev %s", dev.Name())
		return 0
	})
}
