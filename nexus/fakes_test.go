package nexus

import (
	"fmt"
	"sync"

	"github.com/rclone/gonexus/bdev"
	"golang.org/x/net/context"
)

// recorder keeps the order in which collaborators completed their work
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// recordingRegistry notes when crypto vbdev operations complete
type recordingRegistry struct {
	*bdev.Registry
	rec *recorder
}

func (r recordingRegistry) CreateCryptoDisk(base, name, flavour string, key []byte, done bdev.DoneFunc) {
	r.Registry.CreateCryptoDisk(base, name, flavour, key, func(status int) {
		r.rec.add("crypto.create %s %d", name, status)
		done(status)
	})
}

func (r recordingRegistry) DeleteCryptoDisk(dev bdev.Device, done bdev.DoneFunc) {
	r.Registry.DeleteCryptoDisk(dev, func(status int) {
		r.rec.add("crypto.delete %s %d", dev.Name(), status)
		done(status)
	})
}

// fakeNbd publishes by holding a descriptor, as a real exporter does
type fakeNbd struct {
	reg  *bdev.Registry
	rec  *recorder
	fail error
}

type fakeDisk struct {
	d   *bdev.Descriptor
	rec *recorder
}

func (f *fakeNbd) Create(ctx context.Context, name string) (NbdDisk, error) {
	if f.fail != nil {
		f.rec.add("nbd.create.fail %s", name)
		return nil, f.fail
	}
	d, err := f.reg.Open(name)
	if err != nil {
		return nil, err
	}
	f.rec.add("nbd.create %s", name)
	return &fakeDisk{d: d, rec: f.rec}, nil
}

func (d *fakeDisk) Path() string { return "/dev/nbd-" + d.d.Device().Name() }

func (d *fakeDisk) Destroy() {
	d.rec.add("nbd.destroy %s", d.d.Device().Name())
	d.d.Close()
}

type fakeIscsi struct {
	reg  *bdev.Registry
	rec  *recorder
	fail error
}

type fakeTarget struct {
	d   *bdev.Descriptor
	rec *recorder
}

func (f *fakeIscsi) Create(ctx context.Context, name string) (IscsiTarget, error) {
	if f.fail != nil {
		f.rec.add("iscsi.create.fail %s", name)
		return nil, f.fail
	}
	d, err := f.reg.Open(name)
	if err != nil {
		return nil, err
	}
	f.rec.add("iscsi.create %s", name)
	return &fakeTarget{d: d, rec: f.rec}, nil
}

func (t *fakeTarget) IQN() string { return "iqn.2019-05.io.openebs:" + t.d.Device().Name() }

func (t *fakeTarget) Destroy(ctx context.Context) {
	t.rec.add("iscsi.destroy %s", t.d.Device().Name())
	t.d.Close()
}

// missingDevices is a registry in which nothing can be found
type missingDevices struct{}

func (missingDevices) CreateCryptoDisk(base, name, flavour string, key []byte, done bdev.DoneFunc) {
	go done(0)
}

func (missingDevices) DeleteCryptoDisk(dev bdev.Device, done bdev.DoneFunc) {
	go done(0)
}

func (missingDevices) Lookup(name string) (bdev.Device, bool) { return nil, false }

// fixedNbd hands out disks which are not backed by anything
type fixedNbd struct{}

type fixedDisk string

func (fixedNbd) Create(ctx context.Context, name string) (NbdDisk, error) {
	return fixedDisk("/dev/nbd0"), nil
}

func (d fixedDisk) Path() string { return string(d) }
func (d fixedDisk) Destroy()     {}
