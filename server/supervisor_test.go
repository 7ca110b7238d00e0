package server

import (
	"bytes"
	"errors"
	"log"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rclone/gonexus/backend/malloc"
	"github.com/rclone/gonexus/bdev"
	"github.com/rclone/gonexus/metrics"
	"github.com/rclone/gonexus/nexus"
	"github.com/rclone/gonexus/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/context"
	"golang.org/x/sys/unix"
)

// stubDisk stands in for an NBD export
type stubDisk struct {
	name string
}

func (d stubDisk) Path() string { return "nbd+unix:///" + d.name + "?socket=/tmp/nbd.sock" }
func (d stubDisk) Destroy()     {}

// supervisorFixture is a supervisor over malloc backed nexuses
type supervisorFixture struct {
	s     *Supervisor
	store state.Store
	prom  *prometheus.Registry
	buf   *bytes.Buffer
	reg   *bdev.Registry
}

func newSupervisor(t *testing.T, names ...string) *supervisorFixture {
	t.Helper()
	ctx := context.Background()
	reg := bdev.NewRegistry(nil)
	t.Cleanup(reg.Close)

	var buf bytes.Buffer
	logger := log.New(&buf, "", 0)
	store := state.NewMemory()
	promReg := prometheus.NewRegistry()
	s := NewSupervisor(logger, metrics.New(promReg), store)

	opts := nexus.Options{
		Devices: reg,
		Logger:  logger,
		Nbd: nexus.NbdExporterFunc(func(ctx context.Context, name string) (nexus.NbdDisk, error) {
			return stubDisk{name: name}, nil
		}),
	}
	for _, name := range names {
		dev, err := malloc.NewDevice("disk-"+name, 1<<20, 512)
		require.NoError(t, err)
		require.NoError(t, reg.Register(dev))
		n, err := nexus.Create(ctx, name, []string{dev.Name()}, reg, opts)
		require.NoError(t, err)
		require.NoError(t, s.Add(n))
	}
	return &supervisorFixture{s: s, store: store, prom: promReg, buf: &buf, reg: reg}
}

// sample returns the value of the counter or gauge name carrying labels, or
// false if there is no such series
func sample(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) (float64, bool) {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue next
				}
			}
			if m.GetGauge() != nil {
				return m.GetGauge().GetValue(), true
			}
			return m.GetCounter().GetValue(), true
		}
	}
	return 0, false
}

func TestSupervisorShareJournals(t *testing.T) {
	ctx := context.Background()
	f := newSupervisor(t, "nexus0")
	s, store := f.s, f.store

	path, err := s.Share(ctx, "nexus0", nexus.ShareNbd, "")
	require.NoError(t, err)
	assert.Equal(t, "nbd+unix:///nexus0?socket=/tmp/nbd.sock", path)

	records, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "nexus0", records[0].Nexus)
	assert.Equal(t, "nbd", records[0].Protocol)
	assert.Equal(t, "nexus0", records[0].Handle)
	assert.Equal(t, path, records[0].Target)

	// a failed share leaves the journal alone
	_, err = s.Share(ctx, "nexus0", nexus.ShareNbd, "")
	assert.True(t, errors.Is(err, nexus.ErrAlreadyShared))
	records, err = store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 1)

	require.NoError(t, s.Unshare(ctx, "nexus0"))
	records, err = store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestSupervisorUnknownNexus(t *testing.T) {
	ctx := context.Background()
	s := newSupervisor(t).s

	_, err := s.Share(ctx, "missing", nexus.ShareNbd, "")
	assert.True(t, errors.Is(err, unix.ENOENT))
	assert.True(t, errors.Is(s.Unshare(ctx, "missing"), unix.ENOENT))
}

func TestSupervisorAddTwice(t *testing.T) {
	s := newSupervisor(t, "nexus0").s
	reg := bdev.NewRegistry(nil)
	defer reg.Close()
	n := nexus.New("nexus0", nexus.Options{Devices: reg})
	assert.True(t, errors.Is(s.Add(n), unix.EEXIST))
}

func TestSupervisorSerialisesShares(t *testing.T) {
	ctx := context.Background()
	f := newSupervisor(t, "nexus0")
	s, promReg := f.s, f.prom

	const callers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Share(ctx, "nexus0", nexus.ShareNbd, "")
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.True(t, errors.Is(err, nexus.ErrAlreadyShared), err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, succeeded)

	mfs, err := promReg.Gather()
	require.NoError(t, err)
	var total float64
	for _, mf := range mfs {
		if mf.GetName() != "gonexus_share_operations_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	assert.Equal(t, float64(callers), total)
}

func TestSupervisorSharesAndDestroyAll(t *testing.T) {
	ctx := context.Background()
	f := newSupervisor(t, "nexus0", "nexus1")
	s, store, buf := f.s, f.store, f.buf

	_, err := s.Share(ctx, "nexus1", nexus.ShareNbd, "secret")
	require.NoError(t, err)

	table := s.Shares()
	require.Len(t, table, 2)
	assert.Equal(t, "nexus0", table[0].Nexus)
	assert.Equal(t, nexus.ShareNone, table[0].Protocol)
	assert.Equal(t, "nexus1", table[1].Nexus)
	assert.Equal(t, nexus.ShareNbd, table[1].Protocol)
	assert.Equal(t, "crypto-nexus1", table[1].Handle)

	s.LogShares()
	assert.Contains(t, buf.String(), "nexus0: not shared")
	assert.Contains(t, buf.String(), "nexus1: nbd as crypto-nexus1 at nbd+unix:///crypto-nexus1")

	require.NoError(t, s.DestroyAll(ctx))
	assert.Empty(t, s.Shares())
	records, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)

	logged := buf.String()
	first := bytes.Index([]byte(logged), []byte("Destroyed nexus nexus1"))
	second := bytes.Index([]byte(logged), []byte("Destroyed nexus nexus0"))
	require.True(t, first >= 0 && second >= 0, logged)
	assert.Less(t, first, second)
}

func TestSupervisorUnshareFailureClearsSharedGauge(t *testing.T) {
	ctx := context.Background()
	f := newSupervisor(t, "nexus0")
	shared := map[string]string{"protocol": "nbd"}

	_, err := f.s.Share(ctx, "nexus0", nexus.ShareNbd, "secret")
	require.NoError(t, err)
	v, _ := sample(t, f.prom, "gonexus_shared_nexus", shared)
	assert.Equal(t, 1.0, v)

	// keep the crypto bdev busy so it can not be removed
	d, err := f.reg.Open("crypto-nexus0")
	require.NoError(t, err)
	defer d.Close()

	err = f.s.Unshare(ctx, "nexus0")
	assert.True(t, errors.Is(err, nexus.ErrDestroyCryptoBdev), err)
	assert.Equal(t, nexus.ShareNone, f.s.Shares()[0].Protocol)

	v, _ = sample(t, f.prom, "gonexus_shared_nexus", shared)
	assert.Equal(t, 0.0, v)
	v, _ = sample(t, f.prom, "gonexus_share_operations_total", map[string]string{"operation": metrics.OpUnshare, "protocol": "nbd", "status": "error"})
	assert.Equal(t, 1.0, v)
	records, err := f.store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)

	// unsharing again fails without touching the gauge
	assert.True(t, errors.Is(f.s.Unshare(ctx, "nexus0"), nexus.ErrNotShared))
	v, _ = sample(t, f.prom, "gonexus_shared_nexus", shared)
	assert.Equal(t, 0.0, v)
}

func TestSupervisorInvalidProtocolLabel(t *testing.T) {
	ctx := context.Background()
	f := newSupervisor(t, "nexus0")

	for _, p := range []nexus.ShareProtocol{99, -1} {
		_, err := f.s.Share(ctx, "nexus0", p, "")
		assert.True(t, errors.Is(err, nexus.ErrInvalidShareProtocol), err)
	}

	v, ok := sample(t, f.prom, "gonexus_share_operations_total", map[string]string{"operation": metrics.OpShare, "protocol": "invalid", "status": "error"})
	require.True(t, ok)
	assert.Equal(t, 2.0, v)
	_, ok = sample(t, f.prom, "gonexus_share_operations_total", map[string]string{"operation": metrics.OpShare, "protocol": "ShareProtocol(99)", "status": "error"})
	assert.False(t, ok)
}
