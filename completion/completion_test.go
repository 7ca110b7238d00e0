package completion

import (
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestZeroStatusIsSuccess(t *testing.T) {
	s, r := New()
	go s.Done(0)
	require.NoError(t, r.Wait())
}

func TestNonZeroStatusIsErrno(t *testing.T) {
	s, r := New()
	go s.Done(-int(unix.EEXIST))
	err := r.Wait()
	require.Error(t, err)
	assert.True(t, errors.Is(err, unix.EEXIST))

	s, r = New()
	go s.Done(int(unix.ENODEV))
	assert.Equal(t, unix.ENODEV, r.Wait())
}

func TestWaitSuspendsUntilSignalled(t *testing.T) {
	s, r := New()
	result := make(chan error, 1)
	go func() { result <- r.Wait() }()

	select {
	case <-result:
		t.Fatal("Wait returned before the sender was signalled")
	case <-time.After(20 * time.Millisecond):
	}

	s.Done(0)
	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after the sender was signalled")
	}
}

func TestDoubleSignalPanics(t *testing.T) {
	s, r := New()
	s.Done(0)
	assert.PanicsWithValue(t, "completion: signalled twice", func() { s.Done(0) })
	assert.NoError(t, r.Wait())
}

func TestDroppedSenderPanicsWaiter(t *testing.T) {
	s, r := New()
	s.Drop()
	assert.PanicsWithValue(t, "completion: sender dropped without signalling", func() { _ = r.Wait() })
	assert.Panics(t, func() { s.Done(0) })
}

func TestUnreachableSenderPanicsWaiter(t *testing.T) {
	// the sender is garbage as soon as New returns
	r := func() *Receiver {
		_, r := New()
		return r
	}()

	recovered := make(chan interface{}, 1)
	go func() {
		defer func() { recovered <- recover() }()
		_ = r.Wait()
	}()

	deadline := time.After(5 * time.Second)
	for {
		runtime.GC()
		select {
		case v := <-recovered:
			assert.Equal(t, "completion: sender dropped without signalling", v)
			return
		case <-deadline:
			t.Fatal("Wait did not fail after the sender was collected")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestDropAfterSignalIsNoop(t *testing.T) {
	s, r := New()
	s.Done(0)
	s.Drop()
	assert.NoError(t, r.Wait())
}

func TestReceiverIsSingleUse(t *testing.T) {
	s, r := New()
	s.Done(0)
	require.NoError(t, r.Wait())
	assert.Panics(t, func() { _ = r.Wait() })
}

func TestResult(t *testing.T) {
	assert.NoError(t, Result(0))
	assert.Equal(t, unix.EBUSY, Result(-int(unix.EBUSY)))
	assert.Equal(t, unix.EINVAL, Result(int(unix.EINVAL)))
}
