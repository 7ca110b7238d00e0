package malloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/context"
	"golang.org/x/sys/unix"
)

func TestMalloc(t *testing.T) {
	ctx := context.Background()
	dev, err := NewDevice("m0", 8192, 512)
	require.NoError(t, err)

	_, err = dev.WriteAt(ctx, []byte{1, 2, 3, 4}, 512, false)
	require.NoError(t, err)
	got := make([]byte, 4)
	_, err = dev.ReadAt(ctx, got, 512)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, got)

	_, err = dev.TrimAt(ctx, 512, 512)
	require.NoError(t, err)
	_, _ = dev.ReadAt(ctx, got, 512)
	assert.Equal(t, []byte{0, 0, 0, 0}, got)

	_, err = dev.ReadAt(ctx, got, 8190)
	assert.Equal(t, unix.EINVAL, err)
}

func TestMallocGeometry(t *testing.T) {
	_, err := NewDevice("m0", 0, 512)
	assert.Error(t, err)
	_, err = NewDevice("m0", 4096, 1000)
	assert.Error(t, err)
}
