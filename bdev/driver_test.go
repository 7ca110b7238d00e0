package bdev_test

import (
	"testing"

	_ "github.com/rclone/gonexus/backend/malloc"
	"github.com/rclone/gonexus/bdev"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/context"
)

func TestNewDevice(t *testing.T) {
	ctx := context.Background()
	assert.True(t, bdev.HasDriver("malloc"))
	assert.Contains(t, bdev.DriverNames(), "malloc")

	dev, err := bdev.NewDevice(ctx, "malloc", "m0", map[string]any{"size": "1048576", "block_size": 4096})
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<20), dev.Size())
	assert.Equal(t, uint32(4096), dev.BlockSize())

	_, err = bdev.NewDevice(ctx, "nope", "m1", nil)
	assert.Error(t, err)

	_, err = bdev.NewDevice(ctx, "malloc", "m2", map[string]any{"size": 1 << 20, "colour": "blue"})
	assert.Error(t, err, "unknown parameters are rejected")

	_, err = bdev.NewDevice(ctx, "malloc", "m3", map[string]any{"size": 1000})
	assert.Error(t, err, "size must be a multiple of the block size")
}
