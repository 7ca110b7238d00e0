//go:build linux

package aio

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/context"
)

func TestAioBackend(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, os.WriteFile(path, make([]byte, 128*1024), 0644))

	dev, err := New(ctx, "aio0", map[string]any{"path": path})
	require.NoError(t, err)
	defer func() { _ = dev.Close(ctx) }()
	assert.Equal(t, uint64(128*1024), dev.Size())

	data := bytes.Repeat([]byte("aio!"), 1024)
	_, err = dev.WriteAt(ctx, data, 8192, true)
	require.NoError(t, err)

	got := make([]byte, len(data))
	_, err = dev.ReadAt(ctx, got, 8192)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}
