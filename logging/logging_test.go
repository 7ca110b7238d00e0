package logging

import (
	"bytes"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/rclone/gonexus/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(NewWriter(&buf, LevelWarn), "", log.LstdFlags)
	logger.Printf("[DEBUG] hidden")
	logger.Printf("[INFO] hidden")
	logger.Printf("[WARN] shown %d", 1)
	logger.Printf("[ERROR] shown %d", 2)
	logger.Printf("untagged")
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[WARN] shown 1")
	assert.Contains(t, out, "[ERROR] shown 2")
	assert.Contains(t, out, "untagged")
}

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, LevelDebug, l)
	_, err = ParseLevel("LOUD")
	assert.Error(t, err)
}

func TestNewFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gonexus.log")
	logger, closer, err := New(config.LoggingConfig{Level: "INFO", Output: path})
	require.NoError(t, err)
	logger.Printf("[DEBUG] hidden")
	logger.Printf("[INFO] Nexus nexus0 unshared")
	require.NoError(t, closer.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "gonexus: ")
	assert.Contains(t, string(b), "[INFO] Nexus nexus0 unshared")
	assert.NotContains(t, string(b), "hidden")
}

func TestNewBadLevel(t *testing.T) {
	_, _, err := New(config.LoggingConfig{Level: "LOUD"})
	assert.Error(t, err)
}
