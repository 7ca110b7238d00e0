package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
logging:
  level: debug
bdevs:
- name: disk0
  driver: malloc
  size: 1048576
  block_size: 512
- name: disk1
  driver: file
  path: /tmp/disk1.img
nexus:
- name: nexus0
  children: [disk0, disk1]
  share: NBD
  key: secret
nbd:
  servers:
  - protocol: unix
    address: /run/gonexus/nbd.sock
    workers: 8
state:
  type: badger
  path: /var/lib/gonexus
`

func writeConfig(t *testing.T, text string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gonexus.yaml")
	require.NoError(t, os.WriteFile(path, []byte(text), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, testConfig))
	require.NoError(t, err)

	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.Equal(t, "stderr", cfg.Logging.Output)
	require.Len(t, cfg.Bdevs, 2)
	assert.Equal(t, "malloc", cfg.Bdevs[0].Driver)
	assert.EqualValues(t, 1048576, cfg.Bdevs[0].Params["size"])
	assert.Equal(t, "/tmp/disk1.img", cfg.Bdevs[1].Params["path"])
	require.Len(t, cfg.Nexus, 1)
	assert.Equal(t, []string{"disk0", "disk1"}, cfg.Nexus[0].Children)
	assert.Equal(t, "nbd", cfg.Nexus[0].Share)
	assert.Equal(t, "secret", cfg.Nexus[0].Key)
	require.Len(t, cfg.NBD.Servers, 1)
	assert.Equal(t, 8, cfg.NBD.Servers[0].Workers)
	assert.Equal(t, "iqn.2019-05.io.openebs", cfg.ISCSI.IQNPrefix)
	assert.Equal(t, "badger", cfg.State.Type)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("GONEXUS_LOGGING_LEVEL", "warn")
	t.Setenv("GONEXUS_METRICS_ENABLED", "true")
	cfg, err := Load(writeConfig(t, testConfig))
	require.NoError(t, err)
	assert.Equal(t, "WARN", cfg.Logging.Level)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, DefaultMetricsAddress, cfg.Metrics.Address)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadNoFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, cfg.Nexus)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := &Config{
			Bdevs: []BdevConfig{{Name: "disk0", Driver: "malloc"}},
			Nexus: []NexusConfig{{Name: "nexus0", Children: []string{"disk0"}}},
		}
		ApplyDefaults(cfg)
		return cfg
	}
	require.NoError(t, Validate(base()))

	for name, mutate := range map[string]func(*Config){
		"bad level":         func(c *Config) { c.Logging.Level = "LOUD" },
		"duplicate bdev":    func(c *Config) { c.Bdevs = append(c.Bdevs, c.Bdevs[0]) },
		"nexus named bdev":  func(c *Config) { c.Nexus[0].Name = "disk0" },
		"unknown child":     func(c *Config) { c.Nexus[0].Children = []string{"disk9"} },
		"no children":       func(c *Config) { c.Nexus[0].Children = nil },
		"unknown protocol":  func(c *Config) { c.Nexus[0].Share = "smb" },
		"nvmf":              func(c *Config) { c.Nexus[0].Share = "nvmf" },
		"nbd without nbd":   func(c *Config) { c.Nexus[0].Share = "nbd" },
		"iscsi disabled":    func(c *Config) { c.Nexus[0].Share = "iscsi" },
		"key without share": func(c *Config) { c.Nexus[0].Key = "secret" },
		"crypto clash": func(c *Config) {
			c.Bdevs = append(c.Bdevs, BdevConfig{Name: "crypto-nexus0", Driver: "malloc"})
		},
		"badger without path": func(c *Config) { c.State.Type = "badger" },
		"missing driver":      func(c *Config) { c.Bdevs[0].Driver = "" },
	} {
		cfg := base()
		mutate(cfg)
		assert.Error(t, Validate(cfg), name)
	}
}
