package config

import (
	"strings"

	"github.com/rclone/gonexus/iscsi"
)

// DefaultMetricsAddress is where metrics are served if enabled without an
// address
const DefaultMetricsAddress = "127.0.0.1:9440"

// ApplyDefaults fills in unset values
func ApplyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	cfg.Logging.Level = strings.ToUpper(cfg.Logging.Level)
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stderr"
	}

	if cfg.ISCSI.IQNPrefix == "" {
		cfg.ISCSI.IQNPrefix = iscsi.DefaultIQNPrefix
	}

	if cfg.State.Type == "" {
		cfg.State.Type = "memory"
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Address == "" {
		cfg.Metrics.Address = DefaultMetricsAddress
	}

	for i := range cfg.Nexus {
		cfg.Nexus[i].Share = strings.ToLower(strings.TrimSpace(cfg.Nexus[i].Share))
	}
}
