// Package config loads the daemon configuration from a YAML file with
// GONEXUS_* environment overrides.
package config

import (
	"fmt"
	"strings"

	"github.com/rclone/gonexus/iscsi"
	"github.com/rclone/gonexus/nbd"
	"github.com/rclone/gonexus/state"
	"github.com/spf13/viper"
)

// Config is the whole daemon configuration
type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Daemon  DaemonConfig  `mapstructure:"daemon"`
	Bdevs   []BdevConfig  `mapstructure:"bdevs" validate:"dive"`
	Nexus   []NexusConfig `mapstructure:"nexus" validate:"dive"`
	NBD     NBDConfig     `mapstructure:"nbd"`
	ISCSI   iscsi.Config  `mapstructure:"iscsi"`
	State   state.Config  `mapstructure:"state"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// LoggingConfig says where log lines go and which are kept
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=DEBUG INFO WARN ERROR"`
	Output string `mapstructure:"output"` // stdout, stderr or a file path
}

// DaemonConfig controls detaching from the terminal
type DaemonConfig struct {
	PidFile string `mapstructure:"pid_file"`
	LogFile string `mapstructure:"log_file"` // where the detached child's stdout and stderr go
	WorkDir string `mapstructure:"work_dir"`
}

// BdevConfig describes a base device. Everything besides name and driver is
// handed to the driver.
type BdevConfig struct {
	Name   string         `mapstructure:"name" validate:"required"`
	Driver string         `mapstructure:"driver" validate:"required"`
	Params map[string]any `mapstructure:",remain"`
}

// NexusConfig describes a nexus and how it is shared at startup
type NexusConfig struct {
	Name     string   `mapstructure:"name" validate:"required"`
	Children []string `mapstructure:"children" validate:"min=1,dive,required"`
	Share    string   `mapstructure:"share"` // protocol name, empty to leave unshared
	Key      string   `mapstructure:"key"`   // encryption key, empty for none
}

// NBDConfig holds the NBD listeners
type NBDConfig struct {
	Servers []nbd.ServerConfig `mapstructure:"servers" validate:"dive"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

// Load reads the configuration file at path, applies environment overrides
// and defaults, and validates the result. An empty path reads nothing but
// the environment.
func Load(path string) (*Config, error) {
	v := viper.New()

	// GONEXUS_LOGGING_LEVEL=DEBUG overrides logging.level
	v.SetEnvPrefix("GONEXUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range []string{"logging.level", "logging.output", "daemon.pid_file", "daemon.log_file", "state.type", "state.path", "metrics.enabled", "metrics.address"} {
		_ = v.BindEnv(key)
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}
