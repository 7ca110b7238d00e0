// Package state journals which nexuses are shared. A record is written after
// each successful share and removed after unshare, so records found at
// startup are what an unclean shutdown left exported.
package state

import (
	"fmt"
	"time"

	"golang.org/x/net/context"
	"gopkg.in/yaml.v2"
)

// Record describes one shared nexus
type Record struct {
	Nexus    string    `yaml:"nexus"`
	Protocol string    `yaml:"protocol"`
	Handle   string    `yaml:"handle"`           // device handed to the exporter
	Target   string    `yaml:"target,omitempty"` // NBD URI or IQN
	SharedAt time.Time `yaml:"shared_at"`
}

// Store persists records keyed by nexus name
type Store interface {
	Put(ctx context.Context, r Record) error
	Delete(ctx context.Context, nexus string) error
	List(ctx context.Context) ([]Record, error) // sorted by nexus name
	Close() error
}

// Config selects and configures a Store
type Config struct {
	Type string `mapstructure:"type" validate:"omitempty,oneof=memory badger"` // memory if empty
	Path string `mapstructure:"path" validate:"required_if=Type badger"`       // badger directory
}

// Open returns the store described by cfg
func Open(cfg Config) (Store, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemory(), nil
	case "badger":
		return NewBadger(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown state store type %q", cfg.Type)
	}
}

func encode(r Record) ([]byte, error) {
	return yaml.Marshal(r)
}

func decode(b []byte) (Record, error) {
	var r Record
	if err := yaml.Unmarshal(b, &r); err != nil {
		return Record{}, fmt.Errorf("corrupt share record: %w", err)
	}
	return r, nil
}
