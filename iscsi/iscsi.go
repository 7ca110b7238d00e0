// Package iscsi keeps the iSCSI targets of a node: one target per exported
// device, named <prefix>:<device>, with the initiators logged in to it.
//
// Only the target table is kept here; PDUs are handled elsewhere.
package iscsi

import (
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/rclone/gonexus/bdev"
	"github.com/rclone/gonexus/completion"
	"golang.org/x/net/context"
	"golang.org/x/sys/unix"
)

// DefaultIQNPrefix is the prefix target names are built from
const DefaultIQNPrefix = "iqn.2019-05.io.openebs"

// Config holds the configuration of the iSCSI service
type Config struct {
	Enabled   bool   `mapstructure:"enabled"`
	IQNPrefix string `mapstructure:"iqn_prefix"` // DefaultIQNPrefix if empty
	Portal    string `mapstructure:"portal"`     // address initiators are told to connect to
}

// Service holds the targets
type Service struct {
	logger  *log.Logger
	devices *bdev.Registry
	prefix  string
	portal  string

	mu      sync.Mutex
	targets map[string]*Target
}

// Target is a device exported over iSCSI
type Target struct {
	svc  *Service
	iqn  string
	desc *bdev.Descriptor

	mu        sync.Mutex // protects the fields below
	sessions  map[string]time.Time
	destroyed bool
}

// NewService returns an empty target table exporting devices of devices
func NewService(logger *log.Logger, devices *bdev.Registry, cfg Config) *Service {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	prefix := cfg.IQNPrefix
	if prefix == "" {
		prefix = DefaultIQNPrefix
	}
	return &Service{
		logger:  logger,
		devices: devices,
		prefix:  prefix,
		portal:  cfg.Portal,
		targets: make(map[string]*Target),
	}
}

// IQN returns the name of the target for the device called name
func (s *Service) IQN(name string) string {
	return s.prefix + ":" + name
}

// Create exports the device called name as a target. The device is held
// open until the target is destroyed.
func (s *Service) Create(ctx context.Context, name string) (*Target, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	iqn := s.IQN(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.targets[iqn]; ok {
		return nil, fmt.Errorf("iscsi: target %s: %w", iqn, unix.EEXIST)
	}
	d, err := s.devices.Open(name)
	if err != nil {
		return nil, fmt.Errorf("iscsi: open %s: %w", name, err)
	}
	t := &Target{
		svc:      s,
		iqn:      iqn,
		desc:     d,
		sessions: make(map[string]time.Time),
	}
	s.targets[iqn] = t
	s.logger.Printf("[INFO] Created iSCSI target %s on portal %s", iqn, s.portal)
	return t, nil
}

// Targets returns the names of the current targets, sorted
func (s *Service) Targets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	iqns := make([]string, 0, len(s.targets))
	for iqn := range s.targets {
		iqns = append(iqns, iqn)
	}
	sort.Strings(iqns)
	return iqns
}

// Lookup returns the target called iqn
func (s *Service) Lookup(iqn string) (*Target, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[iqn]
	return t, ok
}

// IQN returns the target name
func (t *Target) IQN() string {
	return t.iqn
}

// Portal returns the address initiators connect to
func (t *Target) Portal() string {
	return t.svc.portal
}

// Device returns the exported device
func (t *Target) Device() bdev.Device {
	return t.desc.Device()
}

// Login records a session of initiator
func (t *Target) Login(initiator string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyed {
		return unix.ESHUTDOWN
	}
	if _, ok := t.sessions[initiator]; ok {
		return unix.EEXIST
	}
	t.sessions[initiator] = time.Now()
	t.svc.logger.Printf("[INFO] %s logged in to %s", initiator, t.iqn)
	return nil
}

// Logout ends the session of initiator
func (t *Target) Logout(initiator string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.sessions[initiator]; !ok {
		return unix.ENOENT
	}
	delete(t.sessions, initiator)
	t.svc.logger.Printf("[INFO] %s logged out of %s", initiator, t.iqn)
	return nil
}

// Sessions returns the initiators logged in, sorted
func (t *Target) Sessions() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	initiators := make([]string, 0, len(t.sessions))
	for initiator := range t.sessions {
		initiators = append(initiators, initiator)
	}
	sort.Strings(initiators)
	return initiators
}

// Destroy logs out every session, removes the target and releases the
// device. The teardown runs on its own goroutine; Destroy waits for it.
func (t *Target) Destroy(ctx context.Context) {
	s, r := completion.New()
	go t.teardown(s.Done)
	if err := r.Wait(); err != nil {
		t.svc.logger.Printf("[WARN] Could not destroy iSCSI target %s: %v", t.iqn, err)
	}
}

func (t *Target) teardown(done func(status int)) {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		done(-int(unix.ENOENT))
		return
	}
	t.destroyed = true
	for initiator := range t.sessions {
		t.svc.logger.Printf("[INFO] Logging %s out of %s", initiator, t.iqn)
		delete(t.sessions, initiator)
	}
	t.mu.Unlock()

	t.svc.mu.Lock()
	delete(t.svc.targets, t.iqn)
	t.svc.mu.Unlock()

	t.desc.Close()
	t.svc.logger.Printf("[INFO] Destroyed iSCSI target %s", t.iqn)
	done(0)
}
