package server

import (
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/rclone/gonexus/metrics"
	"github.com/rclone/gonexus/nexus"
	"github.com/rclone/gonexus/state"
	"golang.org/x/net/context"
	"golang.org/x/sys/unix"
)

// Supervisor owns the nexuses of a node. Share and Unshare of one nexus are
// serialised; different nexuses proceed in parallel.
type Supervisor struct {
	logger  *log.Logger
	metrics metrics.ShareMetrics
	store   state.Store

	mu      sync.Mutex // protects nexuses and order
	nexuses map[string]*supervised
	order   []string // creation order
}

type supervised struct {
	mu sync.Mutex // serialises operations on n
	n  *nexus.Nexus
}

// ShareStatus is a row of the share table
type ShareStatus struct {
	Nexus string
	nexus.ShareInfo
}

// NewSupervisor returns an empty supervisor. Nil metrics or store disable
// recording.
func NewSupervisor(logger *log.Logger, m metrics.ShareMetrics, store state.Store) *Supervisor {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if m == nil {
		m = metrics.NewNoop()
	}
	if store == nil {
		store = state.NewMemory()
	}
	return &Supervisor{
		logger:  logger,
		metrics: m,
		store:   store,
		nexuses: make(map[string]*supervised),
	}
}

// Add puts n under supervision
func (s *Supervisor) Add(n *nexus.Nexus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nexuses[n.Name()]; ok {
		return fmt.Errorf("nexus %s: %w", n.Name(), unix.EEXIST)
	}
	s.nexuses[n.Name()] = &supervised{n: n}
	s.order = append(s.order, n.Name())
	return nil
}

// get returns the nexus called name locked for an operation
func (s *Supervisor) get(name string) (*supervised, error) {
	s.mu.Lock()
	e, ok := s.nexuses[name]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("nexus %s: %w", name, unix.ENOENT)
	}
	e.mu.Lock()
	return e, nil
}

// Share shares the nexus called name and journals the result
func (s *Supervisor) Share(ctx context.Context, name string, protocol nexus.ShareProtocol, key string) (string, error) {
	e, err := s.get(name)
	if err != nil {
		return "", err
	}
	defer e.mu.Unlock()

	start := time.Now()
	path, err := e.n.Share(ctx, protocol, key)
	s.metrics.RecordShare(protocolLabel(protocol), time.Since(start), err)
	if err != nil {
		return "", err
	}

	handle, _ := e.n.ShareHandle()
	r := state.Record{
		Nexus:    name,
		Protocol: protocol.String(),
		Handle:   handle,
		Target:   path,
		SharedAt: time.Now().UTC(),
	}
	if err := s.store.Put(ctx, r); err != nil {
		s.logger.Printf("[WARN] Could not journal share of nexus %s: %v", name, err)
	}
	return path, nil
}

// Unshare unshares the nexus called name. The journal entry goes as soon as
// the nexus is no longer exported, even if cleaning up behind the export
// failed.
func (s *Supervisor) Unshare(ctx context.Context, name string) error {
	e, err := s.get(name)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()
	return s.unshare(ctx, e)
}

// unshare is Unshare with e already locked
func (s *Supervisor) unshare(ctx context.Context, e *supervised) error {
	protocol := e.n.ShareProtocol()
	start := time.Now()
	err := e.n.Unshare(ctx)
	unshared := e.n.ShareProtocol() == nexus.ShareNone
	s.metrics.RecordUnshare(protocolLabel(protocol), time.Since(start), err, unshared && protocol != nexus.ShareNone)
	if unshared {
		if err := s.store.Delete(ctx, e.n.Name()); err != nil {
			s.logger.Printf("[WARN] Could not journal unshare of nexus %s: %v", e.n.Name(), err)
		}
	}
	return err
}

// protocolLabel names protocol for metrics, folding unknown values into one
// label
func protocolLabel(protocol nexus.ShareProtocol) string {
	switch protocol {
	case nexus.ShareNone, nexus.ShareNvmf, nexus.ShareIscsi, nexus.ShareNbd:
		return protocol.String()
	}
	return "invalid"
}

// Shares returns the share table in creation order
func (s *Supervisor) Shares() []ShareStatus {
	s.mu.Lock()
	entries := make([]*supervised, 0, len(s.order))
	for _, name := range s.order {
		entries = append(entries, s.nexuses[name])
	}
	s.mu.Unlock()

	table := make([]ShareStatus, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		table = append(table, ShareStatus{Nexus: e.n.Name(), ShareInfo: e.n.ShareInfo()})
		e.mu.Unlock()
	}
	return table
}

// LogShares writes the share table to the log
func (s *Supervisor) LogShares() {
	table := s.Shares()
	s.logger.Printf("[INFO] %d nexus(es)", len(table))
	for _, row := range table {
		switch row.Protocol {
		case nexus.ShareNone:
			s.logger.Printf("[INFO]   %s: not shared", row.Nexus)
		case nexus.ShareNbd:
			s.logger.Printf("[INFO]   %s: nbd as %s at %s", row.Nexus, row.Handle, row.Path)
		case nexus.ShareIscsi:
			s.logger.Printf("[INFO]   %s: iscsi as %s target %s", row.Nexus, row.Handle, row.IQN)
		}
	}
}

// DestroyAll unshares and destroys every nexus, newest first. It carries on
// past failures and returns the first.
func (s *Supervisor) DestroyAll(ctx context.Context) error {
	s.mu.Lock()
	order := s.order
	s.order = nil
	entries := make([]*supervised, len(order))
	for i, name := range order {
		entries[i] = s.nexuses[name]
		delete(s.nexuses, name)
	}
	s.mu.Unlock()

	var first error
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		e.mu.Lock()
		var err error
		if e.n.ShareProtocol() != nexus.ShareNone {
			err = s.unshare(ctx, e)
		}
		if err == nil {
			err = e.n.Destroy(ctx)
		}
		e.mu.Unlock()
		if err != nil {
			s.logger.Printf("[ERROR] Could not destroy nexus %s: %v", e.n.Name(), err)
			if first == nil {
				first = err
			}
		}
	}
	return first
}
