package nbd

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/url"
	"os"
	"sort"
	"sync"

	"golang.org/x/net/context"
	"golang.org/x/sys/unix"
)

// Server is a set of NBD listeners sharing one export table. Exports may be
// added and removed while it runs.
type Server struct {
	logger  *log.Logger
	configs []ServerConfig

	mu        sync.Mutex // protects the fields below
	exports   map[string]*Export
	conns     map[*Connection]struct{}
	listeners []*Listener
	cancel    context.CancelFunc
	closed    bool

	wg sync.WaitGroup // listeners and sessions
}

// Listener is a single listening socket of a Server
type Listener struct {
	server    *Server
	logger    *log.Logger
	config    ServerConfig
	ln        net.Listener
	tlsconfig *tls.Config
}

// NewServer returns a server for configs. Nothing listens until Start.
func NewServer(logger *log.Logger, configs []ServerConfig) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{
		logger:  logger,
		configs: configs,
		exports: make(map[string]*Export),
		conns:   make(map[*Connection]struct{}),
	}
}

// Start binds every configured listener and starts accepting connections.
// If any listener can not be created none are left running.
func (s *Server) Start(parentCtx context.Context) error {
	ctx, cancel := context.WithCancel(parentCtx)
	var listeners []*Listener
	for _, sc := range s.configs {
		l, err := NewListener(s, sc)
		if err != nil {
			cancel()
			for _, l := range listeners {
				_ = l.ln.Close()
			}
			return fmt.Errorf("could not create listener for %s:%s: %w", sc.Protocol, sc.Address, err)
		}
		listeners = append(listeners, l)
	}

	s.mu.Lock()
	s.listeners = listeners
	s.cancel = cancel
	s.mu.Unlock()

	for _, l := range listeners {
		s.wg.Add(1)
		go func(l *Listener) {
			defer s.wg.Done()
			l.Listen(ctx)
		}(l)
	}
	return nil
}

// Close stops the listeners, kills every connection and waits for them to
// finish. The export table is left alone.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
	for _, l := range s.listeners {
		_ = l.ln.Close()
	}
	for c := range s.conns {
		c.Kill()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// AddExport publishes e. Its name must not be in use.
func (s *Server) AddExport(e *Export) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.exports[e.name]; ok {
		return unix.EEXIST
	}
	s.exports[e.name] = e
	s.logger.Printf("[INFO] Exporting %s (%d bytes)", e.name, e.size)
	return nil
}

// RemoveExport unpublishes the export called name. Connections to it are
// killed and have finished with the device when RemoveExport returns.
func (s *Server) RemoveExport(name string) error {
	s.mu.Lock()
	e, ok := s.exports[name]
	if !ok {
		s.mu.Unlock()
		return unix.ENOENT
	}
	delete(s.exports, name)
	conns := make([]*Connection, 0, len(e.conns))
	for c := range e.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Kill()
	}
	for _, c := range conns {
		<-c.closed
	}
	s.logger.Printf("[INFO] Stopped exporting %s, %d connection(s) closed", name, len(conns))
	return nil
}

// Exports returns the names of the current exports, sorted
func (s *Server) Exports() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.exports))
	for name := range s.exports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Connections returns the number of connections transmitting to name
func (s *Server) Connections(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.exports[name]; ok {
		return len(e.conns)
	}
	return 0
}

// URI returns where clients find the export called name, using the first
// listener.
func (s *Server) URI(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.listeners) == 0 {
		return "", errors.New("nbd server is not listening")
	}
	return s.listeners[0].URI(name), nil
}

// lookup finds an export without attaching to it
func (s *Server) lookup(name string) (*Export, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.exports[name]
	if !ok {
		return nil, errors.New("no such export")
	}
	return e, nil
}

// attach finds an export and records c as transmitting to it
func (s *Server) attach(c *Connection, name string) (*Export, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.exports[name]
	if !ok {
		return nil, errors.New("no such export")
	}
	e.conns[c] = struct{}{}
	return e, nil
}

// detach undoes attach
func (s *Server) detach(c *Connection, e *Export) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(e.conns, c)
}

// track records a live connection; it fails once the server is closed
func (s *Server) track(c *Connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c *Connection) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.wg.Done()
}

// NewListener binds the socket described by sc
func NewListener(s *Server, sc ServerConfig) (*Listener, error) {
	tlsconfig, err := sc.TLS.build()
	if err != nil {
		return nil, err
	}
	if sc.Protocol == "unix" {
		// a socket left over from an unclean exit
		if err := os.Remove(sc.Address); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}
	ln, err := net.Listen(sc.Protocol, sc.Address)
	if err != nil {
		return nil, err
	}
	return &Listener{
		server:    s,
		logger:    s.logger,
		config:    sc,
		ln:        ln,
		tlsconfig: tlsconfig,
	}, nil
}

// Listen accepts connections until the listener is closed or ctx is done
func (l *Listener) Listen(ctx context.Context) {
	addr := l.config.Protocol + ":" + l.config.Address
	l.logger.Printf("[INFO] Starting listening on %s", addr)
	defer l.logger.Printf("[INFO] Stopping listening on %s", addr)

	go func() {
		<-ctx.Done()
		_ = l.ln.Close()
	}()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				l.logger.Printf("[ERROR] Error %v accepting on %s", err, addr)
			}
			return
		}
		c := newConnection(l, l.logger, conn)
		if !l.server.track(c) {
			_ = conn.Close()
			return
		}
		l.logger.Printf("[INFO] Connect from %s on %s", conn.RemoteAddr(), addr)
		go func() {
			defer l.server.untrack(c)
			c.Serve(ctx)
		}()
	}
}

// URI returns the NBD URI of the export called name on this listener:
// nbd://host:port/name over TCP or nbd+unix:///name?socket=path over a unix
// socket, with nbds in place of nbd when TLS is offered.
func (l *Listener) URI(name string) string {
	scheme := "nbd"
	if l.tlsconfig != nil {
		scheme = "nbds"
	}
	addr := l.ln.Addr()
	if addr.Network() == "unix" {
		return fmt.Sprintf("%s+unix:///%s?socket=%s", scheme, url.PathEscape(name), addr.String())
	}
	return fmt.Sprintf("%s://%s/%s", scheme, addr.String(), url.PathEscape(name))
}
