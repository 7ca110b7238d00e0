// Package server runs a gonexus node: it builds the configured block
// devices and nexuses, shares them, and tears everything down on exit.
package server

import (
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rclone/gonexus/bdev"
	"github.com/rclone/gonexus/config"
	"github.com/rclone/gonexus/iscsi"
	"github.com/rclone/gonexus/logging"
	"github.com/rclone/gonexus/metrics"
	"github.com/rclone/gonexus/nbd"
	"github.com/rclone/gonexus/nexus"
	"github.com/rclone/gonexus/state"
	"github.com/sevlyar/go-daemon"
	"golang.org/x/net/context"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v2"
)

// Options controls Run
type Options struct {
	ConfigFile string      // configuration file, empty for environment only
	Foreground bool        // do not detach
	Logger     *log.Logger // overrides the configured logger
}

// Control lets the caller stop a running server
type Control struct {
	quit chan struct{}
}

// NewControl returns a Control for Run
func NewControl() *Control {
	return &Control{quit: make(chan struct{})}
}

// Stop asks Run to shut down. It must be called at most once.
func (c *Control) Stop() {
	close(c.quit)
}

// Run loads the configuration and runs the node until it receives SIGINT or
// SIGTERM, or until control is stopped. control may be nil.
func Run(opts Options, control *Control) error {
	if opts.ConfigFile != "" {
		// the daemon child starts in another directory
		abs, err := filepath.Abs(opts.ConfigFile)
		if err != nil {
			return err
		}
		opts.ConfigFile = abs
	}
	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		return err
	}

	if !opts.Foreground {
		parent, release, err := daemonize(cfg.Daemon)
		if err != nil {
			return err
		}
		if parent {
			return nil
		}
		defer release()
	}

	logger := opts.Logger
	if logger == nil {
		var closer io.Closer
		logger, closer, err = logging.New(cfg.Logging)
		if err != nil {
			return err
		}
		defer closer.Close()
	}

	var quit <-chan struct{}
	if control != nil {
		quit = control.quit
	}
	return run(cfg, logger, quit)
}

// daemonize detaches the process. In the parent it returns true; the child
// carries on and must call release on exit.
func daemonize(cfg config.DaemonConfig) (bool, func(), error) {
	workDir := cfg.WorkDir
	if workDir == "" {
		workDir = "/"
	}
	dctx := &daemon.Context{
		PidFileName: cfg.PidFile,
		PidFilePerm: 0o644,
		LogFileName: cfg.LogFile,
		LogFilePerm: 0o640,
		WorkDir:     workDir,
		Umask:       0o027,
	}
	child, err := dctx.Reborn()
	if err != nil {
		return false, nil, fmt.Errorf("could not daemonize: %w", err)
	}
	if child != nil {
		return true, nil, nil
	}
	return false, func() { _ = dctx.Release() }, nil
}

// node holds what run builds, in the order it is torn down
type node struct {
	logger     *log.Logger
	store      state.Store
	devices    *bdev.Registry
	nbd        *nbd.Server
	supervisor *Supervisor
}

func run(cfg *config.Config, logger *log.Logger, quit <-chan struct{}) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	shareMetrics := metrics.NewNoop()
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		shareMetrics = metrics.New(reg)
		ln, err := net.Listen("tcp", cfg.Metrics.Address)
		if err != nil {
			return fmt.Errorf("could not listen for metrics: %w", err)
		}
		g.Go(func() error {
			return metrics.Serve(gctx, ln, reg, logger)
		})
	}

	n, err := build(ctx, cfg, logger, shareMetrics)
	if err != nil {
		cancel()
		_ = g.Wait()
		return err
	}
	logger.Printf("[INFO] Started with %d device(s) and %d nexus(es)", len(cfg.Bdevs), len(cfg.Nexus))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

wait:
	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				n.supervisor.LogShares()
				continue
			}
			logger.Printf("[INFO] Received %v, shutting down", sig)
			break wait
		case <-quit:
			logger.Printf("[INFO] Shutting down")
			break wait
		case <-gctx.Done():
			logger.Printf("[ERROR] Shutting down after a failure")
			break wait
		}
	}

	err = n.shutdown(context.Background())
	cancel()
	if gerr := g.Wait(); err == nil {
		err = gerr
	}
	logger.Printf("[INFO] Stopped")
	return err
}

// build brings up the node described by cfg. On error whatever was built
// is torn down again.
func build(ctx context.Context, cfg *config.Config, logger *log.Logger, m metrics.ShareMetrics) (_ *node, err error) {
	n := &node{logger: logger}
	defer func() {
		if err != nil {
			_ = n.shutdown(context.Background())
		}
	}()

	n.store, err = state.Open(cfg.State)
	if err != nil {
		return nil, err
	}
	records, err := n.store.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		logger.Printf("[WARN] Nexus %s was still shared over %s as %s when last stopped", r.Nexus, r.Protocol, r.Handle)
		if err := n.store.Delete(ctx, r.Nexus); err != nil {
			return nil, err
		}
	}

	n.devices = bdev.NewRegistry(logger)
	for _, bc := range cfg.Bdevs {
		dev, err := bdev.NewDevice(ctx, bc.Driver, bc.Name, bc.Params)
		if err != nil {
			return nil, fmt.Errorf("bdev %s: %w", bc.Name, err)
		}
		if err := n.devices.Register(dev); err != nil {
			_ = dev.Close(ctx)
			return nil, fmt.Errorf("bdev %s: %w", bc.Name, err)
		}
		logger.Printf("[INFO] Created %s bdev %s (%d bytes)", bc.Driver, bc.Name, dev.Size())
	}

	opts := nexus.Options{
		Devices: n.devices,
		Logger:  logger,
	}

	if len(cfg.NBD.Servers) > 0 {
		n.nbd = nbd.NewServer(logger, cfg.NBD.Servers)
		if err := n.nbd.Start(ctx); err != nil {
			return nil, err
		}
		exporter := nbd.NewExporter(n.nbd, n.devices)
		opts.Nbd = nexus.NbdExporterFunc(func(ctx context.Context, name string) (nexus.NbdDisk, error) {
			d, err := exporter.Create(ctx, name)
			if err != nil {
				return nil, err
			}
			return d, nil
		})
	}

	if cfg.ISCSI.Enabled {
		service := iscsi.NewService(logger, n.devices, cfg.ISCSI)
		opts.Iscsi = nexus.IscsiExporterFunc(func(ctx context.Context, name string) (nexus.IscsiTarget, error) {
			t, err := service.Create(ctx, name)
			if err != nil {
				return nil, err
			}
			return t, nil
		})
	}

	n.supervisor = NewSupervisor(logger, m, n.store)
	for _, nc := range cfg.Nexus {
		nx, err := nexus.Create(ctx, nc.Name, nc.Children, n.devices, opts)
		if err != nil {
			return nil, err
		}
		if err := n.supervisor.Add(nx); err != nil {
			return nil, err
		}
	}

	for _, nc := range cfg.Nexus {
		if nc.Share == "" || nc.Share == "none" {
			continue
		}
		protocol, err := nexus.ParseShareProtocol(nc.Share)
		if err != nil {
			return nil, err
		}
		path, err := n.supervisor.Share(ctx, nc.Name, protocol, nc.Key)
		if err != nil {
			return nil, err
		}
		logger.Printf("[INFO] Shared nexus %s over %v at %s", nc.Name, protocol, path)
	}
	return n, nil
}

// shutdown tears the node down in reverse order of construction
func (n *node) shutdown(ctx context.Context) error {
	var err error
	if n.supervisor != nil {
		err = n.supervisor.DestroyAll(ctx)
	}
	if n.nbd != nil {
		n.nbd.Close()
	}
	if n.devices != nil {
		n.devices.Close()
	}
	if n.store != nil {
		if cerr := n.store.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Status writes the share journal of the node configured by opts as YAML
func Status(opts Options, w io.Writer) error {
	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		return err
	}
	store, err := state.Open(cfg.State)
	if err != nil {
		return fmt.Errorf("could not open state (is the daemon running?): %w", err)
	}
	defer store.Close()
	records, err := store.List(context.Background())
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(records)
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}
