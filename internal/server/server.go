// Package server wires the host daemon's pieces together: a USB backend, the
// device registry that watches it for hotplug changes, the binding store
// that decides which devices are exported, the claim manager that enforces
// single-owner access, and the dispatcher that speaks the wire protocol to
// clients. Run owns the lifetime of all of it.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaygo/usbipd/internal/backend"
	"github.com/relaygo/usbipd/internal/backend/mockbackend"
	"github.com/relaygo/usbipd/internal/backend/simulated"
	"github.com/relaygo/usbipd/internal/binding"
	"github.com/relaygo/usbipd/internal/claim"
	"github.com/relaygo/usbipd/internal/config"
	"github.com/relaygo/usbipd/internal/configpaths"
	"github.com/relaygo/usbipd/internal/dispatcher"
	"github.com/relaygo/usbipd/internal/obslog"
	"github.com/relaygo/usbipd/internal/registry"
)

// registryPollInterval is how often the registry re-enumerates the backend
// looking for attached/removed devices. Real USB hotplug notification is
// backend-specific and not available through gousb, so we poll.
const registryPollInterval = 2 * time.Second

// Server is the assembled daemon: everything needed to accept USB/IP
// connections and answer them against a concrete backend.
type Server struct {
	cfg        config.ServerConfig
	logger     *slog.Logger
	closers    []closerFunc
	Backend    backend.UsbBackend
	Registry   *registry.Registry
	Claims     *claim.Manager
	Bindings   *binding.Store
	Dispatcher *dispatcher.Dispatcher

	cancel context.CancelFunc
	errCh  chan error
}

type closerFunc func() error

// New resolves cfg into a Backend implementation, sets up logging, loads the
// persisted binding store, and assembles the dispatcher. Its I/O is limited
// to opening the log and wire-trace files, creating the bindings directory,
// and loading the binding store; Run starts the network listener and the
// registry watch loop.
func New(cfg config.ServerConfig) (*Server, error) {
	logger, logClosers, err := obslog.Setup(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return nil, fmt.Errorf("setting up logging: %w", err)
	}

	b, err := ResolveBackend(cfg.Backend)
	if err != nil {
		return nil, err
	}

	bindingsPath := cfg.BindingsPath
	if bindingsPath == "" {
		bindingsPath, err = configpaths.DefaultBindingsPath()
		if err != nil {
			return nil, fmt.Errorf("resolving bindings path: %w", err)
		}
	}
	if err := configpaths.EnsureDir(bindingsPath); err != nil {
		return nil, fmt.Errorf("creating bindings directory: %w", err)
	}
	store, err := binding.New(&binding.FileConfigStore{Path: bindingsPath})
	if err != nil {
		return nil, fmt.Errorf("loading bindings from %s: %w", bindingsPath, err)
	}

	reg := registry.New(b, logger)
	claims := claim.New(b)

	var tracer obslog.WireTracer
	var traceCloser closerFunc
	if cfg.WireTraceFile != "" {
		tracer, traceCloser, err = obslog.OpenWireTracer(cfg.WireTraceFile)
		if err != nil {
			return nil, fmt.Errorf("opening wire trace file: %w", err)
		}
	}

	disp := dispatcher.New(dispatcher.Config{
		Addr:                    cfg.Addr,
		MaxConnections:          cfg.MaxConnections,
		ConnectionTimeout:       cfg.ConnectionTimeout,
		ShutdownTimeout:         cfg.ShutdownTimeout,
		WriteBatchFlushInterval: cfg.WriteBatchFlushInterval,
		MaxPayloadBytes:         cfg.MaxPayloadBytes,
	}, logger, reg, claims, store, tracer)

	closers := make([]closerFunc, 0, len(logClosers)+1)
	for _, c := range logClosers {
		c := c
		closers = append(closers, func() error { return c.Close() })
	}
	if traceCloser != nil {
		closers = append(closers, traceCloser)
	}

	return &Server{
		cfg:        cfg,
		logger:     logger,
		closers:    closers,
		Backend:    b,
		Registry:   reg,
		Claims:     claims,
		Bindings:   store,
		Dispatcher: disp,
	}, nil
}

// ResolveBackend constructs the backend.UsbBackend implementation named by
// cfg.Backend ("real", "simulated", or "mock"), so CLI commands that only
// need to enumerate or bind devices can do so without assembling a full
// Server.
func ResolveBackend(name string) (backend.UsbBackend, error) {
	switch name {
	case "", "real":
		return newRealBackend()
	case "simulated":
		return demoSimulatedBackend(), nil
	case "mock":
		return &mockbackend.Backend{}, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", name)
	}
}

// Logger exposes the configured logger, mainly so cmd/usbipd can log
// top-level lifecycle events with the same handler.
func (s *Server) Logger() *slog.Logger { return s.logger }

// Status is a point-in-time snapshot of the daemon's running state.
type Status struct {
	Running        bool
	Addr           string
	Connections    int
	ClaimedDevices []string
}

// Status reports whether the dispatcher is listening and, if so, how many
// connections and device claims are currently active.
func (s *Server) Status() Status {
	select {
	case <-s.Dispatcher.Ready():
	default:
		return Status{Running: false}
	}
	return Status{
		Running:        true,
		Addr:           s.Dispatcher.Addr(),
		Connections:    s.Dispatcher.ActiveConnections(),
		ClaimedDevices: s.Claims.ClaimedBusIDs(),
	}
}

// demoSimulatedBackend registers a single mass-storage-class device so the
// simulated backend has something to list and import out of the box.
func demoSimulatedBackend() backend.UsbBackend {
	b := simulated.New()
	b.Register("1-1", 1, 1, simulated.DeviceSpec{
		Descriptor: backend.Descriptor{
			Path:               "1-1",
			IDVendor:           0x0781,
			IDProduct:          0x5567,
			BcdDevice:          0x0100,
			Speed:              backend.SpeedHigh,
			DeviceClass:        0x00,
			DeviceSubClass:     0x00,
			DeviceProtocol:     0x00,
			ConfigurationValue: 1,
			NumConfigurations:  1,
			Interfaces: []backend.InterfaceDescriptor{
				{Class: 0x08, SubClass: 0x06, Protocol: 0x50},
			},
		},
	})
	return b
}

// Run starts the registry watch loop and the dispatcher, and blocks until
// ctx is canceled or the dispatcher exits with an error. It always closes
// every resource it opened before returning.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer cancel()

	go s.Registry.Watch(runCtx, registryPollInterval)

	s.errCh = make(chan error, 1)
	go func() { s.errCh <- s.Dispatcher.ListenAndServe(runCtx) }()

	select {
	case <-s.Dispatcher.Ready():
		s.logger.Info("usbipd listening", "addr", s.Dispatcher.Addr())
	case err := <-s.errCh:
		s.closeResources()
		return err
	}

	select {
	case <-ctx.Done():
		err := s.Close()
		<-s.errCh
		return err
	case err := <-s.errCh:
		s.closeResources()
		return err
	}
}

// Close stops the dispatcher and releases every resource New opened. It is
// safe to call even if Run never completed its startup handshake.
func (s *Server) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	err := s.Dispatcher.Close()
	s.closeResources()
	return err
}

func (s *Server) closeResources() {
	for _, c := range s.closers {
		if cerr := c(); cerr != nil {
			s.logger.Warn("error closing resource", "error", cerr)
		}
	}
}
