package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/relaygo/usbipd/internal/backend"
	"github.com/relaygo/usbipd/internal/binding"
	"github.com/relaygo/usbipd/internal/configpaths"
	"github.com/relaygo/usbipd/internal/server"
	"github.com/relaygo/usbipd/internal/usbiptest"
)

// codeForEnumerateErr maps a backend enumerate/open failure to the CLI exit
// code it should produce: permission errors (no udev rule, not root) get
// their own code so scripts can tell them apart from a generic failure.
func codeForEnumerateErr(err error) int {
	if os.IsPermission(err) {
		return exitPermissionDenied
	}
	return exitFailure
}

// deviceTools opens just the binding store, without starting the
// dispatcher, for the inspection/bind/unbind commands below.
type deviceTools struct {
	store *binding.Store
}

func openDeviceTools(bindingsPath string) (*deviceTools, error) {
	if bindingsPath == "" {
		var err error
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
	return &deviceTools{store: store}, nil
}

// deviceExists reports whether busID is currently enumerated by b.
func deviceExists(b backend.UsbBackend, busID string) (bool, error) {
	locs, err := b.Enumerate(context.Background())
	if err != nil {
		return false, err
	}
	for _, loc := range locs {
		if loc.BusID == busID {
			return true, nil
		}
	}
	return false, nil
}

type listCmd struct {
	Local        bool   `short:"l" help:"Only list devices not already bound for export"`
	Backend      string `help:"Backend implementation: real, simulated, or mock" enum:"real,simulated,mock" default:"real" env:"USBIPD_BACKEND"`
	BindingsPath string `help:"Path to the persisted device binding store" env:"USBIPD_BINDINGS_PATH"`
}

func (c *listCmd) Run() error {
	b, err := server.ResolveBackend(c.Backend)
	if err != nil {
		return withCode(exitFailure, err)
	}
	tools, err := openDeviceTools(c.BindingsPath)
	if err != nil {
		return withCode(exitFailure, err)
	}

	locs, err := b.Enumerate(context.Background())
	if err != nil {
		return withCode(codeForEnumerateErr(err), fmt.Errorf("enumerate: %w", err))
	}
	if len(locs) == 0 {
		fmt.Println("No devices found.")
		return nil
	}

	for _, loc := range locs {
		bound := tools.store.IsBound(loc.BusID)
		if c.Local && bound {
			continue
		}
		desc, err := b.Describe(context.Background(), loc)
		if err != nil {
			fmt.Printf("%s: describe failed: %v\n", loc.BusID, err)
			continue
		}
		state := "not bound"
		if bound {
			state = "bound"
		}
		fmt.Printf("%-8s %04x:%04x  %s\n", loc.BusID, desc.IDVendor, desc.IDProduct, state)
	}
	return nil
}

func validateBusID(busID string) error {
	if !busIDPattern.MatchString(busID) {
		return withCode(exitInvalidArgs, fmt.Errorf("invalid bus id %q, expected form <bus>-<port> e.g. 1-1", busID))
	}
	return nil
}

type bindCmd struct {
	BusID        string `arg:"" help:"Bus ID of the device to bind, e.g. 1-1"`
	Backend      string `help:"Backend implementation: real, simulated, or mock" enum:"real,simulated,mock" default:"real" env:"USBIPD_BACKEND"`
	BindingsPath string `help:"Path to the persisted device binding store" env:"USBIPD_BINDINGS_PATH"`
}

func (c *bindCmd) Run() error {
	if err := validateBusID(c.BusID); err != nil {
		return err
	}
	b, err := server.ResolveBackend(c.Backend)
	if err != nil {
		return withCode(exitFailure, err)
	}
	exists, err := deviceExists(b, c.BusID)
	if err != nil {
		return withCode(codeForEnumerateErr(err), fmt.Errorf("enumerate: %w", err))
	}
	if !exists {
		return withCode(exitDeviceNotFound, fmt.Errorf("no device at bus id %s", c.BusID))
	}

	tools, err := openDeviceTools(c.BindingsPath)
	if err != nil {
		return withCode(exitFailure, err)
	}
	if err := tools.store.Bind(c.BusID); err != nil {
		return withCode(exitFailure, fmt.Errorf("bind %s: %w", c.BusID, err))
	}
	fmt.Printf("bound %s\n", c.BusID)
	return nil
}

type unbindCmd struct {
	BusID        string `arg:"" help:"Bus ID of the device to unbind, e.g. 1-1"`
	BindingsPath string `help:"Path to the persisted device binding store" env:"USBIPD_BINDINGS_PATH"`
}

func (c *unbindCmd) Run() error {
	if err := validateBusID(c.BusID); err != nil {
		return err
	}
	tools, err := openDeviceTools(c.BindingsPath)
	if err != nil {
		return withCode(exitFailure, err)
	}
	if err := tools.store.Unbind(c.BusID); err != nil {
		return withCode(exitFailure, fmt.Errorf("unbind %s: %w", c.BusID, err))
	}
	fmt.Printf("unbound %s\n", c.BusID)
	return nil
}

type statusCmd struct {
	Addr string `help:"Address the daemon listens on" default:"127.0.0.1:3240"`
}

// Run reports whether a usbipd instance is reachable at Addr, since this
// daemon has no separate control-plane connection to query lifecycle state
// out of band: the wire protocol itself is the only thing to probe.
func (c *statusCmd) Run() error {
	probe, err := net.DialTimeout("tcp", c.Addr, 2*time.Second)
	if err != nil {
		fmt.Printf("running: false  addr: %s\n", c.Addr)
		return withCode(exitFailure, fmt.Errorf("daemon not reachable at %s: %w", c.Addr, err))
	}
	probe.Close()

	devs, err := usbiptest.New(c.Addr).ListDevices()
	if err != nil {
		return withCode(exitFailure, fmt.Errorf("daemon reachable but devlist failed: %w", err))
	}
	fmt.Printf("running: true  addr: %s  exportedDevices: %d\n", c.Addr, len(devs))
	return nil
}
