// Command usbipd runs the USB/IP host daemon and provides the companion CLI
// for listing, binding, and unbinding devices without having to edit the
// binding store by hand.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"
	kongtoml "github.com/alecthomas/kong-toml"
	kongyaml "github.com/alecthomas/kong-yaml"

	"github.com/relaygo/usbipd/internal/config"
	"github.com/relaygo/usbipd/internal/configpaths"
	"github.com/relaygo/usbipd/internal/server"
)

// CLI is the full set of top-level commands.
type CLI struct {
	Server    serverCmd            `cmd:"" help:"Run the USB/IP host daemon"`
	List      listCmd              `cmd:"" help:"List devices known to the backend and whether they are bound"`
	Bind      bindCmd              `cmd:"" help:"Bind a device so it becomes importable over USB/IP"`
	Unbind    unbindCmd            `cmd:"" help:"Unbind a device, making it no longer importable"`
	Status    statusCmd            `cmd:"" help:"Report whether the daemon is reachable and how many devices it exports"`
	Config    config.ConfigCommand `cmd:"" help:"Manage configuration files"`
	Install   installCmd           `cmd:"" help:"Install usbipd as a systemd service (Linux only)"`
	Uninstall uninstallCmd         `cmd:"" help:"Remove the usbipd systemd service (Linux only)"`

	ConfigFile string `help:"Path to a config file (json/yaml/toml, auto-detected by extension)" env:"USBIPD_CONFIG"`
}

// serverCmd adds the Run method kong invokes for the "server" command;
// config.ServerConfig itself stays free of CLI plumbing.
type serverCmd struct {
	config.ServerConfig
}

func (s *serverCmd) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(s.ServerConfig)
	if err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	return srv.Run(ctx)
}

func main() {
	userCfg := findUserConfig(os.Args[1:])
	jsonPaths, yamlPaths, tomlPaths := configpaths.ConfigCandidatePaths(userCfg)

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("usbipd"),
		kong.Description("USB/IP host daemon: exports locally attached USB devices to remote clients"),
		kong.UsageOnError(),
		kong.Configuration(kong.JSON, jsonPaths...),
		kong.Configuration(kongyaml.Loader, yamlPaths...),
		kong.Configuration(kongtoml.Loader, tomlPaths...),
	)

	err := kctx.Run()
	if err != nil {
		fmt.Fprintln(os.Stderr, "usbipd:", err)
		os.Exit(exitCodeFor(err))
	}
}

func findUserConfig(args []string) string {
	for i := 0; i < len(args); i++ {
		a := args[i]
		if strings.HasPrefix(a, "--config-file=") {
			return a[len("--config-file="):]
		}
		if a == "--config-file" && i+1 < len(args) {
			return args[i+1]
		}
	}
	if v := os.Getenv("USBIPD_CONFIG"); v != "" {
		return v
	}
	return ""
}
