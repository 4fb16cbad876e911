// Package config defines the daemon's configuration surface and the kong
// loaders that populate it from flags, environment variables, and config
// files (JSON, YAML, or TOML, auto-detected by extension).
package config

import "time"

// ServerConfig is the full configuration surface for the "server" command.
type ServerConfig struct {
	Addr                    string        `help:"USB/IP server listen address" default:":3240" env:"USBIPD_ADDR"`
	Backend                 string        `help:"Backend implementation: real, simulated, or mock" enum:"real,simulated,mock" default:"real" env:"USBIPD_BACKEND"`
	MaxConnections          int           `help:"Maximum concurrent client connections" default:"32" env:"USBIPD_MAX_CONNECTIONS"`
	ConnectionTimeout       time.Duration `help:"Time a new connection has to send its first request; imported connections have no idle timeout" default:"30s" env:"USBIPD_CONNECTION_TIMEOUT"`
	ShutdownTimeout         time.Duration `help:"Maximum time to wait for in-flight URBs to drain on shutdown" default:"5s" env:"USBIPD_SHUTDOWN_TIMEOUT"`
	WriteBatchFlushInterval time.Duration `help:"Interval to flush batched writes to clients; 0 disables batching" default:"1ms" env:"USBIPD_WRITE_BATCH_FLUSH_INTERVAL"`
	MaxPayloadBytes         uint32        `help:"Upper bound on a single URB transfer buffer length" default:"16777216" env:"USBIPD_MAX_PAYLOAD_BYTES"`
	LogLevel                string        `help:"Log level: trace, debug, info, warn, error" enum:"trace,debug,info,warn,error" default:"info" env:"USBIPD_LOG_LEVEL"`
	LogFile                 string        `help:"Optional path to mirror logs to, in addition to stdout/stderr" env:"USBIPD_LOG_FILE"`
	WireTraceFile           string        `help:"Optional path to write a raw hex dump of every frame for protocol debugging" env:"USBIPD_WIRE_TRACE_FILE"`
	BindingsPath            string        `help:"Path to the persisted device binding store (defaults to the platform state directory)" env:"USBIPD_BINDINGS_PATH"`
}
