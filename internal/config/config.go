// Package config owns the two configuration surfaces crabterm reads at
// startup: the CLI flags describing the device to bridge (Config), and the
// optional ~/.crabterm keymap file describing the local console's escape
// sequences (Keymap). Mirrors this codebase's split of one loader per
// config file (internal/config's AgentConfig/ServerConfig), including the
// fail-fast validate() convention.
package config

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/crabterm/crabterm/internal/listener"
)

// DeviceKind mirrors device.Kind without importing the device package,
// keeping config dependency-free of the core it configures.
type DeviceKind string

const (
	DeviceSerial DeviceKind = "serial"
	DeviceTCP    DeviceKind = "tcp"
	DeviceEcho   DeviceKind = "echo"
)

// Config is the CLI-derived configuration surface: which device to bridge,
// on what port clients attach, and every tunable that has no fixed value.
type Config struct {
	Kind       DeviceKind
	SerialPath string
	BaudRate   int
	TCPAddress string

	ListenPort int
	Headless   bool

	SinkCap       int
	DrainDeadline time.Duration
	ReadCap       int
	BackoffMin    time.Duration
	BackoffMax    time.Duration

	LogLevel  string
	LogFormat string
	LogFile   string

	KeymapPath string

	TranscriptEnabled bool
	TranscriptDir     string

	DiagnosticsEnabled  bool
	DiagnosticsInterval time.Duration

	DSCPClass string
}

// Defaults returns a Config with every open tunable set to its documented
// default.
func Defaults() Config {
	return Config{
		Kind:                DeviceEcho,
		BaudRate:            115200,
		ListenPort:          7777,
		SinkCap:             256,
		DrainDeadline:       500 * time.Millisecond,
		ReadCap:             4096,
		BackoffMin:          200 * time.Millisecond,
		BackoffMax:          5 * time.Second,
		LogLevel:            "info",
		LogFormat:           "json",
		KeymapPath:          "~/.crabterm",
		DiagnosticsInterval: 15 * time.Second,
	}
}

// ParseFlags parses args (normally os.Args[1:]) into a Config seeded with
// Defaults(). A bare positional argument is the device spec: a path
// (serial), host:port (TCP), or the literal "echo".
func ParseFlags(args []string) (Config, error) {
	cfg := Defaults()
	fs := flag.NewFlagSet("crabterm", flag.ContinueOnError)

	baud := fs.Int("b", cfg.BaudRate, "serial baud rate")
	port := fs.Int("p", cfg.ListenPort, "TCP listen port for remote clients")
	headless := fs.Bool("headless", false, "do not attach the local console")
	keymapPath := fs.String("keymap", cfg.KeymapPath, "path to the console keymap YAML file")
	logLevel := fs.String("log-level", cfg.LogLevel, "debug|info|warn|error")
	logFormat := fs.String("log-format", cfg.LogFormat, "json|text")
	logFile := fs.String("log-file", "", "optional log file path (logs also go to stdout)")
	transcript := fs.Bool("transcript", false, "record a session transcript")
	transcriptDir := fs.String("transcript-dir", "", "directory for transcript segments")
	diagnostics := fs.Bool("diagnostics", false, "log periodic host/bridge diagnostics")
	dscp := fs.String("dscp", "", "DSCP class applied to accepted client sockets (EF, AF11..AF43, CS0..CS7)")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg.BaudRate = *baud
	cfg.ListenPort = *port
	cfg.Headless = *headless
	cfg.KeymapPath = *keymapPath
	cfg.LogLevel = *logLevel
	cfg.LogFormat = *logFormat
	cfg.LogFile = *logFile
	cfg.TranscriptEnabled = *transcript
	cfg.TranscriptDir = *transcriptDir
	cfg.DiagnosticsEnabled = *diagnostics
	cfg.DSCPClass = *dscp

	if fs.NArg() == 0 {
		return Config{}, errors.New("config: a device spec is required (serial path, host:port, or \"echo\")")
	}
	spec := fs.Arg(0)
	kind, serialPath, tcpAddr := classifyDeviceSpec(spec)
	cfg.Kind = kind
	cfg.SerialPath = serialPath
	cfg.TCPAddress = tcpAddr

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func classifyDeviceSpec(spec string) (kind DeviceKind, serialPath, tcpAddr string) {
	if spec == "echo" {
		return DeviceEcho, "", ""
	}
	if looksLikeHostPort(spec) {
		return DeviceTCP, "", spec
	}
	return DeviceSerial, spec, ""
}

func looksLikeHostPort(s string) bool {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return i < len(s)-1
		}
		if s[i] == '/' {
			return false
		}
	}
	return false
}

// validate rejects a config that would fail at the device layer anyway,
// the same fail-fast-before-opening-anything contract as this codebase's
// AgentConfig.validate()/ServerConfig.validate().
func (c Config) validate() error {
	switch c.Kind {
	case DeviceSerial:
		if c.SerialPath == "" {
			return errors.New("config: serial device requires a path")
		}
		if c.BaudRate <= 0 || c.BaudRate > 4_000_000 {
			return fmt.Errorf("config: baud rate %d out of range", c.BaudRate)
		}
	case DeviceTCP:
		if c.TCPAddress == "" {
			return errors.New("config: tcp device requires host:port")
		}
	case DeviceEcho:
	default:
		return fmt.Errorf("config: unknown device kind %q", c.Kind)
	}
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("config: listen port %d out of range", c.ListenPort)
	}
	if c.SinkCap <= 0 {
		return errors.New("config: sink cap must be positive")
	}
	if c.ReadCap <= 0 {
		return errors.New("config: read cap must be positive")
	}
	if c.BackoffMin <= 0 || c.BackoffMax < c.BackoffMin {
		return errors.New("config: invalid backoff bounds")
	}
	if _, err := listener.ParseDSCP(c.DSCPClass); err != nil {
		return err
	}
	return nil
}
