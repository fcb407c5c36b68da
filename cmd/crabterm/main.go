// Command crabterm bridges one serial port, TCP host, or loopback echo
// device to any number of TCP clients plus an optional local console.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/crabterm/crabterm/internal/broadcast"
	"github.com/crabterm/crabterm/internal/config"
	"github.com/crabterm/crabterm/internal/console"
	"github.com/crabterm/crabterm/internal/device"
	"github.com/crabterm/crabterm/internal/diagnostics"
	"github.com/crabterm/crabterm/internal/listener"
	"github.com/crabterm/crabterm/internal/logging"
	"github.com/crabterm/crabterm/internal/merge"
	"github.com/crabterm/crabterm/internal/registry"
	"github.com/crabterm/crabterm/internal/transcript"
)

func main() {
	cfg, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "crabterm: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
	defer logCloser.Close()

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal startup error", "error", err)
		fmt.Fprintf(os.Stderr, "crabterm: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dev, err := device.Open(toDeviceConfig(cfg), logger)
	if err != nil {
		return fmt.Errorf("opening device: %w", err)
	}
	dev.Start(ctx)

	reg := registry.New(cfg.SinkCap, cfg.DrainDeadline, func(c *registry.Client) {
		logger.Warn("registry: client expired after drain deadline", "client", c.ID)
	})

	reporter := diagnostics.New(dev, reg, logger, cfg.DiagnosticsInterval)
	var observe func(int)
	if cfg.DiagnosticsEnabled {
		observe = reporter.Observe
		go reporter.Run(ctx)
	}

	engine := broadcast.New(dev, reg, logger, observe)
	go engine.Run(ctx)

	merger := merge.New(dev, logger)

	ln, err := listener.New(fmt.Sprintf(":%d", cfg.ListenPort), reg, logger, func(c *registry.Client) {
		go merger.Serve(ctx, c)
	}, cfg.DSCPClass)
	if err != nil {
		return fmt.Errorf("building listener: %w", err)
	}
	listenErrCh := make(chan error, 1)
	go func() { listenErrCh <- ln.Serve(ctx) }()

	var con *console.Console
	if !cfg.Headless {
		keymap, err := config.LoadKeymap(cfg.KeymapPath)
		if err != nil {
			return fmt.Errorf("loading keymap: %w", err)
		}
		con, err = console.Attach(reg, keymap, logger)
		if err != nil {
			return fmt.Errorf("attaching console: %w", err)
		}
		go merger.Serve(ctx, con.Client)
	}

	var tlog *transcript.Logger
	if cfg.TranscriptEnabled {
		dir := cfg.TranscriptDir
		if dir == "" {
			dir = "transcripts"
		}
		tlog, err = transcript.Attach(reg, dir, 0, logger)
		if err != nil {
			return fmt.Errorf("attaching transcript logger: %w", err)
		}
		archiver := transcript.NewArchiver(dir, transcript.ArchiveConfig{}, tlog.CurrentSegmentPath, logger)
		if err := archiver.Start(ctx); err != nil {
			return fmt.Errorf("starting transcript archiver: %w", err)
		}
	}

	logger.Info("crabterm started", "device", cfg.Kind, "listen_port", cfg.ListenPort, "headless", cfg.Headless)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-listenErrCh:
		if err != nil {
			logger.Error("listener failed", "error", err)
			runErr = fmt.Errorf("listener: %w", err)
		}
	case <-consoleQuit(con):
		logger.Info("console quit requested")
		stop()
	}

	shutdown(reg, ln, con, tlog, dev, cfg.DrainDeadline, logger)
	return runErr
}

func consoleQuit(c *console.Console) <-chan struct{} {
	if c == nil {
		return nil
	}
	return c.QuitRequested()
}

func shutdown(reg *registry.Registry, ln *listener.Listener, con *console.Console, tlog *transcript.Logger, dev *device.Manager, drainDeadline time.Duration, logger *slog.Logger) {
	ln.Close()
	reg.DetachAll("server shutting down")
	time.Sleep(drainDeadline)
	if con != nil {
		con.Detach()
	}
	if tlog != nil {
		tlog.Close()
	}
	dev.Close()
	logger.Info("crabterm stopped")
}

func toDeviceConfig(cfg config.Config) device.Config {
	var kind device.Kind
	switch cfg.Kind {
	case config.DeviceSerial:
		kind = device.KindSerial
	case config.DeviceTCP:
		kind = device.KindTCP
	default:
		kind = device.KindEcho
	}
	return device.Config{
		Kind:       kind,
		SerialPath: cfg.SerialPath,
		BaudRate:   cfg.BaudRate,
		TCPAddress: cfg.TCPAddress,
		ReadCap:    cfg.ReadCap,
		BackoffMin: cfg.BackoffMin,
		BackoffMax: cfg.BackoffMax,
	}
}
