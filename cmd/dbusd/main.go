// dbusd is the broker daemon: it loads configuration, constructs the
// Bus and its quota/policy engines, opens the listening socket, and
// runs the epoll dispatch loop until SIGINT/SIGTERM.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/dbusd/dbusd/internal/audit"
	"github.com/dbusd/dbusd/internal/bus"
	"github.com/dbusd/dbusd/internal/config"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		socketPath  string
		logLevel    string
		showVersion bool
	)

	flagSet := pflag.NewFlagSet("dbusd", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to dbusd.yaml (defaults to $DBUSD_CONFIG, then built-in defaults)")
	flagSet.StringVar(&socketPath, "socket", "", "override the configured listen socket path")
	flagSet.StringVar(&logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	if showVersion {
		fmt.Printf("dbusd %s\n", version)
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if socketPath != "" {
		cfg.SocketPath = socketPath
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	ruleset, err := cfg.Ruleset()
	if err != nil {
		return fmt.Errorf("building policy ruleset: %w", err)
	}

	b := bus.New(cfg.Limits(), ruleset, logger)
	cfg.ApplyOverrides(b.Users)

	if dir := filepath.Dir(cfg.SocketPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating socket directory %s: %w", dir, err)
		}
	}

	server, err := bus.Listen(b, cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.SocketPath, err)
	}

	var auditLog *audit.Log
	if cfg.Audit.Enabled {
		auditLog, err = audit.Open(cfg.Audit.DatabasePath, logger)
		if err != nil {
			return fmt.Errorf("opening audit log: %w", err)
		}
		defer auditLog.Close()

		if cfg.Audit.SnapshotDir != "" {
			interval, err := cfg.Audit.SnapshotEvery()
			if err != nil {
				return fmt.Errorf("audit snapshot interval: %w", err)
			}
			if err := server.EnableTimer(interval, audit.Ticker(b, cfg.Audit.SnapshotDir, logger)); err != nil {
				return fmt.Errorf("enabling snapshot timer: %w", err)
			}
		}
	}
	server.OnConnect = func(p *bus.Peer) {
		auditLog.Record(audit.Event{Kind: audit.KindConnect, PeerID: p.ID, UID: p.Credentials.UID})
	}
	server.OnDisconnect = func(p *bus.Peer) {
		auditLog.Record(audit.Event{Kind: audit.KindDisconnect, PeerID: p.ID, UID: p.Credentials.UID})
	}

	logger.Info("dbusd listening", "socket", cfg.SocketPath, "guid", b.GUID.String())
	return server.Run()
}

// loadConfig resolves configuration from --config, then $DBUSD_CONFIG,
// falling back to config.Default() when neither is set or the
// $DBUSD_CONFIG file cannot be loaded — unlike config.Load, the daemon
// tolerates running with no file at all.
func loadConfig(explicitPath string) (*config.Config, error) {
	if explicitPath != "" {
		return config.LoadFile(explicitPath)
	}
	if cfg, err := config.Load(); err == nil {
		return cfg, nil
	}
	return config.Default(), nil
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
