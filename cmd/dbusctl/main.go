// dbusctl is a companion introspection and monitoring tool for dbusd:
// by default it opens an interactive TUI listing live bus names and
// their connection credentials; --monitor instead turns the connection
// into a bus monitor and dumps every message the bus routes to stdout,
// for piping into another tool.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/dbusd/dbusd/internal/config"
	"github.com/dbusd/dbusd/internal/dbusclient"
	"github.com/dbusd/dbusd/internal/dbusctl"
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
		socketPath  string
		monitor     bool
		matchRule   string
		showVersion bool
	)

	flagSet := pflag.NewFlagSet("dbusctl", pflag.ContinueOnError)
	flagSet.StringVar(&socketPath, "socket", "", "path to the bus socket (defaults to the configured/default dbusd socket)")
	flagSet.BoolVar(&monitor, "monitor", false, "become a bus monitor and dump every routed message to stdout instead of opening the TUI")
	flagSet.StringVar(&matchRule, "match-rule", "", "match rule to add in --monitor mode; a monitor receives every routed message, so the rule does not narrow the output")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	if showVersion {
		fmt.Printf("dbusctl %s\n", version)
		return nil
	}

	if socketPath == "" {
		socketPath = resolveDefaultSocket()
	}

	client, err := dbusclient.Dial(socketPath)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", socketPath, err)
	}
	defer client.Close()

	if monitor {
		return dbusctl.RunMonitor(client, os.Stdout, matchRule)
	}

	model := dbusctl.NewModel(client)
	program := tea.NewProgram(model, tea.WithAltScreen())
	_, err = program.Run()
	return err
}

// resolveDefaultSocket mirrors cmd/dbusd's own config resolution
// ($DBUSD_CONFIG, else built-in defaults) so dbusctl finds the same
// bus a co-located dbusd would without requiring --socket, but never
// fails outright — an unreadable/missing config just falls back to
// config.Default()'s socket path.
func resolveDefaultSocket() string {
	if cfg, err := config.Load(); err == nil {
		return cfg.SocketPath
	}
	return config.Default().SocketPath
}
