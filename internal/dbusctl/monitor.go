package dbusctl

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/dbusd/dbusd/internal/dbusclient"
	"github.com/dbusd/dbusd/internal/wire"
)

// RunMonitor promotes client to a monitor, adds rule with AddMatch, and
// prints every message it observes to out until the connection closes
// or an error occurs — the plain-text counterpart to the interactive
// browser, for piping into another tool or a terminal with no TTY. A
// monitor receives every routed message, so rule does not narrow what
// is printed.
func RunMonitor(client *dbusclient.Client, out io.Writer, rule string) error {
	if err := client.BecomeMonitor(); err != nil {
		return fmt.Errorf("dbusctl: BecomeMonitor: %w", err)
	}
	if err := client.AddMatch(rule); err != nil {
		return fmt.Errorf("dbusctl: AddMatch: %w", err)
	}

	for {
		msg, err := client.Next()
		if err != nil {
			return err
		}
		fmt.Fprintln(out, formatMessage(msg))
	}
}

func formatMessage(msg *wire.Message) string {
	ts := time.Now().Format("15:04:05.000")
	kind := messageKindLabel(msg.Type)
	header := fmt.Sprintf("[%s] %s %s -> %s", ts, kind, msg.Interface, msg.Destination)
	if msg.Member != "" {
		header += "." + msg.Member
	}
	if len(msg.Body) > 0 {
		header += fmt.Sprintf(" (%s body)", humanize.Bytes(uint64(len(msg.Body))))
	}
	return header
}

func messageKindLabel(t wire.MessageType) string {
	switch t {
	case wire.TypeMethodCall:
		return "call  "
	case wire.TypeMethodReturn:
		return "return"
	case wire.TypeError:
		return "error "
	case wire.TypeSignal:
		return "signal"
	default:
		return "?     "
	}
}
