// Package dbusclient is a minimal blocking client for the driver
// service, used by cmd/dbusctl: dial the listen socket, complete the
// SASL EXTERNAL handshake, send Hello, and issue driver method calls
// synchronously. It is deliberately not built on internal/wire.Codec
// (which assumes a non-blocking fd driven by an epoll loop) — a
// short-lived CLI has no readiness loop of its own to drive it with,
// so this package talks the same length-prefixed CBOR framing
// directly over a blocking *net.UnixConn.
package dbusclient

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/dbusd/dbusd/internal/address"
	"github.com/dbusd/dbusd/internal/wire"
)

// Client is one authenticated connection to a running bus.
type Client struct {
	conn       net.Conn
	guid       wire.ServerGUID
	uniqueName string
	nextSerial uint32
}

// Dial connects to the Unix socket at path, completes the SASL
// EXTERNAL handshake, and sends Hello to obtain a unique name.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dbusclient: dialing %s: %w", path, err)
	}

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	guid, err := wire.ClientHandshake(r, w, uint32(os.Getuid()))
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("dbusclient: handshake: %w", err)
	}

	c := &Client{conn: conn, guid: guid, nextSerial: 1}
	reply, err := c.Call(address.DriverName, address.DriverName, "Hello")
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("dbusclient: Hello: %w", err)
	}
	name, _ := firstString(reply)
	c.uniqueName = name
	return c, nil
}

// GUID returns the server GUID observed during the handshake.
func (c *Client) GUID() wire.ServerGUID { return c.guid }

// UniqueName returns the name assigned to this connection by Hello.
func (c *Client) UniqueName() string { return c.uniqueName }

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// Call sends a method call to destination/interface/member with args
// encoded as the body, and blocks for the matching method_return or
// error reply.
func (c *Client) Call(destination, iface, member string, args ...any) ([]any, error) {
	body, err := wire.EncodeBody(args...)
	if err != nil {
		return nil, err
	}
	serial := atomic.AddUint32(&c.nextSerial, 1) - 1
	msg := &wire.Message{
		Type:        wire.TypeMethodCall,
		Serial:      serial,
		Destination: destination,
		Interface:   iface,
		Member:      member,
		Body:        body,
	}
	if err := wire.WriteMessage(c.conn, msg); err != nil {
		return nil, err
	}

	for {
		reply, err := wire.ReadMessage(c.conn)
		if err != nil {
			return nil, err
		}
		if reply.ReplySerial != serial {
			// A signal (e.g. NameAcquired from our own Hello) arrived
			// ahead of the reply; discard and keep waiting.
			continue
		}
		if reply.Type == wire.TypeError {
			return nil, fmt.Errorf("dbusclient: %s: %s", reply.ErrorName, firstStringOrEmpty(reply))
		}
		return wire.DecodeBody(reply.Body)
	}
}

func firstString(args []any) (string, bool) {
	if len(args) == 0 {
		return "", false
	}
	s, ok := args[0].(string)
	return s, ok
}

func firstStringOrEmpty(msg *wire.Message) string {
	args, err := wire.DecodeBody(msg.Body)
	if err != nil {
		return ""
	}
	s, _ := firstString(args)
	return s
}

// ListNames calls the driver's ListNames and returns the raw name list.
func (c *Client) ListNames() ([]string, error) {
	reply, err := c.Call(address.DriverName, address.DriverName, "ListNames")
	if err != nil {
		return nil, err
	}
	if len(reply) == 0 {
		return nil, nil
	}
	raw, ok := reply[0].([]any)
	if !ok {
		return nil, fmt.Errorf("dbusclient: unexpected ListNames reply shape")
	}
	names := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			names = append(names, s)
		}
	}
	return names, nil
}

// GetConnectionCredentials calls the driver's GetConnectionCredentials
// for busName and returns the decoded UID/PID map.
func (c *Client) GetConnectionCredentials(busName string) (map[string]any, error) {
	reply, err := c.Call(address.DriverName, address.DriverName, "GetConnectionCredentials", busName)
	if err != nil {
		return nil, err
	}
	if len(reply) == 0 {
		return nil, fmt.Errorf("dbusclient: empty GetConnectionCredentials reply")
	}
	m, ok := reply[0].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("dbusclient: unexpected GetConnectionCredentials reply shape")
	}
	return m, nil
}

// AddMatch installs a match rule on this connection — used by the
// monitor view, after BecomeMonitor, to add the caller's rule.
func (c *Client) AddMatch(rule string) error {
	_, err := c.Call(address.DriverName, address.DriverName, "AddMatch", rule)
	return err
}

// BecomeMonitor promotes this connection to a monitor, per the driver
// surface's own restriction that a name owner may not do so.
func (c *Client) BecomeMonitor() error {
	_, err := c.Call(address.DriverName, address.DriverName, "BecomeMonitor")
	return err
}

// Next blocks for the next inbound message (a broadcast signal while
// in monitor mode, most commonly) and returns it.
func (c *Client) Next() (*wire.Message, error) {
	return wire.ReadMessage(c.conn)
}
