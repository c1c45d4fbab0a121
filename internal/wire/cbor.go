package wire

import (
	"encoding/binary"
	"errors"
	"io"
	"reflect"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/sys/unix"

	"github.com/dbusd/dbusd/internal/dbuserr"
)

// RawConn is the minimal non-blocking transport CBORCodec drives: the
// raw fd wrapper internal/bus hands in after accept()ing a connection
// and arming it with unix.SetNonblock, so Read/Write surface EAGAIN
// instead of parking a goroutine the way *net.UnixConn would.
type RawConn interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	Close() error
}

func isWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

// frame mirrors Message but only the fields that travel on the wire;
// Sender is never trusted from a frame (the bus fills it in from the
// authenticated identity on receipt) and TxID never leaves the
// process.
type frame struct {
	Type        MessageType
	NoReply     bool
	NoAutoStart bool
	AllowInteractive bool
	Serial      uint32
	ReplySerial uint32
	Destination string
	Interface   string
	Member      string
	Path        string
	Signature   string
	ErrorName   string
	Body        []byte
}

// encMode is CBOR Core Deterministic Encoding (RFC 8949 §4.2): sorted
// map keys, smallest integer width, no indefinite-length items — the
// same logical frame always produces identical bytes, which keeps
// frame sizes (and so BYTES-slot accounting upstream) deterministic.
var encMode cbor.EncMode

// decMode accepts standard CBOR; unknown fields are ignored so a
// future field addition does not break an older peer mid-rollout.
var decMode cbor.DecMode

func init() {
	opts := cbor.CoreDetEncOptions()
	m, err := opts.EncMode()
	if err != nil {
		panic("wire: cbor encoder initialization failed: " + err.Error())
	}
	encMode = m

	d, err := cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]any(nil))}.DecMode()
	if err != nil {
		panic("wire: cbor decoder initialization failed: " + err.Error())
	}
	decMode = d
}

const (
	maxFrameBytes = 128 << 20 // guards against a hostile length prefix
	lengthPrefix  = 4
)

// outboxEntry is one queued outbound frame awaiting flush.
type outboxEntry struct {
	bytes []byte
	txid  uint64
}

// CBORCodec implements Codec over a stream connection (internal/bus
// hands it a non-blocking FDConn) using a 4-byte big-endian length prefix followed by
// a CBOR Core Deterministic Encoding of frame.
//
// Dispatch is non-blocking: it reads/writes whatever the socket
// currently allows and never blocks waiting for more. The connection
// must already be in non-blocking mode by the time it is handed to
// NewCBORCodec (internal/bus arranges this when it accepts the raw
// fd into the epoll set).
type CBORCodec struct {
	conn RawConn

	readBuf  []byte // accumulates partial length-prefixed frames
	inbound  []*Message
	outbox   []outboxEntry
	maxBytes int // outbox byte budget; 0 means unbounded

	shuttingDown bool
	closed       bool

	// lastTxID is the most recent nonzero broadcast transaction id
	// successfully queued to this connection. A broadcast can reach
	// the same peer through more than one matching rule (wildcard,
	// sender-identity, and a well-known name's registry can all match
	// at once); Queue silently drops a repeat of the same txid so the
	// peer receives that transaction's message exactly once.
	lastTxID uint64

	mu sync.Mutex // guards outbox only; Dequeue/Dispatch run on the single dispatch goroutine, but Queue may be called from driver-synthesized replies within the same turn
}

// NewCBORCodec wraps conn. maxOutboxBytes bounds how many undelivered
// outbound bytes this codec will hold before Queue starts returning
// dbuserr.Quota; 0 means unbounded (the caller is expected to apply
// its own BYTES-slot charge before calling Queue, so this is a
// second, codec-local backstop against a stalled reader).
func NewCBORCodec(conn RawConn, maxOutboxBytes int) *CBORCodec {
	return &CBORCodec{conn: conn, maxBytes: maxOutboxBytes}
}

func (c *CBORCodec) Dequeue() (*Message, error) {
	if len(c.inbound) == 0 {
		if c.closed {
			return nil, errEOF
		}
		return nil, nil
	}
	m := c.inbound[0]
	c.inbound = c.inbound[1:]
	return m, nil
}

func messageToFrame(msg *Message) frame {
	return frame{
		Type:             msg.Type,
		NoReply:          msg.Flags.NoReplyExpected,
		NoAutoStart:      msg.Flags.NoAutoStart,
		AllowInteractive: msg.Flags.AllowInteractiveAuthorization,
		Serial:           msg.Serial,
		ReplySerial:      msg.ReplySerial,
		Destination:      msg.Destination,
		Interface:        msg.Interface,
		Member:           msg.Member,
		Path:             msg.Path,
		Signature:        msg.Signature,
		ErrorName:        msg.ErrorName,
		Body:             msg.Body,
	}
}

func frameToMessage(f frame) *Message {
	return &Message{
		Type: f.Type,
		Flags: Flags{
			NoReplyExpected:               f.NoReply,
			NoAutoStart:                   f.NoAutoStart,
			AllowInteractiveAuthorization: f.AllowInteractive,
		},
		Serial:      f.Serial,
		ReplySerial: f.ReplySerial,
		Destination: f.Destination,
		Interface:   f.Interface,
		Member:      f.Member,
		Path:        f.Path,
		Signature:   f.Signature,
		ErrorName:   f.ErrorName,
		Body:        f.Body,
	}
}

// WriteMessage blocking-encodes and writes msg to w as one
// length-prefixed CBOR frame. Used by cmd/dbusctl's client, which
// dials a real *net.UnixConn rather than the non-blocking fd CBORCodec
// expects — a short-lived CLI process has no epoll loop of its own to
// drive Dispatch through.
func WriteMessage(w io.Writer, msg *Message) error {
	encoded, err := encMode.Marshal(messageToFrame(msg))
	if err != nil {
		return dbuserr.NewFatal(err)
	}
	framed := make([]byte, lengthPrefix+len(encoded))
	binary.BigEndian.PutUint32(framed, uint32(len(encoded)))
	copy(framed[lengthPrefix:], encoded)
	_, err = w.Write(framed)
	return err
}

// ReadMessage blocking-reads and decodes one length-prefixed CBOR
// frame from r.
func ReadMessage(r io.Reader) (*Message, error) {
	var lenBuf [lengthPrefix]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameBytes {
		return nil, dbuserr.New(dbuserr.ProtocolViolation, "frame exceeds maximum size")
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	var f frame
	if err := decMode.Unmarshal(body, &f); err != nil {
		return nil, dbuserr.New(dbuserr.ProtocolViolation, "malformed frame: "+err.Error())
	}
	return frameToMessage(f), nil
}

func (c *CBORCodec) Queue(msg *Message, txid uint64) error {
	if c.shuttingDown {
		return dbuserr.New(dbuserr.Refused, "codec is shutting down")
	}
	if txid != 0 && txid == c.lastTxID {
		return nil
	}
	encoded, err := encMode.Marshal(messageToFrame(msg))
	if err != nil {
		return dbuserr.NewFatal(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	pending := 0
	for _, e := range c.outbox {
		pending += len(e.bytes)
	}
	if c.maxBytes > 0 && pending+len(encoded)+lengthPrefix > c.maxBytes {
		return dbuserr.New(dbuserr.Quota, "codec outbox full")
	}

	framed := make([]byte, lengthPrefix+len(encoded))
	binary.BigEndian.PutUint32(framed, uint32(len(encoded)))
	copy(framed[lengthPrefix:], encoded)
	c.outbox = append(c.outbox, outboxEntry{bytes: framed, txid: txid})
	if txid != 0 {
		c.lastTxID = txid
	}
	return nil
}

// Dispatch performs one non-blocking read pass (if events.Readable or
// events.HangUp) decoding as many complete frames as are buffered,
// and one non-blocking write pass (if events.Writable) flushing as
// much of the outbox as the socket accepts.
func (c *CBORCodec) Dispatch(events Events) (progress bool, interest Interest, err error) {
	if events.Readable || events.HangUp {
		p, rerr := c.readPass()
		progress = progress || p
		if rerr != nil {
			return progress, c.currentInterest(), rerr
		}
	}
	if events.Writable {
		p, werr := c.writePass()
		progress = progress || p
		if werr != nil {
			return progress, c.currentInterest(), werr
		}
	}
	return progress, c.currentInterest(), nil
}

func (c *CBORCodec) currentInterest() Interest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Interest{Read: !c.closed, Write: len(c.outbox) > 0}
}

func (c *CBORCodec) readPass() (bool, error) {
	buf := make([]byte, 64*1024)
	progressed := false
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.readBuf = append(c.readBuf, buf[:n]...)
			progressed = true
		}
		if err != nil {
			if isWouldBlock(err) {
				break
			}
			if err == io.EOF {
				c.closed = true
				break
			}
			return progressed, dbuserr.New(dbuserr.ProtocolViolation, "read failed: "+err.Error())
		}
		if n == 0 {
			break
		}
	}
	for {
		m, ok, perr := c.decodeOne()
		if perr != nil {
			return progressed, perr
		}
		if !ok {
			break
		}
		c.inbound = append(c.inbound, m)
		progressed = true
	}
	return progressed, nil
}

func (c *CBORCodec) decodeOne() (*Message, bool, error) {
	if len(c.readBuf) < lengthPrefix {
		return nil, false, nil
	}
	n := binary.BigEndian.Uint32(c.readBuf)
	if n > maxFrameBytes {
		return nil, false, dbuserr.New(dbuserr.ProtocolViolation, "frame exceeds maximum size")
	}
	total := lengthPrefix + int(n)
	if len(c.readBuf) < total {
		return nil, false, nil
	}
	var f frame
	if err := decMode.Unmarshal(c.readBuf[lengthPrefix:total], &f); err != nil {
		return nil, false, dbuserr.New(dbuserr.ProtocolViolation, "malformed frame: "+err.Error())
	}
	c.readBuf = c.readBuf[total:]
	return frameToMessage(f), true, nil
}

func (c *CBORCodec) writePass() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	progressed := false
	for len(c.outbox) > 0 {
		head := c.outbox[0].bytes
		n, err := c.conn.Write(head)
		if n > 0 {
			c.outbox[0].bytes = head[n:]
			progressed = true
		}
		if err != nil {
			if isWouldBlock(err) {
				break
			}
			return progressed, dbuserr.New(dbuserr.ProtocolViolation, "write failed: "+err.Error())
		}
		if len(c.outbox[0].bytes) == 0 {
			c.outbox = c.outbox[1:]
			continue
		}
		break
	}
	return progressed, nil
}

func (c *CBORCodec) Shutdown() error {
	c.shuttingDown = true
	return nil
}

func (c *CBORCodec) Close() error {
	c.closed = true
	return c.conn.Close()
}
