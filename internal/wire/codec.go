package wire

import "github.com/dbusd/dbusd/internal/dbuserr"

// Events carries the readiness bits the dispatch loop observed for
// one connection on one epoll wake-up, and lets Dispatch query which
// interest is currently registered — the driver may have just queued
// a reply, which must flip write-interest on before the loop returns
// to the multiplexer.
type Events struct {
	Readable bool
	Writable bool
	HangUp   bool
}

// Interest reports which events a Codec currently wants registered
// with the readiness multiplexer.
type Interest struct {
	Read  bool
	Write bool
}

// Codec is the external collaborator contract the core consumes: an
// already-authenticated, already-framed message transport. Concrete
// parsing/serialization and the SASL handshake live in this package's
// cborCodec; the core only ever sees this interface.
type Codec interface {
	// Dequeue returns the next fully-received Message, or
	// (nil, dbuserr.Is(err, dbuserr.EOF)) once the peer has hung up
	// and every buffered message has been drained.
	Dequeue() (*Message, error)

	// Queue enqueues msg for eventual transmission, tagged with txid
	// for the recipient's enqueue-deduplication bookkeeping. Returns
	// a dbuserr.Quota error if the codec's outbound buffer is full;
	// the caller (internal/bus) is responsible for shutting the peer
	// down on that outcome, per the quota-exhaustion contract.
	Queue(msg *Message, txid uint64) error

	// Dispatch drains readable bytes into Dequeue's buffer and/or
	// flushes queued bytes when writable, according to events, and
	// reports the codec's now-current registered interest and whether
	// any progress was made.
	Dispatch(events Events) (progress bool, interest Interest, err error)

	// Shutdown stops accepting new Queue calls but allows already-
	// queued bytes to drain on a subsequent Dispatch; used for a
	// graceful peer goodbye.
	Shutdown() error

	// Close tears the transport down immediately, discarding any
	// unflushed outbound bytes.
	Close() error
}

// errEOF is the sentinel returned by Dequeue once the far end has
// closed and nothing more can ever be decoded.
var errEOF = dbuserr.New(dbuserr.EOF, "peer closed connection")
