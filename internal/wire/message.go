// Package wire defines the Message type and the Codec contract the
// core routing engine consumes, plus a concrete implementation of
// that contract standing in for the out-of-scope binary D-Bus codec:
// a length-prefixed, CBOR Core Deterministic Encoding framing over
// the same logical message fields, SASL EXTERNAL authentication, and
// server-GUID advertisement.
package wire

import "github.com/dbusd/dbusd/internal/match"

// MessageType mirrors match.MessageType; message bodies are framed
// and routed by the same four D-Bus message kinds.
type MessageType = match.MessageType

const (
	TypeInvalid      = match.TypeInvalid
	TypeMethodCall   = match.TypeMethodCall
	TypeMethodReturn = match.TypeMethodReturn
	TypeError        = match.TypeError
	TypeSignal       = match.TypeSignal
)

// Flags are the D-Bus message header flags relevant to routing.
type Flags struct {
	NoReplyExpected bool
	NoAutoStart     bool
	AllowInteractiveAuthorization bool
}

// Message is the fully-parsed wire unit the core operates on. Sender
// is filled in by the receiving side from the authenticated peer
// identity, never trusted from the wire.
type Message struct {
	Type        MessageType
	Flags       Flags
	Serial      uint32
	ReplySerial uint32 // 0 when absent
	Sender      string // unique name, set by the bus on receipt
	Destination string // empty for a broadcast signal
	Interface   string
	Member      string
	Path        string
	Signature   string
	ErrorName   string // set when Type == TypeError
	Body        []byte // opaque, codec-specific encoding of the argument list

	// TxID is stamped by the router's broadcast step and carried only
	// as far as enqueue-time deduplication; it is never put on the
	// wire.
	TxID uint64
}

// Filter projects the fields of m relevant to match-rule evaluation.
func (m *Message) Filter(senderID, destinationID uint64) match.Filter {
	f := match.Filter{
		Type:        m.Type,
		Sender:      senderID,
		Destination: destinationID,
		Interface:   m.Interface,
		Member:      m.Member,
		Path:        m.Path,
	}
	return f
}
