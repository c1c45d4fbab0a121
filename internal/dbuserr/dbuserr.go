// Package dbuserr defines the broker's local error-kind taxonomy and
// the mapping from those kinds to D-Bus wire error names.
package dbuserr

import "errors"

// Kind enumerates the named local error kinds from the broker's error
// handling design. Every caller-recoverable failure path in the
// internal packages returns one of these, wrapped in an *Error.
type Kind int

const (
	_ Kind = iota
	// Quota means a resource limit on a User's accounting was exceeded.
	Quota
	// Invalid means malformed input (a match rule, a name, an argument).
	Invalid
	// NotFound means a referenced object does not exist.
	NotFound
	// Exists means an operation conflicts with something already present.
	Exists
	// AccessDenied means the PolicyEngine refused the operation.
	AccessDenied
	// EOF means the peer's connection ended gracefully.
	EOF
	// ProtocolViolation means the peer violated the wire protocol and
	// must be disconnected without a reply.
	ProtocolViolation
	// Refused means the operation is not permitted in the peer's
	// current lifecycle state (e.g. not yet Registered).
	Refused
	// UnexpectedReply means a method-return/error referenced a reply
	// slot that does not exist.
	UnexpectedReply
	// NameReserved means an operation targeted the reserved driver name.
	NameReserved
	// NameUnique means an operation targeted a unique connection name
	// where a well-known name was required.
	NameUnique
)

// String renders the kind as a short identifier, used in log fields.
func (k Kind) String() string {
	switch k {
	case Quota:
		return "QUOTA"
	case Invalid:
		return "INVALID"
	case NotFound:
		return "NOT_FOUND"
	case Exists:
		return "EXISTS"
	case AccessDenied:
		return "ACCESS_DENIED"
	case EOF:
		return "EOF"
	case ProtocolViolation:
		return "PROTOCOL_VIOLATION"
	case Refused:
		return "REFUSED"
	case UnexpectedReply:
		return "UNEXPECTED_REPLY"
	case NameReserved:
		return "NAME_RESERVED"
	case NameUnique:
		return "NAME_UNIQUE"
	default:
		return "UNKNOWN"
	}
}

// WireName maps a Kind to the standard D-Bus wire error name the
// driver synthesizes into an error reply, per the mapping matrix in
// the error handling design. Kinds with no entry of their own (EOF,
// ProtocolViolation, Refused) return the generic
// org.freedesktop.DBus.Error.Failed.
func (k Kind) WireName() string {
	switch k {
	case Quota:
		return "org.freedesktop.DBus.Error.LimitsExceeded"
	case Invalid:
		return "org.freedesktop.DBus.Error.InvalidArgs"
	case NotFound:
		return "org.freedesktop.DBus.Error.NameHasNoOwner"
	case Exists:
		return "org.freedesktop.DBus.Error.MatchRuleInvalid"
	case AccessDenied:
		return "org.freedesktop.DBus.Error.AccessDenied"
	case UnexpectedReply:
		return "org.freedesktop.DBus.Error.UnknownMethod"
	case NameReserved, NameUnique:
		return "org.freedesktop.DBus.Error.InvalidArgs"
	default:
		return "org.freedesktop.DBus.Error.Failed"
	}
}

// Error is the broker's local error type: a named kind, a message,
// and an optional wrapped cause. Callers test the kind with
// errors.As, mirroring messaging.MatrixError's IsMatrixError idiom.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

// New constructs an *Error of the given kind with a message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error of the given kind that wraps cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return e.Kind.String() + ": " + e.Message + ": " + e.cause.Error()
	}
	return e.Kind.String() + ": " + e.Message
}

// Unwrap exposes the wrapped cause, if any, to errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var de *Error
	if !errors.As(err, &de) {
		return false
	}
	return de.Kind == kind
}

// Fatal wraps an unrecoverable error (allocator failure, unreachable
// state) that should propagate to the dispatch loop and terminate the
// process, or at minimum the single peer handling it, rather than be
// folded into a wire reply.
type Fatal struct {
	cause error
}

// NewFatal constructs a Fatal wrapping cause.
func NewFatal(cause error) *Fatal {
	return &Fatal{cause: cause}
}

// Error implements the error interface.
func (f *Fatal) Error() string {
	return "fatal: " + f.cause.Error()
}

// Unwrap exposes the wrapped cause.
func (f *Fatal) Unwrap() error {
	return f.cause
}

// IsFatal reports whether err is a *Fatal.
func IsFatal(err error) bool {
	var f *Fatal
	return errors.As(err, &f)
}
