package wire

import "github.com/google/uuid"

// NewServerGUID generates a fresh server GUID, meant to be called
// once at bus startup and held fixed for the process's lifetime —
// every connection's SASL handshake advertises the same value so a
// client can tell whether two addresses it holds name the same
// server instance.
func NewServerGUID() ServerGUID {
	return ServerGUID(uuid.New())
}
