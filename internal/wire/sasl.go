package wire

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/dbusd/dbusd/internal/dbuserr"
)

// ServerGUID is the 128-bit hex-encoded identifier the server side of
// a SASL handshake advertises in its BEGIN-preceding OK response, per
// the D-Bus specification's "server must be able to generate this
// number... used to distinguish connections to the same server" rule.
// internal/bus generates one at startup via google/uuid and holds it
// fixed for the process lifetime.
type ServerGUID [16]byte

func (g ServerGUID) String() string { return hex.EncodeToString(g[:]) }

// ServerHandshake drives the server side of the SASL EXTERNAL
// exchange described in the D-Bus specification's authentication
// protocol: the client sends a NUL byte then "AUTH EXTERNAL
// <hex-uid>", the server replies "OK <guid>" once the credential
// matches the socket's SO_PEERCRED uid, and the client closes the
// exchange with "BEGIN". No other mechanism is implemented — EXTERNAL
// is sufficient because the peer's uid is already kernel-verified via
// the socket, matching dbus-broker's own restriction to EXTERNAL-only.
//
// peerUID is the uid obtained from internal/peercred for this
// connection (authoritative; the hex uid on the wire is only ever
// checked against it, never trusted on its own).
func ServerHandshake(r *bufio.Reader, w writeFlusher, peerUID uint32, guid ServerGUID) error {
	// Clients are required to send a single NUL byte first.
	nul, err := r.ReadByte()
	if err != nil {
		return dbuserr.New(dbuserr.ProtocolViolation, "sasl: failed to read initial NUL byte")
	}
	if nul != 0 {
		return dbuserr.New(dbuserr.ProtocolViolation, "sasl: expected leading NUL byte")
	}

	line, err := readCRLFLine(r)
	if err != nil {
		return dbuserr.New(dbuserr.ProtocolViolation, "sasl: failed to read AUTH line: "+err.Error())
	}

	fields := strings.Fields(line)
	if len(fields) < 2 || fields[0] != "AUTH" || fields[1] != "EXTERNAL" {
		writeLine(w, "REJECTED EXTERNAL")
		return dbuserr.New(dbuserr.ProtocolViolation, "sasl: only EXTERNAL is supported")
	}

	wantUID := strconv.FormatUint(uint64(peerUID), 10)
	if len(fields) >= 3 {
		decoded, err := hex.DecodeString(fields[2])
		if err != nil || string(decoded) != wantUID {
			writeLine(w, "REJECTED EXTERNAL")
			return dbuserr.New(dbuserr.AccessDenied, "sasl: EXTERNAL identity does not match socket credentials")
		}
	}
	// An empty initial-response is also valid EXTERNAL per the
	// protocol (the mechanism falls back entirely to SO_PEERCRED);
	// nothing further to check in that case.

	if err := writeLine(w, fmt.Sprintf("OK %s", guid.String())); err != nil {
		return dbuserr.NewFatal(err)
	}

	line, err = readCRLFLine(r)
	if err != nil {
		return dbuserr.New(dbuserr.ProtocolViolation, "sasl: failed to read BEGIN line: "+err.Error())
	}
	if strings.TrimSpace(line) != "BEGIN" {
		return dbuserr.New(dbuserr.ProtocolViolation, "sasl: expected BEGIN")
	}
	return nil
}

// ClientHandshake drives the client side of the same SASL EXTERNAL
// exchange ServerHandshake implements: a leading NUL, "AUTH EXTERNAL
// <hex-uid>", then "BEGIN" once the server answers "OK <guid>".
// Returns the server's advertised GUID. uid is the connecting
// process's own uid (os.Getuid()), hex-encoded the same way the
// server expects.
func ClientHandshake(r *bufio.Reader, w writeFlusher, uid uint32) (ServerGUID, error) {
	hexUID := hex.EncodeToString([]byte(strconv.FormatUint(uint64(uid), 10)))
	if _, err := w.WriteString("\x00"); err != nil {
		return ServerGUID{}, dbuserr.NewFatal(err)
	}
	if err := writeLine(w, fmt.Sprintf("AUTH EXTERNAL %s", hexUID)); err != nil {
		return ServerGUID{}, dbuserr.NewFatal(err)
	}

	line, err := readCRLFLine(r)
	if err != nil {
		return ServerGUID{}, dbuserr.New(dbuserr.ProtocolViolation, "sasl: failed to read OK line: "+err.Error())
	}
	fields := strings.Fields(line)
	if len(fields) < 2 || fields[0] != "OK" {
		return ServerGUID{}, dbuserr.New(dbuserr.AccessDenied, "sasl: server rejected EXTERNAL authentication")
	}
	decoded, err := hex.DecodeString(fields[1])
	if err != nil || len(decoded) != 16 {
		return ServerGUID{}, dbuserr.New(dbuserr.ProtocolViolation, "sasl: malformed server GUID")
	}
	var guid ServerGUID
	copy(guid[:], decoded)

	if err := writeLine(w, "BEGIN"); err != nil {
		return ServerGUID{}, dbuserr.NewFatal(err)
	}
	return guid, nil
}

type writeFlusher interface {
	WriteString(s string) (int, error)
	Flush() error
}

func writeLine(w writeFlusher, s string) error {
	if _, err := w.WriteString(s + "\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

func readCRLFLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
