// Package address parses and classifies D-Bus bus addresses: unique
// connection names (":N.M"), well-known bus names, and the reserved
// driver name.
package address

import (
	"strconv"
	"strings"
)

// Invalid is the reserved sentinel for "no peer id assigned". It is
// never allocated to a real peer; Bus.next_peer_id starts at 1.
const Invalid uint64 = 0

// DriverName is the bus's own well-known name.
const DriverName = "org.freedesktop.DBus"

// Kind classifies a bus address string.
type Kind int

const (
	// KindOther is a malformed or unclassifiable address.
	KindOther Kind = iota
	// KindUnique is a ":N.M" unique connection name.
	KindUnique
	// KindWellKnown is a human-readable, ownable bus name.
	KindWellKnown
)

// Classify reports which kind of address s is.
func Classify(s string) Kind {
	if s == "" {
		return KindOther
	}
	if strings.HasPrefix(s, ":") {
		return KindUnique
	}
	if IsValidWellKnown(s) {
		return KindWellKnown
	}
	return KindOther
}

// Unique formats a peer id as its unique connection name without the
// leading colon, "1.N"; Format adds the colon.
// The bus generation prefix is fixed at 1 since dbusd never recycles
// the whole bus within a process lifetime.
func Unique(id uint64) string {
	return "1." + strconv.FormatUint(id, 10)
}

// Format renders a unique name with the customary leading colon.
func Format(id uint64) string {
	return ":" + Unique(id)
}

// ParseUnique extracts the peer id from a ":N.M"-form unique name.
// Only the M component identifies the peer in this implementation
// (N, the bus generation, is always 1); ok is false if s is not a
// well-formed unique name.
func ParseUnique(s string) (id uint64, ok bool) {
	if !strings.HasPrefix(s, ":") {
		return 0, false
	}
	rest := s[1:]
	dot := strings.IndexByte(rest, '.')
	if dot < 0 {
		return 0, false
	}
	idPart := rest[dot+1:]
	if idPart == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(idPart, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// IsValidWellKnown reports whether s is a syntactically valid
// well-known bus name: at least two elements separated by '.', each
// element non-empty and composed of "[A-Za-z0-9_-]", the first
// character of each element not a digit, and the whole name must not
// start with a digit or a dot.
func IsValidWellKnown(s string) bool {
	if s == "" || len(s) > 255 {
		return false
	}
	if strings.HasPrefix(s, ":") {
		return false
	}
	elements := strings.Split(s, ".")
	if len(elements) < 2 {
		return false
	}
	for _, e := range elements {
		if e == "" {
			return false
		}
		for i := 0; i < len(e); i++ {
			c := e[i]
			alnum := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' || c == '-'
			if !alnum {
				return false
			}
			if i == 0 && c >= '0' && c <= '9' {
				return false
			}
		}
	}
	return true
}

// IsDriver reports whether s is the bus driver's reserved well-known
// name.
func IsDriver(s string) bool {
	return s == DriverName
}
