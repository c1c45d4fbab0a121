package match

import (
	"strconv"
	"strings"

	"github.com/dbusd/dbusd/internal/address"
	"github.com/dbusd/dbusd/internal/dbuserr"
)

// Keys is the fully parsed form of a match rule string: the filter
// fields plus the subscription-only keys (path_namespace,
// arg0namespace, eavesdrop) and the raw sender/destination address
// strings (needed for placement — see place in internal/bus/match.go —
// since a sender may be a well-known name that does not yet resolve
// to a filter.Sender id).
type Keys struct {
	Filter Filter

	SenderName      string // "" if unset
	DestinationName string // "" if unset
	PathNamespace   string // "" if unset
	Arg0Namespace   string // "" if unset
	Eavesdrop       bool
}

// canonical renders the keys in a stable, fully-ordered textual form
// used as the owner index's key: duplicate submissions of the same
// rule produce the same canonical string, which is how coalescing by
// refcount (rather than creating a second Rule) is detected.
func (k Keys) canonical() string {
	var b strings.Builder
	b.WriteString("type=")
	b.WriteString(strconv.Itoa(int(k.Filter.Type)))
	b.WriteString(",sender=")
	b.WriteString(k.SenderName)
	b.WriteString(",destination=")
	b.WriteString(k.DestinationName)
	b.WriteString(",interface=")
	b.WriteString(k.Filter.Interface)
	b.WriteString(",member=")
	b.WriteString(k.Filter.Member)
	b.WriteString(",path=")
	b.WriteString(k.Filter.Path)
	b.WriteString(",path_namespace=")
	b.WriteString(k.PathNamespace)
	b.WriteString(",arg0namespace=")
	b.WriteString(k.Arg0Namespace)
	b.WriteString(",eavesdrop=")
	if k.Eavesdrop {
		b.WriteString("1")
	} else {
		b.WriteString("0")
	}
	for i := 0; i < MaxArgs; i++ {
		if k.Filter.HasArg[i] {
			b.WriteString(",arg")
			b.WriteString(strconv.Itoa(i))
			b.WriteString("=")
			b.WriteString(k.Filter.Args[i])
		}
		if k.Filter.HasArgPath[i] {
			b.WriteString(",arg")
			b.WriteString(strconv.Itoa(i))
			b.WriteString("path=")
			b.WriteString(k.Filter.ArgPaths[i])
		}
	}
	return b.String()
}

// Parse parses a D-Bus match rule string into Keys, per the grammar:
// a comma-separated list of key=value pairs, where values may be
// single-quoted (inside quotes a backslash is literal; outside quotes
// \' yields ', any other backslash is literal), whitespace around =
// is stripped, and each key may appear at most once.
func Parse(rule string) (Keys, error) {
	var keys Keys
	keys.Filter.Type = TypeInvalid
	keys.Filter.Sender = InvalidID
	keys.Filter.Destination = InvalidID

	rest := rule
	for {
		key, eof, err := readKey(&rest)
		if err != nil {
			return Keys{}, err
		}
		if eof {
			break
		}
		value, quoted := readValue(&rest)
		if quoted {
			return Keys{}, dbuserr.New(dbuserr.Invalid, "unterminated quote in match rule")
		}
		if err := assign(&keys, key, value); err != nil {
			return Keys{}, err
		}
	}
	return keys, nil
}

// readKey consumes leading whitespace/stray '=' characters, then a
// key token up to the next whitespace or '=', then the '=' separator.
// eof is true only when nothing but whitespace/'=' remains. A key
// token present without a following '=' is a parse error, matching
// the grammar's "keys without =... yield INVALID".
func readKey(s *string) (key string, eof bool, err error) {
	*s = strings.TrimLeft(*s, " \t\n\r=")
	if *s == "" {
		return "", true, nil
	}
	i := strings.IndexAny(*s, " \t\n\r=")
	if i < 0 {
		return "", false, dbuserr.New(dbuserr.Invalid, "match rule key missing '='")
	}
	key = (*s)[:i]
	*s = (*s)[i:]
	*s = strings.TrimLeft(*s, " \t\n\r")
	if *s == "" || (*s)[0] != '=' {
		return "", false, dbuserr.New(dbuserr.Invalid, "match rule key missing '='")
	}
	*s = (*s)[1:]
	return key, false, nil
}

// readValue consumes one comma-or-end-terminated value, unescaping
// quotes per the grammar, and reports whether the value ended while
// still inside an open quote (a parse error).
func readValue(s *string) (string, bool) {
	var b strings.Builder
	quoted := false
	for {
		for len(*s) > 0 && (*s)[0] == '\'' {
			*s = (*s)[1:]
			quoted = !quoted
		}
		if *s == "" {
			return b.String(), quoted
		}
		c := (*s)[0]
		switch c {
		case ',':
			*s = (*s)[1:]
			if quoted {
				b.WriteByte(',')
				continue
			}
			return b.String(), false
		case '\\':
			*s = (*s)[1:]
			if !quoted && len(*s) > 0 && (*s)[0] == '\'' {
				*s = (*s)[1:]
				b.WriteByte('\'')
			} else {
				b.WriteByte('\\')
			}
		default:
			*s = (*s)[1:]
			b.WriteByte(c)
		}
	}
}

func assign(keys *Keys, key, value string) error {
	invalid := func() error { return dbuserr.New(dbuserr.Invalid, "invalid match rule key: "+key) }

	switch {
	case key == "type":
		if keys.Filter.Type != TypeInvalid {
			return invalid()
		}
		t, ok := parseMessageType(value)
		if !ok {
			return invalid()
		}
		keys.Filter.Type = t

	case key == "sender":
		if keys.SenderName != "" {
			return invalid()
		}
		keys.SenderName = value
		if id, ok := address.ParseUnique(value); ok {
			keys.Filter.Sender = id
		} else {
			keys.Filter.Sender = InvalidID
		}

	case key == "destination":
		if keys.DestinationName != "" {
			return invalid()
		}
		keys.DestinationName = value
		if id, ok := address.ParseUnique(value); ok {
			keys.Filter.Destination = id
		} else {
			keys.Filter.Destination = InvalidID
		}

	case key == "interface":
		if keys.Filter.Interface != "" {
			return invalid()
		}
		keys.Filter.Interface = value

	case key == "member":
		if keys.Filter.Member != "" {
			return invalid()
		}
		keys.Filter.Member = value

	case key == "path":
		if keys.Filter.Path != "" || keys.PathNamespace != "" {
			return invalid()
		}
		keys.Filter.Path = value

	case key == "path_namespace":
		if keys.PathNamespace != "" || keys.Filter.Path != "" {
			return invalid()
		}
		keys.PathNamespace = value

	case key == "eavesdrop":
		switch value {
		case "true":
			keys.Eavesdrop = true
		case "false":
			keys.Eavesdrop = false
		default:
			return invalid()
		}

	case key == "arg0namespace":
		if keys.Arg0Namespace != "" || keys.Filter.HasArg[0] || keys.Filter.HasArgPath[0] {
			return invalid()
		}
		keys.Arg0Namespace = value

	case strings.HasPrefix(key, "arg"):
		rest := key[len("arg"):]
		digits := 0
		for digits < len(rest) && digits < 2 && rest[digits] >= '0' && rest[digits] <= '9' {
			digits++
		}
		if digits == 0 {
			return invalid()
		}
		n, err := strconv.Atoi(rest[:digits])
		if err != nil {
			return invalid()
		}
		if n == 0 && keys.Arg0Namespace != "" {
			return invalid()
		}
		if n >= MaxArgs {
			return invalid()
		}
		suffix := rest[digits:]
		if keys.Filter.HasArg[n] || keys.Filter.HasArgPath[n] {
			return invalid()
		}
		switch suffix {
		case "":
			keys.Filter.Args[n] = value
			keys.Filter.HasArg[n] = true
		case "path":
			keys.Filter.ArgPaths[n] = value
			keys.Filter.HasArgPath[n] = true
		default:
			return invalid()
		}

	default:
		return invalid()
	}
	return nil
}
