package wire

import "github.com/dbusd/dbusd/internal/dbuserr"

// EncodeBody serializes args as a CBOR Core Deterministic Encoding of
// a single array, standing in for the out-of-scope D-Bus type
// signature system: the driver and its callers exchange arguments as
// a plain ordered array rather than building a signature string by
// hand.
func EncodeBody(args ...any) ([]byte, error) {
	if len(args) == 0 {
		return nil, nil
	}
	b, err := encMode.Marshal(args)
	if err != nil {
		return nil, dbuserr.NewFatal(err)
	}
	return b, nil
}

// DecodeBody parses a body produced by EncodeBody back into its
// argument list. An empty body decodes to an empty slice.
func DecodeBody(body []byte) ([]any, error) {
	if len(body) == 0 {
		return nil, nil
	}
	var args []any
	if err := decMode.Unmarshal(body, &args); err != nil {
		return nil, dbuserr.New(dbuserr.ProtocolViolation, "malformed method argument body: "+err.Error())
	}
	return args, nil
}
