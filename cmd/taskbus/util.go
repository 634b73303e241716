package main

import (
	"fmt"
	"strconv"

	"taskbus"
)

// parseMessageArgs splits command arguments of the shape
//
//	object interface member [signature args...]
//
// into message fields, decoding one body value per type in the
// signature. Only basic types can be written on a command line;
// container types must come from code.
func parseMessageArgs(args []string) (path taskbus.ObjectPath, iface, member string, sig taskbus.Signature, body []any, err error) {
	if len(args) < 3 {
		return "", "", "", "", nil, fmt.Errorf("need object, interface and member arguments")
	}
	path = taskbus.ObjectPath(args[0])
	if !path.Valid() {
		return "", "", "", "", nil, fmt.Errorf("invalid object path %q", args[0])
	}
	iface, member = args[1], args[2]
	if len(args) == 3 {
		return path, iface, member, "", nil, nil
	}

	sig, err = taskbus.ParseSignature(args[3])
	if err != nil {
		return "", "", "", "", nil, fmt.Errorf("invalid signature %q: %w", args[3], err)
	}
	types, err := sig.Types()
	if err != nil {
		return "", "", "", "", nil, err
	}
	vals := args[4:]
	if len(vals) != len(types) {
		return "", "", "", "", nil, fmt.Errorf("signature %s needs %d values, got %d", sig, len(types), len(vals))
	}
	for i, typ := range types {
		v, err := parseValue(typ, vals[i])
		if err != nil {
			return "", "", "", "", nil, fmt.Errorf("argument %d: %w", i+1, err)
		}
		body = append(body, v)
	}
	return path, iface, member, sig, body, nil
}

func parseValue(typ taskbus.Signature, s string) (any, error) {
	switch typ {
	case "y":
		v, err := strconv.ParseUint(s, 0, 8)
		return byte(v), err
	case "b":
		return strconv.ParseBool(s)
	case "n":
		v, err := strconv.ParseInt(s, 0, 16)
		return int16(v), err
	case "q":
		v, err := strconv.ParseUint(s, 0, 16)
		return uint16(v), err
	case "i":
		v, err := strconv.ParseInt(s, 0, 32)
		return int32(v), err
	case "u":
		v, err := strconv.ParseUint(s, 0, 32)
		return uint32(v), err
	case "x":
		return strconv.ParseInt(s, 0, 64)
	case "t":
		return strconv.ParseUint(s, 0, 64)
	case "d":
		return strconv.ParseFloat(s, 64)
	case "s":
		return s, nil
	case "o":
		p := taskbus.ObjectPath(s)
		if !p.Valid() {
			return nil, fmt.Errorf("invalid object path %q", s)
		}
		return p, nil
	case "g":
		return taskbus.ParseSignature(s)
	default:
		return nil, fmt.Errorf("type %s cannot be given on the command line", typ)
	}
}
