package taskbus

import (
	"fmt"
	"strings"
)

// An ObjectPath is a bus object path, e.g. "/org/freedesktop/DBus".
type ObjectPath string

func (p ObjectPath) String() string { return string(p) }

// Valid reports whether the path is a syntactically valid object
// path: absolute, with non-empty /-separated elements drawn from
// [A-Za-z0-9_].
func (p ObjectPath) Valid() bool {
	if p == "/" {
		return true
	}
	if p == "" || p[0] != '/' || strings.HasSuffix(string(p), "/") {
		return false
	}
	for _, el := range strings.Split(string(p[1:]), "/") {
		if el == "" {
			return false
		}
		for _, r := range el {
			switch {
			case r >= 'a' && r <= 'z':
			case r >= 'A' && r <= 'Z':
			case r >= '0' && r <= '9':
			case r == '_':
			default:
				return false
			}
		}
	}
	return true
}

// IsChildOf reports whether p is situated underneath parent in the
// object tree.
func (p ObjectPath) IsChildOf(parent ObjectPath) bool {
	if parent == "/" {
		return p != "/" && p.Valid()
	}
	return strings.HasPrefix(string(p), string(parent)+"/")
}

// A Variant is a value boxed together with its own type signature.
//
// Variants let a message carry values whose type is not part of the
// enclosing signature. Sig must be a single complete type describing
// Value.
type Variant struct {
	Sig   Signature
	Value any
}

// Values are represented as a closed set of Go types, one per
// signature token:
//
//	y  byte          b  bool
//	n  int16         q  uint16
//	i  int32         u  uint32
//	x  int64         t  uint64
//	d  float64       s  string
//	o  ObjectPath    g  Signature
//	v  Variant
//	a  []any (or map[any]any for an array of dict entries)
//	() []any
//
// The codec checks each value against the signature token it is
// serialized under, so a mistyped value fails encoding rather than
// producing a corrupt message.

// typeName returns a short description of a value's union tag, for
// error messages.
func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "nil"
	case []any:
		return "sequence"
	case map[any]any:
		return "dict"
	default:
		return fmt.Sprintf("%T", v)
	}
}
