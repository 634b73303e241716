package taskbus

import (
	"fmt"
	"strings"
)

// A Signature describes the type of one or more wire values, as a
// sequence of type tokens.
//
// The tokens are: y (byte), b (boolean), n/q (int16/uint16), i/u
// (int32/uint32), x/t (int64/uint64), d (double), s (string), o
// (object path), g (signature), v (variant), a (array, followed by
// the element type), (...) (struct), and {kv} (dictionary entry,
// only valid as the element type of an array).
type Signature string

// maxSignatureLen is the longest signature the wire format permits.
const maxSignatureLen = 255

// IsZero reports whether the signature is empty. An empty Signature
// describes a void value.
func (s Signature) IsZero() bool { return s == "" }

func (s Signature) String() string { return string(s) }

// ParseSignature validates a signature string: a sequence of zero or
// more complete types, with every container closed.
func ParseSignature(sig string) (Signature, error) {
	if len(sig) > maxSignatureLen {
		return "", fmt.Errorf("invalid type signature %q: longer than %d bytes", sig, maxSignatureLen)
	}
	rest := sig
	for rest != "" {
		var err error
		_, rest, err = nextType(rest)
		if err != nil {
			return "", fmt.Errorf("invalid type signature %q: %w", sig, err)
		}
	}
	return Signature(sig), nil
}

func mustParseSignature(sig string) Signature {
	ret, err := ParseSignature(sig)
	if err != nil {
		panic(err)
	}
	return ret
}

// Types splits the signature into its top-level complete types.
func (s Signature) Types() ([]Signature, error) {
	var ret []Signature
	rest := string(s)
	for rest != "" {
		one, r, err := nextType(rest)
		if err != nil {
			return nil, err
		}
		ret = append(ret, Signature(one))
		rest = r
	}
	return ret, nil
}

// Single reports whether the signature consists of exactly one
// complete type.
func (s Signature) Single() bool {
	one, rest, err := nextType(string(s))
	return err == nil && one != "" && rest == ""
}

// nextType splits off the first complete type from sig.
func nextType(sig string) (typ, rest string, err error) {
	if sig == "" {
		return "", "", fmt.Errorf("missing type")
	}
	switch sig[0] {
	case 'y', 'b', 'n', 'q', 'i', 'u', 'x', 't', 'd', 's', 'o', 'g', 'v':
		return sig[:1], sig[1:], nil
	case 'a':
		if len(sig) > 1 && sig[1] == '{' {
			key, rest, err := nextType(sig[2:])
			if err != nil {
				return "", "", fmt.Errorf("dict key: %w", err)
			}
			if !Signature(key).isBasic() {
				return "", "", fmt.Errorf("dict key type %q is not a basic type", key)
			}
			val, rest, err := nextType(rest)
			if err != nil {
				return "", "", fmt.Errorf("dict value: %w", err)
			}
			if rest == "" || rest[0] != '}' {
				return "", "", fmt.Errorf("unclosed dict entry in %q", sig)
			}
			return sig[:2+len(key)+len(val)+1], rest[1:], nil
		}
		elem, rest, err := nextType(sig[1:])
		if err != nil {
			return "", "", fmt.Errorf("array of %w", err)
		}
		return sig[:1+len(elem)], rest, nil
	case '(':
		n := 1
		rest = sig[1:]
		for {
			if rest == "" {
				return "", "", fmt.Errorf("unclosed struct in %q", sig)
			}
			if rest[0] == ')' {
				if n == 1 {
					return "", "", fmt.Errorf("empty struct in %q", sig)
				}
				return sig[:n+1], rest[1:], nil
			}
			var one string
			one, rest, err = nextType(rest)
			if err != nil {
				return "", "", err
			}
			n += len(one)
		}
	case '{':
		return "", "", fmt.Errorf("dict entry outside of array in %q", sig)
	default:
		return "", "", fmt.Errorf("unknown type code %q", sig[0])
	}
}

// isBasic reports whether the signature is a single non-container
// type.
func (s Signature) isBasic() bool {
	if len(s) != 1 {
		return false
	}
	return strings.ContainsRune("ybnqiuxtdsog", rune(s[0]))
}

// alignment returns the natural alignment, in bytes, of the
// signature's first type.
func (s Signature) alignment() int {
	switch s[0] {
	case 'y', 'g', 'v':
		return 1
	case 'n', 'q':
		return 2
	case 'b', 'i', 'u', 's', 'o', 'a':
		return 4
	case 'x', 't', 'd', '(', '{':
		return 8
	default:
		return 1
	}
}
