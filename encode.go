package taskbus

import (
	"strings"

	"taskbus/fragments"
)

// Marshal renders m to the wire format using the given byte order.
//
// Marshal fails with an [EncodeError] if a body value's type does not
// match its signature token, or if a string value contains an
// embedded NUL.
func Marshal(m *Message, order fragments.ByteOrder) ([]byte, error) {
	if err := m.Valid(); err != nil {
		return nil, EncodeError{err}
	}

	e := &fragments.Encoder{Order: order}
	e.ByteOrderFlag()
	e.Uint8(byte(m.Kind))
	e.Uint8(m.Flags)
	e.Uint8(protocolVersion)
	lenOffset := len(e.Out)
	e.Uint32(0) // body length, patched below
	e.Uint32(m.Serial)

	err := e.Array(true, func() error {
		if err := encodeField(e, fieldPath, "o", m.Path, m.Path != ""); err != nil {
			return err
		}
		if err := encodeField(e, fieldInterface, "s", m.Interface, m.Interface != ""); err != nil {
			return err
		}
		if err := encodeField(e, fieldMember, "s", m.Member, m.Member != ""); err != nil {
			return err
		}
		if err := encodeField(e, fieldErrName, "s", m.ErrName, m.ErrName != ""); err != nil {
			return err
		}
		if m.ReplySerial != 0 {
			if err := encodeField(e, fieldReplySerial, "u", m.ReplySerial, true); err != nil {
				return err
			}
		}
		if err := encodeField(e, fieldDestination, "s", m.Destination, m.Destination != ""); err != nil {
			return err
		}
		if err := encodeField(e, fieldSender, "s", m.Sender, m.Sender != ""); err != nil {
			return err
		}
		return encodeField(e, fieldSignature, "g", m.Signature, !m.Signature.IsZero())
	})
	if err != nil {
		return nil, err
	}

	// The body begins at the next 8-byte boundary after the header.
	// The padding is not counted in the body length.
	e.Pad(8)
	bodyStart := len(e.Out)

	types, err := m.Signature.Types()
	if err != nil {
		return nil, EncodeError{err}
	}
	if len(types) != len(m.Body) {
		return nil, encodeErr("signature %q describes %d values, body has %d", m.Signature, len(types), len(m.Body))
	}
	for i, t := range types {
		if err := encodeValue(e, t, m.Body[i]); err != nil {
			return nil, err
		}
	}
	order.PutUint32(e.Out[lenOffset:], uint32(len(e.Out)-bodyStart))

	return e.Out, nil
}

func encodeField(e *fragments.Encoder, code uint8, sig Signature, val any, present bool) error {
	if !present {
		return nil
	}
	return e.Struct(func() error {
		e.Uint8(code)
		return encodeVariant(e, Variant{sig, val})
	})
}

func encodeVariant(e *fragments.Encoder, v Variant) error {
	if !v.Sig.Single() {
		return encodeErr("variant signature %q is not a single complete type", v.Sig)
	}
	e.SignatureString(string(v.Sig))
	return encodeValue(e, v.Sig, v.Value)
}

// encodeValue appends one value of type sig. sig must be a single
// complete type.
func encodeValue(e *fragments.Encoder, sig Signature, val any) error {
	mismatch := func() error {
		return encodeErr("value of type %s does not match signature token %q", typeName(val), sig)
	}
	switch sig[0] {
	case 'y':
		v, ok := val.(byte)
		if !ok {
			return mismatch()
		}
		e.Uint8(v)
	case 'b':
		v, ok := val.(bool)
		if !ok {
			return mismatch()
		}
		if v {
			e.Uint32(1)
		} else {
			e.Uint32(0)
		}
	case 'n':
		v, ok := val.(int16)
		if !ok {
			return mismatch()
		}
		e.Uint16(uint16(v))
	case 'q':
		v, ok := val.(uint16)
		if !ok {
			return mismatch()
		}
		e.Uint16(v)
	case 'i':
		v, ok := val.(int32)
		if !ok {
			return mismatch()
		}
		e.Uint32(uint32(v))
	case 'u':
		v, ok := val.(uint32)
		if !ok {
			return mismatch()
		}
		e.Uint32(v)
	case 'x':
		v, ok := val.(int64)
		if !ok {
			return mismatch()
		}
		e.Uint64(uint64(v))
	case 't':
		v, ok := val.(uint64)
		if !ok {
			return mismatch()
		}
		e.Uint64(v)
	case 'd':
		v, ok := val.(float64)
		if !ok {
			return mismatch()
		}
		e.Float64(v)
	case 's':
		v, ok := val.(string)
		if !ok {
			return mismatch()
		}
		if strings.ContainsRune(v, 0) {
			return encodeErr("string %q contains embedded NUL", v)
		}
		e.String(v)
	case 'o':
		v, ok := val.(ObjectPath)
		if !ok {
			return mismatch()
		}
		if !v.Valid() {
			return encodeErr("invalid object path %q", v)
		}
		e.String(string(v))
	case 'g':
		v, ok := val.(Signature)
		if !ok {
			return mismatch()
		}
		if _, err := ParseSignature(string(v)); err != nil {
			return EncodeError{err}
		}
		e.SignatureString(string(v))
	case 'v':
		v, ok := val.(Variant)
		if !ok {
			return mismatch()
		}
		return encodeVariant(e, v)
	case 'a':
		return encodeArray(e, sig[1:], val)
	case '(':
		v, ok := val.([]any)
		if !ok {
			return mismatch()
		}
		fields, err := Signature(sig[1 : len(sig)-1]).Types()
		if err != nil {
			return EncodeError{err}
		}
		if len(fields) != len(v) {
			return encodeErr("struct signature %q has %d fields, value has %d", sig, len(fields), len(v))
		}
		return e.Struct(func() error {
			for i, f := range fields {
				if err := encodeValue(e, f, v[i]); err != nil {
					return err
				}
			}
			return nil
		})
	default:
		return encodeErr("cannot encode type %q", sig)
	}
	return nil
}

func encodeArray(e *fragments.Encoder, elem Signature, val any) error {
	if elem[0] == '{' {
		m, ok := val.(map[any]any)
		if !ok {
			return encodeErr("value of type %s does not match signature token a%s", typeName(val), elem)
		}
		key, rest, err := nextType(string(elem[1:]))
		if err != nil {
			return EncodeError{err}
		}
		value := Signature(rest[:len(rest)-1])
		return e.Array(true, func() error {
			for k, v := range m {
				err := e.Struct(func() error {
					if err := encodeValue(e, Signature(key), k); err != nil {
						return err
					}
					return encodeValue(e, value, v)
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
	}

	vs, ok := val.([]any)
	if !ok {
		return encodeErr("value of type %s does not match signature token a%s", typeName(val), elem)
	}
	return e.Array(elem.alignment() == 8, func() error {
		for _, v := range vs {
			if err := encodeValue(e, elem, v); err != nil {
				return err
			}
		}
		return nil
	})
}
