package taskbus

import (
	"taskbus/fragments"
)

// headerLen is the length of the fixed portion of a message: byte
// order flag, kind, flags, version, body length, serial, and the
// length prefix of the header field array.
const headerLen = 16

// MessageLen inspects the fixed header at the start of bs and returns
// the total encoded length of the message, or 0 if bs does not yet
// hold enough bytes to tell. It is the framing primitive used to
// split a byte stream into messages.
func MessageLen(bs []byte) (int, error) {
	if len(bs) < headerLen {
		return 0, nil
	}
	d := &fragments.Decoder{In: bs}
	if err := d.ByteOrderFlag(); err != nil {
		return 0, DecodeError{err}
	}
	if _, err := d.Read(3); err != nil {
		return 0, DecodeError{err}
	}
	bodyLen, err := d.Uint32()
	if err != nil {
		return 0, DecodeError{err}
	}
	if _, err := d.Uint32(); err != nil { // serial
		return 0, DecodeError{err}
	}
	fieldsLen, err := d.Uint32()
	if err != nil {
		return 0, DecodeError{err}
	}
	total := headerLen + int(fieldsLen)
	if pad := total % 8; pad != 0 {
		total += 8 - pad
	}
	return total + int(bodyLen), nil
}

// Unmarshal parses one complete message from bs.
//
// It fails with a [DecodeError] if bs is shorter than the lengths the
// header declares, if alignment padding is non-zero, or if a
// signature fails to validate. Either byte order is accepted,
// according to the message's endianness flag.
func Unmarshal(bs []byte) (*Message, error) {
	d := &fragments.Decoder{In: bs}
	var m Message

	if err := d.ByteOrderFlag(); err != nil {
		return nil, DecodeError{err}
	}
	kind, err := d.Uint8()
	if err != nil {
		return nil, DecodeError{err}
	}
	m.Kind = Kind(kind)
	if m.Flags, err = d.Uint8(); err != nil {
		return nil, DecodeError{err}
	}
	version, err := d.Uint8()
	if err != nil {
		return nil, DecodeError{err}
	}
	if version != protocolVersion {
		return nil, decodeErr("unsupported protocol version %d", version)
	}
	bodyLen, err := d.Uint32()
	if err != nil {
		return nil, DecodeError{err}
	}
	if m.Serial, err = d.Uint32(); err != nil {
		return nil, DecodeError{err}
	}

	if err := decodeFields(d, &m); err != nil {
		return nil, err
	}

	if err := d.Pad(8); err != nil {
		return nil, DecodeError{err}
	}
	bodyStart := d.Offset()

	types, err := m.Signature.Types()
	if err != nil {
		return nil, DecodeError{err}
	}
	for _, t := range types {
		v, err := decodeValue(d, t)
		if err != nil {
			return nil, err
		}
		m.Body = append(m.Body, v)
	}
	if got := d.Offset() - bodyStart; got != int(bodyLen) {
		return nil, decodeErr("body is %d bytes, header declared %d", got, bodyLen)
	}
	if d.Offset() != len(bs) {
		return nil, decodeErr("%d trailing bytes after message body", len(bs)-d.Offset())
	}

	if err := m.Valid(); err != nil {
		return nil, DecodeError{err}
	}
	return &m, nil
}

func decodeFields(d *fragments.Decoder, m *Message) error {
	_, err := d.Array(true, func(int) error {
		return d.Struct(func() error {
			code, err := d.Uint8()
			if err != nil {
				return err
			}
			v, err := decodeVariant(d)
			if err != nil {
				return err
			}
			return setField(m, code, v)
		})
	})
	if err != nil {
		if _, ok := err.(DecodeError); ok {
			return err
		}
		return DecodeError{err}
	}
	return nil
}

func setField(m *Message, code uint8, v Variant) error {
	bad := func(want string) error {
		return decodeErr("header field %d has signature %q, want %q", code, v.Sig, want)
	}
	switch code {
	case fieldPath:
		p, ok := v.Value.(ObjectPath)
		if !ok {
			return bad("o")
		}
		m.Path = p
	case fieldInterface:
		s, ok := v.Value.(string)
		if !ok {
			return bad("s")
		}
		m.Interface = s
	case fieldMember:
		s, ok := v.Value.(string)
		if !ok {
			return bad("s")
		}
		m.Member = s
	case fieldErrName:
		s, ok := v.Value.(string)
		if !ok {
			return bad("s")
		}
		m.ErrName = s
	case fieldReplySerial:
		u, ok := v.Value.(uint32)
		if !ok {
			return bad("u")
		}
		m.ReplySerial = u
	case fieldDestination:
		s, ok := v.Value.(string)
		if !ok {
			return bad("s")
		}
		m.Destination = s
	case fieldSender:
		s, ok := v.Value.(string)
		if !ok {
			return bad("s")
		}
		m.Sender = s
	case fieldSignature:
		g, ok := v.Value.(Signature)
		if !ok {
			return bad("g")
		}
		m.Signature = g
	default:
		// Unknown header fields must be ignored, per the wire
		// format's extension rules.
	}
	return nil
}

func decodeVariant(d *fragments.Decoder) (Variant, error) {
	s, err := d.SignatureString()
	if err != nil {
		return Variant{}, DecodeError{err}
	}
	sig, err := ParseSignature(s)
	if err != nil {
		return Variant{}, DecodeError{err}
	}
	if !sig.Single() {
		return Variant{}, decodeErr("variant signature %q is not a single complete type", s)
	}
	v, err := decodeValue(d, sig)
	if err != nil {
		return Variant{}, err
	}
	return Variant{sig, v}, nil
}

// decodeValue reads one value of type sig. sig must be a single
// complete type.
func decodeValue(d *fragments.Decoder, sig Signature) (any, error) {
	wrap := func(v any, err error) (any, error) {
		if err != nil {
			if _, ok := err.(DecodeError); ok {
				return nil, err
			}
			return nil, DecodeError{err}
		}
		return v, nil
	}
	switch sig[0] {
	case 'y':
		return wrap(d.Uint8())
	case 'b':
		u, err := d.Uint32()
		if err != nil {
			return wrap(nil, err)
		}
		switch u {
		case 0:
			return false, nil
		case 1:
			return true, nil
		default:
			return nil, decodeErr("invalid boolean value %d", u)
		}
	case 'n':
		u, err := d.Uint16()
		return wrap(int16(u), err)
	case 'q':
		return wrap(d.Uint16())
	case 'i':
		u, err := d.Uint32()
		return wrap(int32(u), err)
	case 'u':
		return wrap(d.Uint32())
	case 'x':
		u, err := d.Uint64()
		return wrap(int64(u), err)
	case 't':
		return wrap(d.Uint64())
	case 'd':
		return wrap(d.Float64())
	case 's':
		return wrap(d.String())
	case 'o':
		s, err := d.String()
		if err != nil {
			return wrap(nil, err)
		}
		p := ObjectPath(s)
		if !p.Valid() {
			return nil, decodeErr("invalid object path %q", s)
		}
		return p, nil
	case 'g':
		s, err := d.SignatureString()
		if err != nil {
			return wrap(nil, err)
		}
		ret, err := ParseSignature(s)
		return wrap(ret, err)
	case 'v':
		return decodeVariant(d)
	case 'a':
		return decodeArray(d, sig[1:])
	case '(':
		fields, err := Signature(sig[1 : len(sig)-1]).Types()
		if err != nil {
			return nil, DecodeError{err}
		}
		ret := make([]any, 0, len(fields))
		err = d.Struct(func() error {
			for _, f := range fields {
				v, err := decodeValue(d, f)
				if err != nil {
					return err
				}
				ret = append(ret, v)
			}
			return nil
		})
		return wrap(ret, err)
	default:
		return nil, decodeErr("cannot decode type %q", sig)
	}
}

func decodeArray(d *fragments.Decoder, elem Signature) (any, error) {
	if elem[0] == '{' {
		key, rest, err := nextType(string(elem[1:]))
		if err != nil {
			return nil, DecodeError{err}
		}
		value := Signature(rest[:len(rest)-1])
		ret := map[any]any{}
		_, err = d.Array(true, func(int) error {
			return d.Struct(func() error {
				k, err := decodeValue(d, Signature(key))
				if err != nil {
					return err
				}
				v, err := decodeValue(d, value)
				if err != nil {
					return err
				}
				ret[k] = v
				return nil
			})
		})
		if err != nil {
			if _, ok := err.(DecodeError); ok {
				return nil, err
			}
			return nil, DecodeError{err}
		}
		return ret, nil
	}

	ret := []any{}
	_, err := d.Array(elem.alignment() == 8, func(int) error {
		v, err := decodeValue(d, elem)
		if err != nil {
			return err
		}
		ret = append(ret, v)
		return nil
	})
	if err != nil {
		if _, ok := err.(DecodeError); ok {
			return nil, err
		}
		return nil, DecodeError{err}
	}
	return ret, nil
}
