package fragments

import (
	"errors"
	"fmt"
	"math"
)

// Decoding errors reported by [Decoder]. Callers can match them with
// [errors.Is] after unwrapping whatever their own framing adds.
var (
	// ErrTruncated indicates that the input ended before a declared
	// value was complete.
	ErrTruncated = errors.New("message truncated")
	// ErrBadPadding indicates that an alignment padding byte was not
	// zero.
	ErrBadPadding = errors.New("nonzero padding byte")
)

// A Decoder provides utilities to read a wire format message from a
// byte slice.
//
// Methods advance the read cursor as needed to account for the
// padding required by the format's alignment rules, except for
// [Decoder.Read] which reads bytes verbatim. Padding bytes are
// required to be zero, and any nonzero padding fails the read with
// [ErrBadPadding].
type Decoder struct {
	// Order is the byte order to use when reading multi-byte values.
	Order ByteOrder
	// In is the input being decoded.
	In []byte

	// offset is the number of bytes consumed so far. Alignment
	// depends on the absolute offset within the message, and cannot
	// be derived from local context partway through decoding.
	offset int
	// limit bounds reads while decoding a length-delimited container,
	// so that a corrupt element cannot silently consume bytes that
	// belong to the rest of the message. Zero means no limit.
	limit int
}

// Offset returns the number of bytes consumed so far.
func (d *Decoder) Offset() int { return d.offset }

func (d *Decoder) end() int {
	if d.limit != 0 {
		return d.limit
	}
	return len(d.In)
}

// Pad consumes padding bytes as needed to make the next read happen
// at a multiple of align bytes, verifying that every consumed byte is
// zero.
func (d *Decoder) Pad(align int) error {
	extra := d.offset % align
	if extra == 0 {
		return nil
	}
	skip := align - extra
	if d.offset+skip > d.end() {
		return ErrTruncated
	}
	for _, b := range d.In[d.offset : d.offset+skip] {
		if b != 0 {
			return ErrBadPadding
		}
	}
	d.offset += skip
	return nil
}

// Read reads n bytes, with no framing or padding.
func (d *Decoder) Read(n int) ([]byte, error) {
	if d.offset+n > d.end() {
		return nil, ErrTruncated
	}
	bs := d.In[d.offset : d.offset+n]
	d.offset += n
	return bs, nil
}

// Bytes reads a length-prefixed byte array.
func (d *Decoder) Bytes() ([]byte, error) {
	ln, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	return d.Read(int(ln))
}

// String reads a NUL-terminated string.
func (d *Decoder) String() (string, error) {
	ln, err := d.Uint32()
	if err != nil {
		return "", err
	}
	ret, err := d.Read(int(ln) + 1)
	if err != nil {
		return "", err
	}
	if ret[len(ret)-1] != 0 {
		return "", fmt.Errorf("string missing NUL terminator")
	}
	return string(ret[:len(ret)-1]), nil
}

// SignatureString reads a string in the compact framing used for type
// signatures: a single length byte, then the signature,
// NUL-terminated.
func (d *Decoder) SignatureString() (string, error) {
	ln, err := d.Uint8()
	if err != nil {
		return "", err
	}
	ret, err := d.Read(int(ln) + 1)
	if err != nil {
		return "", err
	}
	if ret[len(ret)-1] != 0 {
		return "", fmt.Errorf("signature missing NUL terminator")
	}
	return string(ret[:len(ret)-1]), nil
}

// Uint8 reads a uint8.
func (d *Decoder) Uint8() (uint8, error) {
	bs, err := d.Read(1)
	if err != nil {
		return 0, err
	}
	return bs[0], nil
}

// Uint16 reads a uint16.
func (d *Decoder) Uint16() (uint16, error) {
	if err := d.Pad(2); err != nil {
		return 0, err
	}
	bs, err := d.Read(2)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint16(bs), nil
}

// Uint32 reads a uint32.
func (d *Decoder) Uint32() (uint32, error) {
	if err := d.Pad(4); err != nil {
		return 0, err
	}
	bs, err := d.Read(4)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint32(bs), nil
}

// Uint64 reads a uint64.
func (d *Decoder) Uint64() (uint64, error) {
	if err := d.Pad(8); err != nil {
		return 0, err
	}
	bs, err := d.Read(8)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint64(bs), nil
}

// Float64 reads a float64 from its IEEE 754 bit pattern.
func (d *Decoder) Float64() (float64, error) {
	u, err := d.Uint64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(u), nil
}

// Array reads an array.
//
// readElement is called repeatedly while there is array data
// remaining to process, passing in the array index of the element to
// be decoded. readElement must completely consume all array bytes
// from the input, and must not read beyond the end of the array data.
//
// Array returns the total number of array elements that were
// processed.
//
// align8 indicates whether the array's elements are 8-byte aligned,
// so that the decoder consumes array header padding appropriately
// even if the array contains no elements.
func (d *Decoder) Array(align8 bool, readElement func(int) error) (int, error) {
	ln, err := d.Uint32()
	if err != nil {
		return 0, err
	}
	if align8 {
		if err := d.Pad(8); err != nil {
			return 0, err
		}
	}
	end := d.offset + int(ln)
	if end > d.end() {
		return 0, ErrTruncated
	}
	outerLimit := d.limit
	d.limit = end
	defer func() { d.limit = outerLimit }()

	idx := 0
	for d.offset < end {
		if err := readElement(idx); err != nil {
			return idx, err
		}
		idx++
	}
	if d.offset != end {
		return idx, fmt.Errorf("array element overran declared length")
	}
	return idx, nil
}

// Struct reads a struct.
//
// Struct fields must be read within the provided fields function.
func (d *Decoder) Struct(fields func() error) error {
	if err := d.Pad(8); err != nil {
		return err
	}
	return fields()
}

// ByteOrderFlag reads a byte order flag byte, and sets
// [Decoder.Order] to match it.
func (d *Decoder) ByteOrderFlag() error {
	v, err := d.Uint8()
	if err != nil {
		return err
	}
	switch v {
	case 'B':
		d.Order = BigEndian
	case 'l':
		d.Order = LittleEndian
	default:
		return fmt.Errorf("unknown byte order flag %q", v)
	}
	return nil
}
