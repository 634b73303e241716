package taskbus

import "fmt"

// Kind is the kind of a bus message.
type Kind byte

const (
	KindCall Kind = iota + 1
	KindReturn
	KindError
	KindSignal
)

func (k Kind) String() string {
	switch k {
	case KindCall:
		return "call"
	case KindReturn:
		return "return"
	case KindError:
		return "error"
	case KindSignal:
		return "signal"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

// Message flag bits.
const (
	// FlagNoReplyExpected marks a call whose sender does not want a
	// reply. No pending-call entry should exist for such a call, and
	// the receiving side must not send a return.
	FlagNoReplyExpected = 0x1
)

// Header field codes used in the wire encoding.
const (
	fieldPath        = 1
	fieldInterface   = 2
	fieldMember      = 3
	fieldErrName     = 4
	fieldReplySerial = 5
	fieldDestination = 6
	fieldSender      = 7
	fieldSignature   = 8
)

// protocolVersion is the only wire protocol version this package
// speaks.
const protocolVersion = 1

// A Message is one bus protocol message.
type Message struct {
	// Kind is the message kind.
	Kind Kind
	// Flags is the message's flag byte.
	Flags byte
	// Serial identifies this message within its sender's outbound
	// stream. It must be non-zero.
	Serial uint32

	// Path is the target object for a call, or the source object for
	// a signal. Required for KindCall and KindSignal.
	Path ObjectPath
	// Interface is the interface to target for a call, or the source
	// interface for a signal. Required for KindCall and KindSignal.
	Interface string
	// Member is the method name for a call, or signal name for a
	// signal. Required for KindCall and KindSignal.
	Member string
	// ErrName is the name of the error that occurred. Required for
	// KindError.
	ErrName string
	// ReplySerial is the serial of the message to which this message
	// is replying. Required for KindReturn and KindError.
	ReplySerial uint32
	// Destination is the intended recipient of the message. Optional.
	Destination string
	// Sender is the name of the message sender. Optional.
	Sender string

	// Signature describes the types of the body values. Required if
	// the body is non-empty.
	Signature Signature
	// Body is the message payload, one value per top-level type in
	// Signature.
	Body []any
}

// Valid checks that the message's fields are valid for its kind.
func (m *Message) Valid() error {
	if m.Serial == 0 {
		return fmt.Errorf("invalid message with zero Serial")
	}
	switch m.Kind {
	case 0:
		return fmt.Errorf("invalid message with Kind 0")
	case KindCall, KindSignal:
		if m.Path == "" {
			return fmt.Errorf("missing required field Path")
		}
		if !m.Path.Valid() {
			return fmt.Errorf("invalid object path %q", m.Path)
		}
		if m.Interface == "" {
			return fmt.Errorf("missing required field Interface")
		}
		if m.Member == "" {
			return fmt.Errorf("missing required field Member")
		}
	case KindReturn:
		if m.ReplySerial == 0 {
			return fmt.Errorf("missing required field ReplySerial")
		}
	case KindError:
		if m.ReplySerial == 0 {
			return fmt.Errorf("missing required field ReplySerial")
		}
		if m.ErrName == "" {
			return fmt.Errorf("missing required field ErrName")
		}
	default:
		// Unknown message kinds are suspect, but must be tolerated
		// for forward compatibility. The dispatcher reports them.
	}
	return nil
}

// WantReply reports whether the message is a call that requires a
// response.
func (m *Message) WantReply() bool {
	return m.Kind == KindCall && m.Flags&FlagNoReplyExpected == 0
}

// NewMethodReturn constructs the successful reply to call, with the
// given body. The Serial is left zero; the connection assigns it on
// send.
func NewMethodReturn(call *Message, sig Signature, body ...any) *Message {
	return &Message{
		Kind:        KindReturn,
		ReplySerial: call.Serial,
		Destination: call.Sender,
		Signature:   sig,
		Body:        body,
	}
}

// NewMethodError constructs the error reply to call. The Serial is
// left zero; the connection assigns it on send.
func NewMethodError(call *Message, name, detail string) *Message {
	ret := &Message{
		Kind:        KindError,
		ErrName:     name,
		ReplySerial: call.Serial,
		Destination: call.Sender,
	}
	if detail != "" {
		ret.Signature = "s"
		ret.Body = []any{detail}
	}
	return ret
}
