package taskbus

import (
	"errors"
	"fmt"
)

// ErrDisconnected is reported by operations issued on a closed
// connection, and resolves every call still pending when a connection
// tears down.
var ErrDisconnected = errors.New("connection closed")

// An EncodeError is reported when a message cannot be rendered to the
// wire format, because a body value does not match its declared
// signature token or contains data the format forbids. It is always
// raised synchronously, before any bytes are written.
type EncodeError struct {
	Reason error
}

func (e EncodeError) Error() string {
	return fmt.Sprintf("cannot encode message: %v", e.Reason)
}

func (e EncodeError) Unwrap() error { return e.Reason }

func encodeErr(format string, args ...any) error {
	return EncodeError{fmt.Errorf(format, args...)}
}

// A DecodeError is reported when inbound bytes do not form a valid
// message. It is fatal to the single message, never to the
// connection.
type DecodeError struct {
	Reason error
}

func (e DecodeError) Error() string {
	return fmt.Sprintf("cannot decode message: %v", e.Reason)
}

func (e DecodeError) Unwrap() error { return e.Reason }

func decodeErr(format string, args ...any) error {
	return DecodeError{fmt.Errorf(format, args...)}
}

// A RemoteError is the error returned from a method call when the
// peer replies with an error message. A handler registered with
// [Conn.Handle] may also return a *RemoteError to control the error
// name sent back on the wire.
type RemoteError struct {
	// Name is the error name provided by the remote peer.
	Name string
	// Detail is the human-readable explanation of what went wrong.
	Detail string
}

func (e *RemoteError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("call error %s", e.Name)
	}
	return fmt.Sprintf("call error %s: %s", e.Name, e.Detail)
}

// Well-known error names used in replies the connection synthesizes
// itself.
const (
	errNameUnknownObject = "org.freedesktop.DBus.Error.UnknownObject"
	errNameUnknownMethod = "org.freedesktop.DBus.Error.UnknownMethod"
	errNameFailed        = "org.freedesktop.DBus.Error.Failed"
)
