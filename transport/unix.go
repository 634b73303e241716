// Package transport provides the raw byte transports a bus
// connection runs over.
//
// A Transport is a nonblocking file descriptor plus plain send and
// receive; it does no message framing or marshalling. The fd is
// exposed so the connection can register readiness watches for it
// with an event loop.
package transport

import (
	"io"
	"strings"

	"golang.org/x/sys/unix"
)

// Transport is a raw bus connection.
type Transport interface {
	io.ReadWriteCloser

	// Fd returns the transport's file descriptor, for readiness
	// watches. The fd is in nonblocking mode: Read and Write return
	// unix.EAGAIN when the socket is not ready.
	Fd() int
}

// DialUnix connects to the bus listening on the given Unix socket
// path. A path starting with "@" denotes an abstract socket.
func DialUnix(path string) (Transport, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	name := strings.Replace(path, "@", "\x00", 1)
	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: name}); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &fdTransport{fd: fd}, nil
}

// Pair returns two connected transports, one for each end of a
// socketpair. It is the loopback used by tests and in-process peers.
func Pair() (Transport, Transport, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return nil, nil, err
	}
	return &fdTransport{fd: fds[0]}, &fdTransport{fd: fds[1]}, nil
}

type fdTransport struct {
	fd     int
	closed bool
}

func (t *fdTransport) Fd() int { return t.fd }

func (t *fdTransport) Read(bs []byte) (int, error) {
	if t.closed {
		return 0, io.ErrClosedPipe
	}
	n, err := unix.Read(t.fd, bs)
	if n == 0 && err == nil {
		return 0, io.EOF
	}
	if n < 0 {
		n = 0
	}
	return n, err
}

func (t *fdTransport) Write(bs []byte) (int, error) {
	if t.closed {
		return 0, io.ErrClosedPipe
	}
	n, err := unix.Write(t.fd, bs)
	if n < 0 {
		n = 0
	}
	return n, err
}

func (t *fdTransport) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	return unix.Close(t.fd)
}
