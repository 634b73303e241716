package transport_test

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"golang.org/x/sys/unix"

	"taskbus/transport"
)

func TestPair(t *testing.T) {
	a, b, err := transport.Pair()
	if err != nil {
		t.Fatalf("Pair got err: %v", err)
	}
	defer a.Close()
	defer b.Close()

	if _, err := a.Write([]byte("hello")); err != nil {
		t.Fatalf("Write got err: %v", err)
	}
	buf := make([]byte, 16)
	n, err := b.Read(buf)
	if err != nil {
		t.Fatalf("Read got err: %v", err)
	}
	if !bytes.Equal(buf[:n], []byte("hello")) {
		t.Errorf("Read = %q, want %q", buf[:n], "hello")
	}
}

func TestReadEmptyIsEAGAIN(t *testing.T) {
	a, b, err := transport.Pair()
	if err != nil {
		t.Fatalf("Pair got err: %v", err)
	}
	defer a.Close()
	defer b.Close()

	buf := make([]byte, 16)
	if n, err := a.Read(buf); !errors.Is(err, unix.EAGAIN) {
		t.Errorf("Read on empty socket = %d, %v, want EAGAIN", n, err)
	}
}

func TestReadAfterPeerClose(t *testing.T) {
	a, b, err := transport.Pair()
	if err != nil {
		t.Fatalf("Pair got err: %v", err)
	}
	defer a.Close()

	b.Close()
	buf := make([]byte, 16)
	if n, err := a.Read(buf); !errors.Is(err, io.EOF) {
		t.Errorf("Read after peer close = %d, %v, want EOF", n, err)
	}
}

func TestUseAfterClose(t *testing.T) {
	a, b, err := transport.Pair()
	if err != nil {
		t.Fatalf("Pair got err: %v", err)
	}
	defer b.Close()

	a.Close()
	if _, err := a.Read(make([]byte, 1)); err == nil {
		t.Error("Read on closed transport succeeded")
	}
	if _, err := a.Write([]byte("x")); err == nil {
		t.Error("Write on closed transport succeeded")
	}
	if err := a.Close(); err != nil {
		t.Errorf("second Close got err: %v", err)
	}
}
