// Package bustest provides helpers to exercise bus connections
// in-process, with no external bus daemon: two connections bridged
// over a socketpair, sharing one event loop.
package bustest

import (
	"testing"

	"taskbus"
	"taskbus/eventloop"
	"taskbus/transport"
)

// NewLoop creates an event loop that is closed when the test ends.
func NewLoop(t *testing.T) *eventloop.Loop {
	t.Helper()
	loop, err := eventloop.New()
	if err != nil {
		t.Fatalf("creating loop: %v", err)
	}
	t.Cleanup(func() { loop.Close() })
	return loop
}

// Pair returns two connections joined by a socketpair, both running
// on loop. Anything one sends, the other receives; there is no bus
// daemon in between, so destinations are not interpreted.
func Pair(t *testing.T, loop *eventloop.Loop) (*taskbus.Conn, *taskbus.Conn) {
	t.Helper()
	ta, tb, err := transport.Pair()
	if err != nil {
		t.Fatalf("creating socketpair: %v", err)
	}
	a, err := taskbus.NewConn(loop, ta)
	if err != nil {
		t.Fatalf("creating conn a: %v", err)
	}
	b, err := taskbus.NewConn(loop, tb)
	if err != nil {
		a.Close()
		t.Fatalf("creating conn b: %v", err)
	}
	return a, b
}

// ConnAndRaw returns a connection and the raw transport for the far
// end of its socketpair, for tests that need to write hand-built
// messages onto the wire.
func ConnAndRaw(t *testing.T, loop *eventloop.Loop) (*taskbus.Conn, transport.Transport) {
	t.Helper()
	ta, tb, err := transport.Pair()
	if err != nil {
		t.Fatalf("creating socketpair: %v", err)
	}
	a, err := taskbus.NewConn(loop, ta)
	if err != nil {
		t.Fatalf("creating conn: %v", err)
	}
	t.Cleanup(func() { tb.Close() })
	return a, tb
}

// Run starts body as a task on loop and drives the loop until all
// tasks have finished. The body must close any connections it opened
// so their read pumps exit; a stalled loop fails the test.
func Run(t *testing.T, loop *eventloop.Loop, body func(task *eventloop.Task)) {
	t.Helper()
	loop.Go(body)
	if err := loop.Run(); err != nil {
		t.Fatalf("loop exited: %v", err)
	}
}
