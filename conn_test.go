package taskbus_test

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"

	"taskbus"
	"taskbus/bustest"
	"taskbus/eventloop"
	"taskbus/fragments"
	"taskbus/transport"
)

func TestCallReturn(t *testing.T) {
	loop := bustest.NewLoop(t)
	a, b := bustest.Pair(t, loop)

	b.Handle("/svc", "org.test.Iface", "Echo", func(call *taskbus.Message) (taskbus.Signature, []any, error) {
		return call.Signature, call.Body, nil
	})

	bustest.Run(t, loop, func(task *eventloop.Task) {
		defer a.Close()
		defer b.Close()

		got, err := a.Call(task, "", "/svc", "org.test.Iface", "Echo", "su", "hello", uint32(7))
		if err != nil {
			t.Errorf("Call got err: %v", err)
			return
		}
		want := []any{"hello", uint32(7)}
		if diff := cmp.Diff(got, want); diff != "" {
			t.Errorf("Call reply (-got+want):\n%s", diff)
		}
	})
}

func TestCallErrors(t *testing.T) {
	loop := bustest.NewLoop(t)
	a, b := bustest.Pair(t, loop)

	b.Handle("/svc", "org.test.Iface", "Named", func(call *taskbus.Message) (taskbus.Signature, []any, error) {
		return "", nil, &taskbus.RemoteError{Name: "org.test.Error.Custom", Detail: "nope"}
	})
	b.Handle("/svc", "org.test.Iface", "Generic", func(call *taskbus.Message) (taskbus.Signature, []any, error) {
		return "", nil, errors.New("something broke")
	})

	bustest.Run(t, loop, func(task *eventloop.Task) {
		defer a.Close()
		defer b.Close()

		tests := []struct {
			path       taskbus.ObjectPath
			member     string
			wantName   string
			wantDetail string
		}{
			{"/svc", "Named", "org.test.Error.Custom", "nope"},
			{"/svc", "Generic", "org.freedesktop.DBus.Error.Failed", "something broke"},
			{"/nowhere", "Named", "org.freedesktop.DBus.Error.UnknownObject", "no such object: /nowhere"},
			{"/svc", "Missing", "org.freedesktop.DBus.Error.UnknownMethod", "no such method: org.test.Iface.Missing"},
		}
		for _, tc := range tests {
			_, err := a.Call(task, "", tc.path, "org.test.Iface", tc.member, "")
			var remote *taskbus.RemoteError
			if !errors.As(err, &remote) {
				t.Errorf("Call %s on %s err = %v, want RemoteError", tc.member, tc.path, err)
				continue
			}
			if remote.Name != tc.wantName {
				t.Errorf("Call %s on %s error name = %q, want %q", tc.member, tc.path, remote.Name, tc.wantName)
			}
			if remote.Detail != tc.wantDetail {
				t.Errorf("Call %s on %s error detail = %q, want %q", tc.member, tc.path, remote.Detail, tc.wantDetail)
			}
		}
	})
}

// readFrames reads from a raw transport until want complete messages
// have arrived.
func readFrames(t *testing.T, task *eventloop.Task, raw transport.Transport, rw *eventloop.Watch, want int) []*taskbus.Message {
	t.Helper()
	var buf []byte
	var msgs []*taskbus.Message
	tmp := make([]byte, 4096)
	for len(msgs) < want {
		n, err := raw.Read(tmp)
		switch {
		case n > 0:
			buf = append(buf, tmp[:n]...)
			for {
				total, err := taskbus.MessageLen(buf)
				if err != nil {
					t.Errorf("framing inbound bytes: %v", err)
					return msgs
				}
				if total == 0 || len(buf) < total {
					break
				}
				msg, err := taskbus.Unmarshal(buf[:total])
				buf = buf[total:]
				if err != nil {
					t.Errorf("decoding inbound message: %v", err)
					return msgs
				}
				msgs = append(msgs, msg)
			}
		case errors.Is(err, unix.EAGAIN):
			if werr := task.Wait(rw); werr != nil {
				t.Errorf("waiting for raw bytes: %v", werr)
				return msgs
			}
		default:
			t.Errorf("reading raw transport: %v", err)
			return msgs
		}
	}
	return msgs
}

func writeFrame(t *testing.T, raw transport.Transport, msg *taskbus.Message) {
	t.Helper()
	bs, err := taskbus.Marshal(msg, fragments.LittleEndian)
	if err != nil {
		t.Errorf("encoding reply: %v", err)
		return
	}
	if _, err := raw.Write(bs); err != nil {
		t.Errorf("writing reply: %v", err)
	}
}

func TestOutOfOrderReplies(t *testing.T) {
	loop := bustest.NewLoop(t)
	conn, raw := bustest.ConnAndRaw(t, loop)

	remaining := 3
	finish := func() {
		remaining--
		if remaining == 0 {
			conn.Close()
		}
	}
	for i := 0; i < 3; i++ {
		arg := uint32(i)
		loop.Go(func(task *eventloop.Task) {
			defer finish()
			got, err := conn.Call(task, "", "/svc", "org.test.Iface", "M", "u", arg)
			if err != nil {
				t.Errorf("Call(%d) got err: %v", arg, err)
				return
			}
			want := []any{arg}
			if diff := cmp.Diff(got, want); diff != "" {
				t.Errorf("Call(%d) reply (-got+want):\n%s", arg, diff)
			}
		})
	}

	bustest.Run(t, loop, func(task *eventloop.Task) {
		rw, err := loop.AddRead(raw.Fd())
		if err != nil {
			t.Errorf("AddRead got err: %v", err)
			return
		}
		defer rw.Cancel()

		calls := readFrames(t, task, raw, rw, 3)
		// Answer in reverse order of arrival. Each reply carries its
		// call's own argument, so a caller resumed with the wrong
		// reply fails loudly.
		for i := len(calls) - 1; i >= 0; i-- {
			rep := taskbus.NewMethodReturn(calls[i], calls[i].Signature, calls[i].Body...)
			rep.Serial = uint32(100 + i)
			writeFrame(t, raw, rep)
		}
	})
}

func TestCallTimeout(t *testing.T) {
	loop := bustest.NewLoop(t)
	conn, raw := bustest.ConnAndRaw(t, loop)

	loop.Go(func(task *eventloop.Task) {
		defer conn.Close()

		_, err := conn.CallTimeout(task, 10*time.Millisecond, "", "/svc", "org.test.Iface", "Slow", "")
		if !errors.Is(err, eventloop.ErrTimeout) {
			t.Errorf("CallTimeout = %v, want ErrTimeout", err)
			return
		}

		// A second call must get its own reply even though the first
		// call's reply arrives late: the late reply no longer matches
		// anything and is dropped.
		got, err := conn.Call(task, "", "/svc", "org.test.Iface", "Fast", "")
		if err != nil {
			t.Errorf("Call after timeout got err: %v", err)
			return
		}
		want := []any{"second"}
		if diff := cmp.Diff(got, want); diff != "" {
			t.Errorf("Call after timeout reply (-got+want):\n%s", diff)
		}
	})

	bustest.Run(t, loop, func(task *eventloop.Task) {
		rw, err := loop.AddRead(raw.Fd())
		if err != nil {
			t.Errorf("AddRead got err: %v", err)
			return
		}
		defer rw.Cancel()

		first := readFrames(t, task, raw, rw, 1)[0]
		second := readFrames(t, task, raw, rw, 1)[0]

		late := taskbus.NewMethodReturn(first, "s", "first")
		late.Serial = 100
		writeFrame(t, raw, late)
		rep := taskbus.NewMethodReturn(second, "s", "second")
		rep.Serial = 101
		writeFrame(t, raw, rep)
	})
}

func TestCanceledCallWithdrawsPending(t *testing.T) {
	loop := bustest.NewLoop(t)

	ta, tb, err := transport.Pair()
	if err != nil {
		t.Fatalf("creating socketpair: %v", err)
	}
	var logbuf bytes.Buffer
	conn, err := taskbus.NewConn(loop, ta,
		taskbus.WithLogger(slog.New(slog.NewTextHandler(&logbuf, nil))))
	if err != nil {
		tb.Close()
		t.Fatalf("creating conn: %v", err)
	}
	t.Cleanup(func() { tb.Close() })

	hung := loop.Go(func(task *eventloop.Task) {
		_, err := conn.Call(task, "", "/svc", "org.test.Iface", "Hang", "")
		if !errors.Is(err, eventloop.ErrCanceled) {
			t.Errorf("canceled Call = %v, want ErrCanceled", err)
		}
	})

	bustest.Run(t, loop, func(task *eventloop.Task) {
		rw, err := loop.AddRead(tb.Fd())
		if err != nil {
			t.Errorf("AddRead got err: %v", err)
			return
		}
		defer rw.Cancel()

		req := readFrames(t, task, tb, rw, 1)[0]
		hung.Cancel()

		// The canceled caller withdrew its pending entry, so this
		// reply matches nothing and must be dropped.
		late := taskbus.NewMethodReturn(req, "s", "too late")
		late.Serial = 100
		writeFrame(t, tb, late)

		// A fresh call on the same stream fences the drop: its reply
		// cannot arrive before the late one was dispatched.
		loop.Go(func(task2 *eventloop.Task) {
			defer conn.Close()
			if _, err := conn.Call(task2, "", "/svc", "org.test.Iface", "Ping", ""); err != nil {
				t.Errorf("Call after cancel got err: %v", err)
			}
		})
		fence := readFrames(t, task, tb, rw, 1)[0]
		rep := taskbus.NewMethodReturn(fence, "")
		rep.Serial = 101
		writeFrame(t, tb, rep)
	})

	if !strings.Contains(logbuf.String(), "dropped reply with no pending call") {
		t.Errorf("late reply was not logged as dropped; log:\n%s", logbuf.String())
	}
}

func TestDisconnectDrainsPending(t *testing.T) {
	loop := bustest.NewLoop(t)
	conn, _ := bustest.ConnAndRaw(t, loop)

	for i := 0; i < 2; i++ {
		loop.Go(func(task *eventloop.Task) {
			_, err := conn.Call(task, "", "/svc", "org.test.Iface", "Hang", "")
			if !errors.Is(err, taskbus.ErrDisconnected) {
				t.Errorf("pending Call = %v, want ErrDisconnected", err)
			}
		})
	}

	bustest.Run(t, loop, func(task *eventloop.Task) {
		task.Sleep(10 * time.Millisecond)
		conn.Close()
		if got := conn.State(); got != taskbus.Disconnected {
			t.Errorf("State() = %v, want Disconnected", got)
		}
		if _, err := conn.Call(task, "", "/svc", "org.test.Iface", "Hang", ""); !errors.Is(err, taskbus.ErrDisconnected) {
			t.Errorf("Call on closed conn = %v, want ErrDisconnected", err)
		}
		if err := conn.EmitSignal(task, "/svc", "org.test.Iface", "Sig", ""); !errors.Is(err, taskbus.ErrDisconnected) {
			t.Errorf("EmitSignal on closed conn = %v, want ErrDisconnected", err)
		}
	})
}

func TestPeerDisconnect(t *testing.T) {
	loop := bustest.NewLoop(t)
	conn, raw := bustest.ConnAndRaw(t, loop)

	loop.Go(func(task *eventloop.Task) {
		_, err := conn.Call(task, "", "/svc", "org.test.Iface", "Hang", "")
		if !errors.Is(err, taskbus.ErrDisconnected) {
			t.Errorf("pending Call = %v, want ErrDisconnected", err)
		}
	})

	bustest.Run(t, loop, func(task *eventloop.Task) {
		task.Sleep(10 * time.Millisecond)
		raw.Close()
	})
}

func TestBlockedWriterDisconnect(t *testing.T) {
	loop := bustest.NewLoop(t)
	conn, raw := bustest.ConnAndRaw(t, loop)

	// A body much larger than the socketpair buffer parks the caller
	// on the write watch partway through the message.
	big := strings.Repeat("x", 4<<20)

	loop.Go(func(task *eventloop.Task) {
		_, err := conn.Call(task, "", "/svc", "org.test.Iface", "Swallow", "s", big)
		if !errors.Is(err, taskbus.ErrDisconnected) {
			t.Errorf("blocked Call = %v, want ErrDisconnected", err)
		}
		if got := conn.State(); got != taskbus.Disconnected {
			t.Errorf("State = %v, want Disconnected", got)
		}
	})

	bustest.Run(t, loop, func(task *eventloop.Task) {
		task.Sleep(10 * time.Millisecond)
		raw.Close()
	})
}

func TestSubscribe(t *testing.T) {
	loop := bustest.NewLoop(t)
	a, b := bustest.Pair(t, loop)

	var got []string
	record := func(tag string) taskbus.SignalHandler {
		return func(msg *taskbus.Message) {
			got = append(got, fmt.Sprintf("%s:%s", tag, msg.Member))
		}
	}

	a.Subscribe(taskbus.MatchAllSignals(), record("all"))
	a.Subscribe(taskbus.MatchAllSignals().Member("Ping"), record("ping"))
	removeOther := a.Subscribe(taskbus.MatchAllSignals().Interface("other.Iface"), record("other"))

	bustest.Run(t, loop, func(task *eventloop.Task) {
		defer a.Close()
		defer b.Close()

		if err := b.EmitSignal(task, "/svc", "org.test.Iface", "Ping", ""); err != nil {
			t.Errorf("EmitSignal got err: %v", err)
		}
		if err := b.EmitSignal(task, "/svc", "org.test.Iface", "Pong", ""); err != nil {
			t.Errorf("EmitSignal got err: %v", err)
		}
		removeOther()
		if err := b.EmitSignal(task, "/svc", "other.Iface", "Ping", ""); err != nil {
			t.Errorf("EmitSignal got err: %v", err)
		}

		// Signals share the stream with calls, so a round trip
		// guarantees all three have been dispatched.
		b.Handle("/svc", "org.test.Iface", "Fence", func(call *taskbus.Message) (taskbus.Signature, []any, error) {
			return "", nil, nil
		})
		if _, err := a.Call(task, "", "/svc", "org.test.Iface", "Fence", ""); err != nil {
			t.Errorf("fence Call got err: %v", err)
		}
	})

	// Handlers run in registration order; the removed subscription
	// saw nothing after removal.
	want := []string{"all:Ping", "ping:Ping", "all:Pong", "all:Ping", "ping:Ping"}
	if !slices.Equal(got, want) {
		t.Errorf("signal deliveries = %v, want %v", got, want)
	}
}

func TestOneWay(t *testing.T) {
	loop := bustest.NewLoop(t)
	a, b := bustest.Pair(t, loop)

	var calls []string
	b.Handle("/svc", "org.test.Iface", "Note", func(call *taskbus.Message) (taskbus.Signature, []any, error) {
		calls = append(calls, "note")
		return "", nil, nil
	})
	b.Handle("/svc", "org.test.Iface", "Fence", func(call *taskbus.Message) (taskbus.Signature, []any, error) {
		calls = append(calls, "fence")
		return "", nil, nil
	})

	bustest.Run(t, loop, func(task *eventloop.Task) {
		defer a.Close()
		defer b.Close()

		if err := a.OneWay(task, "", "/svc", "org.test.Iface", "Note", ""); err != nil {
			t.Errorf("OneWay got err: %v", err)
		}
		if _, err := a.Call(task, "", "/svc", "org.test.Iface", "Fence", ""); err != nil {
			t.Errorf("fence Call got err: %v", err)
		}
	})

	want := []string{"note", "fence"}
	if !slices.Equal(calls, want) {
		t.Errorf("handled calls = %v, want %v", calls, want)
	}
}

func TestEncodeErrorLeavesNothingPending(t *testing.T) {
	loop := bustest.NewLoop(t)
	a, b := bustest.Pair(t, loop)

	b.Handle("/svc", "org.test.Iface", "Echo", func(call *taskbus.Message) (taskbus.Signature, []any, error) {
		return call.Signature, call.Body, nil
	})

	bustest.Run(t, loop, func(task *eventloop.Task) {
		defer a.Close()
		defer b.Close()

		// A body that does not match its signature fails before
		// anything is written.
		_, err := a.Call(task, "", "/svc", "org.test.Iface", "Echo", "u", "not a uint32")
		var encErr taskbus.EncodeError
		if !errors.As(err, &encErr) {
			t.Errorf("Call with bad body err = %v, want EncodeError", err)
		}

		// The connection is still usable.
		got, err := a.Call(task, "", "/svc", "org.test.Iface", "Echo", "u", uint32(5))
		if err != nil {
			t.Errorf("Call got err: %v", err)
			return
		}
		if diff := cmp.Diff(got, []any{uint32(5)}); diff != "" {
			t.Errorf("Call reply (-got+want):\n%s", diff)
		}
	})
}

func TestMalformedMessageIsDropped(t *testing.T) {
	loop := bustest.NewLoop(t)
	conn, raw := bustest.ConnAndRaw(t, loop)

	conn.Handle("/svc", "org.test.Iface", "Ping", func(call *taskbus.Message) (taskbus.Signature, []any, error) {
		return "s", []any{"pong"}, nil
	})

	bustest.Run(t, loop, func(task *eventloop.Task) {
		rw, err := loop.AddRead(raw.Fd())
		if err != nil {
			t.Errorf("AddRead got err: %v", err)
			return
		}
		defer rw.Cancel()
		defer conn.Close()

		// A frame with a corrupt body, followed by a valid call. The
		// bad frame must be dropped without killing the connection.
		call := &taskbus.Message{
			Kind:      taskbus.KindCall,
			Serial:    7,
			Path:      "/svc",
			Interface: "org.test.Iface",
			Member:    "Ping",
			Signature: "b",
			Body:      []any{true},
		}
		bad, err := taskbus.Marshal(call, fragments.LittleEndian)
		if err != nil {
			t.Errorf("encoding call: %v", err)
			return
		}
		bad[len(bad)-4] = 9 // boolean body byte, now invalid
		if _, err := raw.Write(bad); err != nil {
			t.Errorf("writing bad frame: %v", err)
			return
		}

		good := &taskbus.Message{
			Kind:      taskbus.KindCall,
			Serial:    8,
			Path:      "/svc",
			Interface: "org.test.Iface",
			Member:    "Ping",
		}
		writeFrame(t, raw, good)

		reply := readFrames(t, task, raw, rw, 1)[0]
		if reply.Kind != taskbus.KindReturn || reply.ReplySerial != 8 {
			t.Errorf("got reply %+v, want return to serial 8", reply)
		}
		if diff := cmp.Diff(reply.Body, []any{"pong"}); diff != "" {
			t.Errorf("reply body (-got+want):\n%s", diff)
		}
	})
}
