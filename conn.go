package taskbus

import (
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/creachadair/mds/mapset"
	"golang.org/x/sys/unix"

	"taskbus/eventloop"
	"taskbus/fragments"
	"taskbus/transport"
)

// State describes a connection's position in its lifecycle.
type State int

const (
	// Connecting: the transport is being established.
	Connecting State = iota
	// Connected: messages flow. The only state in which calls may be
	// issued.
	Connected
	// Disconnected: the connection has been torn down. Terminal.
	Disconnected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "invalid"
	}
}

// A SignalHandler is invoked for each inbound signal matching its
// subscription. Handlers run synchronously within the dispatch turn
// and must not suspend.
type SignalHandler func(msg *Message)

// A HandlerFunc implements one method of an exported object. It
// returns the reply body and its signature. Returning a *RemoteError
// controls the error name sent back on the wire; any other error is
// reported as a generic failure.
//
// Handlers run synchronously within the dispatch turn and must not
// suspend.
type HandlerFunc func(call *Message) (Signature, []any, error)

type interfaceMember struct {
	Interface string
	Member    string
}

func (im interfaceMember) String() string {
	return im.Interface + "." + im.Member
}

type objectMember struct {
	Path ObjectPath
	interfaceMember
}

type pendingCall struct {
	serial uint32
	tr     *eventloop.Trigger
	reply  *Message
}

type subscription struct {
	m       *Match
	fn      SignalHandler
	removed bool
}

// Conn is a connection to a bus peer.
//
// All methods must be called from tasks running on the connection's
// loop (or before the loop starts). The connection shares the loop's
// cooperative model: it uses no locks, because only one task touches
// it at a time.
type Conn struct {
	loop *eventloop.Loop
	t    transport.Transport
	log  *slog.Logger

	state      State
	lastSerial uint32
	calls      map[uint32]*pendingCall
	subs       []*subscription
	handlers   map[objectMember]HandlerFunc
	objects    mapset.Set[ObjectPath]

	readW  *eventloop.Watch
	writeW *eventloop.Watch
	rbuf   []byte

	// cooperative write lock: a message's bytes must not interleave
	// with another task's message if a write suspends midway.
	writing bool
	writeQ  []*eventloop.Trigger
}

// A ConnOption adjusts the construction of a Conn.
type ConnOption func(*Conn)

// WithLogger sets the logger used to report dropped messages. The
// default is [slog.Default].
func WithLogger(log *slog.Logger) ConnOption {
	return func(c *Conn) { c.log = log }
}

// Dial connects to the bus listening on the given Unix socket path
// and starts the connection's read pump on loop.
func Dial(loop *eventloop.Loop, path string, opts ...ConnOption) (*Conn, error) {
	t, err := transport.DialUnix(path)
	if err != nil {
		return nil, err
	}
	return NewConn(loop, t, opts...)
}

// NewConn wraps an established transport in a Conn and starts its
// read pump on loop.
func NewConn(loop *eventloop.Loop, t transport.Transport, opts ...ConnOption) (*Conn, error) {
	c := &Conn{
		loop:     loop,
		t:        t,
		log:      slog.Default(),
		state:    Connecting,
		calls:    map[uint32]*pendingCall{},
		handlers: map[objectMember]HandlerFunc{},
		objects:  mapset.New[ObjectPath](),
	}
	for _, o := range opts {
		o(c)
	}
	rw, err := loop.AddRead(t.Fd())
	if err != nil {
		t.Close()
		return nil, err
	}
	c.readW = rw
	c.state = Connected
	loop.Go(c.readPump)
	return c, nil
}

// State returns the connection's lifecycle state.
func (c *Conn) State() State { return c.state }

// Close tears down the connection. Every pending call resolves with
// [ErrDisconnected].
func (c *Conn) Close() error {
	c.teardown(nil)
	return nil
}

func (c *Conn) teardown(cause error) {
	if c.state == Disconnected {
		return
	}
	c.state = Disconnected
	if cause != nil {
		c.log.Warn("connection failed", "err", cause)
	}

	pend := c.calls
	c.calls = nil
	for _, pc := range pend {
		pc.tr.Resolve(ErrDisconnected)
	}
	for _, tr := range c.writeQ {
		tr.Resolve(ErrDisconnected)
	}
	c.writeQ = nil

	c.readW.Cancel()
	if c.writeW != nil {
		c.writeW.Cancel()
	}
	c.t.Close()
}

func (c *Conn) nextSerial() uint32 {
	c.lastSerial++
	return c.lastSerial
}

// readPump is the connection's read task: it frames inbound bytes
// into messages and dispatches each one.
func (c *Conn) readPump(t *eventloop.Task) {
	var buf [4096]byte
	for c.state == Connected {
		n, err := c.t.Read(buf[:])
		switch {
		case n > 0:
			c.rbuf = append(c.rbuf, buf[:n]...)
			if err := c.dispatchBuffered(t); err != nil {
				c.teardown(err)
				return
			}
		case errors.Is(err, unix.EAGAIN):
			if werr := t.Wait(c.readW); werr != nil {
				// Watch canceled by teardown, or the descriptor
				// failed underneath us.
				if !errors.Is(werr, eventloop.ErrWatchClosed) {
					c.teardown(werr)
				}
				return
			}
		case errors.Is(err, io.EOF):
			c.teardown(nil)
			return
		default:
			c.teardown(err)
			return
		}
	}
}

// dispatchBuffered dispatches every complete message sitting in the
// read buffer. A message that fails to decode is logged and dropped;
// only a framing failure (no way to find the next message boundary)
// is fatal to the connection.
func (c *Conn) dispatchBuffered(t *eventloop.Task) error {
	for {
		total, err := MessageLen(c.rbuf)
		if err != nil {
			return err
		}
		if total == 0 || len(c.rbuf) < total {
			return nil
		}
		raw := c.rbuf[:total]
		c.rbuf = c.rbuf[total:]

		msg, err := Unmarshal(raw)
		if err != nil {
			c.log.Warn("dropped malformed message", "err", err)
			continue
		}
		c.dispatch(t, msg)
	}
}

func (c *Conn) dispatch(t *eventloop.Task, msg *Message) {
	switch msg.Kind {
	case KindReturn, KindError:
		c.dispatchReply(msg)
	case KindSignal:
		c.dispatchSignal(msg)
	case KindCall:
		c.dispatchCall(t, msg)
	default:
		c.log.Warn("dropped message of unknown kind", "kind", byte(msg.Kind), "serial", msg.Serial)
	}
}

func (c *Conn) dispatchReply(msg *Message) {
	pc := c.calls[msg.ReplySerial]
	if pc == nil {
		c.log.Warn("dropped reply with no pending call", "replySerial", msg.ReplySerial, "kind", msg.Kind.String())
		return
	}
	delete(c.calls, msg.ReplySerial)

	if msg.Kind == KindError {
		detail := ""
		if len(msg.Body) > 0 {
			if s, ok := msg.Body[0].(string); ok {
				detail = s
			}
		}
		pc.tr.Resolve(&RemoteError{Name: msg.ErrName, Detail: detail})
		return
	}
	pc.reply = msg
	pc.tr.Resolve(nil)
}

func (c *Conn) dispatchSignal(msg *Message) {
	// Snapshot, so handlers that subscribe or unsubscribe don't
	// disturb this delivery.
	subs := c.subs
	for _, sub := range subs {
		if sub.removed || !sub.m.Matches(msg) {
			continue
		}
		sub.fn(msg)
	}
}

func (c *Conn) dispatchCall(t *eventloop.Task, msg *Message) {
	var reply *Message
	if !c.objects.Has(msg.Path) {
		reply = NewMethodError(msg, errNameUnknownObject, "no such object: "+string(msg.Path))
	} else if fn := c.handlers[objectMember{msg.Path, interfaceMember{msg.Interface, msg.Member}}]; fn == nil {
		im := interfaceMember{msg.Interface, msg.Member}
		reply = NewMethodError(msg, errNameUnknownMethod, "no such method: "+im.String())
	} else {
		sig, body, err := fn(msg)
		var remote *RemoteError
		switch {
		case errors.As(err, &remote):
			reply = NewMethodError(msg, remote.Name, remote.Detail)
		case err != nil:
			reply = NewMethodError(msg, errNameFailed, err.Error())
		default:
			reply = NewMethodReturn(msg, sig, body...)
		}
	}
	if !msg.WantReply() {
		return
	}
	if err := c.send(t, reply); err != nil {
		c.log.Warn("failed to send reply", "serial", msg.Serial, "err", err)
	}
}

// Subscribe registers fn to be invoked for every inbound signal
// matching m. Handlers sharing a match run in registration order. The
// returned function removes the subscription.
func (c *Conn) Subscribe(m *Match, fn SignalHandler) (remove func()) {
	sub := &subscription{m: m, fn: fn}
	c.subs = append(c.subs, sub)
	return func() {
		sub.removed = true
		for i, s := range c.subs {
			if s == sub {
				c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
				break
			}
		}
	}
}

// Handle exports a method implementation at the given object path.
// Calls to an unexported path are rejected with an unknown-object
// error; calls to an exported path but an unregistered method with an
// unknown-method error.
func (c *Conn) Handle(path ObjectPath, iface, member string, fn HandlerFunc) {
	c.objects.Add(path)
	c.handlers[objectMember{path, interfaceMember{iface, member}}] = fn
}

// Call invokes a method on a peer and suspends until the reply
// arrives, returning the reply body. A peer error reply is returned
// as a *RemoteError; teardown while the call is pending resolves it
// with [ErrDisconnected].
func (c *Conn) Call(t *eventloop.Task, dest string, path ObjectPath, iface, member string, sig Signature, args ...any) ([]any, error) {
	return c.call(t, dest, path, iface, member, sig, args, 0, false)
}

// CallTimeout is like Call with a deadline: if no reply has arrived
// within timeout, the pending call is withdrawn and
// [eventloop.ErrTimeout] is returned. A reply arriving later is
// dropped as unmatched.
func (c *Conn) CallTimeout(t *eventloop.Task, timeout time.Duration, dest string, path ObjectPath, iface, member string, sig Signature, args ...any) ([]any, error) {
	return c.call(t, dest, path, iface, member, sig, args, timeout, false)
}

// OneWay invokes a method without expecting a reply. It returns after
// the message is written; no pending-call entry is created.
func (c *Conn) OneWay(t *eventloop.Task, dest string, path ObjectPath, iface, member string, sig Signature, args ...any) error {
	_, err := c.call(t, dest, path, iface, member, sig, args, 0, true)
	return err
}

func (c *Conn) call(t *eventloop.Task, dest string, path ObjectPath, iface, member string, sig Signature, args []any, timeout time.Duration, noReply bool) ([]any, error) {
	if c.state != Connected {
		return nil, ErrDisconnected
	}

	msg := &Message{
		Kind:        KindCall,
		Serial:      c.nextSerial(),
		Path:        path,
		Interface:   iface,
		Member:      member,
		Destination: dest,
		Signature:   sig,
		Body:        args,
	}
	if noReply {
		msg.Flags |= FlagNoReplyExpected
	}

	// Encode before registering the pending call, so an encoding
	// error surfaces synchronously with nothing written and nothing
	// pending.
	bs, err := Marshal(msg, fragments.LittleEndian)
	if err != nil {
		return nil, err
	}

	var pc *pendingCall
	if !noReply {
		pc = &pendingCall{serial: msg.Serial, tr: c.loop.NewTrigger()}
		c.calls[msg.Serial] = pc
	}

	if err := c.write(t, bs); err != nil {
		if pc != nil {
			delete(c.calls, msg.Serial)
		}
		return nil, err
	}
	if noReply {
		return nil, nil
	}

	if timeout > 0 {
		err = t.WaitTriggerTimeout(pc.tr, timeout)
	} else {
		err = t.WaitTrigger(pc.tr)
	}
	if err != nil {
		// The await failed (timeout or cancellation), so nobody will
		// ever read the reply. Withdrawing the entry makes a late
		// reply a logged drop rather than a silent one.
		delete(c.calls, pc.serial)
		return nil, err
	}
	return pc.reply.Body, nil
}

// EmitSignal broadcasts a signal. It is fire and forget: no reply
// arrives and no pending-call entry is created.
func (c *Conn) EmitSignal(t *eventloop.Task, path ObjectPath, iface, member string, sig Signature, args ...any) error {
	if c.state != Connected {
		return ErrDisconnected
	}
	msg := &Message{
		Kind:      KindSignal,
		Serial:    c.nextSerial(),
		Path:      path,
		Interface: iface,
		Member:    member,
		Signature: sig,
		Body:      args,
	}
	bs, err := Marshal(msg, fragments.LittleEndian)
	if err != nil {
		return err
	}
	return c.write(t, bs)
}

// send marshals and writes a connection-generated message (a reply),
// assigning its serial.
func (c *Conn) send(t *eventloop.Task, msg *Message) error {
	if c.state != Connected {
		return ErrDisconnected
	}
	msg.Serial = c.nextSerial()
	bs, err := Marshal(msg, fragments.LittleEndian)
	if err != nil {
		return err
	}
	return c.write(t, bs)
}

// write sends bs whole. If the socket blocks midway the writing task
// suspends on a writable watch; other tasks wanting to write queue up
// behind it so messages never interleave on the wire.
func (c *Conn) write(t *eventloop.Task, bs []byte) error {
	if err := c.lockWrite(t); err != nil {
		return err
	}
	defer c.unlockWrite()

	for len(bs) > 0 {
		if c.state != Connected {
			return ErrDisconnected
		}
		n, err := c.t.Write(bs)
		bs = bs[n:]
		if err == nil {
			continue
		}
		if !errors.Is(err, unix.EAGAIN) {
			// A real write errno (EPIPE, ECONNRESET) means the
			// connection is dead.
			c.teardown(err)
			return ErrDisconnected
		}
		if c.writeW == nil {
			w, werr := c.loop.AddWrite(c.t.Fd())
			if werr != nil {
				return werr
			}
			c.writeW = w
		}
		if werr := t.Wait(c.writeW); werr != nil {
			if errors.Is(werr, eventloop.ErrCanceled) {
				return werr
			}
			// The watch only dies when the connection does: it was
			// canceled by teardown, or the descriptor failed
			// underneath us. Either way the caller sees a
			// disconnect, not a watch error.
			c.teardown(werr)
			return ErrDisconnected
		}
	}
	return nil
}

func (c *Conn) lockWrite(t *eventloop.Task) error {
	if !c.writing {
		c.writing = true
		return nil
	}
	tr := c.loop.NewTrigger()
	c.writeQ = append(c.writeQ, tr)
	return t.WaitTrigger(tr)
}

func (c *Conn) unlockWrite() {
	if len(c.writeQ) > 0 {
		tr := c.writeQ[0]
		c.writeQ = c.writeQ[1:]
		tr.Resolve(nil)
		return
	}
	c.writing = false
}
