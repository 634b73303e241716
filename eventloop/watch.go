package eventloop

import (
	"fmt"
	"os"
	"time"
)

// Kind identifies what a Watch is interested in.
type Kind int

const (
	// Readable fires when a file descriptor has data to read (or has
	// reached EOF).
	Readable Kind = iota
	// Writable fires when a file descriptor can accept writes.
	Writable
	// Timer fires when a deadline is reached, optionally repeating.
	Timer
	// Signal fires when the process receives a Unix signal.
	Signal
	// FileChange fires when a watched path's directory entries
	// change. Events are delivered in batches via
	// [Watch.TakeEvents].
	FileChange
)

func (k Kind) String() string {
	switch k {
	case Readable:
		return "readable"
	case Writable:
		return "writable"
	case Timer:
		return "timer"
	case Signal:
		return "signal"
	case FileChange:
		return "filechange"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// A Watch is one registered interest in the loop's native event
// sources. At most one task may be awaiting a given Watch at a time.
//
// A Watch participates in the native wait only while a task is
// awaiting it; readiness that occurs while nobody is awaiting an fd
// watch is simply observed on the next await. Signal deliveries and
// file change events that arrive between awaits are buffered.
type Watch struct {
	l    *Loop
	kind Kind

	// Readable/Writable
	fd int

	// Timer
	at     time.Time
	period time.Duration

	// Signal
	sig     os.Signal
	sigCh   chan os.Signal
	stopSig chan struct{}
	pending int

	// FileChange
	wd     int32
	path   string
	events []FileEvent

	waiter *completion
	dead   bool
}

// Kind returns what the watch is interested in.
func (w *Watch) Kind() Kind { return w.kind }

// TakeEvents drains and returns the file change events buffered on a
// FileChange watch since the previous call.
func (w *Watch) TakeEvents() []FileEvent {
	evs := w.events
	w.events = nil
	return evs
}

// Cancel disarms the watch and releases its native registration. If a
// task is currently awaiting the watch, its await resolves with
// [ErrWatchClosed]; the watch can never deliver an outcome after
// Cancel returns.
func (w *Watch) Cancel() {
	if w.dead {
		return
	}
	w.l.disarm(w)
	if c := w.waiter; c != nil {
		w.waiter = nil
		w.l.resolve(c, ErrWatchClosed)
	}
}

// completion is a single-resolution slot binding a suspended task to
// the outcome that will resume it. It resolves at most once; a
// resolved completion makes its task runnable with the recorded
// error.
type completion struct {
	t    *Task
	done bool

	// w / tr is the registration this completion is parked on, so a
	// deadline expiry can unregister it without delivering a stale
	// outcome later.
	w  *Watch
	tr *Trigger
}

// resolve marks c resolved with err and schedules its task. It is a
// no-op on an already-resolved completion.
func (l *Loop) resolve(c *completion, err error) {
	if c.done {
		return
	}
	c.done = true
	c.t.outcome = err
	c.t.wcur = nil
	l.runnable.Add(c.t)
}

// fire resolves the watch's waiter, if any, and detaches it.
func (l *Loop) fire(w *Watch, err error) {
	c := w.waiter
	if c == nil {
		return
	}
	w.waiter = nil
	l.resolve(c, err)
}
