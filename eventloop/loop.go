package eventloop

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/creachadair/mds/heapq"
	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/mds/queue"
	"golang.org/x/sys/unix"
)

// A Loop owns a native poll set and a cooperative task scheduler.
//
// Exactly one task executes at a time; tasks switch only at explicit
// awaits on a [Watch], [Trigger] or deadline. All loop state is
// therefore mutated under ordinary sequencing, with no locks: the
// loop goroutine and the single running task goroutine hand control
// back and forth over channels, and are never live simultaneously.
//
// Tasks are started with [Loop.Go], before or during [Loop.Run]. The
// loop's methods must be called either before Run, or from within a
// task.
type Loop struct {
	log *slog.Logger

	// wake pipe. The read end is always in the poll set; writes come
	// from signal forwarding goroutines (one byte per delivery,
	// carrying the signal number) and are the only cross-goroutine
	// input while the loop runs.
	wakeR, wakeW int

	watches   mapset.Set[*Watch] // every armed watch
	fdWatches map[fdKey]*Watch
	timers    *heapq.Queue[*timerEntry]
	ino       *inotifyState

	runnable *queue.Queue[*Task]
	yield    chan yieldMsg
	live     int
	closed   bool
}

type fdKey struct {
	fd    int
	write bool
}

// timerEntry schedules a completion to fire at a point in time.
// Entries are never removed from the heap early; a resolved
// completion just makes the entry a no-op when it surfaces.
type timerEntry struct {
	at time.Time
	c  *completion
	// timer is set when the entry represents a Timer watch firing,
	// as opposed to an await deadline.
	timer bool
}

type yieldMsg struct {
	t      *Task
	exited bool
}

// An Option adjusts the construction of a Loop.
type Option func(*Loop)

// WithLogger sets the logger used to report dropped events and
// internal trouble. The default is [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(l *Loop) { l.log = log }
}

// New creates a Loop.
func New(opts ...Option) (*Loop, error) {
	var pipe [2]int
	if err := unix.Pipe2(pipe[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("creating wake pipe: %w", err)
	}
	l := &Loop{
		log:       slog.Default(),
		wakeR:     pipe[0],
		wakeW:     pipe[1],
		watches:   mapset.New[*Watch](),
		fdWatches: map[fdKey]*Watch{},
		timers: heapq.New(func(a, b *timerEntry) int {
			return a.at.Compare(b.at)
		}),
		runnable: queue.New[*Task](),
		yield:    make(chan yieldMsg),
	}
	for _, o := range opts {
		o(l)
	}
	return l, nil
}

// Close tears down the loop and releases its native resources. Any
// still-armed watches are canceled.
func (l *Loop) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	for w := range l.watches {
		w.Cancel()
	}
	if l.ino != nil {
		unix.Close(l.ino.fd)
		l.ino = nil
	}
	unix.Close(l.wakeR)
	unix.Close(l.wakeW)
	return nil
}

// NumWatches returns the number of currently armed watches.
func (l *Loop) NumWatches() int { return len(l.watches) }

// AddRead registers interest in fd becoming readable.
func (l *Loop) AddRead(fd int) (*Watch, error) {
	return l.addFD(fd, false)
}

// AddWrite registers interest in fd becoming writable.
func (l *Loop) AddWrite(fd int) (*Watch, error) {
	return l.addFD(fd, true)
}

func (l *Loop) addFD(fd int, write bool) (*Watch, error) {
	if l.closed {
		return nil, ErrLoopClosed
	}
	key := fdKey{fd, write}
	if _, ok := l.fdWatches[key]; ok {
		return nil, fmt.Errorf("fd %d already has a %v watch", fd, key.kind())
	}
	w := &Watch{l: l, kind: key.kind(), fd: fd}
	l.fdWatches[key] = w
	l.watches.Add(w)
	return w, nil
}

func (k fdKey) kind() Kind {
	if k.write {
		return Writable
	}
	return Readable
}

// AddTimer registers a timer that fires d from now. If periodic is
// true the timer re-arms itself every d thereafter; otherwise it is
// released when it fires.
func (l *Loop) AddTimer(d time.Duration, periodic bool) (*Watch, error) {
	if l.closed {
		return nil, ErrLoopClosed
	}
	w := &Watch{l: l, kind: Timer, at: time.Now().Add(d)}
	if periodic {
		w.period = d
	}
	l.watches.Add(w)
	return w, nil
}

// disarm releases w's native registration and drops it from the
// registry. The waiter, if any, is left for the caller to settle.
func (l *Loop) disarm(w *Watch) {
	if w.dead {
		return
	}
	w.dead = true
	delete(l.watches, w)
	switch w.kind {
	case Readable:
		delete(l.fdWatches, fdKey{w.fd, false})
	case Writable:
		delete(l.fdWatches, fdKey{w.fd, true})
	case Signal:
		l.stopSignal(w)
	case FileChange:
		l.removeInotify(w)
	}
}

// Run drives the loop until no tasks remain, alternating between
// resuming runnable tasks (one at a time, each to its next suspension
// point) and one native wait per turn. Outcomes resolved within one
// native wake are delivered in the order the poll reported them.
func (l *Loop) Run() error {
	if l.closed {
		return ErrLoopClosed
	}
	for l.live > 0 {
		for !l.runnable.IsEmpty() {
			t, _ := l.runnable.Pop()
			t.resume <- t.outcome
			m := <-l.yield
			if m.exited {
				l.live--
			}
		}
		if l.live == 0 {
			break
		}
		if err := l.turn(); err != nil {
			return err
		}
	}
	return nil
}

// hasSources reports whether any registered source could still
// resolve a suspended task.
func (l *Loop) hasSources() bool {
	for !l.timers.IsEmpty() {
		e, _ := l.timers.Peek(0)
		if !e.c.done {
			return true
		}
		l.timers.Pop()
	}
	if l.ino != nil && len(l.ino.byWd) > 0 {
		return true
	}
	for w := range l.watches {
		switch w.kind {
		case Signal:
			return true
		case Readable, Writable:
			if w.waiter != nil {
				return true
			}
		}
	}
	return false
}

// turn performs one native loop iteration: block until at least one
// source is ready or the earliest timer expires, then deliver one
// outcome per ready source.
func (l *Loop) turn() error {
	if !l.hasSources() {
		return ErrStalled
	}

	timeout := -1
	if e, ok := l.timers.Peek(0); ok {
		d := time.Until(e.at)
		if d < 0 {
			d = 0
		}
		// round up so we don't spin on a deadline that is less than
		// a millisecond away
		timeout = int((d + time.Millisecond - 1) / time.Millisecond)
	}

	pfds := []unix.PollFd{{Fd: int32(l.wakeR), Events: unix.POLLIN}}
	polled := []*Watch{nil}
	if l.ino != nil && len(l.ino.byWd) > 0 {
		pfds = append(pfds, unix.PollFd{Fd: int32(l.ino.fd), Events: unix.POLLIN})
		polled = append(polled, nil)
	}
	inoIdx := len(pfds) - 1
	for w := range l.watches {
		if w.waiter == nil {
			continue
		}
		switch w.kind {
		case Readable:
			pfds = append(pfds, unix.PollFd{Fd: int32(w.fd), Events: unix.POLLIN})
		case Writable:
			pfds = append(pfds, unix.PollFd{Fd: int32(w.fd), Events: unix.POLLOUT})
		default:
			continue
		}
		polled = append(polled, w)
	}

	var n int
	var err error
	for {
		n, err = unix.Poll(pfds, timeout)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("poll: %w", err)
	}

	l.fireTimers(time.Now())

	if n == 0 {
		return nil
	}
	for i, pfd := range pfds {
		if pfd.Revents == 0 {
			continue
		}
		switch {
		case i == 0:
			l.drainWakes()
		case i == inoIdx && l.ino != nil && int(pfd.Fd) == l.ino.fd:
			l.drainInotify()
		default:
			w := polled[i]
			if pfd.Revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
				l.fire(w, ErrWatchFailed)
			} else {
				l.fire(w, nil)
			}
		}
	}
	return nil
}

// fireTimers resolves every timer entry whose time has come.
func (l *Loop) fireTimers(now time.Time) {
	for {
		e, ok := l.timers.Peek(0)
		if !ok || e.at.After(now) {
			return
		}
		l.timers.Pop()
		if e.c.done {
			continue
		}
		if e.timer {
			w := e.c.w
			l.fire(w, nil)
			if w.period > 0 {
				w.at = w.at.Add(w.period)
			} else {
				l.disarm(w)
			}
			continue
		}
		// Await deadline: the registration must be gone before the
		// task resumes, so a later readiness cannot reach it.
		if w := e.c.w; w != nil {
			w.waiter = nil
			l.disarm(w)
		}
		if tr := e.c.tr; tr != nil {
			tr.waiter = nil
		}
		l.resolve(e.c, ErrTimeout)
	}
}

// drainWakes empties the wake pipe. Each nonzero byte is a signal
// number forwarded by a signal watch's goroutine.
func (l *Loop) drainWakes() {
	var buf [64]byte
	for {
		n, err := unix.Read(l.wakeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
		for _, b := range buf[:n] {
			if b != 0 {
				l.deliverSignal(int(b))
			}
		}
	}
}
