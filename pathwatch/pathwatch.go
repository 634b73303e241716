// Package pathwatch tracks the existence and identity of a single
// filesystem path.
//
// Kernel directory-watch primitives cannot watch a path that does not
// exist yet. A Watch therefore arms its watch on the path's
// containing directory, and on every directory change re-checks the
// leaf: a notification is produced only when the leaf's identity (its
// existence, plus device and inode numbers) actually changed. Several
// rapid changes observed in one loop wake coalesce into at most one
// notification, reflecting the net identity change.
package pathwatch

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"taskbus/eventloop"
)

// ErrWatchLost means a path cannot be watched at all: its containing
// directory does not exist, so there is no directory to arm a watch
// on.
var ErrWatchLost = errors.New("containing directory cannot be watched")

// ErrClosed is returned by Next after Close.
var ErrClosed = errors.New("path watch closed")

// rearmInterval bounds how long a vanished containing directory goes
// unnoticed when no directory events arrive to prompt a re-arm.
const rearmInterval = time.Second

// An Identity is the observed identity of the watched path: whether
// it exists, and which filesystem object it names.
type Identity struct {
	Exists bool
	Dev    uint64
	Ino    uint64
}

func (id Identity) String() string {
	if !id.Exists {
		return "absent"
	}
	return fmt.Sprintf("dev %d inode %d", id.Dev, id.Ino)
}

// A Watch tracks one path. It produces an infinite sequence of
// identity changes via [Watch.Next].
type Watch struct {
	loop *eventloop.Loop
	path string
	dir  string

	id     Identity
	dirW   *eventloop.Watch // nil while the containing directory is gone
	retryW *eventloop.Watch // armed while the containing directory is gone
	closed bool
}

// Open starts watching path. The path's identity is recorded
// immediately (possibly "absent"), and a directory watch is armed on
// its containing directory.
//
// Open fails with [ErrWatchLost] if the containing directory does not
// exist: there is nothing to arm a watch on. Once Open succeeds the
// watch survives the directory being removed and recreated.
func Open(loop *eventloop.Loop, path string) (*Watch, error) {
	dir := filepath.Dir(path)
	w := &Watch{
		loop: loop,
		path: path,
		dir:  dir,
	}
	if err := w.arm(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrWatchLost, dir)
	}
	w.id = statIdentity(path)
	return w, nil
}

// Identity returns the most recently observed identity of the path.
func (w *Watch) Identity() Identity { return w.id }

// Close releases the watch. A concurrent Next resumes with
// [ErrClosed].
func (w *Watch) Close() {
	if w.closed {
		return
	}
	w.closed = true
	if w.dirW != nil {
		w.dirW.Cancel()
		w.dirW = nil
	}
	if w.retryW != nil {
		w.retryW.Cancel()
		w.retryW = nil
	}
}

// Next suspends the calling task until the watched path's identity
// changes, and returns the new identity. The sequence is infinite and
// not restartable: each change is observed once.
func (w *Watch) Next(t *eventloop.Task) (Identity, error) {
	for {
		if w.closed {
			return Identity{}, ErrClosed
		}

		if w.dirW == nil && w.retryW == nil {
			w.rearm()
			if w.dirW == nil && w.retryW == nil {
				return Identity{}, ErrWatchLost
			}
		}

		var err error
		if w.dirW != nil {
			err = t.Wait(w.dirW)
			if errors.Is(err, eventloop.ErrWatchClosed) {
				// The kernel retired the watch with no events
				// buffered.
				w.dirW = nil
				err = nil
			}
		} else {
			err = t.Wait(w.retryW)
		}
		if w.closed {
			return Identity{}, ErrClosed
		}
		if err != nil {
			return Identity{}, err
		}

		w.settle()

		// One re-stat per wake, however many directory events were
		// batched into it. Only a net identity change notifies.
		id := statIdentity(w.path)
		changed := id != w.id
		w.id = id
		if changed {
			return id, nil
		}
	}
}

// settle processes buffered directory events and keeps the directory
// watch armed across the directory itself vanishing and reappearing.
func (w *Watch) settle() {
	if w.dirW != nil {
		for _, ev := range w.dirW.TakeEvents() {
			if ev.Retired() || ev.Mask&(unix.IN_DELETE_SELF|unix.IN_MOVE_SELF) != 0 {
				// The directory is gone; the kernel retired the
				// watch. Fall back to lazy re-arming.
				w.dirW.Cancel()
				w.dirW = nil
				break
			}
		}
	}
	if w.dirW == nil {
		w.rearm()
	}
}

// rearm tries to re-establish the directory watch. Re-arming is
// attempted lazily: on every wake that delivers a directory event,
// and on a coarse retry timer while the directory stays gone. There
// is no attempt limit; a recreated directory is picked up on the next
// attempt after it appears.
func (w *Watch) rearm() {
	if err := w.arm(); err != nil {
		if w.retryW == nil {
			rw, terr := w.loop.AddTimer(rearmInterval, true)
			if terr == nil {
				w.retryW = rw
			}
		}
		return
	}
	if w.retryW != nil {
		w.retryW.Cancel()
		w.retryW = nil
	}
}

func (w *Watch) arm() error {
	dw, err := w.loop.AddFileWatch(w.dir, eventloop.DirChangeMask)
	if err != nil {
		return err
	}
	w.dirW = dw
	return nil
}

// statIdentity resolves the current identity of path.
func statIdentity(path string) Identity {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return Identity{}
	}
	return Identity{Exists: true, Dev: uint64(st.Dev), Ino: uint64(st.Ino)}
}
