package eventloop

import (
	"fmt"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

// A FileEvent is one change observed by a FileChange watch.
type FileEvent struct {
	// Mask is the kernel's event mask (unix.IN_* bits).
	Mask uint32
	// Cookie associates the two halves of a rename.
	Cookie uint32
	// Name is the affected directory entry, if the watched path is a
	// directory.
	Name string
}

// Retired reports whether this event retired the watch: the watched
// path was deleted or unmounted and the kernel has dropped the watch.
// A retired watch is unregistered automatically; re-arming requires a
// new [Loop.AddFileWatch].
func (e FileEvent) Retired() bool {
	return e.Mask&unix.IN_IGNORED != 0
}

// inotifyState is the loop's shared inotify descriptor. All
// FileChange watches multiplex onto this one fd.
type inotifyState struct {
	fd   int
	byWd map[int32][]*Watch
}

// DirChangeMask matches the directory-entry changes relevant to
// tracking a single path inside the directory: entries being created,
// deleted or renamed, and the directory itself going away.
const DirChangeMask = unix.IN_CREATE | unix.IN_DELETE | unix.IN_MOVED_FROM |
	unix.IN_MOVED_TO | unix.IN_MOVE_SELF | unix.IN_DELETE_SELF

// AddFileWatch registers interest in changes to path, typically a
// directory. Events are buffered on the watch between awaits and
// drained with [Watch.TakeEvents].
func (l *Loop) AddFileWatch(path string, mask uint32) (*Watch, error) {
	if l.closed {
		return nil, ErrLoopClosed
	}
	if l.ino == nil {
		fd, err := unix.InotifyInit1(unix.IN_NONBLOCK | unix.IN_CLOEXEC)
		if err != nil {
			return nil, fmt.Errorf("inotify init: %w", err)
		}
		l.ino = &inotifyState{fd: fd, byWd: map[int32][]*Watch{}}
	}
	wd, err := unix.InotifyAddWatch(l.ino.fd, path, mask)
	if err != nil {
		return nil, fmt.Errorf("inotify watch %s: %w", path, err)
	}
	w := &Watch{l: l, kind: FileChange, wd: int32(wd), path: path}
	l.ino.byWd[w.wd] = append(l.ino.byWd[w.wd], w)
	l.watches.Add(w)
	return w, nil
}

func (l *Loop) removeInotify(w *Watch) {
	ino := l.ino
	if ino == nil {
		return
	}
	ws := ino.byWd[w.wd]
	for i, x := range ws {
		if x == w {
			ws = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(ws) == 0 {
		delete(ino.byWd, w.wd)
		// Best effort: the kernel may already have retired the wd.
		unix.InotifyRmWatch(ino.fd, uint32(w.wd))
	} else {
		ino.byWd[w.wd] = ws
	}
}

// drainInotify reads all pending events off the inotify fd, buffers
// each on the watches for its wd, and fires their waiters.
func (l *Loop) drainInotify() {
	var buf [4096]byte
	for {
		n, err := unix.Read(l.ino.fd, buf[:])
		if n <= 0 || err != nil {
			return
		}
		off := 0
		for off+unix.SizeofInotifyEvent <= n {
			raw := (*unix.InotifyEvent)(unsafe.Pointer(&buf[off]))
			nameLen := int(raw.Len)
			ev := FileEvent{Mask: raw.Mask, Cookie: raw.Cookie}
			if nameLen > 0 {
				name := buf[off+unix.SizeofInotifyEvent : off+unix.SizeofInotifyEvent+nameLen]
				ev.Name = strings.TrimRight(string(name), "\x00")
			}
			off += unix.SizeofInotifyEvent + nameLen

			ws := l.ino.byWd[raw.Wd]
			if len(ws) == 0 {
				l.log.Debug("inotify event for unknown watch", "wd", raw.Wd, "mask", ev.Mask)
				continue
			}
			// Retirement mutates byWd, so walk a copy.
			for _, w := range append([]*Watch(nil), ws...) {
				w.events = append(w.events, ev)
				if ev.Retired() {
					l.disarm(w)
				}
				l.fire(w, nil)
			}
		}
	}
}
