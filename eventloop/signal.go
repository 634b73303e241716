package eventloop

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"
)

// AddSignal registers interest in deliveries of the given Unix
// signal. Deliveries that arrive while no task is awaiting the watch
// are counted and consumed by later awaits, one per delivery.
//
// The watch forwards deliveries into the loop's wake pipe, so they
// are observed on the next native wait like any other source.
func (l *Loop) AddSignal(sig os.Signal) (*Watch, error) {
	if l.closed {
		return nil, ErrLoopClosed
	}
	num, ok := sig.(syscall.Signal)
	if !ok {
		return nil, fmt.Errorf("cannot watch non-Unix signal %v", sig)
	}
	if num <= 0 || num > 255 {
		return nil, fmt.Errorf("cannot watch signal number %d", num)
	}

	w := &Watch{
		l:       l,
		kind:    Signal,
		sig:     sig,
		sigCh:   make(chan os.Signal, 4),
		stopSig: make(chan struct{}),
	}
	signal.Notify(w.sigCh, sig)
	go func() {
		wake := [1]byte{byte(num)}
		for {
			select {
			case <-w.stopSig:
				return
			case <-w.sigCh:
				unix.Write(l.wakeW, wake[:])
			}
		}
	}()

	l.watches.Add(w)
	return w, nil
}

func (l *Loop) stopSignal(w *Watch) {
	signal.Stop(w.sigCh)
	close(w.stopSig)
}

// deliverSignal routes one forwarded delivery of signal number num to
// every armed watch for that signal.
func (l *Loop) deliverSignal(num int) {
	delivered := false
	for w := range l.watches {
		if w.kind != Signal {
			continue
		}
		if n, ok := w.sig.(syscall.Signal); !ok || int(n) != num {
			continue
		}
		delivered = true
		if w.waiter != nil {
			l.fire(w, nil)
		} else {
			w.pending++
		}
	}
	if !delivered {
		l.log.Debug("dropped signal with no armed watch", "signal", num)
	}
}
