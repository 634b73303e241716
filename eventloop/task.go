package eventloop

import (
	"errors"
	"time"
)

// A Task is one cooperatively scheduled unit of work. Between awaits
// it runs alone: no other task and no loop bookkeeping executes until
// it suspends or finishes, so task code needs no synchronization to
// touch loop-owned state.
type Task struct {
	l        *Loop
	resume   chan error
	outcome  error
	wcur     *completion
	canceled bool
	done     bool
}

// Go starts fn as a new task. The task does not begin executing until
// the scheduler first resumes it.
//
// Go may be called before [Loop.Run], or from a running task. It must
// not be called from outside the loop while the loop is running.
func (l *Loop) Go(fn func(t *Task)) *Task {
	t := &Task{l: l, resume: make(chan error, 1)}
	l.live++
	l.runnable.Add(t)
	go func() {
		<-t.resume
		fn(t)
		t.done = true
		l.yield <- yieldMsg{t, true}
	}()
	return t
}

// Cancel requests cancellation of the task. If the task is currently
// suspended, its watch registration is removed and it resumes with
// [ErrCanceled]; if it is running, it keeps running until its next
// await, which returns ErrCanceled without suspending.
func (t *Task) Cancel() {
	if t.done || t.canceled {
		return
	}
	t.canceled = true
	c := t.wcur
	if c == nil || c.done {
		return
	}
	if w := c.w; w != nil {
		w.waiter = nil
		t.l.disarm(w)
	}
	if tr := c.tr; tr != nil {
		tr.waiter = nil
	}
	t.l.resolve(c, ErrCanceled)
}

// Canceled reports whether Cancel has been called on the task.
func (t *Task) Canceled() bool { return t.canceled }

// Loop returns the loop the task is scheduled on.
func (t *Task) Loop() *Loop { return t.l }

// Wait suspends the task until w fires, and returns the outcome: nil
// for ordinary readiness, or an error if the source failed.
func (t *Task) Wait(w *Watch) error {
	return t.wait(w, time.Time{})
}

// WaitTimeout is like Wait but resumes with [ErrTimeout] if w has not
// fired within d. On expiry the watch is unregistered, so the timed
// out await can never be followed by a stale delivery.
func (t *Task) WaitTimeout(w *Watch, d time.Duration) error {
	return t.wait(w, time.Now().Add(d))
}

func (t *Task) wait(w *Watch, deadline time.Time) error {
	if t.canceled {
		return ErrCanceled
	}
	if w.l != t.l {
		return errors.New("watch belongs to a different loop")
	}

	// Outcomes that are already available complete without
	// suspending.
	switch w.kind {
	case FileChange:
		if len(w.events) > 0 {
			return nil
		}
	case Signal:
		if w.pending > 0 {
			w.pending--
			return nil
		}
	}
	if w.dead {
		return ErrWatchClosed
	}
	if w.waiter != nil {
		return errors.New("watch is already being awaited")
	}

	c := &completion{t: t, w: w}
	w.waiter = c
	if w.kind == Timer {
		t.l.timers.Add(&timerEntry{at: w.at, c: c, timer: true})
	}
	if !deadline.IsZero() {
		t.l.timers.Add(&timerEntry{at: deadline, c: c})
	}
	return t.park(c)
}

// park hands control back to the scheduler and blocks until the
// completion resolves.
func (t *Task) park(c *completion) error {
	t.wcur = c
	t.l.yield <- yieldMsg{t, false}
	return <-t.resume
}

// Sleep suspends the task for at least d.
func (t *Task) Sleep(d time.Duration) error {
	w, err := t.l.AddTimer(d, false)
	if err != nil {
		return err
	}
	return t.Wait(w)
}

// A Trigger is a single-resolution slot with no native source behind
// it: some other task resolves it explicitly. It is the suspension
// primitive behind pending calls.
type Trigger struct {
	l      *Loop
	done   bool
	err    error
	waiter *completion
}

// NewTrigger creates an unresolved Trigger.
func (l *Loop) NewTrigger() *Trigger {
	return &Trigger{l: l}
}

// Resolved reports whether the trigger has been resolved.
func (tr *Trigger) Resolved() bool { return tr.done }

// Resolve resolves the trigger with err (which may be nil), resuming
// the awaiting task if there is one. Resolving an already-resolved
// trigger has no effect: the first resolution wins.
func (tr *Trigger) Resolve(err error) {
	if tr.done {
		return
	}
	tr.done = true
	tr.err = err
	if c := tr.waiter; c != nil {
		tr.waiter = nil
		tr.l.resolve(c, err)
	}
}

// WaitTrigger suspends the task until tr resolves, and returns the
// resolution error. If tr is already resolved it returns immediately.
func (t *Task) WaitTrigger(tr *Trigger) error {
	return t.waitTrigger(tr, time.Time{})
}

// WaitTriggerTimeout is like WaitTrigger with a deadline; on expiry
// it returns [ErrTimeout] and detaches from the trigger, whose later
// resolution (if any) goes nowhere.
func (t *Task) WaitTriggerTimeout(tr *Trigger, d time.Duration) error {
	return t.waitTrigger(tr, time.Now().Add(d))
}

func (t *Task) waitTrigger(tr *Trigger, deadline time.Time) error {
	if t.canceled {
		return ErrCanceled
	}
	if tr.done {
		return tr.err
	}
	if tr.waiter != nil {
		return errors.New("trigger is already being awaited")
	}
	c := &completion{t: t, tr: tr}
	tr.waiter = c
	if !deadline.IsZero() {
		t.l.timers.Add(&timerEntry{at: deadline, c: c})
	}
	return t.park(c)
}
