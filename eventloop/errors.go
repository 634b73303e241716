package eventloop

import "errors"

var (
	// ErrTimeout resolves an await whose deadline expired before the
	// awaited source became ready. The underlying watch registration
	// is removed before the awaiting task resumes, so a later
	// readiness can never be delivered to it.
	ErrTimeout = errors.New("await deadline expired")

	// ErrCanceled resolves the suspension point of a task that was
	// canceled while suspended, and is returned immediately from
	// awaits attempted by a task that has been canceled.
	ErrCanceled = errors.New("task canceled")

	// ErrWatchClosed is returned when awaiting a watch that has been
	// unregistered, either explicitly or because the kernel retired
	// it.
	ErrWatchClosed = errors.New("watch is no longer registered")

	// ErrWatchFailed resolves an await whose file descriptor the
	// native loop reported as invalid or in an error state.
	ErrWatchFailed = errors.New("watched descriptor failed")

	// ErrLoopClosed is reported by operations on a closed loop.
	ErrLoopClosed = errors.New("event loop closed")

	// ErrStalled is returned by [Loop.Run] when every remaining task
	// is suspended and no registered source can ever resolve one of
	// them. Without this check the loop would block forever in the
	// native wait.
	ErrStalled = errors.New("all tasks suspended with no event sources")
)
