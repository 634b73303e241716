// Package eventloop bridges a native poll-based event loop and a
// single-threaded cooperative task scheduler.
//
// The loop owns all I/O readiness, timer and signal management. Tasks
// ask it for [Watch] registrations and suspend on them; native
// readiness is converted into single-resolution completions that
// resume exactly one task each. One native loop iteration runs per
// scheduler turn, and only one task executes at any moment, so code
// running inside tasks shares loop state without locks.
package eventloop
