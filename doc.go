// Package taskbus is a bus protocol client built on a single-threaded
// cooperative event loop.
//
// A [Conn] speaks a binary message protocol (method calls, replies,
// errors and signals) over a raw byte transport, dispatching inbound
// traffic from a read task on a [taskbus/eventloop.Loop]. Outbound
// calls are matched to their replies by serial number, so replies may
// arrive in any order. Signals are fanned out to exact-match
// subscriptions, and exported object methods are served from the same
// dispatch turn.
//
// Everything runs inside loop tasks: a call suspends the calling task
// until its reply arrives, and no locks are used anywhere, because
// only one task executes at a time.
package taskbus
