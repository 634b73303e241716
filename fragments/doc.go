// Package fragments provides low-level encoding and decoding helpers
// to construct and parse wire-format messages.
//
// The provided encoder and decoder are very low level, and do not
// enforce any message semantics. It is the caller's responsibility to
// produce valid messages using these tools: in particular, the caller
// must emit values in an order consistent with the type signature
// declared for them.
package fragments
