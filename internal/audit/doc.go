// Package audit carries security events from the Engine to a caller-supplied
// [Sink] without blocking the request path.
//
// The [Dispatcher] owns a buffered channel and a single worker goroutine.
// With DropIfFull set, a full buffer drops the event and bumps a counter the
// Engine exposes as AuditDropped; otherwise Emit waits for room or for the
// caller's context. A panicking sink is recovered and counted, never fatal.
//
// Event content is decided by the Engine. Events never carry passwords,
// TOTP secrets or codes, or token material.
package audit
