// Package rate keeps fixed-window failure counters in Redis.
//
// The engine uses it for login identifiers that match no account, so that an
// unknown email locks out after the same number of failures as a real one,
// and optionally for a per-IP login budget.
//
// # Window semantics
//
// INCR + EXPIRE on first hit. An identifier that exhausts its budget is
// blocked, and each consecutive block doubles up to a cap, like an account
// lockout. Key prefixes:
//   - alu: login failures per unknown identifier (hashed)
//   - all: identifier block, expires when the block ends
//   - als: consecutive identifier blocks
//   - ali: login failures per client IP
package rate
