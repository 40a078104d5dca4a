// Package stores holds short-lived Redis records for the login flow.
//
// The only record today is the second-factor challenge: a single-use ticket
// handed out after a correct password for an account with TOTP enabled. It
// carries the user id, an absolute expiry, and a wrong-code counter.
//
// Consume is a plain DEL whose reply decides the single winner. RecordFailure
// runs in a WATCH/MULTI loop and deletes the record once the attempt limit is
// reached. The package never sees TOTP secrets or codes.
package stores
