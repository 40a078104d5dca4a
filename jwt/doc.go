// Package jwt issues and verifies signed access tokens.
//
// Tokens carry sub, iat, exp, iss and amr (the ordered list of satisfied
// authentication factors) plus the refresh session id. Verification is a pure
// function of the token and the in-memory keyring: no storage is consulted.
//
// The keyring holds one signing key and any number of retired keys. After
// [Manager.Rotate] the previous key keeps verifying tokens until its grace
// deadline passes, then it is dropped on the next rotation or lookup.
package jwt
