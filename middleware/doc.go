// Package middleware exposes HTTP guards that authenticate requests with an
// authcore access token.
//
// # Guards
//
//   - [RequireJWTOnly] verifies the token signature and expiry, no I/O.
//   - [RequireStrict] also checks that the token's session is still live.
//   - [RequireFactor] rejects identities whose amr lacks a method, for
//     routes that need the second factor.
//
// Each guard reads the Authorization header, delegates verification to the
// engine, and stores the verified identity with authcore.WithIdentity.
//
// # What this package must NOT do
//
//   - Parse or create JWTs directly.
//   - Access Redis (the engine handles I/O).
//   - Tell the client why a token was rejected beyond the RFC 6750 error code.
package middleware
