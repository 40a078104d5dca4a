// Package internal holds helpers private to authcore: opaque token encoding
// and secure identifiers.
//
// # Sub-packages
//
//   - audit: async event dispatch (Dispatcher + Sink implementations)
//   - limiters: store-backed failed-attempt limiter with CAS retries
//   - rate: Redis counters for identifiers that have no account
//   - secretbox: authenticated encryption of TOTP secrets at rest
//   - stores: Redis-backed login challenges
//   - appconfig: process configuration for cmd/authd
//   - httpapi: chi routes mapping HTTP requests onto Engine calls
package internal
