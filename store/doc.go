// Package store defines the persistence boundary for credential records.
//
// The authentication engine never talks to a database directly. It reads and
// writes users through [Store], whose conditional operations carry an
// expected version so that concurrent instances can update failure counters
// and TOTP state without in-process locks.
//
// Two implementations ship with the module: store/memory for tests and
// single-process use, and store/postgres for production deployments.
package store
