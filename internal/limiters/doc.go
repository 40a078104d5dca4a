// Package limiters implements the per-account failed-attempt limiter.
//
// Counters live in the user record and change only through
// store.Store.AtomicIncrementFailure, a compare-and-set on the record version.
// A lost race reloads and retries a bounded number of times; the limiter never
// holds in-process state about any account.
package limiters
