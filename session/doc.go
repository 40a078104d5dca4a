// Package session persists refresh-token families in Redis.
//
// A family starts at login (or at a successful second factor) and lives until
// its absolute expiry, logout, or revocation. Each family holds exactly one
// valid refresh hash. Rotation swaps that hash atomically in a Lua script; a
// presented hash that does not match the current one is treated as reuse of a
// superseded token and the whole family is deleted in the same script.
//
// The package never sees raw refresh secrets, only their hashes, and it does
// not interpret access tokens. Policy decisions belong to the Engine.
package session
